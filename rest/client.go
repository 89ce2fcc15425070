// Package rest implements the HTTP collaborator the chat session consumes.
// The realtime channel is only a delivery optimization; these endpoints are
// the source of truth for history, sends and read state.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/tutorlink/chatkit/auth"
	"github.com/tutorlink/chatkit/models"
	"github.com/tutorlink/chatkit/realtime"
)

// ErrEmptyMessage is returned when a send carries neither content nor an
// attachment.
var ErrEmptyMessage = errors.New("empty message")

var validate = validator.New()

// Client talks to the chat gateway's REST surface. Every request carries the
// current bearer token; an absent token is sent as-is and rejected by the
// server, not by the client.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, tokens auth.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    http.DefaultClient,
		tokens:  tokens,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages fetches the most recent page of a conversation's messages. The
// server returns newest first; the result is reversed into chronological
// order for display.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(conversationID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var page []models.Message
	if err := c.do(req, &page); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// SendMessage issues the authoritative send as a multipart request carrying
// the text and the optional single attachment, and returns the confirmed
// record.
func (c *Client) SendMessage(ctx context.Context, input realtime.SendMessageInput) (models.Message, error) {
	if err := validate.Struct(input); err != nil {
		return models.Message{}, fmt.Errorf("validate input: %w", err)
	}
	if input.Content == "" && input.Attachment == nil {
		return models.Message{}, ErrEmptyMessage
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("content", input.Content); err != nil {
		return models.Message{}, fmt.Errorf("write content field: %w", err)
	}
	if att := input.Attachment; att != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="attachment"; filename=%q`, att.Filename))
		if att.MIMEType != "" {
			h.Set("Content-Type", att.MIMEType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			return models.Message{}, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := io.Copy(part, att.Reader); err != nil {
			return models.Message{}, fmt.Errorf("copy attachment: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return models.Message{}, fmt.Errorf("close multipart body: %w", err)
	}

	path := fmt.Sprintf("/api/conversations/%s/messages", url.PathEscape(input.ConversationID))
	req, err := c.newRequest(ctx, http.MethodPost, path, &body, mw.FormDataContentType())
	if err != nil {
		return models.Message{}, err
	}

	var created models.Message
	if err := c.do(req, &created); err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	return created, nil
}

// MarkRead marks all unread messages in the conversation, from the current
// user's perspective, as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/conversations/%s/read", url.PathEscape(conversationID))
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, "")
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Conversations lists the current user's conversations with participants,
// last message and update time.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/conversations", nil, "")
	if err != nil {
		return nil, err
	}
	var conversations []models.Conversation
	if err := c.do(req, &conversations); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return conversations, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, v any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		apiErr := &APIError{Status: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		return apiErr
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tutorlink/chatkit/auth"
	"github.com/tutorlink/chatkit/models"
	"github.com/tutorlink/chatkit/realtime"
)

const maxAttachmentSize = 10 << 20 // 10 MiB

type signupInput struct {
	Name      string `json:"name" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	AvatarURL string `json:"avatarUrl"`
}

func (s *Server) signupHandler(w http.ResponseWriter, r *http.Request) error {
	var input signupInput
	if err := decodeJSON(r.Body, &input); err != nil {
		return newAPIError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(input); err != nil {
		return newAPIError(http.StatusBadRequest, err.Error())
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("bcrypt.GenerateFromPassword: %w", err)
	}

	created, err := s.store.CreateUser(r.Context(), models.User{
		Name:      input.Name,
		Email:     input.Email,
		Password:  string(hashed),
		AvatarURL: input.AvatarURL,
	})
	if err != nil {
		if errors.Is(err, ErrConflictedUser) {
			return newAPIError(http.StatusConflict, "email already taken")
		}
		return fmt.Errorf("store.CreateUser: %w", err)
	}
	return writeJSON(w, created, http.StatusCreated)
}

type signinInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signinResponse struct {
	Token     string                    `json:"token"`
	ExpiresAt time.Time                 `json:"expiresAt"`
	User      models.UserWithoutSecrets `json:"user"`
}

func (s *Server) signinHandler(w http.ResponseWriter, r *http.Request) error {
	var input signinInput
	if err := decodeJSON(r.Body, &input); err != nil {
		return newAPIError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(input); err != nil {
		return newAPIError(http.StatusBadRequest, err.Error())
	}

	authErr := newAPIError(http.StatusUnauthorized, "invalid email or password")

	user, err := s.store.GetUserByEmail(r.Context(), input.Email)
	if err != nil {
		return fmt.Errorf("store.GetUserByEmail: %w", err)
	}
	if user == nil {
		return authErr
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)) != nil {
		return authErr
	}

	token, exp, err := auth.NewToken(user.ID, user.Name, s.config.Auth.TokenExp, s.config.Auth.Secret)
	if err != nil {
		return fmt.Errorf("auth.NewToken: %w", err)
	}
	return writeJSON(w, signinResponse{
		Token:     token,
		ExpiresAt: exp,
		User:      user.WithoutSecrets(),
	}, http.StatusOK)
}

func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) error {
	id := identityFromRequest(r)
	conversations, err := s.store.Conversations(r.Context(), id.UserID)
	if err != nil {
		return fmt.Errorf("store.Conversations: %w", err)
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	return writeJSON(w, conversations, http.StatusOK)
}

// messagesHandler returns the most recent page of a conversation's messages,
// newest first.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) error {
	id := identityFromRequest(r)
	conversationID := chi.URLParam(r, "conversationID")

	member, err := s.store.IsMember(r.Context(), conversationID, id.UserID)
	if err != nil {
		return fmt.Errorf("store.IsMember: %w", err)
	}
	if !member {
		return newAPIError(http.StatusNotFound, "conversation not found")
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.store.Messages(r.Context(), conversationID, limit)
	if err != nil {
		return fmt.Errorf("store.Messages: %w", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return writeJSON(w, messages, http.StatusOK)
}

// sendMessageHandler accepts a multipart send with a text field and at most
// one attachment, persists it, pushes it to the conversation's room and
// returns the confirmed record.
func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	id := identityFromRequest(r)
	conversationID := chi.URLParam(r, "conversationID")

	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		return newAPIError(http.StatusBadRequest, "invalid multipart body")
	}

	message := models.Message{
		ConversationID: conversationID,
		SenderID:       id.UserID,
		SenderName:     id.Name,
		Content:        r.FormValue("content"),
	}

	file, header, err := r.FormFile("attachment")
	switch {
	case err == nil:
		defer file.Close()
		att, err := s.saveAttachment(file, header.Filename, header.Header.Get("Content-Type"))
		if err != nil {
			return fmt.Errorf("save attachment: %w", err)
		}
		message.Attachment = att
	case errors.Is(err, http.ErrMissingFile):
	default:
		return newAPIError(http.StatusBadRequest, "invalid attachment")
	}

	created, err := s.store.CreateMessage(r.Context(), message)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidMessage):
			return newAPIError(http.StatusBadRequest, "message is empty")
		case errors.Is(err, ErrInvalidConversation):
			return newAPIError(http.StatusNotFound, "conversation not found")
		}
		return fmt.Errorf("store.CreateMessage: %w", err)
	}

	s.hub.BroadcastRoom(conversationID, realtime.EventMessageReceived, created)
	return writeJSON(w, created, http.StatusCreated)
}

// saveAttachment writes the upload under a random name, keeping the original
// extension, and returns the public reference.
func (s *Server) saveAttachment(file io.Reader, filename, contentType string) (*models.Attachment, error) {
	name := uuid.New().String() + filepath.Ext(filename)
	dst, err := os.Create(filepath.Join(s.config.UploadDir, name))
	if err != nil {
		return nil, fmt.Errorf("os.Create: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(file, maxAttachmentSize)); err != nil {
		return nil, fmt.Errorf("io.Copy: %w", err)
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	return &models.Attachment{
		URL:      "/uploads/" + name,
		MIMEType: contentType,
		Filename: filename,
	}, nil
}

func (s *Server) markReadHandler(w http.ResponseWriter, r *http.Request) error {
	id := identityFromRequest(r)
	conversationID := chi.URLParam(r, "conversationID")

	if err := s.store.MarkRead(r.Context(), conversationID, id.UserID); err != nil {
		if errors.Is(err, ErrInvalidConversation) {
			return newAPIError(http.StatusNotFound, "conversation not found")
		}
		return fmt.Errorf("store.MarkRead: %w", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type createMatchInput struct {
	UserID string `json:"userId" validate:"required"`
}

type createMatchResponse struct {
	MatchID        string `json:"matchId"`
	ConversationID string `json:"conversationId"`
}

// createMatchHandler pairs the caller with another user: it creates their
// conversation and notifies both sides so either client can navigate into
// the chat immediately.
func (s *Server) createMatchHandler(w http.ResponseWriter, r *http.Request) error {
	id := identityFromRequest(r)

	var input createMatchInput
	if err := decodeJSON(r.Body, &input); err != nil {
		return newAPIError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(input); err != nil {
		return newAPIError(http.StatusBadRequest, err.Error())
	}
	if input.UserID == id.UserID {
		return newAPIError(http.StatusBadRequest, "cannot match with yourself")
	}

	peer, err := s.store.GetUserByID(r.Context(), input.UserID)
	if err != nil {
		return fmt.Errorf("store.GetUserByID: %w", err)
	}
	if peer == nil {
		return newAPIError(http.StatusNotFound, "user not found")
	}
	me, err := s.store.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		return fmt.Errorf("store.GetUserByID: %w", err)
	}
	if me == nil {
		return newAPIError(http.StatusNotFound, "user not found")
	}

	conversationID, err := s.store.CreateConversation(r.Context(), id.UserID, input.UserID)
	if err != nil {
		if errors.Is(err, ErrInvalidUser) {
			return newAPIError(http.StatusBadRequest, "invalid user")
		}
		return fmt.Errorf("store.CreateConversation: %w", err)
	}

	matchID := uuid.New().String()
	s.hub.SendToUsers(realtime.EventMatch, models.Match{
		MatchID:        matchID,
		ConversationID: conversationID,
		User:           models.PresenceRecord{ID: peer.ID, Name: peer.Name, AvatarURL: peer.AvatarURL},
	}, id.UserID)
	s.hub.SendToUsers(realtime.EventMatch, models.Match{
		MatchID:        matchID,
		ConversationID: conversationID,
		User:           models.PresenceRecord{ID: me.ID, Name: me.Name, AvatarURL: me.AvatarURL},
	}, input.UserID)

	return writeJSON(w, createMatchResponse{
		MatchID:        matchID,
		ConversationID: conversationID,
	}, http.StatusCreated)
}

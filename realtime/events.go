package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tutorlink/chatkit/models"
)

// Event names shared between the client and the gateway. Names are part of
// the wire contract; payload shapes live next to them below.
const (
	EventRegister          = "register"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventTyping            = "typing"
	EventMarkMessagesRead  = "markMessagesRead"
	EventMessageReceived   = "messageReceived"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventOnlineUsers       = "onlineUsers"
	EventMessagesRead      = "messagesRead"
	EventMatch             = "match"
)

// Event is the envelope for everything that travels over the realtime channel.
// The payload is decoded lazily by the handler that knows its shape.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent builds an event from a payload value.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type RegisterPayload struct {
	UserID string `json:"userId"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload travels in both directions. Outgoing signals carry the
// conversation id; the gateway stamps the sender before relaying, so incoming
// signals carry the actor's identity as well.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// MessagesReadPayload is the relayed read receipt. SenderID is the user who
// read the messages, not the author of any of them.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// flexString accepts either a JSON string or a JSON number. Older backends
// used numeric ids for users and messages.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// wireMessage is the loose server shape of a pushed message. Field names vary
// between the REST responses and the relay, so every alias is tried.
type wireMessage struct {
	ID             flexString         `json:"id"`
	AltID          flexString         `json:"_id"`
	ConversationID flexString         `json:"conversationId"`
	ChatID         flexString         `json:"chatId"`
	SenderID       flexString         `json:"senderId"`
	SenderName     string             `json:"senderName"`
	SenderAvatar   string             `json:"senderAvatar"`
	Sender         *wireSender        `json:"sender"`
	Content        string             `json:"content"`
	Text           string             `json:"text"`
	Attachment     *models.Attachment `json:"attachment"`
	CreatedAt      *time.Time         `json:"createdAt"`
	Read           bool               `json:"read"`
	IsRead         bool               `json:"isRead"`
}

type wireSender struct {
	ID        flexString `json:"id"`
	AltID     flexString `json:"_id"`
	Name      string     `json:"name"`
	AvatarURL string     `json:"avatarUrl"`
}

// DecodeMessage normalizes a pushed payload into the local message shape.
// Decoding is best effort: an unparsable payload is kept as raw content
// rather than dropped, trading shape risk for no silent message loss.
func DecodeMessage(raw json.RawMessage) models.Message {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Message{
			Content:   string(raw),
			CreatedAt: time.Now(),
		}
	}

	m := models.Message{
		ID:             firstNonEmpty(string(w.ID), string(w.AltID)),
		ConversationID: firstNonEmpty(string(w.ConversationID), string(w.ChatID)),
		SenderID:       string(w.SenderID),
		SenderName:     w.SenderName,
		SenderAvatar:   w.SenderAvatar,
		Content:        firstNonEmpty(w.Content, w.Text),
		Attachment:     w.Attachment,
		Read:           w.Read || w.IsRead,
	}
	if w.Sender != nil {
		if m.SenderID == "" {
			m.SenderID = firstNonEmpty(string(w.Sender.ID), string(w.Sender.AltID))
		}
		if m.SenderName == "" {
			m.SenderName = w.Sender.Name
		}
		if m.SenderAvatar == "" {
			m.SenderAvatar = w.Sender.AvatarURL
		}
	}
	if w.CreatedAt != nil {
		m.CreatedAt = *w.CreatedAt
	} else {
		m.CreatedAt = time.Now()
	}
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

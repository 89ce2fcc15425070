package models

import (
	"time"
)

// Attachment is a file attached to a message. Messages carry at most one
// attachment; the file itself is uploaded out of band and referenced by URL.
type Attachment struct {
	URL      string `json:"url"`
	MIMEType string `json:"mimeType"`
	Filename string `json:"filename"`
}

// Message represents a chat message in a conversation.
//
// A message created locally by the sender has an empty ID until the server
// confirms it; LocalID keeps a stable identity across that window so the same
// logical message is never rendered twice.
type Message struct {
	ID             string      `json:"id,omitempty"`
	LocalID        string      `json:"-"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Read           bool        `json:"read"`
}

// Confirmed reports whether the message has a server-assigned ID.
func (m Message) Confirmed() bool {
	return m.ID != ""
}

// Empty reports whether the message carries neither content nor an attachment.
// Empty messages are invalid and must not be sent.
func (m Message) Empty() bool {
	return m.Content == "" && m.Attachment == nil
}

// AttachmentName returns the filename of the attachment, or the empty string
// if the message has none. It is used as a secondary reconciliation key.
func (m Message) AttachmentName() string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.Filename
}

// Participant is a member of a conversation.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Conversation is a server-owned chat between two or more participants.
// The client holds a read-mostly copy per page view.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Peer returns the first participant that is not the given user.
// For the private conversations this app creates that is the counterpart.
func (c Conversation) Peer(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

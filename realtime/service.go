package realtime

import (
	"context"
	"io"

	"github.com/tutorlink/chatkit/models"
)

// UploadAttachment is a file to attach to an outgoing message. The reader is
// consumed once by the send.
type UploadAttachment struct {
	Filename string
	MIMEType string
	Reader   io.Reader
}

// SendMessageInput is the authoritative send request. Content may be empty
// when an attachment is present.
type SendMessageInput struct {
	ConversationID string `validate:"required"`
	Content        string
	Attachment     *UploadAttachment
}

// ChatService is the HTTP collaborator the session talks to. The realtime
// channel is a delivery optimization on top of it; this interface is the
// source of truth for history, sends and read state.
type ChatService interface {
	// Messages returns the most recent messages of a conversation in
	// chronological order, at most limit entries.
	Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// SendMessage persists a message and returns the server's confirmed
	// record, including its assigned id.
	SendMessage(ctx context.Context, input SendMessageInput) (models.Message, error)

	// MarkRead marks all of the local user's unread messages in the
	// conversation as read.
	MarkRead(ctx context.Context, conversationID string) error
}

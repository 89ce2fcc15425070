package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutorlink/chatkit/models"
)

var (
	// ErrInvalidUser is returned when a user does not exist or the operation
	// pairs a user with themself.
	ErrInvalidUser = errors.New("invalid user")
	// ErrConflictedUser is returned when the email is already taken.
	ErrConflictedUser = errors.New("user already exists")
	// ErrInvalidConversation is returned when a conversation does not exist
	// or the user is not a member.
	ErrInvalidConversation = errors.New("invalid conversation")
	// ErrInvalidMessage is returned when a message has no content and no
	// attachment.
	ErrInvalidMessage = errors.New("invalid message")
)

// Store persists users, conversations and messages in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateUser(ctx context.Context, user models.User) (models.UserWithoutSecrets, error) {
	user.ID = uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password, avatar_url)
		VALUES (@id, @name, @email, @password, @avatar_url)`,
		sql.Named("id", user.ID), sql.Named("name", user.Name),
		sql.Named("email", user.Email), sql.Named("password", user.Password),
		sql.Named("avatar_url", user.AvatarURL))
	if err != nil {
		if isUniqueViolation(err) {
			return models.UserWithoutSecrets{}, ErrConflictedUser
		}
		return models.UserWithoutSecrets{}, fmt.Errorf("ExecContext(insert users): %w", err)
	}
	return user.WithoutSecrets(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password, avatar_url FROM users WHERE email = @email`,
		sql.Named("email", email))
	var u models.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.AvatarURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*models.UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, avatar_url FROM users WHERE id = @id`,
		sql.Named("id", id))
	var u models.UserWithoutSecrets
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	return &u, nil
}

// CreateConversation creates a conversation between the given users. Every
// user must exist and a conversation needs at least two distinct members.
func (s *Store) CreateConversation(ctx context.Context, userIDs ...string) (string, error) {
	unique := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		unique[id] = struct{}{}
	}
	if len(unique) < 2 {
		return "", ErrInvalidUser
	}

	for id := range unique {
		u, err := s.GetUserByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("GetUserByID: %w", err)
		}
		if u == nil {
			return "", ErrInvalidUser
		}
	}

	id := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, updated_at) VALUES (@id, @updated_at)`,
		sql.Named("id", id), sql.Named("updated_at", time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("ExecContext(insert conversations): %w", err)
	}

	for userID := range unique {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id)
			VALUES (@conversation_id, @user_id)`,
			sql.Named("conversation_id", id), sql.Named("user_id", userID))
		if err != nil {
			return "", fmt.Errorf("ExecContext(insert conversation_members): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM conversation_members
		WHERE conversation_id = @conversation_id AND user_id = @user_id`,
		sql.Named("conversation_id", conversationID), sql.Named("user_id", userID))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("row.Scan: %w", err)
	}
	return count > 0, nil
}

// Members returns the participants of a conversation. Nil when the
// conversation does not exist.
func (s *Store) Members(ctx context.Context, conversationID string) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name, u.avatar_url FROM conversation_members AS cm
		INNER JOIN users AS u ON cm.user_id = u.id
		WHERE cm.conversation_id = @conversation_id
		ORDER BY u.name`,
		sql.Named("conversation_id", conversationID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var members []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		members = append(members, p)
	}
	return members, rows.Err()
}

// Conversations lists the user's conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.updated_at FROM conversations AS c
		INNER JOIN conversation_members AS cm ON c.id = cm.conversation_id
		WHERE cm.user_id = @user_id
		ORDER BY c.updated_at DESC`,
		sql.Named("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range conversations {
		members, err := s.Members(ctx, conversations[i].ID)
		if err != nil {
			return nil, fmt.Errorf("Members: %w", err)
		}
		conversations[i].Participants = members

		last, err := s.lastMessage(ctx, conversations[i].ID)
		if err != nil {
			return nil, fmt.Errorf("lastMessage: %w", err)
		}
		conversations[i].LastMessage = last
	}
	return conversations, nil
}

func (s *Store) lastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	msgs, err := s.Messages(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// CreateMessage persists a message sent by a member and bumps the
// conversation's update time. The sender must be a member and the message
// must carry content or an attachment.
func (s *Store) CreateMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.Empty() {
		return models.Message{}, ErrInvalidMessage
	}
	member, err := s.IsMember(ctx, m.ConversationID, m.SenderID)
	if err != nil {
		return models.Message{}, fmt.Errorf("IsMember: %w", err)
	}
	if !member {
		return models.Message{}, ErrInvalidConversation
	}

	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	m.Read = false

	var attURL, attMIME, attName sql.NullString
	if m.Attachment != nil {
		attURL = sql.NullString{String: m.Attachment.URL, Valid: true}
		attMIME = sql.NullString{String: m.Attachment.MIMEType, Valid: true}
		attName = sql.NullString{String: m.Attachment.Filename, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages
		(id, conversation_id, sender_id, content, attachment_url, attachment_mime, attachment_name, created_at, read)
		VALUES (@id, @conversation_id, @sender_id, @content, @attachment_url, @attachment_mime, @attachment_name, @created_at, 0)`,
		sql.Named("id", m.ID), sql.Named("conversation_id", m.ConversationID),
		sql.Named("sender_id", m.SenderID), sql.Named("content", m.Content),
		sql.Named("attachment_url", attURL), sql.Named("attachment_mime", attMIME),
		sql.Named("attachment_name", attName), sql.Named("created_at", m.CreatedAt))
	if err != nil {
		return models.Message{}, fmt.Errorf("ExecContext(insert messages): %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = @updated_at WHERE id = @id`,
		sql.Named("updated_at", m.CreatedAt), sql.Named("id", m.ConversationID))
	if err != nil {
		return models.Message{}, fmt.Errorf("ExecContext(update conversations): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("Commit: %w", err)
	}
	return m, nil
}

// Messages returns up to limit messages of a conversation, newest first.
// A zero limit defaults to 50.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, u.name, u.avatar_url,
			m.content, m.attachment_url, m.attachment_mime, m.attachment_name, m.created_at, m.read
		FROM messages AS m
		INNER JOIN users AS u ON m.sender_id = u.id
		WHERE m.conversation_id = @conversation_id
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT @limit`,
		sql.Named("conversation_id", conversationID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var attURL, attMIME, attName sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName,
			&m.SenderAvatar, &m.Content, &attURL, &attMIME, &attName,
			&m.CreatedAt, &m.Read); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if attURL.Valid || attName.Valid {
			m.Attachment = &models.Attachment{
				URL:      attURL.String,
				MIMEType: attMIME.String,
				Filename: attName.String,
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkRead flips all messages in the conversation that were not sent by the
// reader to read.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) error {
	member, err := s.IsMember(ctx, conversationID, readerID)
	if err != nil {
		return fmt.Errorf("IsMember: %w", err)
	}
	if !member {
		return ErrInvalidConversation
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET read = 1
		WHERE conversation_id = @conversation_id AND sender_id != @reader_id AND read = 0`,
		sql.Named("conversation_id", conversationID), sql.Named("reader_id", readerID))
	if err != nil {
		return fmt.Errorf("ExecContext(update messages): %w", err)
	}
	return nil
}

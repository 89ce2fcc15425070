package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutorlink/chatkit/auth"
	"github.com/tutorlink/chatkit/models"
)

const (
	defaultTypingWindow = 2 * time.Second
	defaultReadDelay    = time.Second
	defaultHistoryLimit = 50

	markReadTimeout = 10 * time.Second
)

// Session is the per-conversation state machine. It reconciles three message
// sources — the history fetch, optimistic local sends and relayed pushes —
// into one deduplicated chronological list, and drives the typing and
// read-receipt side channels.
//
// All exported methods are safe for concurrent use. Failures never tear down
// the shared connection: they are recorded on the session and returned to
// the caller, and the loaded message list survives a dropped connection.
type Session struct {
	conversationID string
	userID         string
	userName       string
	svc            ChatService
	t              Transport
	logger         *slog.Logger

	typingWindow time.Duration
	readDelay    time.Duration
	historyLimit int

	mu           sync.Mutex
	messages     []models.Message
	loading      bool
	lastErr      string
	peerTyping   bool
	peerName     string
	typingActive bool
	typingTimer  *time.Timer
	readTimer    *time.Timer
	onChange     func()
	offs         []func()
}

type SessionOption func(*Session)

// WithTypingWindow sets the silence window after which an outgoing typing
// signal auto-expires.
func WithTypingWindow(d time.Duration) SessionOption {
	return func(s *Session) {
		s.typingWindow = d
	}
}

// WithReadSettleDelay sets how long a conversation must stay open before it
// is marked as read.
func WithReadSettleDelay(d time.Duration) SessionOption {
	return func(s *Session) {
		s.readDelay = d
	}
}

func WithHistoryLimit(n int) SessionOption {
	return func(s *Session) {
		s.historyLimit = n
	}
}

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession wires a session for one conversation. The session starts
// listening for pushes immediately; call Open to load history and arm the
// mark-as-read cycle, and Close when the conversation view goes away.
func NewSession(conversationID string, me auth.Identity, svc ChatService, t Transport, opts ...SessionOption) *Session {
	s := &Session{
		conversationID: conversationID,
		userID:         me.UserID,
		userName:       me.Name,
		svc:            svc,
		t:              t,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
		typingWindow: defaultTypingWindow,
		readDelay:    defaultReadDelay,
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.offs = append(s.offs,
		t.On(EventMessageReceived, s.handleMessage),
		t.On(EventTyping, s.handleTyping),
		t.On(EventMessagesRead, s.handleMessagesRead),
	)
	return s
}

// OnChange registers a callback invoked after any state transition. Intended
// for the UI layer; the callback runs on whichever goroutine caused the
// change and must not call back into the session synchronously.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open loads the most recent page of history, replacing local state
// wholesale, and schedules the delayed mark-as-read. A load error is
// recorded and returned but leaves the session usable; Open may be retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notifyChange()

	msgs, err := s.svc.Messages(ctx, s.conversationID, s.historyLimit)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.notifyChange()
		return fmt.Errorf("load messages: %w", err)
	}
	s.messages = append([]models.Message(nil), msgs...)
	s.lastErr = ""
	if s.readTimer != nil {
		s.readTimer.Stop()
	}
	s.readTimer = time.AfterFunc(s.readDelay, s.markRead)
	s.mu.Unlock()
	s.notifyChange()
	return nil
}

// Close stops timers and subscriptions and cancels a live typing signal.
// It does not touch the shared connection.
func (s *Session) Close() {
	s.stopTyping()
	s.mu.Lock()
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// Messages returns a copy of the current message list in render order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Loading reports whether the initial history fetch is in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last recorded operation error, or "". It is display
// state, not control flow.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// PeerTyping reports whether a peer is currently typing and who.
func (s *Session) PeerTyping() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping, s.peerName
}

// Send appends the message optimistically, then issues the authoritative
// send and reconciles the confirmed record against the placeholder.
//
// An empty content with no attachment is a no-op. On failure the optimistic
// entry stays in the list — the draft is the user's, and retrying the send
// reconciles against the same placeholder — and the error is both recorded
// and returned.
func (s *Session) Send(ctx context.Context, content string, att *UploadAttachment) error {
	if content == "" && att == nil {
		return nil
	}

	optimistic := models.Message{
		LocalID:        uuid.NewString(),
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		SenderName:     s.userName,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if att != nil {
		optimistic.Attachment = &models.Attachment{
			MIMEType: att.MIMEType,
			Filename: att.Filename,
		}
	}

	s.mu.Lock()
	s.messages = mergeMessage(s.messages, optimistic, arrivalOptimistic)
	s.mu.Unlock()
	s.stopTyping()
	s.notifyChange()

	confirmed, err := s.svc.SendMessage(ctx, SendMessageInput{
		ConversationID: s.conversationID,
		Content:        content,
		Attachment:     att,
	})
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.notifyChange()
		return fmt.Errorf("send message: %w", err)
	}

	s.mu.Lock()
	s.messages = mergeMessage(s.messages, confirmed, arrivalConfirmed)
	s.lastErr = ""
	s.mu.Unlock()
	s.notifyChange()
	return nil
}

// InputChanged signals that the user typed. Every call emits typing=true and
// restarts the auto-expiry; only one expiry timer is ever live.
func (s *Session) InputChanged() {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingActive = true
	s.typingTimer = time.AfterFunc(s.typingWindow, s.stopTyping)
	s.mu.Unlock()

	s.t.Emit(EventTyping, TypingPayload{
		ConversationID: s.conversationID,
		IsTyping:       true,
	})
}

// InputBlurred cancels a live typing signal immediately.
func (s *Session) InputBlurred() {
	s.stopTyping()
}

// stopTyping clears the expiry timer and emits typing=false, at most once
// per typing burst regardless of how expiry, blur and send interleave.
func (s *Session) stopTyping() {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	active := s.typingActive
	s.typingActive = false
	s.mu.Unlock()

	if active {
		s.t.Emit(EventTyping, TypingPayload{
			ConversationID: s.conversationID,
			IsTyping:       false,
		})
	}
}

// markRead runs once per Open, after the settle delay. It persists the read
// state, flips the local peer messages and broadcasts the receipt so the
// peer's open window updates without polling.
func (s *Session) markRead() {
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()

	if err := s.svc.MarkRead(ctx, s.conversationID); err != nil {
		s.logger.Error("mark read failed",
			slog.String("conversation", s.conversationID),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].SenderID != s.userID {
			s.messages[i].Read = true
		}
	}
	s.mu.Unlock()

	s.t.Emit(EventMarkMessagesRead, MarkReadPayload{
		ConversationID: s.conversationID,
		ReaderID:       s.userID,
	})
	s.notifyChange()
}

func (s *Session) handleMessage(payload json.RawMessage) {
	m := DecodeMessage(payload)
	if m.ConversationID != "" && m.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	s.messages = mergeMessage(s.messages, m, arrivalPushed)
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Session) handleTyping(payload json.RawMessage) {
	var body TypingPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}
	// The local user's own signals may be echoed back from other tabs.
	if body.UserID == s.userID {
		return
	}
	if body.ConversationID != "" && body.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	s.peerTyping = body.IsTyping
	if body.IsTyping {
		s.peerName = body.UserName
	} else {
		s.peerName = ""
	}
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Session) handleMessagesRead(payload json.RawMessage) {
	var body MessagesReadPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return
	}
	if body.ConversationID != s.conversationID || body.SenderID == s.userID {
		return
	}
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].SenderID == s.userID {
			s.messages[i].Read = true
		}
	}
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Session) notifyChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

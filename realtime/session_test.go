package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlink/chatkit/auth"
	"github.com/tutorlink/chatkit/models"
)

var me = auth.Identity{UserID: "u1", Name: "Alice"}

func newTestSession(t *testing.T, svc *fakeChatService, ft *fakeTransport, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{
		WithTypingWindow(50 * time.Millisecond),
		WithReadSettleDelay(30 * time.Millisecond),
	}, opts...)
	s := NewSession("c1", me, svc, ft, opts...)
	t.Cleanup(s.Close)
	return s
}

func TestSessionOpen(t *testing.T) {
	t.Run("replaces state wholesale", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{history: []models.Message{
			{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "old"},
		}}
		s := newTestSession(t, svc, ft)

		require.NoError(t, s.Open(context.Background()))
		require.Len(t, s.Messages(), 1)

		// a second open replaces, never appends
		require.NoError(t, s.Open(context.Background()))
		assert.Len(t, s.Messages(), 1)
		assert.False(t, s.Loading())
	})

	t.Run("load failure keeps session usable", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{historyErr: errors.New("boom")}
		s := newTestSession(t, svc, ft)

		require.Error(t, s.Open(context.Background()))
		assert.NotEmpty(t, s.Err())
		assert.False(t, s.Loading())

		svc.mu.Lock()
		svc.historyErr = nil
		svc.history = []models.Message{{ID: "m1", ConversationID: "c1", SenderID: "u2"}}
		svc.mu.Unlock()

		require.NoError(t, s.Open(context.Background()))
		assert.Empty(t, s.Err())
		assert.Len(t, s.Messages(), 1)
	})
}

func TestSessionSend(t *testing.T) {
	t.Run("optimistic entry confirmed in place", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{}
		svc.sendFn = func(in SendMessageInput) (models.Message, error) {
			return models.Message{
				ID:             "m1",
				ConversationID: in.ConversationID,
				SenderID:       me.UserID,
				Content:        in.Content,
				CreatedAt:      time.Now(),
			}, nil
		}
		s := newTestSession(t, svc, ft)

		require.NoError(t, s.Send(context.Background(), "hello", nil))
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.NotEmpty(t, msgs[0].LocalID)
	})

	t.Run("push racing the confirmation still yields one entry", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{}
		svc.sendFn = func(in SendMessageInput) (models.Message, error) {
			confirmed := models.Message{
				ID:             "m1",
				ConversationID: "c1",
				SenderID:       me.UserID,
				Content:        in.Content,
				CreatedAt:      time.Now(),
			}
			// the relay can beat the HTTP response
			ft.receive(EventMessageReceived, confirmed)
			return confirmed, nil
		}
		s := newTestSession(t, svc, ft)

		require.NoError(t, s.Send(context.Background(), "hello", nil))
		assert.Len(t, s.Messages(), 1)
	})

	t.Run("failed send keeps the optimistic entry and records the error", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{}
		svc.sendFn = func(SendMessageInput) (models.Message, error) {
			return models.Message{}, errors.New("boom")
		}
		s := newTestSession(t, svc, ft)

		require.Error(t, s.Send(context.Background(), "hello", nil))
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].Confirmed())
		assert.NotEmpty(t, s.Err())
	})

	t.Run("empty send is a no-op", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{}
		s := newTestSession(t, svc, ft)

		require.NoError(t, s.Send(context.Background(), "", nil))
		assert.Empty(t, s.Messages())
		svc.mu.Lock()
		defer svc.mu.Unlock()
		assert.Empty(t, svc.sendCalls)
	})
}

func TestSessionTyping(t *testing.T) {
	t.Run("burst emits one stop after the window", func(t *testing.T) {
		ft := newFakeTransport()
		s := newTestSession(t, &fakeChatService{}, ft)

		s.InputChanged()
		s.InputChanged()
		s.InputChanged()

		ok := eventually(baseTimeout, func() bool {
			return len(ft.events(EventTyping)) == 4
		})
		require.True(t, ok, "expected 3 typing=true and exactly 1 typing=false")

		// the window has long expired; no further signals may arrive
		time.Sleep(120 * time.Millisecond)
		events := ft.events(EventTyping)
		require.Len(t, events, 4)

		var last TypingPayload
		require.NoError(t, json.Unmarshal(events[3].Payload, &last))
		assert.False(t, last.IsTyping)
		for _, e := range events[:3] {
			var p TypingPayload
			require.NoError(t, json.Unmarshal(e.Payload, &p))
			assert.True(t, p.IsTyping)
		}
	})

	t.Run("blur cancels immediately and expiry stays silent", func(t *testing.T) {
		ft := newFakeTransport()
		s := newTestSession(t, &fakeChatService{}, ft)

		s.InputChanged()
		s.InputBlurred()

		events := ft.events(EventTyping)
		require.Len(t, events, 2)
		var last TypingPayload
		require.NoError(t, json.Unmarshal(events[1].Payload, &last))
		assert.False(t, last.IsTyping)

		time.Sleep(120 * time.Millisecond)
		assert.Len(t, ft.events(EventTyping), 2)
	})

	t.Run("send stops a live typing signal", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{}
		svc.sendFn = func(in SendMessageInput) (models.Message, error) {
			return models.Message{ID: "m1", ConversationID: "c1", SenderID: me.UserID, Content: in.Content}, nil
		}
		s := newTestSession(t, svc, ft)

		s.InputChanged()
		require.NoError(t, s.Send(context.Background(), "hello", nil))

		events := ft.events(EventTyping)
		require.Len(t, events, 2)
		var last TypingPayload
		require.NoError(t, json.Unmarshal(events[1].Payload, &last))
		assert.False(t, last.IsTyping)
	})

	t.Run("incoming peer signals update state, own echoes ignored", func(t *testing.T) {
		ft := newFakeTransport()
		s := newTestSession(t, &fakeChatService{}, ft)

		ft.receive(EventTyping, TypingPayload{
			ConversationID: "c1", UserID: "u2", UserName: "Bob", IsTyping: true,
		})
		typing, name := s.PeerTyping()
		assert.True(t, typing)
		assert.Equal(t, "Bob", name)

		// own echo from another tab
		ft.receive(EventTyping, TypingPayload{
			ConversationID: "c1", UserID: me.UserID, IsTyping: false,
		})
		typing, _ = s.PeerTyping()
		assert.True(t, typing)

		ft.receive(EventTyping, TypingPayload{
			ConversationID: "c1", UserID: "u2", IsTyping: false,
		})
		typing, name = s.PeerTyping()
		assert.False(t, typing)
		assert.Empty(t, name)
	})
}

func TestSessionMarkRead(t *testing.T) {
	t.Run("marks after the settle delay and broadcasts the receipt", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{history: []models.Message{
			{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi"},
		}}
		s := newTestSession(t, svc, ft)

		require.NoError(t, s.Open(context.Background()))
		require.Equal(t, 0, svc.markReadCount())

		ok := eventually(baseTimeout, func() bool { return svc.markReadCount() == 1 })
		require.True(t, ok, "timeout waiting for mark read")

		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].Read)

		receipts := ft.events(EventMarkMessagesRead)
		require.Len(t, receipts, 1)
		var p MarkReadPayload
		require.NoError(t, json.Unmarshal(receipts[0].Payload, &p))
		assert.Equal(t, "c1", p.ConversationID)
		assert.Equal(t, me.UserID, p.ReaderID)
	})

	t.Run("close before the delay cancels the mark", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{}
		s := NewSession("c1", me, svc, ft,
			WithReadSettleDelay(50*time.Millisecond))

		require.NoError(t, s.Open(context.Background()))
		s.Close()

		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, 0, svc.markReadCount())
	})
}

func TestSessionIncoming(t *testing.T) {
	t.Run("peer receipt flips only own messages", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{history: []models.Message{
			{ID: "m1", ConversationID: "c1", SenderID: me.UserID, Content: "mine"},
			{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "theirs"},
		}}
		s := newTestSession(t, svc, ft, WithReadSettleDelay(time.Hour))
		require.NoError(t, s.Open(context.Background()))

		ft.receive(EventMessagesRead, MessagesReadPayload{ConversationID: "c1", SenderID: "u2"})

		msgs := s.Messages()
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].Read)
		assert.False(t, msgs[1].Read)
	})

	t.Run("own receipt echo is ignored", func(t *testing.T) {
		ft := newFakeTransport()
		svc := &fakeChatService{history: []models.Message{
			{ID: "m1", ConversationID: "c1", SenderID: me.UserID, Content: "mine"},
		}}
		s := newTestSession(t, svc, ft, WithReadSettleDelay(time.Hour))
		require.NoError(t, s.Open(context.Background()))

		ft.receive(EventMessagesRead, MessagesReadPayload{ConversationID: "c1", SenderID: me.UserID})
		assert.False(t, s.Messages()[0].Read)
	})

	t.Run("pushes for other conversations are ignored", func(t *testing.T) {
		ft := newFakeTransport()
		s := newTestSession(t, &fakeChatService{}, ft)

		ft.receive(EventMessageReceived, models.Message{
			ID: "m1", ConversationID: "c2", SenderID: "u2", Content: "other",
		})
		assert.Empty(t, s.Messages())
	})

	t.Run("close unsubscribes the handlers", func(t *testing.T) {
		ft := newFakeTransport()
		s := newTestSession(t, &fakeChatService{}, ft)
		require.Equal(t, 1, ft.handlerCount(EventMessageReceived))

		s.Close()
		assert.Equal(t, 0, ft.handlerCount(EventMessageReceived))
		assert.Equal(t, 0, ft.handlerCount(EventTyping))
		assert.Equal(t, 0, ft.handlerCount(EventMessagesRead))
	})
}

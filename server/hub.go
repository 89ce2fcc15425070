package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorlink/chatkit/auth"
	"github.com/tutorlink/chatkit/models"
	"github.com/tutorlink/chatkit/realtime"
)

// Hub routes realtime events between connected clients. A connection is
// anonymous until it registers; room membership is per connection, so each
// tab joins the conversation it has open.
type Hub struct {
	store  *Store
	secret []byte
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
	users map[string][]*conn
	rooms map[string]map[*conn]struct{}

	wg sync.WaitGroup
}

type HubOption func(*Hub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

func WithCheckOrigin(f func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = f
	}
}

func NewHub(store *Store, secret []byte, logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		store:  store,
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
		users: make(map[string][]*conn),
		rooms: make(map[string]map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request to a websocket connection. A connection
// without a token is accepted but stays anonymous: it can never register and
// receives nothing. An invalid token is rejected so the failure surfaces to
// the client as a connect error.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity models.PresenceRecord
	if token := bearerToken(r); token != "" {
		claims, err := auth.VerifyToken(token, h.secret)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		identity = models.PresenceRecord{ID: claims.Subject, Name: claims.Name}
		if u, err := h.store.GetUserByID(r.Context(), claims.Subject); err == nil && u != nil {
			identity.AvatarURL = u.AvatarURL
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(fmt.Sprintf("upgrade: %v", err))
		return
	}

	c := newConn(ws, h, identity)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("connection opened", slog.String("user", identity.ID))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()
}

// Close disconnects every client and waits for the pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.disconnect(c)
	}
	h.wg.Wait()
}

func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

// handle dispatches one inbound event from a connection.
func (h *Hub) handle(c *conn, e *realtime.Event) {
	switch e.Type {
	case realtime.EventRegister:
		h.register(c)
	case realtime.EventJoinConversation:
		h.join(c, e.Payload)
	case realtime.EventLeaveConversation:
		h.leave(c, e.Payload)
	case realtime.EventTyping:
		h.relayTyping(c, e.Payload)
	case realtime.EventMarkMessagesRead:
		h.relayRead(c, e.Payload)
	default:
		h.logger.Debug("unknown event dropped", slog.String("event", e.Type))
	}
}

// register binds the connection to its authenticated user for targeted
// delivery. The identity comes from the connection's token, not from the
// payload; an anonymous connection cannot register.
func (h *Hub) register(c *conn) {
	if c.user.ID == "" {
		h.logger.Warn("register from anonymous connection dropped")
		return
	}

	h.mu.Lock()
	if slices.Contains(h.users[c.user.ID], c) {
		h.mu.Unlock()
		return
	}
	first := len(h.users[c.user.ID]) == 0
	h.users[c.user.ID] = append(h.users[c.user.ID], c)
	snapshot := h.presenceSnapshotLocked()
	h.mu.Unlock()

	c.send(mustEvent(realtime.EventOnlineUsers, snapshot))
	if first {
		h.broadcast(mustEvent(realtime.EventUserOnline, c.user))
	}
	h.logger.Info("user registered", slog.String("user", c.user.ID))
}

func (h *Hub) presenceSnapshotLocked() []models.PresenceRecord {
	records := make([]models.PresenceRecord, 0, len(h.users))
	for _, conns := range h.users {
		if len(conns) > 0 {
			records = append(records, conns[0].user)
		}
	}
	return records
}

func (h *Hub) join(c *conn, payload json.RawMessage) {
	var body realtime.ConversationPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ConversationID == "" {
		return
	}
	if c.user.ID == "" {
		return
	}

	// Joining is not authorization; membership is checked here and the
	// join silently dropped for non-members.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	member, err := h.store.IsMember(ctx, body.ConversationID, c.user.ID)
	if err != nil {
		h.logger.Error(fmt.Sprintf("IsMember: %v", err))
		return
	}
	if !member {
		h.logger.Warn("join refused",
			slog.String("user", c.user.ID),
			slog.String("conversation", body.ConversationID))
		return
	}

	h.mu.Lock()
	if h.rooms[body.ConversationID] == nil {
		h.rooms[body.ConversationID] = make(map[*conn]struct{})
	}
	h.rooms[body.ConversationID][c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(c *conn, payload json.RawMessage) {
	var body realtime.ConversationPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ConversationID == "" {
		return
	}
	h.mu.Lock()
	if room, ok := h.rooms[body.ConversationID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, body.ConversationID)
		}
	}
	h.mu.Unlock()
}

// relayTyping stamps the sender's identity on a typing signal and forwards
// it to the other connections in the room.
func (h *Hub) relayTyping(c *conn, payload json.RawMessage) {
	var body realtime.TypingPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ConversationID == "" {
		return
	}
	body.UserID = c.user.ID
	body.UserName = c.user.Name
	h.sendToRoom(body.ConversationID, mustEvent(realtime.EventTyping, body), c)
}

// relayRead forwards a read receipt to the other connections in the room.
// Persistence happens over REST; the relay only fans the signal out.
func (h *Hub) relayRead(c *conn, payload json.RawMessage) {
	var body realtime.MarkReadPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ConversationID == "" {
		return
	}
	receipt := realtime.MessagesReadPayload{
		ConversationID: body.ConversationID,
		SenderID:       c.user.ID,
	}
	h.sendToRoom(body.ConversationID, mustEvent(realtime.EventMessagesRead, receipt), c)
}

// BroadcastRoom delivers an event to every connection that joined the
// conversation's room, including the sender's own (the echo lets other tabs
// of the sender stay current).
func (h *Hub) BroadcastRoom(conversationID string, event string, payload any) {
	h.sendToRoom(conversationID, mustEvent(event, payload), nil)
}

// SendToUsers delivers an event to every registered connection of the given
// users, whether or not they have a room open.
func (h *Hub) SendToUsers(event string, payload any, userIDs ...string) {
	e := mustEvent(event, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range userIDs {
		for _, c := range h.users[id] {
			c.send(e)
		}
	}
}

func (h *Hub) sendToRoom(conversationID string, e *realtime.Event, except *conn) {
	if e == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c == except {
			continue
		}
		c.send(e)
	}
}

func (h *Hub) broadcast(e *realtime.Event) {
	if e == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.send(e)
	}
}

func mustEvent(t string, payload any) *realtime.Event {
	e, err := realtime.NewEvent(t, payload)
	if err != nil {
		// payloads are our own types; a marshal failure is a programming error
		panic(fmt.Sprintf("event %s: %v", t, err))
	}
	return e
}

// disconnect removes the connection everywhere and announces the user
// offline when their last connection goes.
func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for id, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
	var last bool
	if c.user.ID != "" {
		conns := h.users[c.user.ID]
		if idx := slices.Index(conns, c); idx >= 0 {
			conns = slices.Delete(conns, idx, idx+1)
		}
		if len(conns) == 0 {
			delete(h.users, c.user.ID)
			last = true
		} else {
			h.users[c.user.ID] = conns
		}
	}
	h.mu.Unlock()

	c.close()
	if last {
		h.broadcast(mustEvent(realtime.EventUserOffline,
			realtime.RegisterPayload{UserID: c.user.ID}))
	}
	h.logger.Info("connection closed", slog.String("user", c.user.ID))
}

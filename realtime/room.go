package realtime

import (
	"sync"
)

// RoomController scopes realtime delivery to the conversation that is
// currently open. A controller joins at most one room at a time; switching
// conversations leaves the previous room before joining the next.
//
// The controller also re-joins the current room after every reconnect. The
// gateway loses room membership with the connection, and without the re-join
// a restored connection would silently stop receiving pushes until the user
// navigated away and back.
type RoomController struct {
	t Transport

	mu      sync.Mutex
	current string
	off     func()
}

func NewRoomController(t Transport) *RoomController {
	c := &RoomController{t: t}
	c.off = t.OnConnect(func() {
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()
		if current != "" {
			c.t.Emit(EventJoinConversation, ConversationPayload{ConversationID: current})
		}
	})
	return c
}

// Join leaves the previously joined conversation, if any, then joins
// conversationID. Both emissions are fire-and-forget; the order only matters
// for server-side cleanup.
func (c *RoomController) Join(conversationID string) {
	c.mu.Lock()
	previous := c.current
	c.current = conversationID
	c.mu.Unlock()

	if previous != "" && previous != conversationID {
		c.t.Emit(EventLeaveConversation, ConversationPayload{ConversationID: previous})
	}
	c.t.Emit(EventJoinConversation, ConversationPayload{ConversationID: conversationID})
}

// Leave leaves the currently joined conversation. Safe to call when nothing
// is joined.
func (c *RoomController) Leave() {
	c.mu.Lock()
	current := c.current
	c.current = ""
	c.mu.Unlock()

	if current != "" {
		c.t.Emit(EventLeaveConversation, ConversationPayload{ConversationID: current})
	}
}

// Current returns the joined conversation id, or "".
func (c *RoomController) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close leaves the current room and stops reacting to reconnects.
func (c *RoomController) Close() {
	if c.off != nil {
		c.off()
		c.off = nil
	}
	c.Leave()
}

package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorlink/chatkit/models"
	"github.com/tutorlink/chatkit/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 64
)

// conn is one websocket client of the hub. Its identity is fixed at upgrade
// time from the connection's token and never changes.
type conn struct {
	ws   *websocket.Conn
	hub  *Hub
	user models.PresenceRecord

	out chan *realtime.Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, hub *Hub, user models.PresenceRecord) *conn {
	return &conn{
		ws:     ws,
		hub:    hub,
		user:   user,
		out:    make(chan *realtime.Event, sendBuffer),
		closed: make(chan struct{}),
	}
}

// send queues an event without blocking. A client that cannot keep up is
// disconnected rather than allowed to stall the hub.
func (c *conn) send(e *realtime.Event) {
	select {
	case <-c.closed:
	case c.out <- e:
	default:
		c.hub.logger.Warn("slow client disconnected", slog.String("user", c.user.ID))
		go c.hub.disconnect(c)
	}
}

func (c *conn) readLoop() {
	defer c.hub.disconnect(c)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("read: " + err.Error())
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var e realtime.Event
		if err := realtime.DecodeEvent(r, &e); err != nil {
			c.hub.logger.Debug("malformed event dropped: " + err.Error())
			continue
		}
		c.hub.handle(c, &e)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				go c.hub.disconnect(c)
				return
			}
			if err := realtime.EncodeEvent(w, e); err != nil {
				c.hub.logger.Error("encode event: " + err.Error())
			}
			if err := w.Close(); err != nil {
				go c.hub.disconnect(c)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.hub.disconnect(c)
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

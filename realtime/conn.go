package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// wsConn wraps a single live websocket connection. The manager owns its
// lifecycle; wsConn only runs the pumps.
type wsConn struct {
	ws     *websocket.Conn
	out    chan *Event
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		out:    make(chan *Event, 64),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// send queues an event for delivery. It never blocks; when the write pump is
// backed up the event is dropped, which every emit in this package tolerates.
func (c *wsConn) send(e *Event) {
	select {
	case c.out <- e:
	case <-c.closed:
	default:
		c.logger.Warn("outgoing event dropped", slog.String("event", e.Type))
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// readLoop blocks until the connection drops, dispatching every decoded event.
// The returned error describes why the connection ended.
func (c *wsConn) readLoop(dispatch func(*Event)) error {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage {
			c.logger.Debug("non-text frame skipped")
			continue
		}
		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(fmt.Sprintf("DecodeEvent: %v", err))
			continue
		}
		dispatch(&event)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case e := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(fmt.Sprintf("EncodeEvent: %v", err))
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorlink/chatkit/auth"
)

// Transport is the surface the realtime components consume. A Manager is the
// production implementation; tests substitute fakes.
type Transport interface {
	// Emit sends an event over the current connection. It is fire-and-forget:
	// when disconnected the event is dropped and logged, never queued.
	Emit(event string, payload any) error
	// On registers a handler for an incoming event type and returns a
	// function that removes it. Handlers run sequentially on the read
	// goroutine and must not block.
	On(event string, handler func(payload json.RawMessage)) (off func())
	// OnConnect registers a handler for every connected transition, including
	// reconnects. Returns a removal function.
	OnConnect(handler func()) (off func())
	// Connected reports whether a connection is currently established.
	Connected() bool
}

// Manager owns the single realtime connection shared by every component in
// the process. It is constructed once at the application root and injected
// into consumers; repeated Connect calls are no-ops.
//
// The websocket package has no built-in retry, so the manager carries the
// reconnect policy itself: exponential backoff between dials, reset after a
// successful connect. Consumers observe transitions through OnConnect and
// OnDisconnect rather than driving them.
type Manager struct {
	addr   string
	tokens auth.TokenSource
	logger *slog.Logger
	dialer *websocket.Dialer

	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.Mutex
	started   bool
	cur       *wsConn
	nextID    int
	handlers  map[string]map[int]func(json.RawMessage)
	onConnect map[int]func()
	onDrop    map[int]func(error)
	done      chan struct{}
}

type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithBackoff overrides the reconnect delays. Mostly useful in tests.
func WithBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.baseDelay = base
		m.maxDelay = max
	}
}

// NewManager creates a manager for the given websocket address. The token is
// read from tokens at each dial; an empty token still dials unauthenticated
// and lets the server decide what such a connection may do.
func NewManager(addr string, tokens auth.TokenSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		addr:   addr,
		tokens: tokens,
		logger: slog.New(slog.NewTextHandler(os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelInfo})),
		dialer:    websocket.DefaultDialer,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
		handlers:  make(map[string]map[int]func(json.RawMessage)),
		onConnect: make(map[int]func()),
		onDrop:    make(map[int]func(error)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the connection loop. The first call dials; subsequent calls
// return immediately with the same shared connection state. Connect never
// fails synchronously — dial errors surface through OnDisconnect.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run(ctx)
}

// Close tears the connection down for good. Intended for full process
// teardown; individual consumers never close the shared connection.
func (m *Manager) Close() {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	close(m.done)
	cur := m.cur
	m.mu.Unlock()
	if cur != nil {
		cur.close()
	}
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

func (m *Manager) Emit(event string, payload any) error {
	e, err := NewEvent(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	cur := m.cur
	m.mu.Unlock()
	if cur == nil {
		m.logger.Debug("emit while disconnected, dropped", slog.String("event", event))
		return nil
	}
	cur.send(e)
	return nil
}

func (m *Manager) On(event string, handler func(json.RawMessage)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := m.nextID
	m.nextID++
	m.handlers[event][id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

func (m *Manager) OnConnect(handler func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.onConnect[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onConnect, id)
	}
}

// OnDisconnect registers a handler for dropped connections and failed dials.
// The error is diagnostic only; the manager keeps retrying either way.
func (m *Manager) OnDisconnect(handler func(error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.onDrop[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onDrop, id)
	}
}

func (m *Manager) run(ctx context.Context) {
	delay := m.baseDelay
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		ws, res, err := m.dialer.DialContext(ctx, m.addr, m.authHeader())
		if res != nil && res.Body != nil {
			res.Body.Close()
		}
		if err != nil {
			m.logger.Warn("connect failed",
				slog.String("addr", m.addr), slog.String("error", err.Error()))
			m.notifyDrop(err)
			if !m.sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, m.maxDelay)
			continue
		}
		delay = m.baseDelay

		c := newWSConn(ws, m.logger)
		m.mu.Lock()
		m.cur = c
		m.mu.Unlock()
		m.logger.Info("connected", slog.String("addr", m.addr))
		m.notifyConnect()

		go c.writeLoop()
		err = c.readLoop(m.dispatch)

		m.mu.Lock()
		m.cur = nil
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("disconnected", slog.String("error", err.Error()))
		} else {
			m.logger.Info("disconnected")
		}
		m.notifyDrop(err)

		if !m.sleep(ctx, delay) {
			return
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.done:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) authHeader() http.Header {
	h := http.Header{}
	if m.tokens != nil {
		if token := m.tokens.Token(); token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	}
	return h
}

func (m *Manager) dispatch(e *Event) {
	m.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(m.handlers[e.Type]))
	for _, h := range m.handlers[e.Type] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(e.Payload)
	}
}

func (m *Manager) notifyConnect() {
	m.mu.Lock()
	hs := make([]func(), 0, len(m.onConnect))
	for _, h := range m.onConnect {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

func (m *Manager) notifyDrop(err error) {
	m.mu.Lock()
	hs := make([]func(error), 0, len(m.onDrop))
	for _, h := range m.onDrop {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(err)
	}
}

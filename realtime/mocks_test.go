package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tutorlink/chatkit/models"
)

// fakeTransport records emissions and lets tests inject incoming events.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitted   []*Event
	nextID    int
	handlers  map[string]map[int]func(json.RawMessage)
	onConnect map[int]func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string]map[int]func(json.RawMessage)),
		onConnect: make(map[int]func()),
	}
}

func (f *fakeTransport) Emit(event string, payload any) error {
	e, err := NewEvent(event, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) On(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := f.nextID
	f.nextID++
	f.handlers[event][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeTransport) OnConnect(handler func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.onConnect[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.onConnect, id)
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// fireConnect simulates a connected transition.
func (f *fakeTransport) fireConnect() {
	f.mu.Lock()
	f.connected = true
	hs := make([]func(), 0, len(f.onConnect))
	for _, h := range f.onConnect {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

// receive simulates an incoming event from the gateway.
func (f *fakeTransport) receive(event string, payload any) {
	e, err := NewEvent(event, payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(e.Payload)
	}
}

// events returns the emitted events of the given type, in order.
func (f *fakeTransport) events(event string) []*Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Event
	for _, e := range f.emitted {
		if e.Type == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) handlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// fakeChatService is a scriptable ChatService.
type fakeChatService struct {
	mu sync.Mutex

	history    []models.Message
	historyErr error

	sendFn    func(SendMessageInput) (models.Message, error)
	sendCalls []SendMessageInput

	markReadErr   error
	markReadCalls []string
}

func (f *fakeChatService) Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]models.Message(nil), f.history...), nil
}

func (f *fakeChatService) SendMessage(ctx context.Context, input SendMessageInput) (models.Message, error) {
	f.mu.Lock()
	fn := f.sendFn
	f.sendCalls = append(f.sendCalls, input)
	f.mu.Unlock()
	if fn != nil {
		return fn(input)
	}
	return models.Message{}, nil
}

func (f *fakeChatService) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, conversationID)
	return f.markReadErr
}

func (f *fakeChatService) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReadCalls)
}

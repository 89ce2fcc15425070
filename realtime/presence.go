package realtime

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/tutorlink/chatkit/models"
)

// Registrar announces the local user to the gateway so events can be routed
// to them. The gateway forgets the mapping when a connection drops, so the
// registrar re-announces on every connected transition.
type Registrar struct {
	t Transport

	mu  sync.Mutex
	off func()
}

func NewRegistrar(t Transport) *Registrar {
	return &Registrar{t: t}
}

// Register announces userID now (when connected) and after every reconnect.
// Calling Register again replaces the previous announcement instead of
// stacking another one. Registration is fire-and-forget: the gateway sends no
// acknowledgement.
func (r *Registrar) Register(userID string) {
	r.mu.Lock()
	if r.off != nil {
		r.off()
	}
	r.off = r.t.OnConnect(func() {
		r.t.Emit(EventRegister, RegisterPayload{UserID: userID})
	})
	r.mu.Unlock()

	if r.t.Connected() {
		r.t.Emit(EventRegister, RegisterPayload{UserID: userID})
	}
}

// Stop removes the reconnect announcement.
func (r *Registrar) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.off != nil {
		r.off()
		r.off = nil
	}
}

// PresenceSet tracks which users are currently connected to the realtime
// layer. It is a best-effort snapshot: entries can go stale between
// reconnects and nothing reconciles them beyond the gateway's broadcasts.
type PresenceSet struct {
	mu    sync.RWMutex
	users map[string]models.PresenceRecord
	offs  []func()
}

// NewPresenceSet subscribes to the presence broadcasts on t. Close releases
// the subscriptions.
func NewPresenceSet(t Transport) *PresenceSet {
	s := &PresenceSet{users: make(map[string]models.PresenceRecord)}
	s.offs = append(s.offs,
		t.On(EventUserOnline, s.handleOnline),
		t.On(EventUserOffline, s.handleOffline),
		t.On(EventOnlineUsers, s.handleSnapshot),
	)
	return s
}

func (s *PresenceSet) handleOnline(payload json.RawMessage) {
	var rec models.PresenceRecord
	if err := json.Unmarshal(payload, &rec); err != nil || rec.ID == "" {
		return
	}
	s.mu.Lock()
	s.users[rec.ID] = rec
	s.mu.Unlock()
}

func (s *PresenceSet) handleOffline(payload json.RawMessage) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.UserID == "" {
		return
	}
	s.mu.Lock()
	delete(s.users, body.UserID)
	s.mu.Unlock()
}

func (s *PresenceSet) handleSnapshot(payload json.RawMessage) {
	var recs []models.PresenceRecord
	if err := json.Unmarshal(payload, &recs); err != nil {
		return
	}
	s.mu.Lock()
	s.users = make(map[string]models.PresenceRecord, len(recs))
	for _, rec := range recs {
		if rec.ID != "" {
			s.users[rec.ID] = rec
		}
	}
	s.mu.Unlock()
}

// Online reports whether the user is in the current snapshot.
func (s *PresenceSet) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// Snapshot returns the currently known online users, sorted by id for stable
// rendering.
func (s *PresenceSet) Snapshot() []models.PresenceRecord {
	s.mu.RLock()
	recs := make([]models.PresenceRecord, 0, len(s.users))
	for _, rec := range s.users {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}

func (s *PresenceSet) Close() {
	for _, off := range s.offs {
		off()
	}
	s.offs = nil
}

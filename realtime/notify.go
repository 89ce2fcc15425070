package realtime

import (
	"encoding/json"

	"github.com/tutorlink/chatkit/models"
)

// MatchListener reacts to match notifications independent of any open
// conversation. It is mounted once at the application shell and lives for
// the shell's lifetime.
//
// The listener does not deduplicate; the gateway emits at most one event per
// match.
type MatchListener struct {
	off func()
}

// ListenMatches subscribes fn to match events. The callback receives the
// counterpart's identity and the conversation the gateway created for the
// pair.
func ListenMatches(t Transport, fn func(models.Match)) *MatchListener {
	off := t.On(EventMatch, func(payload json.RawMessage) {
		var match models.Match
		if err := json.Unmarshal(payload, &match); err != nil {
			return
		}
		fn(match)
	})
	return &MatchListener{off: off}
}

// Close unsubscribes the listener.
func (l *MatchListener) Close() {
	if l.off != nil {
		l.off()
		l.off = nil
	}
}

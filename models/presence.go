package models

// PresenceRecord is the minimal display info for a user that is currently
// connected to the realtime layer.
type PresenceRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Match is the payload of an out-of-band match notification. The server
// creates the conversation before emitting the event, so the client can
// navigate straight into it.
type Match struct {
	MatchID        string         `json:"matchId"`
	ConversationID string         `json:"conversationId"`
	User           PresenceRecord `json:"user"`
}

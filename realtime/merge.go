package realtime

import (
	"github.com/tutorlink/chatkit/models"
)

// arrival tags where a message record came from. The same logical message can
// arrive up to three times — the optimistic local copy, the HTTP confirmation
// and the relayed push — and the merge must collapse them into one entry.
type arrival int

const (
	arrivalOptimistic arrival = iota
	arrivalConfirmed
	arrivalPushed
)

// mergeMessage folds an incoming record into the list and returns the new
// list. It is a pure function so the reconciliation rule can be tested
// without any transport wiring.
//
// Rules, in order:
//  1. A record whose server id is already present is a duplicate: no-op.
//     The HTTP confirmation and the relayed push race each other, and
//     whichever arrives second must be absorbed.
//  2. A record with a server id replaces, in place, an unconfirmed local
//     message from the same sender with the same content and attachment
//     name. That is the optimistic placeholder being confirmed; its LocalID
//     is preserved so the rendered entry keeps its identity.
//  3. Otherwise the record is inserted in chronological position.
//
// Optimistic records (no server id yet) skip 1 and 2 and are just inserted.
func mergeMessage(list []models.Message, in models.Message, src arrival) []models.Message {
	if src != arrivalOptimistic && in.Confirmed() {
		for _, m := range list {
			if m.ID == in.ID {
				return list
			}
		}
		for i, m := range list {
			if !m.Confirmed() &&
				m.SenderID == in.SenderID &&
				m.Content == in.Content &&
				m.AttachmentName() == in.AttachmentName() {
				in.LocalID = m.LocalID
				list[i] = in
				return list
			}
		}
	}
	return insertChronological(list, in)
}

// insertChronological inserts keeping the list sorted by creation time.
// Records with equal timestamps keep arrival order. History loads deliver
// sorted input, so the common case is a straight append.
func insertChronological(list []models.Message, in models.Message) []models.Message {
	i := len(list)
	for i > 0 && list[i-1].CreatedAt.After(in.CreatedAt) {
		i--
	}
	list = append(list, models.Message{})
	copy(list[i+1:], list[i:])
	list[i] = in
	return list
}

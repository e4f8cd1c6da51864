package session

import (
	"time"

	"livechat/internal/chat"
)

// DefaultMatchWindow bounds content matching between a confirmed message and an
// unconfirmed local echo when the server does not echo the temp id. It is measured on the
// local clock, from the echo's last write to the confirmation's arrival.
const DefaultMatchWindow = time.Minute

type Outcome int

const (
	Appended Outcome = iota
	Replaced
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Reconcile folds a confirmed message into a room's list and returns the resulting list.
// The input slice is never modified.
//
// Matching order: a message whose id is already listed is ignored; a listed unconfirmed
// entry with the same temp id is replaced; otherwise, when the message is from selfID, the
// oldest unconfirmed entry with the same type and content written within window before
// receivedAt is replaced. Anything else is appended. A replaced entry keeps its position
// and temp id. The server's CreatedAt never takes part in matching.
func Reconcile(list []chat.Message, incoming chat.Message, selfID string, receivedAt time.Time, window time.Duration) ([]chat.Message, Outcome) {
	if incoming.ID != "" {
		for _, m := range list {
			if m.ID == incoming.ID {
				return list, Ignored
			}
		}
	}

	idx := -1
	if incoming.TempID != "" {
		for i, m := range list {
			if m.Unconfirmed() && m.TempID == incoming.TempID {
				idx = i
				break
			}
		}
	}
	if idx < 0 && selfID != "" && incoming.Sender.ID == selfID {
		for i, m := range list {
			if m.Unconfirmed() && m.Sender.ID == selfID && m.Type == incoming.Type &&
				m.Content == incoming.Content && within(sentAt(m), receivedAt, window) {
				idx = i
				break
			}
		}
	}

	out := make([]chat.Message, len(list), len(list)+1)
	copy(out, list)
	incoming.Status = chat.StatusConfirmed
	if idx < 0 {
		return append(out, incoming), Appended
	}
	prev := out[idx]
	incoming.TempID = prev.TempID
	if incoming.RoomID == "" {
		incoming.RoomID = prev.RoomID
	}
	out[idx] = incoming
	return out, Replaced
}

func sentAt(m chat.Message) time.Time {
	if m.SentAt.IsZero() {
		return m.CreatedAt
	}
	return m.SentAt
}

func within(sent, received time.Time, window time.Duration) bool {
	if window <= 0 || sent.IsZero() || received.IsZero() {
		return true
	}
	d := received.Sub(sent)
	if d < 0 {
		d = -d
	}
	return d <= window
}

package chat

import "time"

type RoomStatus string

const (
	RoomOpen    RoomStatus = "open"
	RoomPending RoomStatus = "pending"
	RoomClosed  RoomStatus = "closed"
)

// Room is a conversation context. Staff is nil until a staff member joins.
type Room struct {
	ID        string     `json:"id"`
	Status    RoomStatus `json:"status"`
	Staff     *Sender    `json:"staff,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// User is the identity the server reports after authentication.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// AsSender converts the authenticated identity into the sender block used on messages.
func (u User) AsSender() Sender {
	return Sender{ID: u.ID, Username: u.Username, Role: u.Role}
}

// TypingEntry is a remote participant currently typing in the current room.
type TypingEntry struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

func (e TypingEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

package chat

import "time"

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// ParseMessageType maps a wire value onto a known type. Unknown values report false.
func ParseMessageType(value string) (MessageType, bool) {
	switch MessageType(value) {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return MessageType(value), true
	}
	return TypeText, false
}

// Status tracks where a message is in the send/confirm lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// placeholders used when an inbound payload is missing required fields.
const (
	UnknownID          = "unknown"
	UnknownUsername    = "Unknown"
	PlaceholderContent = "This message could not be displayed."
)

type Sender struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// UnknownSender is attached to messages whose sender could not be read.
var UnknownSender = Sender{ID: UnknownID, Username: UnknownUsername}

// Message is one entry of a room's visible list. ID is empty until the server confirms it;
// TempID is only set for messages that originated on this client.
type Message struct {
	ID        string      `json:"id,omitempty"`
	TempID    string      `json:"temp_id,omitempty"`
	RoomID    string      `json:"room_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Sender    Sender      `json:"sender"`
	CreatedAt time.Time   `json:"created_at"`
	IsRead    bool        `json:"is_read"`
	Status    Status      `json:"status"`
	// SentAt is the local clock reading of the last write of an unconfirmed message.
	SentAt time.Time `json:"-"`
}

func (m Message) Pending() bool {
	return m.Status == StatusPending
}

// Unconfirmed reports whether the message still waits for the server: pending or failed.
func (m Message) Unconfirmed() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Pagination mirrors the paging block returned by the history endpoint.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

// HistoryPage is one page of persisted messages, oldest first.
type HistoryPage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

package server

import (
	"encoding/json"
	"strconv"
	"time"

	"livechat/internal/storage"
)

// inbound and outbound frame names
const (
	evAuthenticate = "authenticate"
	evJoinRoom     = "join_room"
	evLeaveRoom    = "leave_room"
	evSendMessage  = "send_message"
	evTypingStart  = "typing_start"
	evTypingStop   = "typing_stop"

	evAuthenticated = "authenticated"
	evAuthError     = "auth_error"
	evRoomJoined    = "room_joined"
	evNewMessage    = "new_message"
	evUserTyping    = "user_typing"
	evStaffJoined   = "staff_joined"
	evRoomUpdated   = "room_updated"
	evError         = "error"
)

const (
	roleCustomer = "customer"
	roleStaff    = "staff"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(name string, data any) []byte {
	payload, err := json.Marshal(outFrame{Event: name, Data: data})
	if err != nil {
		// only reachable with an unencodable data value, which is a programming error
		panic(err)
	}
	return payload
}

type authRequest struct {
	Token string `json:"token"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type sendRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
	TempID  string `json:"tempId"`
}

type userDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func toUserDTO(u *storage.User) userDTO {
	return userDTO{ID: formatID(u.ID), Username: u.Username, Role: u.Role}
}

type messageDTO struct {
	ID        string    `json:"id"`
	TempID    string    `json:"tempId,omitempty"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Sender    userDTO   `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

func toMessageDTO(m storage.Message, echoTempID bool) messageDTO {
	dto := messageDTO{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Content:   m.Content,
		Type:      m.Type,
		Sender:    userDTO{ID: formatID(m.SenderID), Username: m.SenderName, Role: m.SenderRole},
		CreatedAt: m.CreatedAt,
		IsRead:    m.IsRead,
	}
	if echoTempID {
		dto.TempID = m.TempID
	}
	return dto
}

type roomDTO struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type typingDTO struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type staffJoinedDTO struct {
	RoomID string  `json:"roomId"`
	Staff  userDTO `json:"staff"`
}

type roomUpdatedDTO struct {
	RoomID  string         `json:"roomId"`
	Updates map[string]any `json:"updates"`
}

type errorDTO struct {
	Message string `json:"message"`
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

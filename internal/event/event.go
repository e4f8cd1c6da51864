// Package event turns loosely shaped server payloads into one canonical event type per
// logical server event. Everything downstream switches on these types and never touches
// wire JSON.
package event

import (
	"strings"

	"livechat/internal/chat"
)

// Kind identifies a logical server event independent of the wire name that carried it.
type Kind int

const (
	KindUnknown Kind = iota
	KindNewMessage
	KindUserTyping
	KindRoomUpdated
	KindStaffJoined
	KindError
	KindAuthenticated
	KindAuthFailed
	KindRoomJoined
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindUserTyping:
		return "user_typing"
	case KindRoomUpdated:
		return "room_updated"
	case KindStaffJoined:
		return "staff_joined"
	case KindError:
		return "error"
	case KindAuthenticated:
		return "authenticated"
	case KindAuthFailed:
		return "auth_error"
	case KindRoomJoined:
		return "room_joined"
	default:
		return "unknown"
	}
}

// the server has shipped the same events under several names over time.
var aliases = map[string]Kind{
	"new_message":      KindNewMessage,
	"message":          KindNewMessage,
	"chat_message":     KindNewMessage,
	"message.new":      KindNewMessage,
	"message_received": KindNewMessage,
	"receive_message":  KindNewMessage,
	"newmessage":       KindNewMessage,

	"user_typing":      KindUserTyping,
	"typing":           KindUserTyping,
	"typing.indicator": KindUserTyping,
	"typing_start":     KindUserTyping,
	"typing_stop":      KindUserTyping,
	"usertyping":       KindUserTyping,

	"room_updated":         KindRoomUpdated,
	"room_update":          KindRoomUpdated,
	"conversation_updated": KindRoomUpdated,
	"roomupdated":          KindRoomUpdated,

	"staff_joined": KindStaffJoined,
	"agent_joined": KindStaffJoined,
	"staffjoined":  KindStaffJoined,

	"error":        KindError,
	"exception":    KindError,
	"server_error": KindError,

	"authenticated": KindAuthenticated,
	"auth_success":  KindAuthenticated,
	"auth.ok":       KindAuthenticated,

	"auth_error":           KindAuthFailed,
	"auth_failed":          KindAuthFailed,
	"unauthorized":         KindAuthFailed,
	"authentication_error": KindAuthFailed,

	"room_joined":         KindRoomJoined,
	"joined_room":         KindRoomJoined,
	"conversation_joined": KindRoomJoined,
	"roomjoined":          KindRoomJoined,
}

// KindOf resolves a wire event name.
func KindOf(name string) Kind {
	return aliases[strings.ToLower(strings.TrimSpace(name))]
}

// Event is the canonical form of one inbound server event.
type Event interface {
	Kind() Kind
	// Wire is the event name exactly as the server sent it.
	Wire() string
}

type NewMessage struct {
	Name    string
	Message chat.Message
}

type UserTyping struct {
	Name     string
	RoomID   string
	UserID   string
	Username string
	IsTyping bool
}

type RoomUpdated struct {
	Name    string
	RoomID  string
	Status  chat.RoomStatus
	Updates map[string]any
}

type StaffJoined struct {
	Name   string
	RoomID string
	Staff  chat.Sender
}

type Error struct {
	Name    string
	Message string
}

type Authenticated struct {
	Name string
	User chat.User
}

type AuthFailed struct {
	Name    string
	Message string
}

type RoomJoined struct {
	Name   string
	RoomID string
}

// Unknown carries payloads whose event name is not recognised, so they are still observable.
type Unknown struct {
	Name string
	Raw  []byte
}

func (e NewMessage) Kind() Kind    { return KindNewMessage }
func (e UserTyping) Kind() Kind    { return KindUserTyping }
func (e RoomUpdated) Kind() Kind   { return KindRoomUpdated }
func (e StaffJoined) Kind() Kind   { return KindStaffJoined }
func (e Error) Kind() Kind         { return KindError }
func (e Authenticated) Kind() Kind { return KindAuthenticated }
func (e AuthFailed) Kind() Kind    { return KindAuthFailed }
func (e RoomJoined) Kind() Kind    { return KindRoomJoined }
func (e Unknown) Kind() Kind       { return KindUnknown }

func (e NewMessage) Wire() string    { return e.Name }
func (e UserTyping) Wire() string    { return e.Name }
func (e RoomUpdated) Wire() string   { return e.Name }
func (e StaffJoined) Wire() string   { return e.Name }
func (e Error) Wire() string         { return e.Name }
func (e Authenticated) Wire() string { return e.Name }
func (e AuthFailed) Wire() string    { return e.Name }
func (e RoomJoined) Wire() string    { return e.Name }
func (e Unknown) Wire() string       { return e.Name }

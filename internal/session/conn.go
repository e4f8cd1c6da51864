// Package session holds the room-scoped client state built on top of a realtime
// connection: the current room, typing signals and the reconciled message list.
package session

import (
	"context"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/realtime"
)

// Conn is the part of the connection manager the room-scoped components need.
// *realtime.Manager satisfies it.
type Conn interface {
	State() chat.ConnectionState
	User() chat.User
	Send(ctx context.Context, name string, payload any) error
	OnEvent(fn func(event.Event)) func()
	OnStateChange(fn func(realtime.StateChange)) func()
}

// Transport is a Conn the Session can also open and close.
type Transport interface {
	Conn
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, token string) (bool, error)
	Disconnect()
	OnError(fn func(error)) func()
}

var _ Transport = (*realtime.Manager)(nil)

func requireAuthenticated(conn Conn) error {
	if conn.State() != chat.StateAuthenticated {
		return chat.ErrNotAuthenticated
	}
	return nil
}

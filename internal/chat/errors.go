package chat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAuthenticated is returned when an operation needs an authenticated connection.
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	// ErrNoActiveRoom is returned when an operation needs a current room.
	ErrNoActiveRoom = errors.New("no active room")
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timed out waiting for server")
	// ErrReconnectExhausted is the terminal connectivity error after the retry budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrUnknownMessage     = errors.New("message not found")
)

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError carries the server's reason for rejecting a credential.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Message
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// MalformedEventError lists the fields that had to be replaced with placeholders.
type MalformedEventError struct {
	Event  string
	Fields []string
	Err    error
}

func (e *MalformedEventError) Error() string {
	var sb strings.Builder
	sb.WriteString("malformed event")
	if e.Event != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Event)
	}
	if len(e.Fields) > 0 {
		sb.WriteString(": missing ")
		sb.WriteString(strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

package realtime

import (
	"encoding/json"
	"net/url"
)

// outbound event names
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(name string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Event: name, Data: payload})
}

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
	TempID  string `json:"tempId,omitempty"`
}

// dialURL attaches the token for AuthQuery connections.
func dialURL(raw, token string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", &url.Error{Op: "parse", URL: raw, Err: errScheme}
	}
	if token != "" {
		q := parsed.Query()
		q.Set("token", token)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

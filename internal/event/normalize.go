package event

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"livechat/internal/chat"
)

var errInvalidJSON = errors.New("payload is not a JSON object")

// now is swapped in tests.
var now = time.Now

// Normalize decodes one inbound frame. It always returns an event; a non-nil error is a
// *chat.MalformedEventError describing which fields were replaced with placeholders.
func Normalize(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Unknown{Raw: raw}, &chat.MalformedEventError{Err: errInvalidJSON}
	}
	name, body := envelope(gjson.ParseBytes(raw))
	kind := KindOf(name)
	var missing []string
	var ev Event
	switch kind {
	case KindNewMessage:
		var msg chat.Message
		msg, missing = parseMessage(body)
		ev = NewMessage{Name: name, Message: msg}
	case KindUserTyping:
		ev, missing = parseTyping(name, body)
	case KindRoomUpdated:
		ev, missing = parseRoomUpdated(name, body)
	case KindStaffJoined:
		ev, missing = parseStaffJoined(name, body)
	case KindError:
		ev = Error{Name: name, Message: reason(body, "unknown server error")}
	case KindAuthenticated:
		ev, missing = parseAuthenticated(name, body)
	case KindAuthFailed:
		ev = AuthFailed{Name: name, Message: reason(body, "invalid credentials")}
	case KindRoomJoined:
		roomID := identifier(body, "roomId", "room_id", "room", "conversationId", "conversation_id", "id")
		ev = RoomJoined{Name: name, RoomID: roomID}
	default:
		ev = Unknown{Name: name, Raw: raw}
		if name == "" {
			missing = []string{"event"}
		}
	}
	if len(missing) > 0 {
		return ev, &chat.MalformedEventError{Event: name, Fields: missing}
	}
	return ev, nil
}

// ParseMessage reads a message object in any of the shapes the server uses. Missing
// required fields are filled with placeholders and listed in the returned error.
func ParseMessage(raw []byte) (chat.Message, error) {
	if !gjson.ValidBytes(raw) {
		msg := placeholderMessage()
		return msg, &chat.MalformedEventError{Event: "message", Err: errInvalidJSON}
	}
	msg, missing := parseMessage(gjson.ParseBytes(raw))
	if len(missing) > 0 {
		return msg, &chat.MalformedEventError{Event: "message", Fields: missing}
	}
	return msg, nil
}

// envelope finds the event name and its body. Accepted shapes:
//
//	{"event": "x", "data": {...}}   {"type": "x", "payload": {...}}
//	{"event": "x", ...flat fields}  ["x", {...}]
func envelope(root gjson.Result) (string, gjson.Result) {
	if root.IsArray() {
		return strings.TrimSpace(root.Get("0").String()), root.Get("1")
	}
	name := scalar(root.Get("event"))
	if name == "" {
		if t := scalar(root.Get("type")); KindOf(t) != KindUnknown {
			name = t
		}
	}
	for _, key := range []string{"data", "payload"} {
		if body := root.Get(key); body.Exists() && body.Type != gjson.Null {
			return name, body
		}
	}
	return name, root
}

func parseMessage(body gjson.Result) (chat.Message, []string) {
	if body.Type == gjson.String {
		msg := placeholderMessage()
		msg.Content = body.Str
		return msg, []string{"room_id", "sender"}
	}
	src := body
	if nested := body.Get("message"); nested.IsObject() {
		src = nested
	}

	var missing []string
	msg := chat.Message{
		ID:     identifier(src, "id", "_id", "message_id", "messageId"),
		TempID: str(src, "tempId", "temp_id", "clientId", "client_id", "client_msg_id"),
		Status: chat.StatusConfirmed,
		Type:   chat.TypeText,
	}
	msg.RoomID = identifier(src, "roomId", "room_id", "room", "conversationId", "conversation_id", "conversation")
	if msg.RoomID == "" && src.Raw != body.Raw {
		msg.RoomID = identifier(body, "roomId", "room_id", "room", "conversationId", "conversation_id")
	}
	if msg.RoomID == "" {
		missing = append(missing, "room_id")
	}

	msg.Content = str(src, "content", "message", "body", "text")
	if msg.Content == "" {
		msg.Content = chat.PlaceholderContent
		missing = append(missing, "content")
	}

	sender, ok := parseSender(src)
	if !ok && src.Raw != body.Raw {
		sender, ok = parseSender(body)
	}
	if !ok {
		missing = append(missing, "sender")
	}
	msg.Sender = sender

	if t, known := chat.ParseMessageType(str(src, "type", "message_type", "messageType")); known {
		msg.Type = t
	}
	msg.CreatedAt = timestamp(src, "created_at", "createdAt", "timestamp", "ts", "sent_at")
	msg.IsRead = first(src, "is_read", "isRead", "read").Bool()
	return msg, missing
}

func placeholderMessage() chat.Message {
	return chat.Message{
		Content:   chat.PlaceholderContent,
		Type:      chat.TypeText,
		Sender:    chat.UnknownSender,
		CreatedAt: now(),
		Status:    chat.StatusConfirmed,
	}
}

// parseSender looks for the sender under sender, sender_id or user, as an object or a bare id.
func parseSender(r gjson.Result) (chat.Sender, bool) {
	var s chat.Sender
	for _, key := range []string{"sender", "user", "author"} {
		v := r.Get(key)
		if v.IsObject() {
			s = person(v)
			break
		}
		if id := scalar(v); id != "" {
			s.ID = id
			break
		}
	}
	if s.ID == "" {
		s.ID = identifier(r, "sender_id", "senderId", "user_id", "userId")
	}
	if s.Username == "" {
		s.Username = str(r, "sender_name", "senderName", "username")
	}
	if s.Role == "" {
		s.Role = str(r, "sender_role", "senderRole", "role")
	}
	if s.AvatarURL == "" {
		s.AvatarURL = str(r, "sender_avatar", "avatar_url", "avatarUrl")
	}
	if s.ID == "" {
		if s.Username == "" {
			s.Username = chat.UnknownUsername
		}
		s.ID = chat.UnknownID
		return s, false
	}
	if s.Username == "" {
		s.Username = s.ID
	}
	return s, true
}

func person(v gjson.Result) chat.Sender {
	return chat.Sender{
		ID:        identifier(v, "id", "_id", "user_id", "userId"),
		Username:  str(v, "username", "name", "display_name", "displayName"),
		Role:      str(v, "role", "sender_role"),
		AvatarURL: str(v, "avatar_url", "avatarUrl", "avatar"),
	}
}

func parseTyping(name string, body gjson.Result) (Event, []string) {
	ev := UserTyping{
		Name:   name,
		RoomID: identifier(body, "roomId", "room_id", "room", "conversationId", "conversation_id"),
	}
	var missing []string
	if who, ok := parseSender(body); ok {
		ev.UserID = who.ID
		ev.Username = who.Username
	} else {
		ev.UserID = chat.UnknownID
		ev.Username = who.Username
		missing = append(missing, "user_id")
	}
	switch strings.ToLower(name) {
	case "typing_start":
		ev.IsTyping = true
	case "typing_stop":
		ev.IsTyping = false
	default:
		flag := first(body, "isTyping", "is_typing", "typing")
		ev.IsTyping = !flag.Exists() || flag.Bool()
	}
	return ev, missing
}

func parseRoomUpdated(name string, body gjson.Result) (Event, []string) {
	ev := RoomUpdated{Name: name, Updates: map[string]any{}}
	ev.RoomID = identifier(body, "roomId", "room_id", "room", "conversationId", "conversation_id", "id")
	updates := body.Get("updates")
	if !updates.IsObject() {
		if room := body.Get("room"); room.IsObject() {
			updates = room
		} else {
			updates = body
		}
	}
	if m, ok := updates.Value().(map[string]any); ok {
		ev.Updates = m
	}
	ev.Status = chat.RoomStatus(str(updates, "status"))
	if ev.Status == "" {
		ev.Status = chat.RoomStatus(str(body, "status"))
	}
	if ev.RoomID == "" {
		return ev, []string{"room_id"}
	}
	return ev, nil
}

func parseStaffJoined(name string, body gjson.Result) (Event, []string) {
	ev := StaffJoined{
		Name:   name,
		RoomID: identifier(body, "roomId", "room_id", "room", "conversationId", "conversation_id"),
	}
	var missing []string
	found := false
	for _, key := range []string{"staff", "agent", "user", "sender"} {
		if v := body.Get(key); v.IsObject() {
			ev.Staff = person(v)
			found = ev.Staff.ID != ""
			break
		}
	}
	if !found {
		ev.Staff.ID = identifier(body, "staff_id", "staffId", "agent_id", "user_id", "userId")
		if ev.Staff.Username == "" {
			ev.Staff.Username = str(body, "staff_name", "staffName", "username", "name")
		}
	}
	if ev.Staff.Role == "" {
		ev.Staff.Role = "staff"
	}
	if ev.Staff.ID == "" {
		ev.Staff.ID = chat.UnknownID
		missing = append(missing, "staff")
	}
	if ev.Staff.Username == "" {
		ev.Staff.Username = chat.UnknownUsername
	}
	if ev.RoomID == "" {
		missing = append(missing, "room_id")
	}
	return ev, missing
}

func parseAuthenticated(name string, body gjson.Result) (Event, []string) {
	src := body
	if u := body.Get("user"); u.IsObject() {
		src = u
	}
	user := chat.User{
		ID:       identifier(src, "id", "_id", "userId", "user_id"),
		Username: str(src, "username", "name"),
		Role:     str(src, "role"),
	}
	if user.ID == "" {
		return Authenticated{Name: name, User: user}, []string{"user"}
	}
	return Authenticated{Name: name, User: user}, nil
}

func reason(body gjson.Result, fallback string) string {
	if body.Type == gjson.String && strings.TrimSpace(body.Str) != "" {
		return strings.TrimSpace(body.Str)
	}
	if msg := str(body, "message", "error", "reason", "msg"); msg != "" {
		return msg
	}
	return fallback
}

// identifier reads an id that may be a bare value or an object carrying id/_id.
func identifier(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		v := r.Get(path)
		if !v.Exists() {
			continue
		}
		if v.IsObject() {
			if id := scalar(first(v, "id", "_id")); id != "" {
				return id
			}
			continue
		}
		if id := scalar(v); id != "" {
			return id
		}
	}
	return ""
}

func str(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := scalar(r.Get(path)); s != "" {
			return s
		}
	}
	return ""
}

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if v := r.Get(path); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.Number:
		return v.Raw
	default:
		return ""
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
}

// timestamp accepts RFC 3339 strings or unix seconds/milliseconds and defaults to now.
func timestamp(r gjson.Result, paths ...string) time.Time {
	v := first(r, paths...)
	switch v.Type {
	case gjson.Number:
		return fromUnix(v.Int())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n)
		}
	}
	return now()
}

func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livechat/internal/storage"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	sendBuffer      = 256
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. It is anonymous until it authenticates and sits in at
// most one room at a time.
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	log    *zap.Logger

	mu           sync.Mutex
	user         *storage.User
	room         *Room
	closed       bool
	messageTimes []time.Time
}

// ServeWS upgrades the request. A token query parameter authenticates the connection right
// away; otherwise the peer must send authenticate first.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    s.log.With(zap.String("remote", s.clientIP(r))),
	}
	s.metrics.IncConn()

	go client.writePump()
	if token := r.URL.Query().Get("token"); token != "" {
		client.authenticate(r.Context(), token)
	}
	go client.readPump()
}

func (c *Client) readPump() {
	defer c.cleanup()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.handle(payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) cleanup() {
	s := c.server
	s.hub.leave("", c)
	c.mu.Lock()
	user := c.user
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	if user != nil {
		s.metrics.SetOnline(s.presence.Decrement(user.ID))
	}
	s.metrics.DecConn()
	c.conn.Close()
}

// enqueue reports false when the connection is gone or its buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) kick() {
	_ = c.conn.Close()
}

func (c *Client) reply(name string, data any) {
	if !c.enqueue(encodeFrame(name, data)) {
		c.kick()
	}
}

func (c *Client) fail(message string) {
	c.reply(evError, errorDTO{Message: message})
}

func (c *Client) currentUser() *storage.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Client) currentRoom() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) swapRoom(room *Room) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.room
	c.room = room
	return prev
}

func (c *Client) handle(payload []byte) {
	var in frame
	if err := json.Unmarshal(payload, &in); err != nil || in.Event == "" {
		c.fail("malformed frame")
		return
	}
	if in.Event == evAuthenticate {
		var req authRequest
		_ = json.Unmarshal(in.Data, &req)
		c.authenticate(context.Background(), req.Token)
		return
	}
	user := c.currentUser()
	if user == nil {
		c.fail("not authenticated")
		return
	}
	switch in.Event {
	case evJoinRoom:
		var req roomRequest
		_ = json.Unmarshal(in.Data, &req)
		c.joinRoom(user, req.RoomID)
	case evLeaveRoom:
		var req roomRequest
		_ = json.Unmarshal(in.Data, &req)
		c.server.hub.leave(req.RoomID, c)
	case evSendMessage:
		var req sendRequest
		if err := json.Unmarshal(in.Data, &req); err != nil {
			c.fail("malformed send_message")
			return
		}
		c.sendMessage(user, req)
	case evTypingStart, evTypingStop:
		var req roomRequest
		_ = json.Unmarshal(in.Data, &req)
		c.typing(user, req.RoomID, in.Event == evTypingStart)
	default:
		c.fail("unknown event " + in.Event)
	}
}

func (c *Client) authenticate(ctx context.Context, token string) {
	s := c.server
	user, err := s.lookupToken(ctx, strings.TrimSpace(token))
	if err != nil || token == "" {
		message := "invalid token"
		if err != nil && !errors.Is(err, errUnauthorized) {
			c.log.Error("token lookup failed", zap.Error(err))
			message = "authentication unavailable"
		}
		s.metrics.IncAuthFailure("ws")
		c.reply(evAuthError, errorDTO{Message: message})
		return
	}
	c.mu.Lock()
	prev := c.user
	c.user = user
	c.mu.Unlock()
	if prev == nil {
		s.metrics.SetOnline(s.presence.Increment(user.ID))
	} else if prev.ID != user.ID {
		s.presence.Decrement(prev.ID)
		s.metrics.SetOnline(s.presence.Increment(user.ID))
	}
	c.log.Debug("connection authenticated", zap.String("username", user.Username))
	c.reply(evAuthenticated, map[string]any{"user": toUserDTO(user)})
}

func (c *Client) joinRoom(user *storage.User, roomID string) {
	s := c.server
	if roomID == "" {
		c.fail("roomId required")
		return
	}
	ctx := context.Background()
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			c.fail("room not found")
			return
		}
		c.log.Error("load room failed", zap.String("room_id", roomID), zap.Error(err))
		c.fail("could not join room")
		return
	}
	if !canAccess(user, room) {
		c.fail("not a participant of this room")
		return
	}
	s.hub.join(roomID, c)
	c.reply(evRoomJoined, roomRequest{RoomID: roomID})

	if user.Role != roleStaff {
		return
	}
	// first staff member to join takes the room
	assigned, err := s.store.AssignStaff(ctx, roomID, user.ID)
	if err != nil {
		c.log.Error("assign staff failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if !assigned {
		return
	}
	s.log.Info("staff assigned", zap.String("room_id", roomID), zap.String("staff", user.Username))
	s.hub.broadcast(roomID, encodeFrame(evStaffJoined, staffJoinedDTO{RoomID: roomID, Staff: toUserDTO(user)}), nil)
	s.hub.broadcast(roomID, encodeFrame(evRoomUpdated, roomUpdatedDTO{
		RoomID:  roomID,
		Updates: map[string]any{"status": "open"},
	}), nil)
}

func (c *Client) sendMessage(user *storage.User, req sendRequest) {
	s := c.server
	now := s.now()
	if !c.allowMessage(now) {
		s.metrics.IncRateLimited()
		c.fail("You're sending messages too quickly. Please wait a moment and try again.")
		return
	}
	room := c.currentRoom()
	if room == nil || (req.RoomID != "" && room.id != req.RoomID) {
		c.fail("join the room before sending")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.fail("content required")
		return
	}
	kind := req.Type
	switch kind {
	case "":
		kind = "text"
	case "text", "image", "file":
	default:
		c.fail("unsupported message type " + kind)
		return
	}
	msg := storage.Message{
		ID:         uuid.NewString(),
		RoomID:     room.id,
		SenderID:   user.ID,
		SenderName: user.Username,
		SenderRole: user.Role,
		Content:    content,
		Type:       kind,
		TempID:     req.TempID,
		CreatedAt:  now.UTC(),
	}
	if err := s.store.InsertMessage(context.Background(), msg); err != nil {
		c.log.Error("persist message failed", zap.String("room_id", room.id), zap.Error(err))
		c.fail("message not delivered")
		return
	}
	s.metrics.IncMessage(kind)
	s.hub.broadcast(room.id, encodeFrame(evNewMessage, toMessageDTO(msg, s.cfg.EchoTempID)), nil)
}

func (c *Client) typing(user *storage.User, roomID string, typing bool) {
	room := c.currentRoom()
	if room == nil || (roomID != "" && room.id != roomID) {
		return
	}
	c.server.hub.broadcast(room.id, encodeFrame(evUserTyping, typingDTO{
		RoomID:   room.id,
		UserID:   formatID(user.ID),
		Username: user.Username,
		IsTyping: typing,
	}), c)
}

// allowMessage is a per-connection sliding window on send_message.
func (c *Client) allowMessage(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ok bool
	c.messageTimes, ok = slide(c.messageTimes, now, rateLimitWindow, rateLimitBurst)
	return ok
}

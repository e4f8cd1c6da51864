package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/pubsub"
	"livechat/internal/realtime"
)

// RoomMessages is published whenever a room's visible list changes.
type RoomMessages struct {
	RoomID   string
	Messages []chat.Message
}

type SyncConfig struct {
	MatchWindow time.Duration
	Now         func() time.Time
	NewTempID   func() string
	Logger      *zap.Logger
}

// Synchronizer owns the per-room message lists: optimistic echoes of local sends and the
// confirmed messages the server delivers, reconciled so no sent message shows twice.
type Synchronizer struct {
	conn  Conn
	rooms *Rooms
	cfg   SyncConfig
	log   *zap.Logger

	mu    sync.Mutex
	lists map[string][]chat.Message

	changes pubsub.Bus[RoomMessages]
	unsubs  []func()
}

func NewSynchronizer(conn Conn, rooms *Rooms, cfg SyncConfig) *Synchronizer {
	if cfg.MatchWindow == 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTempID == nil {
		cfg.NewTempID = func() string { return "tmp-" + uuid.NewString() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Synchronizer{
		conn:  conn,
		rooms: rooms,
		cfg:   cfg,
		log:   cfg.Logger.Named("sync"),
		lists: make(map[string][]chat.Message),
	}
	s.unsubs = append(s.unsubs,
		conn.OnEvent(s.handleEvent),
		rooms.OnChange(s.handleRoom),
	)
	return s
}

func (s *Synchronizer) OnChange(fn func(RoomMessages)) func() { return s.changes.Subscribe(fn) }

// Messages returns a copy of roomID's visible list in display order.
func (s *Synchronizer) Messages(roomID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.lists[roomID]...)
}

// Pending returns the entries of roomID still waiting for the server, pending or failed.
func (s *Synchronizer) Pending(roomID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.lists[roomID] {
		if m.Unconfirmed() {
			out = append(out, m)
		}
	}
	return out
}

// Send appends a pending echo to the current room and then writes it to the server. The
// echo is visible before the write starts; a failed write marks it failed.
func (s *Synchronizer) Send(ctx context.Context, content string, typ chat.MessageType) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if typ == "" {
		typ = chat.TypeText
	}
	room := s.rooms.Current()
	if room == "" {
		return chat.Message{}, chat.ErrNoActiveRoom
	}
	if err := requireAuthenticated(s.conn); err != nil {
		return chat.Message{}, err
	}

	now := s.cfg.Now()
	msg := chat.Message{
		TempID:    s.cfg.NewTempID(),
		RoomID:    room,
		Content:   content,
		Type:      typ,
		Sender:    s.conn.User().AsSender(),
		CreatedAt: now,
		Status:    chat.StatusPending,
		SentAt:    now,
	}
	s.mu.Lock()
	s.lists[room] = append(s.lists[room], msg)
	s.mu.Unlock()
	s.publish(room)

	if err := s.write(ctx, msg); err != nil {
		msg.Status = chat.StatusFailed
		s.setStatus(room, msg.TempID, chat.StatusFailed)
		return msg, err
	}
	return msg, nil
}

// Retry re-sends an unconfirmed message with its original temp id. The content match
// window restarts from the retry.
func (s *Synchronizer) Retry(ctx context.Context, tempID string) error {
	if err := requireAuthenticated(s.conn); err != nil {
		return err
	}
	room, msg, ok := s.findUnconfirmed(tempID)
	if !ok {
		return fmt.Errorf("retry %s: %w", tempID, chat.ErrUnknownMessage)
	}
	s.resend(room, tempID, s.cfg.Now())
	if err := s.write(ctx, msg); err != nil {
		s.setStatus(room, tempID, chat.StatusFailed)
		return err
	}
	return nil
}

// Discard removes an unconfirmed message from its room's list.
func (s *Synchronizer) Discard(tempID string) error {
	room, _, ok := s.findUnconfirmed(tempID)
	if !ok {
		return fmt.Errorf("discard %s: %w", tempID, chat.ErrUnknownMessage)
	}
	s.mu.Lock()
	list := s.lists[room]
	for i, m := range list {
		if m.TempID == tempID && m.Unconfirmed() {
			s.lists[room] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.publish(room)
	return nil
}

// Seed places persisted history (oldest first) ahead of the live entries of roomID,
// skipping anything already listed.
func (s *Synchronizer) Seed(roomID string, history []chat.Message) {
	if roomID == "" || len(history) == 0 {
		return
	}
	s.mu.Lock()
	live := s.lists[roomID]
	seen := make(map[string]struct{}, len(live)+len(history))
	for _, m := range live {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
	}
	seeded := make([]chat.Message, 0, len(history)+len(live))
	for _, m := range history {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		m.Status = chat.StatusConfirmed
		seeded = append(seeded, m)
	}
	if len(seeded) == 0 {
		s.mu.Unlock()
		return
	}
	s.lists[roomID] = append(seeded, live...)
	s.mu.Unlock()
	s.publish(roomID)
}

func (s *Synchronizer) Close() {
	for _, stop := range s.unsubs {
		stop()
	}
	s.changes.Clear()
}

func (s *Synchronizer) handleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.NewMessage:
		s.receive(e.Message)
	case event.StaffJoined:
		room := e.RoomID
		if room == "" {
			room = s.rooms.Current()
		}
		if room == "" {
			return
		}
		s.appendSystem(room, e.Staff, fmt.Sprintf("%s joined the conversation", e.Staff.Username))
	}
}

func (s *Synchronizer) receive(msg chat.Message) {
	if msg.RoomID == "" {
		msg.RoomID = s.rooms.Current()
	}
	if msg.RoomID == "" {
		s.log.Warn("dropping message without room", zap.String("message_id", msg.ID))
		return
	}
	self := s.conn.User().ID

	s.mu.Lock()
	list, outcome := Reconcile(s.lists[msg.RoomID], msg, self, s.cfg.Now(), s.cfg.MatchWindow)
	s.lists[msg.RoomID] = list
	s.mu.Unlock()

	s.log.Debug("message", zap.String("room_id", msg.RoomID), zap.String("message_id", msg.ID),
		zap.Stringer("outcome", outcome))
	if outcome != Ignored {
		s.publish(msg.RoomID)
	}
}

func (s *Synchronizer) appendSystem(room string, who chat.Sender, text string) {
	s.mu.Lock()
	s.lists[room] = append(s.lists[room], chat.Message{
		RoomID:    room,
		Content:   text,
		Type:      chat.TypeSystem,
		Sender:    who,
		CreatedAt: s.cfg.Now(),
		Status:    chat.StatusConfirmed,
	})
	s.mu.Unlock()
	s.publish(room)
}

func (s *Synchronizer) handleRoom(change RoomChange) {
	if change.Reason != RoomLeft || change.Previous == "" {
		return
	}
	s.mu.Lock()
	delete(s.lists, change.Previous)
	s.mu.Unlock()
	s.changes.Publish(RoomMessages{RoomID: change.Previous})
}

func (s *Synchronizer) write(ctx context.Context, msg chat.Message) error {
	return s.conn.Send(ctx, realtime.EventSendMessage, realtime.SendMessagePayload{
		RoomID:  msg.RoomID,
		Content: msg.Content,
		Type:    string(msg.Type),
		TempID:  msg.TempID,
	})
}

func (s *Synchronizer) findUnconfirmed(tempID string) (string, chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for room, list := range s.lists {
		for _, m := range list {
			if m.TempID == tempID && m.Unconfirmed() {
				return room, m, true
			}
		}
	}
	return "", chat.Message{}, false
}

func (s *Synchronizer) setStatus(room, tempID string, status chat.Status) {
	s.mu.Lock()
	changed := false
	list := s.lists[room]
	for i := range list {
		if list[i].TempID == tempID && list[i].Unconfirmed() {
			list[i].Status = status
			changed = true
			break
		}
	}
	s.mu.Unlock()
	if changed {
		s.publish(room)
	}
}

// resend marks an unconfirmed entry pending again and stamps its new write time.
func (s *Synchronizer) resend(room, tempID string, at time.Time) {
	s.mu.Lock()
	list := s.lists[room]
	for i := range list {
		if list[i].TempID == tempID && list[i].Unconfirmed() {
			list[i].Status = chat.StatusPending
			list[i].SentAt = at
			break
		}
	}
	s.mu.Unlock()
	s.publish(room)
}

func (s *Synchronizer) publish(room string) {
	s.changes.Publish(RoomMessages{RoomID: room, Messages: s.Messages(room)})
}

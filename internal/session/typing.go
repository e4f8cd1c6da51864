package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/pubsub"
	"livechat/internal/realtime"
)

const (
	DefaultTypingIdle  = 2500 * time.Millisecond
	DefaultTypingTTL   = 5 * time.Second
	defaultSweepPeriod = 500 * time.Millisecond
)

type TypingConfig struct {
	// Idle is how long after the last keystroke a typing-stop is sent.
	Idle time.Duration
	// TTL is how long a remote typing-start stays visible without a refresh.
	TTL         time.Duration
	SweepPeriod time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// Typing debounces the local typing signal and aggregates remote typing notifications
// for the current room.
type Typing struct {
	conn  Conn
	rooms *Rooms
	cfg   TypingConfig
	log   *zap.Logger

	mu      sync.Mutex
	typing  bool
	room    string
	gen     int
	timer   *time.Timer
	entries map[string]chat.TypingEntry

	changes pubsub.Bus[[]chat.TypingEntry]
	unsubs  []func()
	done    chan struct{}
	once    sync.Once
}

func NewTyping(conn Conn, rooms *Rooms, cfg TypingConfig) *Typing {
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultTypingIdle
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTypingTTL
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = defaultSweepPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	t := &Typing{
		conn:    conn,
		rooms:   rooms,
		cfg:     cfg,
		log:     cfg.Logger.Named("typing"),
		entries: make(map[string]chat.TypingEntry),
		done:    make(chan struct{}),
	}
	t.unsubs = append(t.unsubs,
		conn.OnEvent(t.handleEvent),
		conn.OnStateChange(t.handleState),
		rooms.OnChange(t.handleRoom),
	)
	go t.sweep()
	return t
}

// OnChange receives the visible typing entries whenever they change.
func (t *Typing) OnChange(fn func([]chat.TypingEntry)) func() { return t.changes.Subscribe(fn) }

// StartTyping signals a keystroke. Only the first call in an idle window reaches the wire;
// every call pushes the automatic stop further out.
func (t *Typing) StartTyping(ctx context.Context) error {
	room := t.rooms.Current()
	if room == "" {
		return chat.ErrNoActiveRoom
	}
	if err := requireAuthenticated(t.conn); err != nil {
		return err
	}

	t.mu.Lock()
	already := t.typing && t.room == room
	t.typing = true
	t.room = room
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.cfg.Idle, func() { t.idle(gen) })
	t.mu.Unlock()

	if already {
		return nil
	}
	if err := t.conn.Send(ctx, realtime.EventTypingStart, realtime.RoomPayload{RoomID: room}); err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.typing = false
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping cancels the idle timer and emits typing-stop if a start is outstanding.
func (t *Typing) StopTyping(ctx context.Context) error {
	room, wasTyping := t.reset()
	if !wasTyping || room == "" {
		return nil
	}
	if t.conn.State() != chat.StateAuthenticated {
		return nil
	}
	return t.conn.Send(ctx, realtime.EventTypingStop, realtime.RoomPayload{RoomID: room})
}

// Entries returns the unexpired remote typists, sorted by username.
func (t *Typing) Entries() []chat.TypingEntry {
	now := t.cfg.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.TypingEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func (t *Typing) DisplayText() string {
	return DisplayText(t.Entries())
}

func (t *Typing) Close() {
	t.once.Do(func() {
		close(t.done)
		for _, stop := range t.unsubs {
			stop()
		}
		t.reset()
		t.mu.Lock()
		t.entries = make(map[string]chat.TypingEntry)
		t.mu.Unlock()
		t.changes.Clear()
	})
}

// DisplayText renders typing entries for a status line.
func DisplayText(entries []chat.TypingEntry) string {
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", entries[0].Username)
	case 2:
		return fmt.Sprintf("%s and %s are typing...", entries[0].Username, entries[1].Username)
	default:
		return fmt.Sprintf("%d people are typing...", len(entries))
	}
}

func (t *Typing) idle(gen int) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	room := t.room
	t.mu.Unlock()

	if t.conn.State() != chat.StateAuthenticated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), realtime.DefaultWriteTimeout)
	defer cancel()
	if err := t.conn.Send(ctx, realtime.EventTypingStop, realtime.RoomPayload{RoomID: room}); err != nil {
		t.log.Debug("typing stop not delivered", zap.String("room_id", room), zap.Error(err))
	}
}

func (t *Typing) reset() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	was := t.typing
	t.typing = false
	return t.room, was
}

func (t *Typing) handleEvent(ev event.Event) {
	e, ok := ev.(event.UserTyping)
	if !ok {
		return
	}
	current := t.rooms.Current()
	if current == "" || (e.RoomID != "" && e.RoomID != current) {
		return
	}
	if self := t.conn.User().ID; self != "" && e.UserID == self {
		return
	}

	t.mu.Lock()
	if e.IsTyping {
		t.entries[e.UserID] = chat.TypingEntry{
			UserID:    e.UserID,
			Username:  e.Username,
			ExpiresAt: t.cfg.Now().Add(t.cfg.TTL),
		}
	} else if _, found := t.entries[e.UserID]; found {
		delete(t.entries, e.UserID)
	} else {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.publish()
}

func (t *Typing) handleState(change realtime.StateChange) {
	if change.To == chat.StateDisconnected || change.To == chat.StateError {
		t.reset()
		t.clear()
	}
}

func (t *Typing) handleRoom(change RoomChange) {
	if change.Reason == RoomMetadata {
		return
	}
	t.reset()
	t.clear()
}

func (t *Typing) clear() {
	t.mu.Lock()
	had := len(t.entries) > 0
	t.entries = make(map[string]chat.TypingEntry)
	t.mu.Unlock()
	if had {
		t.changes.Publish(nil)
	}
}

func (t *Typing) sweep() {
	ticker := time.NewTicker(t.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if t.expire() {
				t.publish()
			}
		}
	}
}

func (t *Typing) expire() bool {
	now := t.cfg.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := false
	for id, e := range t.entries {
		if e.Expired(now) {
			delete(t.entries, id)
			removed = true
		}
	}
	return removed
}

func (t *Typing) publish() {
	t.changes.Publish(t.Entries())
}

func sortEntries(entries []chat.TypingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Username == entries[j].Username {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].Username < entries[j].Username
	})
}

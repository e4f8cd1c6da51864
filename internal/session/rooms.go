package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/pubsub"
	"livechat/internal/realtime"
)

const DefaultJoinTimeout = 10 * time.Second

type ChangeReason int

const (
	RoomJoined ChangeReason = iota
	RoomLeft
	// RoomLost means the connection dropped; the room is rejoined after re-authentication.
	RoomLost
	RoomMetadata
)

// RoomChange is published whenever the current room or its metadata changes.
type RoomChange struct {
	Reason ChangeReason
	// Previous is the id of the room that was current before the change.
	Previous string
	// Current is a copy of the current room, nil when there is none.
	Current *chat.Room
}

// Rooms tracks the single current room and drives join/leave on the connection.
type Rooms struct {
	conn        Conn
	log         *zap.Logger
	joinTimeout time.Duration

	mu      sync.Mutex
	current *chat.Room
	rejoin  string
	waiters map[string][]chan error

	changes pubsub.Bus[RoomChange]
	unsubs  []func()
}

func NewRooms(conn Conn, joinTimeout time.Duration, log *zap.Logger) *Rooms {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Rooms{
		conn:        conn,
		log:         log.Named("rooms"),
		joinTimeout: joinTimeout,
		waiters:     make(map[string][]chan error),
	}
	r.unsubs = append(r.unsubs,
		conn.OnEvent(r.handleEvent),
		conn.OnStateChange(r.handleState),
	)
	return r
}

func (r *Rooms) OnChange(fn func(RoomChange)) func() { return r.changes.Subscribe(fn) }

// Current is the current room id, empty when none.
func (r *Rooms) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.ID
}

func (r *Rooms) CurrentRoom() (chat.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return chat.Room{}, false
	}
	return *r.current, true
}

// Join makes roomID current once the server acknowledges it. It supersedes any previous room.
func (r *Rooms) Join(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return &chat.ValidationError{Field: "room_id", Reason: "must not be empty"}
	}
	if err := requireAuthenticated(r.conn); err != nil {
		return err
	}

	ch := make(chan error, 1)
	r.mu.Lock()
	r.waiters[roomID] = append(r.waiters[roomID], ch)
	r.mu.Unlock()
	defer r.dropWaiter(roomID, ch)

	if err := r.conn.Send(ctx, realtime.EventJoinRoom, realtime.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}

	timer := time.NewTimer(r.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return err
		}
	case <-timer.C:
		r.log.Warn("join timed out", zap.String("room_id", roomID))
		return &chat.TransportError{Op: "join", Err: chat.ErrTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	prev := r.currentIDLocked()
	room := &chat.Room{ID: roomID, Status: chat.RoomOpen}
	if r.current != nil && r.current.ID == roomID {
		room = r.current
	}
	r.current = room
	r.rejoin = ""
	snapshot := *room
	r.mu.Unlock()

	r.log.Info("joined room", zap.String("room_id", roomID))
	r.changes.Publish(RoomChange{Reason: RoomJoined, Previous: prev, Current: &snapshot})
	return nil
}

// Leave clears the current room locally and tells the server when it can. An empty
// roomID leaves whatever room is current.
func (r *Rooms) Leave(ctx context.Context, roomID string) {
	r.mu.Lock()
	prev := r.currentIDLocked()
	if roomID == "" {
		roomID = prev
	}
	matched := prev != "" && prev == roomID
	if matched {
		r.current = nil
	}
	if r.rejoin == roomID {
		r.rejoin = ""
	}
	r.mu.Unlock()

	if roomID == "" {
		return
	}
	if matched {
		r.changes.Publish(RoomChange{Reason: RoomLeft, Previous: prev})
	}
	if r.conn.State() != chat.StateAuthenticated {
		return
	}
	if err := r.conn.Send(ctx, realtime.EventLeaveRoom, realtime.RoomPayload{RoomID: roomID}); err != nil {
		r.log.Debug("leave not delivered", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (r *Rooms) Close() {
	for _, stop := range r.unsubs {
		stop()
	}
	r.mu.Lock()
	for id, chans := range r.waiters {
		for _, ch := range chans {
			notify(ch, chat.ErrNotConnected)
		}
		delete(r.waiters, id)
	}
	r.current = nil
	r.rejoin = ""
	r.mu.Unlock()
	r.changes.Clear()
}

func (r *Rooms) handleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.RoomJoined:
		r.joined(e.RoomID)
	case event.RoomUpdated:
		r.updateCurrent(e.RoomID, func(room *chat.Room) bool {
			if e.Status == "" || e.Status == room.Status {
				return false
			}
			room.Status = e.Status
			return true
		})
	case event.StaffJoined:
		r.updateCurrent(e.RoomID, func(room *chat.Room) bool {
			staff := e.Staff
			room.Staff = &staff
			return true
		})
	}
}

func (r *Rooms) joined(roomID string) {
	r.mu.Lock()
	if roomID == "" && len(r.waiters) == 1 {
		// some servers acknowledge without echoing the id
		for id := range r.waiters {
			roomID = id
		}
	}
	if chans, ok := r.waiters[roomID]; ok {
		delete(r.waiters, roomID)
		r.mu.Unlock()
		for _, ch := range chans {
			notify(ch, nil)
		}
		return
	}
	if roomID == "" || roomID != r.rejoin {
		r.mu.Unlock()
		return
	}
	room := &chat.Room{ID: roomID, Status: chat.RoomOpen}
	r.current = room
	r.rejoin = ""
	snapshot := *room
	r.mu.Unlock()

	r.log.Info("rejoined room", zap.String("room_id", roomID))
	r.changes.Publish(RoomChange{Reason: RoomJoined, Current: &snapshot})
}

func (r *Rooms) updateCurrent(roomID string, apply func(*chat.Room) bool) {
	r.mu.Lock()
	if r.current == nil || (roomID != "" && roomID != r.current.ID) {
		r.mu.Unlock()
		return
	}
	changed := apply(r.current)
	snapshot := *r.current
	r.mu.Unlock()
	if changed {
		r.changes.Publish(RoomChange{Reason: RoomMetadata, Previous: snapshot.ID, Current: &snapshot})
	}
}

func (r *Rooms) handleState(change realtime.StateChange) {
	switch change.To {
	case chat.StateDisconnected, chat.StateError:
		r.mu.Lock()
		prev := r.currentIDLocked()
		if prev != "" {
			r.rejoin = prev
			r.current = nil
		}
		waiting := r.waiters
		r.waiters = make(map[string][]chan error)
		r.mu.Unlock()

		for _, chans := range waiting {
			for _, ch := range chans {
				notify(ch, &chat.TransportError{Op: "join", Err: chat.ErrNotConnected})
			}
		}
		if prev != "" {
			r.changes.Publish(RoomChange{Reason: RoomLost, Previous: prev})
		}
	case chat.StateAuthenticated:
		r.mu.Lock()
		target := r.rejoin
		r.mu.Unlock()
		if target != "" {
			// the event handler runs on the reader goroutine, so the write happens elsewhere
			go r.sendRejoin(target)
		}
	}
}

func (r *Rooms) sendRejoin(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.joinTimeout)
	defer cancel()
	if err := r.conn.Send(ctx, realtime.EventJoinRoom, realtime.RoomPayload{RoomID: roomID}); err != nil {
		r.log.Warn("rejoin failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (r *Rooms) dropWaiter(roomID string, ch chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.waiters[roomID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(r.waiters, roomID)
	} else {
		r.waiters[roomID] = chans
	}
}

func (r *Rooms) currentIDLocked() string {
	if r.current == nil {
		return ""
	}
	return r.current.ID
}

func notify(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

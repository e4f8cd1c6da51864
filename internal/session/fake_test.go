package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/pubsub"
	"livechat/internal/realtime"
)

type sentFrame struct {
	name    string
	payload any
}

// fakeConn is an in-memory Transport. Inbound events are injected with emit and run
// synchronously, like the reader goroutine of the real manager.
type fakeConn struct {
	mu       sync.Mutex
	state    chat.ConnectionState
	user     chat.User
	sent     []sentFrame
	sendErr  error
	autoJoin bool
	token    string

	events pubsub.Bus[event.Event]
	states pubsub.Bus[realtime.StateChange]
	errs   pubsub.Bus[error]
}

var alice = chat.User{ID: "u1", Username: "alice", Role: "customer"}

func newFakeConn() *fakeConn {
	return &fakeConn{user: alice, autoJoin: true, token: "good"}
}

func authenticatedConn() *fakeConn {
	c := newFakeConn()
	c.state = chat.StateAuthenticated
	return c
}

func (c *fakeConn) State() chat.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) User() chat.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *fakeConn) Send(ctx context.Context, name string, payload any) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, sentFrame{name: name, payload: payload})
	autoJoin := c.autoJoin
	c.mu.Unlock()

	if name == realtime.EventJoinRoom && autoJoin {
		room := payload.(realtime.RoomPayload).RoomID
		c.emit(event.RoomJoined{Name: "room_joined", RoomID: room})
	}
	return nil
}

func (c *fakeConn) OnEvent(fn func(event.Event)) func() { return c.events.Subscribe(fn) }

func (c *fakeConn) OnStateChange(fn func(realtime.StateChange)) func() {
	return c.states.Subscribe(fn)
}

func (c *fakeConn) OnError(fn func(error)) func() { return c.errs.Subscribe(fn) }

func (c *fakeConn) Connect(ctx context.Context) error {
	if c.State().Open() {
		return nil
	}
	c.setState(chat.StateConnected)
	return nil
}

func (c *fakeConn) Authenticate(ctx context.Context, token string) (bool, error) {
	if token != c.token {
		c.setState(chat.StateError)
		c.errs.Publish(&chat.AuthError{Message: "invalid token"})
		return false, nil
	}
	c.setState(chat.StateAuthenticated)
	return true, nil
}

func (c *fakeConn) Disconnect() {
	c.setState(chat.StateDisconnected)
	c.events.Clear()
	c.states.Clear()
	c.errs.Clear()
}

func (c *fakeConn) emit(ev event.Event) { c.events.Publish(ev) }

func (c *fakeConn) setState(to chat.ConnectionState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.states.Publish(realtime.StateChange{From: from, To: to})
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) frames(name string) []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentFrame
	for _, f := range c.sent {
		if f.name == name {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func joinedRooms(t *testing.T, conn *fakeConn, roomID string) *Rooms {
	t.Helper()
	rooms := NewRooms(conn, 50*time.Millisecond, nil)
	t.Cleanup(rooms.Close)
	if roomID != "" {
		if err := rooms.Join(context.Background(), roomID); err != nil {
			t.Fatalf("join %s: %v", roomID, err)
		}
	}
	return rooms
}

func newMessage(id, room, content string, sender chat.Sender) event.NewMessage {
	return event.NewMessage{Name: "new_message", Message: chat.Message{
		ID:        id,
		RoomID:    room,
		Content:   content,
		Type:      chat.TypeText,
		Sender:    sender,
		CreatedAt: time.Now(),
		Status:    chat.StatusConfirmed,
	}}
}

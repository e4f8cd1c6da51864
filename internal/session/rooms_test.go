package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/realtime"
)

type changeLog struct {
	mu  sync.Mutex
	all []RoomChange
}

func (l *changeLog) record(c RoomChange) {
	l.mu.Lock()
	l.all = append(l.all, c)
	l.mu.Unlock()
}

func (l *changeLog) last() RoomChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.all[len(l.all)-1]
}

func TestJoinRequiresAuthentication(t *testing.T) {
	conn := newFakeConn()
	conn.state = chat.StateConnected
	rooms := joinedRooms(t, conn, "")

	err := rooms.Join(context.Background(), "r1")
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)
	assert.Zero(t, conn.sentCount())
	assert.Empty(t, rooms.Current())
}

func TestJoinSetsCurrentRoom(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "")
	var changes changeLog
	rooms.OnChange(changes.record)

	require.NoError(t, rooms.Join(context.Background(), "r1"))

	assert.Equal(t, "r1", rooms.Current())
	room, ok := rooms.CurrentRoom()
	require.True(t, ok)
	assert.Equal(t, chat.RoomOpen, room.Status)
	require.Len(t, conn.frames(realtime.EventJoinRoom), 1)
	assert.Equal(t, realtime.RoomPayload{RoomID: "r1"}, conn.frames(realtime.EventJoinRoom)[0].payload)
	assert.Equal(t, RoomJoined, changes.last().Reason)
}

func TestJoinSupersedesPreviousRoom(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	var changes changeLog
	rooms.OnChange(changes.record)

	require.NoError(t, rooms.Join(context.Background(), "r2"))
	assert.Equal(t, "r2", rooms.Current())
	assert.Equal(t, "r1", changes.last().Previous)
	assert.Equal(t, "r2", changes.last().Current.ID)
}

func TestJoinTimesOut(t *testing.T) {
	conn := authenticatedConn()
	conn.autoJoin = false
	rooms := joinedRooms(t, conn, "")

	err := rooms.Join(context.Background(), "r1")
	assert.ErrorIs(t, err, chat.ErrTimeout)
	assert.Empty(t, rooms.Current())
}

func TestJoinAcknowledgedWithoutRoomID(t *testing.T) {
	conn := authenticatedConn()
	conn.autoJoin = false
	rooms := NewRooms(conn, time.Second, nil)
	t.Cleanup(rooms.Close)

	done := make(chan error, 1)
	go func() { done <- rooms.Join(context.Background(), "r1") }()
	require.Eventually(t, func() bool { return len(conn.frames(realtime.EventJoinRoom)) == 1 },
		time.Second, time.Millisecond)
	conn.emit(event.RoomJoined{Name: "room_joined"})

	require.NoError(t, <-done)
	assert.Equal(t, "r1", rooms.Current())
}

func TestJoinValidatesRoomID(t *testing.T) {
	rooms := joinedRooms(t, authenticatedConn(), "")
	var verr *chat.ValidationError
	assert.ErrorAs(t, rooms.Join(context.Background(), " "), &verr)
}

func TestLeaveIsBestEffort(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	var changes changeLog
	rooms.OnChange(changes.record)

	conn.failSends(&chat.TransportError{Op: "send", Err: chat.ErrNotConnected})
	rooms.Leave(context.Background(), "r1")

	assert.Empty(t, rooms.Current())
	assert.Equal(t, RoomLeft, changes.last().Reason)
	assert.Equal(t, "r1", changes.last().Previous)
}

func TestLeaveSendsWhenAuthenticated(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")

	rooms.Leave(context.Background(), "")
	assert.Empty(t, rooms.Current())
	require.Len(t, conn.frames(realtime.EventLeaveRoom), 1)
	assert.Equal(t, realtime.RoomPayload{RoomID: "r1"}, conn.frames(realtime.EventLeaveRoom)[0].payload)
}

func TestLeaveWhileDisconnectedSendsNothing(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	conn.setState(chat.StateDisconnected)
	before := conn.sentCount()

	rooms.Leave(context.Background(), "r1")
	assert.Empty(t, rooms.Current())
	assert.Equal(t, before, conn.sentCount())
}

func TestRejoinAfterReconnect(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	var changes changeLog
	rooms.OnChange(changes.record)

	conn.setState(chat.StateDisconnected)
	assert.Empty(t, rooms.Current())
	assert.Equal(t, RoomLost, changes.last().Reason)

	conn.setState(chat.StateConnected)
	conn.setState(chat.StateAuthenticated)

	require.Eventually(t, func() bool { return rooms.Current() == "r1" }, time.Second, time.Millisecond)
	assert.Len(t, conn.frames(realtime.EventJoinRoom), 2)
}

func TestLeaveCancelsRejoin(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")

	conn.setState(chat.StateDisconnected)
	rooms.Leave(context.Background(), "r1")
	conn.setState(chat.StateAuthenticated)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rooms.Current())
	assert.Len(t, conn.frames(realtime.EventJoinRoom), 1)
}

func TestRoomMetadataUpdates(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	var changes changeLog
	rooms.OnChange(changes.record)

	conn.emit(event.RoomUpdated{Name: "room_updated", RoomID: "r1", Status: chat.RoomPending})
	room, _ := rooms.CurrentRoom()
	assert.Equal(t, chat.RoomPending, room.Status)
	assert.Equal(t, RoomMetadata, changes.last().Reason)

	// other rooms are not ours to track
	conn.emit(event.RoomUpdated{Name: "room_updated", RoomID: "r2", Status: chat.RoomClosed})
	room, _ = rooms.CurrentRoom()
	assert.Equal(t, chat.RoomPending, room.Status)

	staff := chat.Sender{ID: "s1", Username: "sam", Role: "staff"}
	conn.emit(event.StaffJoined{Name: "staff_joined", RoomID: "r1", Staff: staff})
	room, _ = rooms.CurrentRoom()
	require.NotNil(t, room.Staff)
	assert.Equal(t, staff, *room.Staff)
}

func TestDisconnectFailsPendingJoin(t *testing.T) {
	conn := authenticatedConn()
	conn.autoJoin = false
	rooms := NewRooms(conn, time.Second, nil)

	done := make(chan error, 1)
	go func() { done <- rooms.Join(context.Background(), "r1") }()
	require.Eventually(t, func() bool { return len(conn.frames(realtime.EventJoinRoom)) == 1 },
		time.Second, time.Millisecond)
	conn.setState(chat.StateDisconnected)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, chat.ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
	rooms.Close()
}

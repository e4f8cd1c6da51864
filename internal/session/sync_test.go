package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livechat/internal/chat"
	"livechat/internal/event"
	"livechat/internal/realtime"
)

func newTestSync(t *testing.T, conn *fakeConn, rooms *Rooms) *Synchronizer {
	t.Helper()
	return newTestSyncWithClock(t, conn, rooms, time.Now)
}

func newTestSyncWithClock(t *testing.T, conn *fakeConn, rooms *Rooms, now func() time.Time) *Synchronizer {
	t.Helper()
	n := 0
	s := NewSynchronizer(conn, rooms, SyncConfig{
		Now: now,
		NewTempID: func() string {
			n++
			return fmt.Sprintf("tmp-%d", n)
		},
	})
	t.Cleanup(s.Close)
	return s
}

func ids(list []chat.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
		if out[i] == "" {
			out[i] = m.TempID
		}
	}
	return out
}

func TestSendThenConfirmKeepsPosition(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	conn.emit(newMessage("m0", "r1", "hi", bob))
	msg, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusPending, msg.Status)
	assert.Equal(t, alice.AsSender(), msg.Sender)

	list := s.Messages("r1")
	require.Len(t, list, 2)
	assert.True(t, list[1].Pending())
	assert.Empty(t, list[1].ID)

	conn.emit(newMessage("m2", "r1", "there", bob))
	conn.emit(newMessage("m1", "r1", "hello", alice.AsSender()))

	list = s.Messages("r1")
	assert.Equal(t, []string{"m0", "m1", "m2"}, ids(list))
	assert.Equal(t, chat.StatusConfirmed, list[1].Status)
	assert.Equal(t, "tmp-1", list[1].TempID)
	assert.Empty(t, s.Pending("r1"))

	frames := conn.frames(realtime.EventSendMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, realtime.SendMessagePayload{RoomID: "r1", Content: "hello", Type: "text", TempID: "tmp-1"},
		frames[0].payload)
}

func TestEchoIsVisibleBeforeWrite(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	var seenBeforeWrite bool
	s.OnChange(func(rm RoomMessages) {
		if len(conn.frames(realtime.EventSendMessage)) == 0 && len(rm.Messages) == 1 {
			seenBeforeWrite = rm.Messages[0].Pending()
		}
	})
	_, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.NoError(t, err)
	assert.True(t, seenBeforeWrite)
}

func TestSendValidation(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	_, err := s.Send(context.Background(), "   \n", chat.TypeText)
	var verr *chat.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
	assert.Empty(t, s.Messages("r1"))
	assert.Empty(t, conn.frames(realtime.EventSendMessage))
}

func TestSendPreconditions(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "")
	s := newTestSync(t, conn, rooms)

	_, err := s.Send(context.Background(), "hello", chat.TypeText)
	assert.ErrorIs(t, err, chat.ErrNoActiveRoom)

	require.NoError(t, rooms.Join(context.Background(), "r1"))
	conn.setState(chat.StateConnected)
	_, err = s.Send(context.Background(), "hello", chat.TypeText)
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)
	assert.Empty(t, s.Messages("r1"))
}

func TestFailedWriteRetryAndDiscard(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	writeErr := &chat.TransportError{Op: "send", Err: errors.New("broken pipe")}
	conn.failSends(writeErr)
	msg, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.ErrorIs(t, err, writeErr)
	assert.Equal(t, chat.StatusFailed, msg.Status)
	require.Len(t, s.Pending("r1"), 1)
	assert.Equal(t, chat.StatusFailed, s.Pending("r1")[0].Status)

	conn.failSends(nil)
	require.NoError(t, s.Retry(context.Background(), msg.TempID))
	assert.Equal(t, chat.StatusPending, s.Messages("r1")[0].Status)
	frames := conn.frames(realtime.EventSendMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, msg.TempID, frames[0].payload.(realtime.SendMessagePayload).TempID)

	require.NoError(t, s.Discard(msg.TempID))
	assert.Empty(t, s.Messages("r1"))
	assert.ErrorIs(t, s.Discard(msg.TempID), chat.ErrUnknownMessage)
	assert.ErrorIs(t, s.Retry(context.Background(), "nope"), chat.ErrUnknownMessage)
}

func TestConfirmedByEchoedTempID(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	msg, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.NoError(t, err)

	confirm := newMessage("m1", "r1", "hello", alice.AsSender())
	confirm.Message.TempID = msg.TempID
	confirm.Message.CreatedAt = time.Now().Add(-time.Hour)
	conn.emit(confirm)

	list := s.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	var mu sync.Mutex
	publishes := 0
	s.OnChange(func(RoomMessages) {
		mu.Lock()
		publishes++
		mu.Unlock()
	})

	first := newMessage("m1", "r1", "hi", bob)
	alias := first
	alias.Name = "chat_message"
	conn.emit(first)
	conn.emit(alias)

	assert.Len(t, s.Messages("r1"), 1)
	mu.Lock()
	assert.Equal(t, 1, publishes)
	mu.Unlock()
}

func TestMessagesRoutedByRoom(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	conn.emit(newMessage("m1", "r1", "a", bob))
	conn.emit(newMessage("m2", "r2", "b", bob))
	conn.emit(newMessage("m3", "", "c", bob))

	assert.Equal(t, []string{"m1", "m3"}, ids(s.Messages("r1")))
	assert.Equal(t, []string{"m2"}, ids(s.Messages("r2")))
}

func TestMessageWithoutAnyRoomIsDropped(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "")
	s := newTestSync(t, conn, rooms)

	conn.emit(newMessage("m1", "", "a", bob))
	assert.Empty(t, s.Messages(""))
}

func TestSeedPrependsHistory(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	conn.emit(newMessage("m3", "r1", "live", bob))
	history := []chat.Message{
		newMessage("m1", "", "old", bob).Message,
		newMessage("m2", "r1", "older", bob).Message,
		newMessage("m3", "r1", "live", bob).Message,
		newMessage("m1", "r1", "old", bob).Message,
	}
	s.Seed("r1", history)

	list := s.Messages("r1")
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(list))
	assert.Equal(t, "r1", list[0].RoomID)
}

func TestLeaveDropsListButDisconnectKeepsPending(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	_, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.NoError(t, err)

	conn.setState(chat.StateDisconnected)
	require.Len(t, s.Pending("r1"), 1)
	assert.Equal(t, chat.StatusPending, s.Pending("r1")[0].Status)

	conn.setState(chat.StateAuthenticated)
	require.Eventually(t, func() bool { return rooms.Current() == "r1" }, time.Second, time.Millisecond)
	rooms.Leave(context.Background(), "r1")
	assert.Empty(t, s.Messages("r1"))
}

func TestStaffJoinedAddsSystemMessage(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	s := newTestSync(t, conn, rooms)

	conn.emit(event.StaffJoined{Name: "staff_joined", RoomID: "r1",
		Staff: chat.Sender{ID: "s1", Username: "sam", Role: "staff"}})

	list := s.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, chat.TypeSystem, list[0].Type)
	assert.Equal(t, "sam joined the conversation", list[0].Content)
}

func TestConfirmationWithSkewedServerClock(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	clock := newFakeClock()
	s := newTestSyncWithClock(t, conn, rooms, clock.Now)

	_, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.NoError(t, err)

	clock.Advance(time.Second)
	confirm := newMessage("m1", "r1", "hello", alice.AsSender())
	confirm.Message.CreatedAt = clock.Now().Add(2 * time.Minute)
	conn.emit(confirm)

	list := s.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, chat.StatusConfirmed, list[0].Status)
	assert.Empty(t, s.Pending("r1"))
}

func TestLateRetryIsConfirmedOnce(t *testing.T) {
	conn := authenticatedConn()
	rooms := joinedRooms(t, conn, "r1")
	clock := newFakeClock()
	s := newTestSyncWithClock(t, conn, rooms, clock.Now)

	conn.failSends(&chat.TransportError{Op: "send", Err: errors.New("broken pipe")})
	msg, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.Error(t, err)

	clock.Advance(90 * time.Second)
	conn.failSends(nil)
	require.NoError(t, s.Retry(context.Background(), msg.TempID))

	clock.Advance(time.Second)
	confirm := newMessage("m1", "r1", "hello", alice.AsSender())
	confirm.Message.CreatedAt = clock.Now()
	conn.emit(confirm)

	list := s.Messages("r1")
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, msg.TempID, list[0].TempID)
	assert.Empty(t, s.Pending("r1"))
}

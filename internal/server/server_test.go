package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"livechat/internal/api"
	"livechat/internal/chat"
	"livechat/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	srv := New(store, cfg)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = store.Close()
	})
	return srv, ts
}

func login(t *testing.T, base, username, role string) *api.Client {
	t.Helper()
	ctx := context.Background()
	c := api.NewClient(base, "", nil)
	require.NoError(t, c.Signup(ctx, username, "pw-"+username, role))
	_, err := c.Login(ctx, username, "pw-"+username)
	require.NoError(t, err)
	return c
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultWSPath
	if query != "" {
		u += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	payload, err := json.Marshal(outFrame{Event: name, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// expect reads the next frame and requires it to carry the given event name.
func expect(t *testing.T, conn *websocket.Conn, name string) gjson.Result {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, name, gjson.GetBytes(payload, "event").String(), string(payload))
	return gjson.GetBytes(payload, "data")
}

func TestConversationFlow(t *testing.T) {
	_, ts := newTestServer(t, Config{EchoTempID: true})
	ctx := context.Background()
	customer := login(t, ts.URL, "alice", "")
	staff := login(t, ts.URL, "sam", "staff")

	room, err := customer.StartConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, chat.RoomPending, room.Status)

	cws := dial(t, ts, "")
	send(t, cws, evAuthenticate, authRequest{Token: customer.Token})
	assert.Equal(t, "alice", expect(t, cws, evAuthenticated).Get("user.username").String())
	send(t, cws, evJoinRoom, roomRequest{RoomID: room.ID})
	assert.Equal(t, room.ID, expect(t, cws, evRoomJoined).Get("roomId").String())

	sws := dial(t, ts, "token="+staff.Token)
	assert.Equal(t, "staff", expect(t, sws, evAuthenticated).Get("user.role").String())
	send(t, sws, evJoinRoom, roomRequest{RoomID: room.ID})
	expect(t, sws, evRoomJoined)
	expect(t, sws, evStaffJoined)
	expect(t, sws, evRoomUpdated)

	assert.Equal(t, "sam", expect(t, cws, evStaffJoined).Get("staff.username").String())
	assert.Equal(t, "open", expect(t, cws, evRoomUpdated).Get("updates.status").String())

	send(t, cws, evTypingStart, roomRequest{RoomID: room.ID})
	typing := expect(t, sws, evUserTyping)
	assert.True(t, typing.Get("isTyping").Bool())
	assert.Equal(t, "alice", typing.Get("username").String())

	send(t, cws, evSendMessage, sendRequest{RoomID: room.ID, Content: " hello ", Type: "text", TempID: "tmp-1"})
	// typing is not echoed to its sender, so the next frame is the message itself
	for _, conn := range []*websocket.Conn{cws, sws} {
		msg := expect(t, conn, evNewMessage)
		assert.Equal(t, "hello", msg.Get("content").String())
		assert.Equal(t, "tmp-1", msg.Get("tempId").String())
		assert.Equal(t, "alice", msg.Get("sender.username").String())
		assert.NotEmpty(t, msg.Get("id").String())
	}

	page, err := customer.FetchHistory(ctx, room.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
	assert.Equal(t, "alice", page.Messages[0].Sender.Username)
	assert.Equal(t, 1, page.Pagination.Total)
	assert.False(t, page.Pagination.HasMore)
	assert.False(t, page.Messages[0].IsRead)

	// the staff member's first read flips the flag for the next fetch
	page, err = staff.FetchHistory(ctx, room.ID, 1, 10)
	require.NoError(t, err)
	assert.False(t, page.Messages[0].IsRead)
	page, err = staff.FetchHistory(ctx, room.ID, 1, 10)
	require.NoError(t, err)
	assert.True(t, page.Messages[0].IsRead)

	require.NoError(t, staff.CloseConversation(ctx, room.ID))
	assert.Equal(t, "closed", expect(t, cws, evRoomUpdated).Get("updates.status").String())
}

func TestTempIDNotEchoedByDefault(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	customer := login(t, ts.URL, "alice", "")
	room, err := customer.StartConversation(context.Background())
	require.NoError(t, err)

	conn := dial(t, ts, "token="+customer.Token)
	expect(t, conn, evAuthenticated)
	send(t, conn, evJoinRoom, roomRequest{RoomID: room.ID})
	expect(t, conn, evRoomJoined)
	send(t, conn, evSendMessage, sendRequest{RoomID: room.ID, Content: "hi", TempID: "tmp-1"})
	msg := expect(t, conn, evNewMessage)
	assert.False(t, msg.Get("tempId").Exists())
	assert.Equal(t, "text", msg.Get("type").String())
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	conn := dial(t, ts, "")
	send(t, conn, evAuthenticate, authRequest{Token: "nope"})
	assert.Equal(t, "invalid token", expect(t, conn, evAuthError).Get("message").String())
	send(t, conn, evJoinRoom, roomRequest{RoomID: "r1"})
	assert.Equal(t, "not authenticated", expect(t, conn, evError).Get("message").String())

	byQuery := dial(t, ts, "token=nope")
	expect(t, byQuery, evAuthError)
}

func TestCustomersStayInTheirOwnRooms(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	alice := login(t, ts.URL, "alice", "")
	eve := login(t, ts.URL, "eve", "")
	room, err := alice.StartConversation(context.Background())
	require.NoError(t, err)

	conn := dial(t, ts, "token="+eve.Token)
	expect(t, conn, evAuthenticated)
	send(t, conn, evJoinRoom, roomRequest{RoomID: room.ID})
	assert.Equal(t, "not a participant of this room", expect(t, conn, evError).Get("message").String())
	send(t, conn, evJoinRoom, roomRequest{RoomID: "missing"})
	assert.Equal(t, "room not found", expect(t, conn, evError).Get("message").String())
	send(t, conn, evSendMessage, sendRequest{RoomID: room.ID, Content: "hi"})
	assert.Equal(t, "join the room before sending", expect(t, conn, evError).Get("message").String())

	_, err = eve.FetchHistory(context.Background(), room.ID, 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSendRateLimit(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	customer := login(t, ts.URL, "alice", "")
	room, err := customer.StartConversation(context.Background())
	require.NoError(t, err)

	conn := dial(t, ts, "token="+customer.Token)
	expect(t, conn, evAuthenticated)
	send(t, conn, evJoinRoom, roomRequest{RoomID: room.ID})
	expect(t, conn, evRoomJoined)
	for i := 0; i < rateLimitBurst; i++ {
		send(t, conn, evSendMessage, sendRequest{RoomID: room.ID, Content: "spam"})
		expect(t, conn, evNewMessage)
	}
	send(t, conn, evSendMessage, sendRequest{RoomID: room.ID, Content: "spam"})
	assert.Contains(t, expect(t, conn, evError).Get("message").String(), "too quickly")
}

func TestRESTRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	_, err := api.NewClient(ts.URL, "bogus", nil).StartConversation(context.Background())
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	c := api.NewClient(ts.URL, "", nil)
	require.NoError(t, c.Signup(context.Background(), "alice", "pw", ""))
	err = c.Signup(context.Background(), "alice", "pw", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username already taken")
	_, err = c.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	err = c.Signup(context.Background(), "bob", "pw", "admin")
	assert.Error(t, err)
}

func TestAuthEndpointsAreRateLimited(t *testing.T) {
	_, ts := newTestServer(t, Config{AuthLimit: 2})
	c := api.NewClient(ts.URL, "", nil)
	ctx := context.Background()
	require.NoError(t, c.Signup(ctx, "a", "pw", ""))
	require.NoError(t, c.Signup(ctx, "b", "pw", ""))
	err := c.Signup(ctx, "c", "pw", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestUploadAndDownload(t *testing.T) {
	_, ts := newTestServer(t, Config{UploadDir: t.TempDir(), MaxUploadSize: 1024})
	customer := login(t, ts.URL, "alice", "")

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("meow"), 0o600))
	url, err := customer.UploadAsset(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, ts.URL+"/files/"))
	assert.True(t, strings.HasSuffix(url, "-cat.png"))

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "meow", string(body))

	big := filepath.Join(t.TempDir(), "big.png")
	require.NoError(t, os.WriteFile(big, make([]byte, 4096), 0o600))
	_, err = customer.UploadAsset(context.Background(), big)
	assert.Error(t, err)

	missing, err := http.Get(ts.URL + "/files/nothing-here.png")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	login(t, ts.URL, "alice", "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "livechat_signups_total 1")
	assert.Contains(t, string(body), "livechat_logins_total 1")
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("ip"))
	assert.True(t, rl.Allow("ip"))
	assert.False(t, rl.Allow("ip"))
	assert.True(t, rl.Allow("other"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("ip"))
}

func TestPresenceCountsDistinctUsers(t *testing.T) {
	p := NewPresenceTracker()
	assert.Equal(t, 1, p.Increment(1))
	assert.Equal(t, 1, p.Increment(1))
	assert.Equal(t, 2, p.Increment(2))
	assert.Equal(t, 2, p.Decrement(1))
	assert.True(t, p.Online(1))
	assert.Equal(t, 1, p.Decrement(1))
	assert.False(t, p.Online(1))
}

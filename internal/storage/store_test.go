package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected id > 0")
	}
	if _, err := store.CreateUser(ctx, "alice", "staff", []byte("hash2")); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.Username != "alice" || user.Role != "customer" {
		t.Fatalf("unexpected user: %+v", user)
	}
	missing, err := store.GetUserByID(ctx, id+100)
	if err != nil || missing != nil {
		t.Fatalf("expected nil user, got %+v err=%v", missing, err)
	}
}

func TestIsConstraintError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insert := `INSERT INTO users(username, role, password_hash) VALUES(?, ?, ?)`
	if _, err := store.db.ExecContext(ctx, insert, "bob", "customer", []byte("hash")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := store.db.ExecContext(ctx, insert, "bob", "customer", []byte("hash"))
	if err == nil {
		t.Fatalf("expected a unique violation")
	}
	if !isConstraintError(err) {
		t.Fatalf("unique violation not recognized: %v", err)
	}
	if isConstraintError(errors.New("constraint failed")) {
		t.Fatalf("plain error treated as a constraint violation")
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "bob", "staff", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	exp := time.Now().Add(time.Hour)
	if err := store.CreateSession(ctx, userID, "token123", exp); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.CreateSession(ctx, userID, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("CreateSession stale: %v", err)
	}
	session, err := store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil || session.UserID != userID {
		t.Fatalf("unexpected session: %+v", session)
	}

	pruned, err := store.DeleteExpiredSessions(ctx, time.Now())
	if err != nil || pruned != 1 {
		t.Fatalf("DeleteExpiredSessions: pruned=%d err=%v", pruned, err)
	}

	if err := store.DeleteSession(ctx, "token123"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	session, err = store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession after delete: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session after delete")
	}
}

func TestRoomAssignment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	customer, _ := store.CreateUser(ctx, "alice", "customer", []byte("h"))
	staff, _ := store.CreateUser(ctx, "sam", "staff", []byte("h"))
	other, _ := store.CreateUser(ctx, "sue", "staff", []byte("h"))

	if _, err := store.CreateRoom(ctx, "r1", customer); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	assigned, err := store.AssignStaff(ctx, "r1", staff)
	if err != nil || !assigned {
		t.Fatalf("AssignStaff: assigned=%v err=%v", assigned, err)
	}
	assigned, err = store.AssignStaff(ctx, "r1", other)
	if err != nil || assigned {
		t.Fatalf("second AssignStaff: assigned=%v err=%v", assigned, err)
	}
	room, err := store.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if room.StaffID != staff || room.Status != "open" {
		t.Fatalf("unexpected room: %+v", room)
	}

	if _, err := store.AssignStaff(ctx, "missing", staff); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if err := store.SetRoomStatus(ctx, "r1", "closed"); err != nil {
		t.Fatalf("SetRoomStatus: %v", err)
	}
	if err := store.SetRoomStatus(ctx, "missing", "closed"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestMessagePages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice, _ := store.CreateUser(ctx, "alice", "customer", []byte("h"))
	if _, err := store.CreateRoom(ctx, "r1", alice); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		err := store.InsertMessage(ctx, Message{
			ID:        fmt.Sprintf("m%d", i),
			RoomID:    "r1",
			SenderID:  alice,
			Content:   fmt.Sprintf("msg %d", i),
			TempID:    fmt.Sprintf("tmp-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	latest, total, err := store.ListMessages(ctx, "r1", 1, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if total != 5 || len(latest) != 2 || latest[0].ID != "m4" || latest[1].ID != "m5" {
		t.Fatalf("unexpected page 1: total=%d %+v", total, latest)
	}
	if latest[1].SenderName != "alice" || latest[1].Type != "text" || latest[1].TempID != "tmp-5" {
		t.Fatalf("unexpected row: %+v", latest[1])
	}

	oldest, _, err := store.ListMessages(ctx, "r1", 3, 2)
	if err != nil || len(oldest) != 1 || oldest[0].ID != "m1" {
		t.Fatalf("unexpected page 3: %+v err=%v", oldest, err)
	}
}

func TestMarkRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice, _ := store.CreateUser(ctx, "alice", "customer", []byte("h"))
	sam, _ := store.CreateUser(ctx, "sam", "staff", []byte("h"))
	_, _ = store.CreateRoom(ctx, "r1", alice)
	_ = store.InsertMessage(ctx, Message{ID: "m1", RoomID: "r1", SenderID: alice, Content: "hi"})
	_ = store.InsertMessage(ctx, Message{ID: "m2", RoomID: "r1", SenderID: sam, Content: "hello"})

	n, err := store.MarkRead(ctx, "r1", sam)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead: n=%d err=%v", n, err)
	}
	msgs, _, _ := store.ListMessages(ctx, "r1", 1, 10)
	for _, m := range msgs {
		if m.IsRead != (m.ID == "m1") {
			t.Fatalf("unexpected read flag on %s: %v", m.ID, m.IsRead)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	Role         string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session captures persisted logins.
type Session struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Room is a conversation between one customer and, once assigned, one staff member.
type Room struct {
	ID         string
	CustomerID int64
	StaffID    int64
	Status     string
	CreatedAt  time.Time
}

// Message is a persisted chat line, joined with its sender on read.
type Message struct {
	ID         string
	RoomID     string
	SenderID   int64
	SenderName string
	SenderRole string
	Content    string
	Type       string
	TempID     string
	IsRead     bool
	CreatedAt  time.Time
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrRoomNotFound is returned by room lookups and updates for unknown ids.
var ErrRoomNotFound = errors.New("room not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "livechat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'customer',
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			customer_id INTEGER NOT NULL,
			staff_id INTEGER,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(customer_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(staff_id) REFERENCES users(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			temp_id TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username, role string, passwordHash []byte) (int64, error) {
	if role == "" {
		role = "customer"
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO users(username, role, password_hash) VALUES(?, ?, ?)`,
		username, role, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByUsername fetches a user by username. A missing user is (nil, nil).
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, role, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, role, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.Role, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateSession stores a new session token for a user.
func (s *Store) CreateSession(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(token, user_id, expires_at) VALUES(?, ?, ?)`, token, userID, expiresAt.UTC())
	return err
}

// GetSession returns a session if it exists.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`, token)
	var sess Session
	if err := row.Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session token (used for logout).
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// DeleteExpiredSessions prunes sessions that expired before now and returns how many went.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateRoom(ctx context.Context, id string, customerID int64) (*Room, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO rooms(id, customer_id, status, created_at) VALUES(?, ?, 'pending', ?)`,
		id, customerID, now)
	if err != nil {
		return nil, err
	}
	return &Room{ID: id, CustomerID: customerID, Status: "pending", CreatedAt: now}, nil
}

// GetRoom returns ErrRoomNotFound for unknown ids.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, customer_id, staff_id, status, created_at FROM rooms WHERE id = ?`, id)
	var (
		room  Room
		staff sql.NullInt64
	)
	if err := row.Scan(&room.ID, &room.CustomerID, &staff, &room.Status, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	room.StaffID = staff.Int64
	return &room, nil
}

// AssignStaff gives an unassigned room to staffID and opens it. It reports false when the
// room already had a staff member.
func (s *Store) AssignStaff(ctx context.Context, roomID string, staffID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET staff_id = ?, status = 'open' WHERE id = ? AND staff_id IS NULL`,
		staffID, roomID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) SetRoomStatus(ctx context.Context, roomID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET status = ? WHERE id = ?`, status, roomID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// InsertMessage persists msg. CreatedAt defaults to now.
func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, room_id, sender_id, content, type, temp_id, is_read, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.Type, msg.TempID, msg.IsRead, msg.CreatedAt.UTC())
	return err
}

// ListMessages returns one page of a room's messages, oldest first, along with the total
// count. Page 1 holds the most recent messages.
func (s *Store) ListMessages(ctx context.Context, roomID string, page, limit int) ([]Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE room_id = ?`, roomID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, m.sender_id, u.username, u.role, m.content, m.type, m.temp_id, m.is_read, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.SenderRole,
			&m.Content, &m.Type, &m.TempID, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, total, nil
}

// MarkRead flags every message in the room not sent by readerID as read.
func (s *Store) MarkRead(ctx context.Context, roomID string, readerID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE room_id = ? AND sender_id != ? AND is_read = 0`,
		roomID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended codes (2067 for UNIQUE) keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

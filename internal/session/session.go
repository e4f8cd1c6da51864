package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"livechat/internal/chat"
	"livechat/internal/realtime"
)

const DefaultHistoryLimit = 50

// History fetches persisted messages for a room, oldest first.
type History interface {
	FetchHistory(ctx context.Context, roomID string, page, limit int) (chat.HistoryPage, error)
}

// Starter opens a new conversation on the server.
type Starter interface {
	StartConversation(ctx context.Context) (chat.Room, error)
}

// Uploader stores a local file and returns the URL it is served from.
type Uploader interface {
	UploadAsset(ctx context.Context, path string) (string, error)
}

var errNoUploader = errors.New("image upload is not configured")

type Config struct {
	JoinTimeout  time.Duration
	HistoryLimit int
	Typing       TypingConfig
	Sync         SyncConfig
	Logger       *zap.Logger

	History  History
	Starter  Starter
	Uploader Uploader
}

// Session wires the room, typing and message components to one transport.
type Session struct {
	conn Transport
	cfg  Config
	log  *zap.Logger

	rooms  *Rooms
	typing *Typing
	sync   *Synchronizer

	mu      sync.Mutex
	lastErr *chat.AuthError
	stopErr func()
	once    sync.Once
}

func New(conn Transport, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Typing.Logger == nil {
		cfg.Typing.Logger = cfg.Logger
	}
	if cfg.Sync.Logger == nil {
		cfg.Sync.Logger = cfg.Logger
	}
	rooms := NewRooms(conn, cfg.JoinTimeout, cfg.Logger)
	s := &Session{
		conn:   conn,
		cfg:    cfg,
		log:    cfg.Logger.Named("session"),
		rooms:  rooms,
		typing: NewTyping(conn, rooms, cfg.Typing),
		sync:   NewSynchronizer(conn, rooms, cfg.Sync),
	}
	s.stopErr = conn.OnError(func(err error) {
		var authErr *chat.AuthError
		if errors.As(err, &authErr) {
			s.mu.Lock()
			s.lastErr = authErr
			s.mu.Unlock()
		}
	})
	return s
}

func (s *Session) Rooms() *Rooms               { return s.rooms }
func (s *Session) Typing() *Typing             { return s.typing }
func (s *Session) Messages() *Synchronizer     { return s.sync }
func (s *Session) State() chat.ConnectionState { return s.conn.State() }
func (s *Session) User() chat.User             { return s.conn.User() }

// OnStateChange and OnError expose the transport's observers to UIs.
func (s *Session) OnStateChange(fn func(realtime.StateChange)) func() { return s.conn.OnStateChange(fn) }
func (s *Session) OnError(fn func(error)) func()                     { return s.conn.OnError(fn) }

// Start connects and authenticates. A rejected token comes back as *chat.AuthError.
func (s *Session) Start(ctx context.Context, token string) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	ok, err := s.conn.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastErr != nil {
			return s.lastErr
		}
		return &chat.AuthError{}
	}
	s.log.Info("session started", zap.String("user_id", s.conn.User().ID))
	return nil
}

// Enter joins roomID and seeds its list with the first page of history. A failed history
// fetch is logged; the room stays joined.
func (s *Session) Enter(ctx context.Context, roomID string) error {
	if err := s.rooms.Join(ctx, roomID); err != nil {
		return err
	}
	if s.cfg.History == nil {
		return nil
	}
	page, err := s.cfg.History.FetchHistory(ctx, roomID, 1, s.cfg.HistoryLimit)
	if err != nil {
		s.log.Warn("history fetch failed", zap.String("room_id", roomID), zap.Error(err))
		return nil
	}
	s.sync.Seed(roomID, page.Messages)
	return nil
}

// StartConversation creates a room on the server and enters it.
func (s *Session) StartConversation(ctx context.Context) (chat.Room, error) {
	if s.cfg.Starter == nil {
		return chat.Room{}, errors.New("starting conversations is not configured")
	}
	if err := requireAuthenticated(s.conn); err != nil {
		return chat.Room{}, err
	}
	room, err := s.cfg.Starter.StartConversation(ctx)
	if err != nil {
		return chat.Room{}, err
	}
	if err := s.Enter(ctx, room.ID); err != nil {
		return room, err
	}
	if current, ok := s.rooms.CurrentRoom(); ok && current.ID == room.ID && room.Status != "" {
		current.Status = room.Status
		return current, nil
	}
	return room, nil
}

// Send posts a text message to the current room and ends the typing signal.
func (s *Session) Send(ctx context.Context, content string) (chat.Message, error) {
	msg, err := s.sync.Send(ctx, content, chat.TypeText)
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			return msg, err
		}
	}
	if stopErr := s.typing.StopTyping(ctx); stopErr != nil {
		s.log.Debug("typing stop not delivered", zap.Error(stopErr))
	}
	return msg, err
}

// SendImage uploads path and posts its URL as an image message.
func (s *Session) SendImage(ctx context.Context, path string) (chat.Message, error) {
	if s.cfg.Uploader == nil {
		return chat.Message{}, errNoUploader
	}
	if s.rooms.Current() == "" {
		return chat.Message{}, chat.ErrNoActiveRoom
	}
	url, err := s.cfg.Uploader.UploadAsset(ctx, path)
	if err != nil {
		return chat.Message{}, err
	}
	return s.sync.Send(ctx, url, chat.TypeImage)
}

func (s *Session) StartTyping(ctx context.Context) error {
	return s.typing.StartTyping(ctx)
}

// Leave stops typing and leaves the current room.
func (s *Session) Leave(ctx context.Context) {
	if err := s.typing.StopTyping(ctx); err != nil {
		s.log.Debug("typing stop not delivered", zap.Error(err))
	}
	s.rooms.Leave(ctx, "")
}

// Close tears everything down, including the transport.
func (s *Session) Close() {
	s.once.Do(func() {
		s.typing.Close()
		s.sync.Close()
		s.rooms.Close()
		s.stopErr()
		s.conn.Disconnect()
	})
}

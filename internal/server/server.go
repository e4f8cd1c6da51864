// Package server is a reference chat backend speaking the same websocket protocol as the
// client core: token auth, rooms, persisted messages, typing fan-out and staff assignment.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"livechat/internal/storage"
)

const (
	DefaultTokenTTL      = 7 * 24 * time.Hour
	DefaultMaxUploadSize = 10 << 20
	DefaultWSPath        = "/ws"
)

var errUnauthorized = errors.New("unauthorized")

type Config struct {
	WSPath        string
	UploadDir     string
	MaxUploadSize int64
	TokenTTL      time.Duration
	// EchoTempID copies the sender's tempId onto the broadcast new_message.
	EchoTempID bool
	// AuthLimit requests per AuthWindow per client IP on signup/login.
	AuthLimit  int
	AuthWindow time.Duration
	Logger     *zap.Logger
}

type Server struct {
	store       *storage.Store
	hub         *Hub
	metrics     *Metrics
	presence    *PresenceTracker
	authLimiter *RateLimiter
	uploads     *UploadHandler
	cfg         Config
	log         *zap.Logger
	now         func() time.Time
}

func New(store *storage.Store, cfg Config) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.AuthLimit <= 0 {
		cfg.AuthLimit = 10
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		store:       store,
		hub:         NewHub(),
		metrics:     NewMetrics(),
		presence:    NewPresenceTracker(),
		authLimiter: NewRateLimiter(cfg.AuthLimit, cfg.AuthWindow),
		cfg:         cfg,
		log:         cfg.Logger.Named("server"),
		now:         time.Now,
	}
	s.uploads = NewUploadHandler(cfg.UploadDir, cfg.MaxUploadSize, s.log)
	return s
}

// Routes returns the HTTP surface: REST under /api, file downloads, the websocket endpoint
// and /metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get(s.cfg.WSPath, s.ServeWS)
	r.Get("/files/{name}", s.uploads.HandleDownload)

	r.Route("/api", func(r chi.Router) {
		r.Post("/signup", s.HandleSignup)
		r.Post("/login", s.HandleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/logout", s.HandleLogout)
			r.Post("/rooms", s.HandleStartConversation)
			r.Get("/rooms/{roomID}/messages", s.HandleHistory)
			r.Post("/rooms/{roomID}/close", s.HandleCloseRoom)
			r.Post("/uploads", s.HandleUpload)
		})
	})
	return r
}

type authContext struct {
	Token string
	User  *storage.User
}

type ctxKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := s.authenticateRequest(r)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errUnauthorized) {
				status = http.StatusUnauthorized
				s.metrics.IncAuthFailure("http")
			}
			writeError(w, status, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), authCtx)))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || token == "" || token == header {
		return nil, errUnauthorized
	}
	user, err := s.lookupToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &authContext{Token: token, User: user}, nil
}

// lookupToken resolves a session token to its user; unknown or expired tokens are
// errUnauthorized.
func (s *Server) lookupToken(ctx context.Context, token string) (*storage.User, error) {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.ExpiresAt.Before(s.now()) {
		return nil, errUnauthorized
	}
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return user, nil
}

// canAccess reports whether user may read and write in room: its customer, or any staff.
func canAccess(user *storage.User, room *storage.Room) bool {
	return user.Role == roleStaff || room.CustomerID == user.ID
}

func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"livechat/internal/storage"
)

type signupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	User      userDTO   `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

type historyResponse struct {
	Messages   []messageDTO `json:"messages"`
	Pagination pagination   `json:"pagination"`
}

type pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

const maxHistoryLimit = 200

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.metrics.IncRateLimited()
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = roleCustomer
	}
	if role != roleCustomer && role != roleStaff {
		writeError(w, http.StatusBadRequest, errors.New("role must be customer or staff"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.store.CreateUser(r.Context(), username, role, hash); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	s.log.Info("user signed up", zap.String("username", username), zap.String("role", role))
	writeJSON(w, http.StatusCreated, map[string]string{"username": username, "role": role})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.metrics.IncRateLimited()
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		s.metrics.IncAuthFailure("login")
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token := uuid.NewString()
	expiresAt := s.now().Add(s.cfg.TokenTTL)
	if err := s.store.CreateSession(r.Context(), user.ID, token, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: toUserDTO(user), ExpiresAt: expiresAt})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := authFrom(r.Context())
	if err := s.store.DeleteSession(r.Context(), authCtx.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStartConversation opens a new pending room owned by the calling customer.
func (s *Server) HandleStartConversation(w http.ResponseWriter, r *http.Request) {
	authCtx := authFrom(r.Context())
	if authCtx.User.Role != roleCustomer {
		writeError(w, http.StatusForbidden, errors.New("only customers start conversations"))
		return
	}
	room, err := s.store.CreateRoom(r.Context(), uuid.NewString(), authCtx.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("conversation started", zap.String("room_id", room.ID), zap.String("customer", authCtx.User.Username))
	writeJSON(w, http.StatusCreated, roomDTO{ID: room.ID, Status: room.Status, CreatedAt: room.CreatedAt})
}

func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	authCtx := authFrom(r.Context())
	room, ok := s.accessibleRoom(w, r, authCtx.User)
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, total, err := s.store.ListMessages(r.Context(), room.ID, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := historyResponse{
		Messages:   make([]messageDTO, 0, len(msgs)),
		Pagination: pagination{Page: page, Limit: limit, Total: total, HasMore: page*limit < total},
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageDTO(m, false))
	}
	// fetching the newest page counts as reading the room; the page itself shows prior state
	if page == 1 {
		if _, err := s.store.MarkRead(r.Context(), room.ID, authCtx.User.ID); err != nil {
			s.log.Warn("mark read failed", zap.String("room_id", room.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCloseRoom marks a room closed and tells everyone in it.
func (s *Server) HandleCloseRoom(w http.ResponseWriter, r *http.Request) {
	authCtx := authFrom(r.Context())
	room, ok := s.accessibleRoom(w, r, authCtx.User)
	if !ok {
		return
	}
	if err := s.store.SetRoomStatus(r.Context(), room.ID, "closed"); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.hub.broadcast(room.ID, encodeFrame(evRoomUpdated, roomUpdatedDTO{
		RoomID:  room.ID,
		Updates: map[string]any{"status": "closed"},
	}), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	s.uploads.HandleUpload(w, r, authFrom(r.Context()).User)
}

func (s *Server) accessibleRoom(w http.ResponseWriter, r *http.Request, user *storage.User) (*storage.Room, bool) {
	room, err := s.store.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, err)
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if !canAccess(user, room) {
		writeError(w, http.StatusForbidden, errors.New("not a participant of this room"))
		return nil, false
	}
	return room, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

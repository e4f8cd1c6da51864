package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"livechat/internal/server"
	"livechat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	log    *zap.Logger
	stop   context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations and starts serving in the
// background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir()
	}
	cfg.Path = NormalizePath(cfg.Path)

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	srv := server.New(store, server.Config{
		WSPath:        cfg.Path,
		UploadDir:     cfg.UploadDir,
		MaxUploadSize: cfg.MaxUploadSize,
		TokenTTL:      cfg.TokenTTL,
		EchoTempID:    cfg.EchoTempID,
		Logger:        logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, stop := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		log:    logger,
		stop:   stop,
		done:   make(chan struct{}),
	}

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()
	if cfg.SessionSweep > 0 {
		go handle.sweepSessions(runCtx, cfg.SessionSweep)
	}

	go handle.serve(listener)

	logger.Info("server listening",
		zap.String("version", Version),
		zap.String("addr", handle.addr),
		zap.String("ws_path", cfg.Path),
		zap.String("db", cfg.DBPath))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stop()
	if err := h.store.Close(); err != nil {
		h.log.Warn("store close error", zap.Error(err))
	}
	h.err = err
}

func (h *ServerHandle) sweepSessions(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := h.store.DeleteExpiredSessions(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					h.log.Warn("session sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				h.log.Info("expired sessions pruned", zap.Int64("count", n))
			}
		}
	}
}

package app

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"livechat/internal/api"
	"livechat/internal/realtime"
	"livechat/internal/session"
	"livechat/internal/tui"
)

var errNoCredentials = errors.New("no credentials: pass --token, or --user and --password")

// RunClient resolves a token, opens a session against the server and runs the TUI
// until the user quits or ctx ends.
func RunClient(ctx context.Context, cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	logger, err := NewClientLogger(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	client, err := newAPIClient(cfg, logger)
	if err != nil {
		return err
	}
	token, err := resolveToken(ctx, cfg, client)
	if err != nil {
		return err
	}
	client.Token = token

	sess := NewSession(cfg, client, logger)
	defer sess.Close()

	model := tui.New(sess, tui.Options{
		Token:  token,
		RoomID: cfg.RoomID,
		Server: cfg.ServerURL,
		Closer: client,
	})
	defer model.Release()

	program := tea.NewProgram(model, tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		program.Quit()
	}()
	_, err = program.Run()
	return err
}

// NewSession builds the realtime connection and the session components on top of it.
func NewSession(cfg ClientConfig, client *api.Client, logger *zap.Logger) *session.Session {
	conn := realtime.NewManager(realtime.Config{
		URL:                  cfg.ServerURL,
		AuthMode:             realtime.AuthMode(cfg.AuthMode),
		ConnectTimeout:       cfg.ConnectTimeout,
		AuthTimeout:          cfg.AuthTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		Logger:               logger,
	})
	scfg := session.Config{
		JoinTimeout: cfg.JoinTimeout,
		Typing: session.TypingConfig{
			Idle: cfg.TypingIdle,
			TTL:  cfg.TypingTTL,
		},
		Logger: logger,
	}
	if client != nil {
		scfg.History = client
		scfg.Starter = client
		scfg.Uploader = client
	}
	return session.New(conn, scfg)
}

func newAPIClient(cfg ClientConfig, logger *zap.Logger) (*api.Client, error) {
	base := cfg.APIURL
	if base == "" {
		derived, err := api.HTTPBaseFromWS(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("derive api url: %w", err)
		}
		base = derived
	}
	return api.NewClient(base, cfg.Token, logger), nil
}

// resolveToken prefers an explicit token, then fresh credentials, then the remembered
// session for the same server.
func resolveToken(ctx context.Context, cfg ClientConfig, client *api.Client) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	sessionPath := cfg.SessionFile
	if sessionPath == "" {
		sessionPath = DefaultSessionFile()
	}

	if cfg.Username != "" && cfg.Password != "" {
		if cfg.Signup {
			if err := client.Signup(ctx, cfg.Username, cfg.Password, cfg.Role); err != nil {
				return "", fmt.Errorf("signup: %w", err)
			}
		}
		resp, err := client.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return "", fmt.Errorf("login: %w", err)
		}
		if err := api.SaveSession(sessionPath, api.SessionFile{
			Username: resp.User.Username,
			Token:    resp.Token,
			Server:   cfg.ServerURL,
		}); err != nil {
			client.Logger.Warn("session file not saved", zap.Error(err))
		}
		return resp.Token, nil
	}

	saved, err := api.LoadSession(sessionPath)
	if err != nil || saved.Server != cfg.ServerURL {
		return "", errNoCredentials
	}
	if cfg.Username != "" && saved.Username != cfg.Username {
		return "", errNoCredentials
	}
	return saved.Token, nil
}

package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr          string        `env:"LIVECHAT_ADDR" envDefault:":8080"`
	Path          string        `env:"LIVECHAT_PATH" envDefault:"/ws"`
	DBPath        string        `env:"LIVECHAT_DB_PATH"`
	UploadDir     string        `env:"LIVECHAT_UPLOAD_DIR"`
	MaxUploadSize int64         `env:"LIVECHAT_MAX_UPLOAD_SIZE" envDefault:"10485760"`
	TokenTTL      time.Duration `env:"LIVECHAT_TOKEN_TTL" envDefault:"168h"`
	EchoTempID    bool          `env:"LIVECHAT_ECHO_TEMP_ID"`
	// SessionSweep is how often expired login sessions are pruned; zero disables it.
	SessionSweep time.Duration `env:"LIVECHAT_SESSION_SWEEP" envDefault:"1h"`
	LogDev       bool          `env:"LIVECHAT_LOG_DEV"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `env:"LIVECHAT_SERVER" envDefault:"ws://127.0.0.1:8080/ws"`
	// APIURL defaults to the http(s) origin of ServerURL.
	APIURL   string `env:"LIVECHAT_API"`
	Token    string `env:"LIVECHAT_TOKEN"`
	Username string `env:"LIVECHAT_USER"`
	Password string `env:"LIVECHAT_PASSWORD"`
	// Signup registers the account before logging in.
	Signup bool   `env:"LIVECHAT_SIGNUP"`
	Role   string `env:"LIVECHAT_ROLE"`
	RoomID string `env:"LIVECHAT_ROOM"`

	AuthMode             string        `env:"LIVECHAT_AUTH_MODE" envDefault:"message"`
	ConnectTimeout       time.Duration `env:"LIVECHAT_CONNECT_TIMEOUT" envDefault:"10s"`
	AuthTimeout          time.Duration `env:"LIVECHAT_AUTH_TIMEOUT" envDefault:"5s"`
	JoinTimeout          time.Duration `env:"LIVECHAT_JOIN_TIMEOUT" envDefault:"10s"`
	MaxReconnectAttempts int           `env:"LIVECHAT_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay       time.Duration `env:"LIVECHAT_RECONNECT_DELAY" envDefault:"1s"`
	TypingIdle           time.Duration `env:"LIVECHAT_TYPING_IDLE" envDefault:"2500ms"`
	TypingTTL            time.Duration `env:"LIVECHAT_TYPING_TTL" envDefault:"5s"`

	SessionFile string `env:"LIVECHAT_SESSION_FILE"`
	LogFile     string `env:"LIVECHAT_LOG_FILE"`
}

// LoadServerConfig reads the server settings from the environment.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads the client settings from the environment.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	return filepath.Join(dataDir(), "livechat.db")
}

// DefaultUploadDir sits next to the database.
func DefaultUploadDir() string {
	return filepath.Join(dataDir(), "uploads")
}

// DefaultSessionFile is where the client remembers its login token.
func DefaultSessionFile() string {
	return filepath.Join(dataDir(), "session.json")
}

func dataDir() string {
	if dir := os.Getenv("LIVECHAT_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "livechat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "LiveChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "LiveChat")
		}
		return filepath.Join(home, ".local", "share", "livechat")
	}
	return filepath.Join(".", ".livechat")
}

// NormalizePath guarantees the websocket path starts with '/' and falls back to /ws
// when empty.
func NormalizePath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

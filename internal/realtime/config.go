package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AuthMode selects how the credential reaches the server.
type AuthMode string

const (
	// AuthMessage sends an authenticate event once the socket is open.
	AuthMessage AuthMode = "message"
	// AuthQuery dials with ?token=... and waits for the server-initiated authenticated event.
	AuthQuery AuthMode = "query"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultAuthTimeout          = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
	DefaultPingInterval         = 25 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
)

type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL      string
	Header   http.Header
	AuthMode AuthMode

	ConnectTimeout time.Duration
	AuthTimeout    time.Duration

	// MaxReconnectAttempts bounds automatic reconnection. Negative disables it.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration

	// PingInterval is the keepalive period; negative disables pings. A pong must arrive
	// within PongWait or the connection is treated as dropped.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (c *Config) defaults() {
	if c.AuthMode == "" {
		c.AuthMode = AuthMessage
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = c.PingInterval + 10*time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

package connection

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Errors
var (
	ErrInvalidConfig      = errors.New("invalid connection config")
	ErrNotConnected       = errors.New("not connected")
	ErrConnectFailed      = errors.New("connection failed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrStaleConnection    = errors.New("connection stale (no pong)")
	ErrClosed             = errors.New("client closed")
)

// Default values for optional Config fields.
const (
	DefaultReconnect            = true
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPongTimeout          = 60 * time.Second
)

// State is the lifecycle state of the shared connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase status name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config is the caller's input to Connect.
//
// Pointer fields distinguish "not set" from an explicit zero: a nil pointer
// takes the default, while Bool(false) or Int(0) is kept as given. Zero values
// of the plain duration fields take their defaults.
type Config struct {
	URL       string      // ws:// or wss:// address (required)
	Protocols []string    // Optional sub-protocols, in preference order
	Header    http.Header // Extra handshake headers

	Reconnect            *bool          // Default true
	ReconnectInterval    *time.Duration // Base backoff delay, default 5s
	MaxReconnectAttempts *int           // Default 10

	// ReconnectMaxInterval caps the backoff delay. Zero leaves it uncapped,
	// which keeps the plain doubling law.
	ReconnectMaxInterval time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // Negative disables client pings
	PongTimeout      time.Duration
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Duration returns a pointer to v.
func Duration(v time.Duration) *time.Duration { return &v }

// settings is a Config with defaults applied.
type settings struct {
	url                  string
	protocols            []string
	header               http.Header
	reconnect            bool
	reconnectInterval    time.Duration
	reconnectMaxInterval time.Duration
	maxReconnectAttempts int
	handshakeTimeout     time.Duration
	writeTimeout         time.Duration
	pingInterval         time.Duration
	pongTimeout          time.Duration
}

// resolve validates cfg and merges it over the defaults.
func (cfg Config) resolve() (settings, error) {
	if cfg.URL == "" {
		return settings{}, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return settings{}, fmt.Errorf("%w: parse url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return settings{}, fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return settings{}, fmt.Errorf("%w: url host is required", ErrInvalidConfig)
	}

	s := settings{
		url:                  cfg.URL,
		protocols:            append([]string(nil), cfg.Protocols...),
		header:               cfg.Header.Clone(),
		reconnect:            DefaultReconnect,
		reconnectInterval:    DefaultReconnectInterval,
		reconnectMaxInterval: cfg.ReconnectMaxInterval,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		handshakeTimeout:     cfg.HandshakeTimeout,
		writeTimeout:         cfg.WriteTimeout,
		pingInterval:         cfg.PingInterval,
		pongTimeout:          cfg.PongTimeout,
	}

	if cfg.Reconnect != nil {
		s.reconnect = *cfg.Reconnect
	}
	if cfg.ReconnectInterval != nil {
		if *cfg.ReconnectInterval < 0 {
			return settings{}, fmt.Errorf("%w: reconnect interval must be >= 0", ErrInvalidConfig)
		}
		s.reconnectInterval = *cfg.ReconnectInterval
	}
	if cfg.MaxReconnectAttempts != nil {
		if *cfg.MaxReconnectAttempts < 0 {
			return settings{}, fmt.Errorf("%w: max reconnect attempts must be >= 0", ErrInvalidConfig)
		}
		s.maxReconnectAttempts = *cfg.MaxReconnectAttempts
	}
	if s.reconnectMaxInterval < 0 {
		return settings{}, fmt.Errorf("%w: reconnect max interval must be >= 0", ErrInvalidConfig)
	}

	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}
	if s.pingInterval == 0 {
		s.pingInterval = DefaultPingInterval
	}
	if s.pongTimeout <= 0 {
		s.pongTimeout = DefaultPongTimeout
	}

	return s, nil
}

package config

import (
	"net/http"
	"time"

	"github.com/rickgao/dashlink/internal/connection"
)

// Config is the root configuration for a dashlink process.
type Config struct {
	Instance      InstanceConfig   `yaml:"instance"`
	Connection    ConnectionConfig `yaml:"connection"`
	Subscriptions []string         `yaml:"subscriptions"` // Message types to log and journal
	Journal       JournalConfig    `yaml:"journal"`
	Metrics       MetricsConfig    `yaml:"metrics"`
	Log           LogConfig        `yaml:"log"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ConnectionConfig holds the shared WebSocket settings.
//
// The pointer fields are left nil when absent from the file so the client
// applies its own defaults; an explicit false or 0 is passed through as is.
type ConnectionConfig struct {
	URL                  string            `yaml:"url"`
	Protocols            []string          `yaml:"protocols"`
	Headers              map[string]string `yaml:"headers"`
	Reconnect            *bool             `yaml:"reconnect"`
	ReconnectInterval    *time.Duration    `yaml:"reconnect_interval"`
	MaxReconnectAttempts *int              `yaml:"max_reconnect_attempts"`
	ReconnectMaxInterval time.Duration     `yaml:"reconnect_max_interval"`
	HandshakeTimeout     time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration     `yaml:"write_timeout"`
	PingInterval         time.Duration     `yaml:"ping_interval"`
	PongTimeout          time.Duration     `yaml:"pong_timeout"`
}

// JournalConfig holds the optional Postgres journal of received envelopes.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds the health and Prometheus endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ToClientConfig converts the file settings into a connection.Config.
func (c ConnectionConfig) ToClientConfig() connection.Config {
	var header http.Header
	if len(c.Headers) > 0 {
		header = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			header.Set(k, v)
		}
	}

	return connection.Config{
		URL:                  c.URL,
		Protocols:            append([]string(nil), c.Protocols...),
		Header:               header,
		Reconnect:            c.Reconnect,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectMaxInterval: c.ReconnectMaxInterval,
		HandshakeTimeout:     c.HandshakeTimeout,
		WriteTimeout:         c.WriteTimeout,
		PingInterval:         c.PingInterval,
		PongTimeout:          c.PongTimeout,
	}
}

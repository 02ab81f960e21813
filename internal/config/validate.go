package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	for i, t := range c.Subscriptions {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("subscriptions[%d] must not be empty", i)
		}
	}

	if c.Journal.Enabled {
		if err := c.Journal.validate(); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (c *ConnectionConfig) validate() error {
	if c.URL == "" {
		return errors.New("connection.url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("connection.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("connection.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.ReconnectInterval != nil && *c.ReconnectInterval < 0 {
		return errors.New("connection.reconnect_interval must be >= 0")
	}
	if c.MaxReconnectAttempts != nil && *c.MaxReconnectAttempts < 0 {
		return errors.New("connection.max_reconnect_attempts must be >= 0")
	}
	if c.ReconnectMaxInterval < 0 {
		return errors.New("connection.reconnect_max_interval must be >= 0")
	}
	return nil
}

func (j *JournalConfig) validate() error {
	if err := j.Database.validate("journal.database"); err != nil {
		return err
	}
	if !tableNamePattern.MatchString(j.Table) {
		return fmt.Errorf("journal.table %q is not a valid table name", j.Table)
	}
	if j.BatchSize < 1 {
		return errors.New("journal.batch_size must be >= 1")
	}
	if j.BufferSize < 1 {
		return errors.New("journal.buffer_size must be >= 1")
	}
	if j.FlushInterval <= 0 {
		return errors.New("journal.flush_interval must be > 0")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

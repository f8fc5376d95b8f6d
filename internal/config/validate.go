package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *LinkConfig) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Server.BufferSize < 1 {
		return errors.New("server.buffer_size must be >= 1")
	}
	if c.Server.SendRate < 0 {
		return errors.New("server.send_rate must be >= 0")
	}

	if c.Auth.Token != "" && c.Auth.TokenFile != "" {
		return errors.New("auth.token and auth.token_file are mutually exclusive")
	}

	if c.Reconnect.InitialDelay <= 0 {
		return errors.New("reconnect.initial_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than initial_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return errors.New("reconnect.jitter must be between 0 and 1")
	}

	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.Timeout <= 0 {
		return errors.New("heartbeat.timeout must be > 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < c.Journal.BatchSize {
			return errors.New("journal.buffer_size must be >= journal.batch_size")
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be 1-65535, got %d", c.HTTP.Port)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
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

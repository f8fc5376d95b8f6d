package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/rickgao/wslink/internal/connection"
)

// LinkConfig is the root configuration for a link daemon.
type LinkConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Journal   JournalConfig   `yaml:"journal"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this daemon in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the WebSocket endpoint settings.
type ServerConfig struct {
	URL              string        `yaml:"url"`
	TokenParam       string        `yaml:"token_param"` // query parameter carrying the token
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
	SendRate         float64       `yaml:"send_rate"` // frames per second, 0 = unlimited
	SendBurst        int           `yaml:"send_burst"`
}

// AuthConfig holds the initial token. Token and TokenFile are mutually
// exclusive; with neither the link waits for a token from the API.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// ReconnectConfig holds the retry policy.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Jitter       float64       `yaml:"jitter"`
}

// HeartbeatConfig holds ping/pong settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// JournalConfig holds the inbound message journal settings.
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

// HTTPConfig holds the control API settings.
type HTTPConfig struct {
	Port        int           `yaml:"port"`
	SendTimeout time.Duration `yaml:"send_timeout"` // how long POST /messages waits for transmission
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel maps Level onto a slog.Level. Unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ToManagerConfig maps the link sections onto a connection.ManagerConfig.
func (c *LinkConfig) ToManagerConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		URL:        c.Server.URL,
		TokenParam: c.Server.TokenParam,
		Client: connection.ClientConfig{
			HandshakeTimeout: c.Server.HandshakeTimeout,
			WriteTimeout:     c.Server.WriteTimeout,
			BufferSize:       c.Server.BufferSize,
			SendRate:         c.Server.SendRate,
			SendBurst:        c.Server.SendBurst,
		},
		Reconnect: connection.ReconnectPolicy{
			InitialDelay:   c.Reconnect.InitialDelay,
			MaxDelay:       c.Reconnect.MaxDelay,
			MaxAttempts:    c.Reconnect.MaxAttempts,
			JitterFraction: c.Reconnect.Jitter,
		},
		Heartbeat: connection.HeartbeatConfig{
			Interval: c.Heartbeat.Interval,
			Timeout:  c.Heartbeat.Timeout,
		},
	}
}

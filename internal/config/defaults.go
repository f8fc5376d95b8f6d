package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "linkd"
	DefaultTokenParam        = "token"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultClientBufferSize  = 1000
	DefaultSendBurst         = 10
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultJournalTable      = "inbound_messages"
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 1 * time.Second
	DefaultJournalBuffer     = 10000
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 5
	DefaultMinConns          = 1
	DefaultHTTPPort          = 8080
	DefaultSendTimeout       = 2 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *LinkConfig) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Server defaults
	if c.Server.TokenParam == "" {
		c.Server.TokenParam = DefaultTokenParam
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.BufferSize == 0 {
		c.Server.BufferSize = DefaultClientBufferSize
	}
	if c.Server.SendRate > 0 && c.Server.SendBurst == 0 {
		c.Server.SendBurst = DefaultSendBurst
	}

	// Reconnect defaults
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = DefaultInitialDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}

	// Heartbeat defaults
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}

	// Journal defaults
	if c.Journal.Table == "" {
		c.Journal.Table = DefaultJournalTable
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}
	applyDBDefaults(&c.Journal.Database)

	// HTTP defaults
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.SendTimeout == 0 {
		c.HTTP.SendTimeout = DefaultSendTimeout
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

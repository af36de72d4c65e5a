package server

import (
	"net/http"
	"time"
)

// Config holds configuration for the synchronization server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// SyncPath is the upgrade path for document synchronization connections.
	// Default: "/sync".
	SyncPath string

	// MessagePath is the upgrade path for the message relay endpoint.
	// Default: "/message".
	MessagePath string

	// Heartbeat

	// PingInterval is the time between liveness probes.
	// Default: 30 seconds.
	PingInterval time.Duration

	// PingTimeout is how long a probed connection has to answer before it
	// is removed.
	// Default: 10 seconds.
	PingTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: 1MB.
	MaxMessageSize int64

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: allows all origins (not recommended for production).
	CheckOrigin func(r *http.Request) bool

	// Documents

	// GC controls whether document tombstones are compacted.
	// Default: true.
	GC bool

	// Lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":8080",
		SyncPath:        "/sync",
		MessagePath:     "/message",
		PingInterval:    30 * time.Second,
		PingTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  1 << 20,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		GC:              true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// WithAddress sets the listen address.
func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

// WithHeartbeat sets the probe interval and answer timeout.
func (c *Config) WithHeartbeat(interval, timeout time.Duration) *Config {
	c.PingInterval = interval
	c.PingTimeout = timeout
	return c
}

// WithGC controls tombstone compaction for new documents.
func (c *Config) WithGC(enabled bool) *Config {
	c.GC = enabled
	return c
}

// withDefaults fills in zero-valued fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := c.Clone()
	def := DefaultConfig()
	if out.Address == "" {
		out.Address = def.Address
	}
	if out.SyncPath == "" {
		out.SyncPath = def.SyncPath
	}
	if out.MessagePath == "" {
		out.MessagePath = def.MessagePath
	}
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = def.PingTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = def.MaxMessageSize
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = def.ReadBufferSize
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = def.WriteBufferSize
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = def.ShutdownTimeout
	}
	return out
}

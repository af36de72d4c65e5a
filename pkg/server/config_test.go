package server

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Address != ":8080" {
		t.Errorf("Address = %q, want :8080", cfg.Address)
	}
	if cfg.SyncPath != "/sync" {
		t.Errorf("SyncPath = %q, want /sync", cfg.SyncPath)
	}
	if cfg.MessagePath != "/message" {
		t.Errorf("MessagePath = %q, want /message", cfg.MessagePath)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.PingTimeout != 10*time.Second {
		t.Errorf("PingTimeout = %v, want 10s", cfg.PingTimeout)
	}
	if cfg.MaxMessageSize != 1<<20 {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, 1<<20)
	}
	if !cfg.GC {
		t.Error("GC should default to true")
	}
}

func TestConfigClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.Address = ":9999"
	clone.PingInterval = time.Second

	if cfg.Address != ":8080" {
		t.Error("mutating the clone changed the original")
	}
	if cfg.PingInterval != 30*time.Second {
		t.Error("mutating the clone changed the original")
	}

	var nilCfg *Config
	if nilCfg.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := (&Config{Address: ":7000"}).withDefaults()

	if cfg.Address != ":7000" {
		t.Errorf("Address = %q, want :7000", cfg.Address)
	}
	if cfg.SyncPath != "/sync" {
		t.Errorf("SyncPath = %q, want /sync", cfg.SyncPath)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.ReadBufferSize != 4096 {
		t.Errorf("ReadBufferSize = %d, want 4096", cfg.ReadBufferSize)
	}

	if got := (*Config)(nil).withDefaults(); got.Address != ":8080" {
		t.Errorf("nil config Address = %q, want :8080", got.Address)
	}
}

func TestConfigChaining(t *testing.T) {
	cfg := DefaultConfig().
		WithAddress(":3000").
		WithHeartbeat(5*time.Second, 2*time.Second).
		WithGC(false)

	if cfg.Address != ":3000" {
		t.Errorf("Address = %q, want :3000", cfg.Address)
	}
	if cfg.PingInterval != 5*time.Second || cfg.PingTimeout != 2*time.Second {
		t.Errorf("heartbeat = %v/%v, want 5s/2s", cfg.PingInterval, cfg.PingTimeout)
	}
	if cfg.GC {
		t.Error("GC should be disabled")
	}
}

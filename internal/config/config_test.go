package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/agentvoice/internal/ratelimit"
)

func TestLoadFile_DefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 8080 || cfg.AuthTimeout != 5*time.Second || cfg.RoomDefaultCapacity != 10 {
		t.Fatalf("cfg=%+v", cfg)
	}
	for _, c := range ratelimit.Classes {
		if got := cfg.RateLimits.Limit(c); got != c {
			t.Fatalf("%s=%+v, want built-in %+v", c.Name, got, c)
		}
	}
}

func TestLoadFile_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := []byte(`
mode: debug
port: 9000
ping_period: 10s
redis_addr: localhost:6379
rate_limits:
  room_join:
    limit: 3
  health:
    window: 10s
ice_servers:
  - stun:example.org:3478
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICE_PORT", "9100")
	t.Setenv("VOICE_SECRET", "from-env")
	t.Setenv("VOICE_RATE_LIMITS_STREAMING_WINDOW", "250ms")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Mode != "debug" || cfg.Port != 9100 || cfg.Secret != "from-env" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.PingPeriod != 10*time.Second || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if got := cfg.RateLimits.Limit(ratelimit.RoomJoin); got.Limit != 3 || got.Window != ratelimit.RoomJoin.Window {
		t.Fatalf("room join=%+v", got)
	}
	if got := cfg.RateLimits.Limit(ratelimit.Health); got.Window != 10*time.Second || got.Limit != ratelimit.Health.Limit {
		t.Fatalf("health=%+v", got)
	}
	if got := cfg.RateLimits.Limit(ratelimit.Streaming); got.Window != 250*time.Millisecond {
		t.Fatalf("streaming=%+v", got)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0] != "stun:example.org:3478" {
		t.Fatalf("ice=%v", cfg.ICEServers)
	}
}

func TestLoadFile_RejectsSubMillisecondWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.bad.yaml")
	body := []byte(`
rate_limits:
  room_join:
    window: 500us
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("sub-millisecond window accepted")
	}
}

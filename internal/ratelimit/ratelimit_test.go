package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newMemoryLimiter(start time.Time) (*Limiter, *clock) {
	c := &clock{t: start}
	return New(NewMemoryStore(c.now), WithClock(c.now)), c
}

func newRedisLimiter(t *testing.T, start time.Time) (*Limiter, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := &clock{t: start}
	return New(NewRedisStore(rdb), WithClock(c.now)), c, mr
}

func exerciseWindow(t *testing.T, l *Limiter, c *clock) {
	t.Helper()
	ctx := context.Background()
	cfg := Config{Name: "test", Window: time.Minute, Limit: 3}

	for i := int64(1); i <= cfg.Limit; i++ {
		res := l.Check(ctx, "1.2.3.4", cfg)
		if !res.Allowed {
			t.Fatalf("request %d rejected", i)
		}
		if res.Remaining != cfg.Limit-i {
			t.Fatalf("request %d remaining=%d, want %d", i, res.Remaining, cfg.Limit-i)
		}
	}
	res := l.Check(ctx, "1.2.3.4", cfg)
	if res.Allowed {
		t.Fatalf("limit+1 request allowed")
	}
	if res.Remaining != 0 || res.Limit != cfg.Limit {
		t.Fatalf("over-limit result=%+v", res)
	}

	if other := l.Check(ctx, "5.6.7.8", cfg); !other.Allowed {
		t.Fatalf("other identifier affected by limit")
	}

	c.t = c.t.Add(cfg.Window)
	if res := l.Check(ctx, "1.2.3.4", cfg); !res.Allowed {
		t.Fatalf("request in next window rejected")
	}
}

func TestLimiter_MemoryStore_FixedWindow(t *testing.T) {
	l, c := newMemoryLimiter(time.UnixMilli(60_000 * 1000))
	exerciseWindow(t, l, c)
}

func TestLimiter_RedisStore_FixedWindow(t *testing.T) {
	l, c, _ := newRedisLimiter(t, time.UnixMilli(60_000*1000))
	exerciseWindow(t, l, c)
}

func TestLimiter_ResetTimeIsWindowEnd(t *testing.T) {
	start := time.UnixMilli(60_000*1000 + 12_345)
	l, _ := newMemoryLimiter(start)
	res := l.Check(context.Background(), "id", Config{Name: "x", Window: time.Minute, Limit: 1})
	want := time.UnixMilli(60_000 * 1001)
	if !res.ResetTime.Equal(want) {
		t.Fatalf("ResetTime=%v, want %v", res.ResetTime, want)
	}
}

func TestLimiter_StatusDoesNotCount(t *testing.T) {
	l, _, _ := newRedisLimiter(t, time.UnixMilli(1_000_000))
	ctx := context.Background()
	cfg := Config{Name: "status", Window: time.Minute, Limit: 2}

	for range 5 {
		if st := l.Status(ctx, "agent", cfg); st.Remaining != 2 || !st.Allowed {
			t.Fatalf("status before use=%+v", st)
		}
	}
	l.Check(ctx, "agent", cfg)
	l.Check(ctx, "agent", cfg)
	st := l.Status(ctx, "agent", cfg)
	if st.Remaining != 0 || st.Allowed {
		t.Fatalf("status after exhausting=%+v", st)
	}
}

func TestLimiter_ResetClearsAllClasses(t *testing.T) {
	l, _, mr := newRedisLimiter(t, time.UnixMilli(1_000_000))
	ctx := context.Background()
	a := Config{Name: "a", Window: time.Minute, Limit: 1}
	b := Config{Name: "b", Window: time.Second, Limit: 1}

	l.Check(ctx, "agent-1", a)
	l.Check(ctx, "agent-1", b)
	l.Check(ctx, "agent-2", a)
	if l.Check(ctx, "agent-1", a).Allowed {
		t.Fatalf("expected limit before reset")
	}

	if err := l.Reset(ctx, "agent-1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !l.Check(ctx, "agent-1", a).Allowed || !l.Check(ctx, "agent-1", b).Allowed {
		t.Fatalf("limit survived reset")
	}
	if l.Check(ctx, "agent-2", a).Allowed {
		t.Fatalf("reset leaked to another identifier")
	}
	if len(mr.Keys()) == 0 {
		t.Fatalf("expected counters in redis")
	}
}

func TestLimiter_ResetIsExactPerIdentifier(t *testing.T) {
	for name, mk := range map[string]func(t *testing.T) *Limiter{
		"memory": func(*testing.T) *Limiter { l, _ := newMemoryLimiter(time.UnixMilli(1_000_000)); return l },
		"redis":  func(t *testing.T) *Limiter { l, _, _ := newRedisLimiter(t, time.UnixMilli(1_000_000)); return l },
	} {
		t.Run(name, func(t *testing.T) {
			l := mk(t)
			ctx := context.Background()
			cfg := RoomJoin
			cfg.Limit = 2

			for _, id := range []string{"agent:b", "ab", "b"} {
				l.Check(ctx, id, cfg)
				l.Check(ctx, id, cfg)
			}
			if err := l.Reset(ctx, "b"); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if err := l.Reset(ctx, "a*"); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if st := l.Status(ctx, "b", cfg); st.Remaining != 2 {
				t.Fatalf("b remaining=%d after reset", st.Remaining)
			}
			for _, id := range []string{"agent:b", "ab"} {
				if st := l.Status(ctx, id, cfg); st.Remaining != 0 {
					t.Fatalf("%s remaining=%d, reset leaked", id, st.Remaining)
				}
			}
		})
	}
}

func TestLimiter_ResetClearsPreviousWindow(t *testing.T) {
	l, c := newMemoryLimiter(time.UnixMilli(60_000*1000 + 59_000))
	ctx := context.Background()
	cfg := Config{Name: "slow", Window: time.Minute, Limit: 1}
	l.Check(ctx, "id", cfg)
	c.t = c.t.Add(2 * time.Second)

	if err := l.Reset(ctx, "id"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c.t = c.t.Add(-2 * time.Second)
	if st := l.Status(ctx, "id", cfg); st.Remaining != 1 {
		t.Fatalf("previous window survived reset: %+v", st)
	}
}

func TestRedisStore_SetsExpiryOnFirstIncrement(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	if n, err := s.Incr(ctx, "k", 10*time.Second); err != nil || n != 1 {
		t.Fatalf("Incr=%d,%v", n, err)
	}
	if ttl := mr.TTL("k"); ttl != 10*time.Second {
		t.Fatalf("ttl=%v, want 10s", ttl)
	}
	mr.FastForward(5 * time.Second)
	if n, _ := s.Incr(ctx, "k", 10*time.Second); n != 2 {
		t.Fatalf("second Incr=%d", n)
	}
	if ttl := mr.TTL("k"); ttl != 5*time.Second {
		t.Fatalf("ttl refreshed to %v", ttl)
	}
	mr.FastForward(6 * time.Second)
	if n, _ := s.Get(ctx, "k"); n != 0 {
		t.Fatalf("counter survived expiry: %d", n)
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	s := NewMemoryStore(c.now)
	ctx := context.Background()
	_, _ = s.Incr(ctx, "a", time.Second)
	_, _ = s.Incr(ctx, "b", time.Hour)
	c.t = c.t.Add(2 * time.Second)
	s.Prune()
	if len(s.counters) != 1 {
		t.Fatalf("counters=%d after prune, want 1", len(s.counters))
	}
}

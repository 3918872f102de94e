// Package ratelimit implements a fixed-window request counter on top of a
// shared key/value store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const keyPrefix = "ratelimit"

// Config is one endpoint class with its own window and ceiling.
type Config struct {
	Name   string
	Window time.Duration
	Limit  int64
}

var (
	ConnectionAuth = Config{Name: "conn_auth", Window: time.Minute, Limit: 10}
	RoomCreation   = Config{Name: "room_create", Window: time.Minute, Limit: 5}
	RoomJoin       = Config{Name: "room_join", Window: time.Minute, Limit: 20}
	Streaming      = Config{Name: "streaming", Window: time.Second, Limit: 300}
	Health         = Config{Name: "health", Window: time.Minute, Limit: 60}
)

// Classes lists the built-in endpoint classes.
var Classes = []Config{ConnectionAuth, RoomCreation, RoomJoin, Streaming, Health}

type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
	Limit     int64     `json:"limit"`
}

// Store holds the counters. Increments must be atomic per key.
type Store interface {
	// Incr adds one to key, setting ttl when the key is created, and returns
	// the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

type Limiter struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	classes map[string]time.Duration
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now, classes: make(map[string]time.Duration)}
	for _, c := range Classes {
		l.classes[c.Name] = c.Window
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func windowIndex(now time.Time, window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return now.UnixMilli() / ms
}

// remember records the window a class is used with so Reset can find its keys.
func (l *Limiter) remember(cfg Config) {
	l.mu.Lock()
	l.classes[cfg.Name] = cfg.Window
	l.mu.Unlock()
}

func key(cfg Config, id string, idx int64) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, cfg.Name, id, strconv.FormatInt(idx, 10))
}

func result(cfg Config, count, idx int64) Result {
	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= cfg.Limit,
		Remaining: remaining,
		ResetTime: time.UnixMilli((idx + 1) * cfg.Window.Milliseconds()),
		Limit:     cfg.Limit,
	}
}

// Check counts this request against the current window. The request that
// pushes the count over the limit is itself rejected.
func (l *Limiter) Check(ctx context.Context, id string, cfg Config) Result {
	l.remember(cfg)
	idx := windowIndex(l.now(), cfg.Window)
	count, err := l.store.Incr(ctx, key(cfg, id, idx), cfg.Window)
	if err != nil {
		log.Warn().Err(err).Str("module", "ratelimit").Str("class", cfg.Name).Str("id", id).Msg("store unavailable, allowing")
		return result(cfg, 0, idx)
	}
	res := result(cfg, count, idx)
	if !res.Allowed {
		log.Debug().Str("module", "ratelimit").Str("class", cfg.Name).Str("id", id).Int64("count", count).Msg("limit exceeded")
	}
	return res
}

// Status reports the current window without counting a request.
func (l *Limiter) Status(ctx context.Context, id string, cfg Config) Result {
	l.remember(cfg)
	idx := windowIndex(l.now(), cfg.Window)
	count, err := l.store.Get(ctx, key(cfg, id, idx))
	if err != nil {
		log.Warn().Err(err).Str("module", "ratelimit").Str("class", cfg.Name).Str("id", id).Msg("status read failed")
		count = 0
	}
	res := result(cfg, count, idx)
	res.Allowed = count < cfg.Limit
	return res
}

// Reset clears the live windows of every known class for id. Keys are
// addressed exactly; older windows have already expired.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	now := l.now()
	l.mu.Lock()
	keys := make([]string, 0, 2*len(l.classes))
	for name, window := range l.classes {
		cfg := Config{Name: name, Window: window}
		idx := windowIndex(now, window)
		keys = append(keys, key(cfg, id, idx), key(cfg, id, idx-1))
	}
	l.mu.Unlock()
	return l.store.Delete(ctx, keys...)
}

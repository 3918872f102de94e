package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrBackendClosed = errors.New("pubsub backend closed")

// MemoryHub connects in-process backends as if they shared one broker.
type MemoryHub struct {
	mu       sync.RWMutex
	backends map[*MemoryBackend]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{backends: make(map[*MemoryBackend]struct{})}
}

// Backend creates a new backend attached to the hub.
func (h *MemoryHub) Backend() *MemoryBackend {
	b := &MemoryBackend{
		hub:      h,
		channels: make(map[string]struct{}),
		out:      make(chan Message, 1024),
	}
	h.mu.Lock()
	h.backends[b] = struct{}{}
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) publish(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for b := range h.backends {
		b.deliver(channel, data)
	}
}

type MemoryBackend struct {
	hub *MemoryHub

	mu       sync.Mutex
	channels map[string]struct{}
	out      chan Message
	closed   bool
}

func (b *MemoryBackend) deliver(channel string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.channels[channel]; !ok {
		return
	}
	select {
	case b.out <- Message{Channel: channel, Data: data}:
	default:
		log.Warn().Str("module", "pubsub").Str("channel", channel).Msg("memory backend full, message dropped")
	}
}

func (b *MemoryBackend) Publish(_ context.Context, channel string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBackendClosed
	}
	b.hub.publish(channel, append([]byte(nil), data...))
	return nil
}

func (b *MemoryBackend) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.channels[channel] = struct{}{}
	return nil
}

func (b *MemoryBackend) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, channel)
	return nil
}

// Subscribed reports whether the backend currently listens on channel.
func (b *MemoryBackend) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[channel]
	return ok
}

func (b *MemoryBackend) Messages() <-chan Message { return b.out }

func (b *MemoryBackend) Close() error {
	b.hub.mu.Lock()
	delete(b.hub.backends, b)
	b.hub.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.out)
	}
	return nil
}

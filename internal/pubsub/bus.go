// Package pubsub broadcasts room, participant and signal events between the
// server instances of a fleet.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Message is what a backend delivers: raw bytes on a channel.
type Message struct {
	Channel string
	Data    []byte
}

// Backend is the shared external publish/subscribe store.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Messages() <-chan Message
	Close() error
}

type Envelope struct {
	Channel   string          `json:"channel"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type Handler func(ctx context.Context, env Envelope)

// Bus tags outgoing messages with this instance's id and drops incoming
// messages carrying the same id.
type Bus struct {
	backend    Backend
	instanceID string
	now        func() time.Time

	// subMu orders backend subscribe/unsubscribe calls; mu only guards the
	// handler table so dispatch never waits on the network.
	subMu    sync.Mutex
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

type Option func(*Bus)

func WithInstanceID(id string) Option {
	return func(b *Bus) { b.instanceID = id }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func New(backend Backend, opts ...Option) *Bus {
	b := &Bus{
		backend:    backend,
		instanceID: uuid.NewString(),
		now:        time.Now,
		handlers:   make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) InstanceID() string { return b.instanceID }

func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		Channel:   channel,
		SenderID:  b.instanceID,
		Timestamp: b.now().UnixMilli(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}
	if err := b.backend.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers h for channel. The backend subscription is taken on
// the first handler and released when the returned func removes the last.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.RLock()
	first := len(b.handlers[channel]) == 0
	b.mu.RUnlock()
	if first {
		if err := b.backend.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("pubsub: subscribe %s: %w", channel, err)
		}
	}

	b.mu.Lock()
	set, ok := b.handlers[channel]
	if !ok {
		set = make(map[uint64]Handler)
		b.handlers[channel] = set
	}
	b.nextID++
	id := b.nextID
	set[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, id) })
	}, nil
}

func (b *Bus) unsubscribe(channel string, id uint64) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	set := b.handlers[channel]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(b.handlers, channel)
	}
	b.mu.Unlock()

	if !last {
		return
	}
	if err := b.backend.Unsubscribe(context.Background(), channel); err != nil {
		log.Warn().Err(err).Str("module", "pubsub").Str("channel", channel).Msg("unsubscribe")
	}
}

// HandlerCount is the number of live handlers on channel.
func (b *Bus) HandlerCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel])
}

// Run dispatches backend messages until ctx is done or the backend closes.
func (b *Bus) Run(ctx context.Context) {
	msgs := b.backend.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				log.Info().Str("module", "pubsub").Msg("backend closed")
				return
			}
			b.dispatch(ctx, m)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, m Message) {
	var env Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		log.Warn().Err(err).Str("module", "pubsub").Str("channel", m.Channel).Msg("bad envelope")
		return
	}
	if env.SenderID == b.instanceID {
		return
	}
	if env.Channel == "" {
		env.Channel = m.Channel
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[m.Channel]))
	for _, h := range b.handlers[m.Channel] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, env)
	}
}

func (b *Bus) Close() error {
	return b.backend.Close()
}

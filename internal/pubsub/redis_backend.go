package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBackend multiplexes every channel over one redis PubSub connection.
type RedisBackend struct {
	rdb  redis.UniversalClient
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func NewRedisBackend(ctx context.Context, rdb redis.UniversalClient) *RedisBackend {
	b := &RedisBackend{
		rdb:  rdb,
		ps:   rdb.Subscribe(ctx),
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *RedisBackend) pump() {
	defer close(b.out)
	for m := range b.ps.Channel() {
		select {
		case b.out <- Message{Channel: m.Channel, Data: []byte(m.Payload)}:
		case <-b.done:
			return
		}
	}
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, data []byte) error {
	return b.rdb.Publish(ctx, channel, data).Err()
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) error {
	return b.ps.Subscribe(ctx, channel)
}

func (b *RedisBackend) Unsubscribe(ctx context.Context, channel string) error {
	return b.ps.Unsubscribe(ctx, channel)
}

func (b *RedisBackend) Messages() <-chan Message { return b.out }

func (b *RedisBackend) Close() error {
	b.once.Do(func() { close(b.done) })
	return b.ps.Close()
}

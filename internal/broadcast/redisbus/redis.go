// Package redisbus backs broadcast.Bus with Redis pub/sub.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"docsync/internal/broadcast"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// Bus publishes and subscribes through one Redis client.
type Bus struct {
	client *redis.Client
	log    logr.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ broadcast.Bus = (*Bus)(nil)

// New connects to addr and checks the connection with a PING.
func New(ctx context.Context, addr, password string, db int, logger logr.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	logger.Info("✓ Connected to Redis", "addr", addr)
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(client *redis.Client, logger logr.Logger) *Bus {
	return &Bus{
		client: client,
		log:    logger.WithName("redisbus"),
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

type subscription struct {
	bus    *Bus
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// Subscribe waits for Redis to confirm the subscription before returning,
// so nothing published afterwards is missed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler broadcast.Handler) (broadcast.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broadcast.ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &subscription{bus: b, pubsub: pubsub, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	msgs := pubsub.Channel()
	go func() {
		defer close(s.done)
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
		b.log.V(1).Info("subscription closed", "channel", channel)
	}()
	return s, nil
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}

// Close drops every subscription and closes the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return b.client.Close()
}

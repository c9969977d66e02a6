package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over Redis pub/sub. Channel patterns map
// directly onto PSUBSCRIBE globs: the relay's trailing-wildcard grammar is a
// subset of Redis pattern syntax, so patterns pass through unchanged.
type RedisBroker struct {
	client *redis.Client
	mu     sync.Mutex
	closed bool
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrBrokerUnavailable, channel, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	msgs     chan Message
	closeOne sync.Once
}

func (s *redisSubscription) Messages() <-chan Message { return s.msgs }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOne.Do(func() { err = s.pubsub.Close() })
	return err
}

// Subscribe opens a PSUBSCRIBE session for the given patterns. The initial
// subscribe confirmation is awaited so that a dead broker surfaces as an
// error here instead of as an empty stream.
func (b *RedisBroker) Subscribe(ctx context.Context, patterns []string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: broker is closed", ErrBrokerUnavailable)
	}
	b.mu.Unlock()

	pubsub := b.client.PSubscribe(ctx, patterns...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: psubscribe: %v", ErrBrokerUnavailable, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		msgs:   make(chan Message, 256),
	}
	go sub.pump()
	return sub, nil
}

// pump converts the go-redis message stream into the broker Message stream.
// go-redis closes its channel when the pubsub is closed; a receive error
// inside go-redis triggers its own reconnect, so messages can resume — the
// relay layer above still re-subscribes on stream closure to get a clean
// session.
func (s *redisSubscription) pump() {
	defer close(s.msgs)
	for m := range s.pubsub.Channel() {
		s.msgs <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}
	}
}

func (b *RedisBroker) Healthy(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

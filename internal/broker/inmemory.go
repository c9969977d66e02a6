package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tabletide/relay/internal/events"
)

// InMemoryBroker is a single-process Broker backed by Go channels. It is
// used in tests and single-node development deployments.
type InMemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]*memSubscription // subscription id -> subscription
	closed bool
}

type memSubscription struct {
	id       string
	patterns []string
	msgs     chan Message
	closeOne sync.Once
	broker   *InMemoryBroker
}

func (s *memSubscription) Messages() <-chan Message { return s.msgs }

// Close deregisters the subscription before closing its stream, so a
// concurrent Publish never sends into a closed channel.
func (s *memSubscription) Close() error {
	s.broker.remove(s.id)
	s.closeChan()
	return nil
}

func (s *memSubscription) closeChan() {
	s.closeOne.Do(func() { close(s.msgs) })
}

func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{subs: make(map[string]*memSubscription)}
}

// Publish delivers the payload to every subscription whose pattern set
// matches the channel. Delivery is non-blocking per subscriber.
func (b *InMemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: broker is closed", ErrBrokerUnavailable)
	}

	for _, sub := range b.subs {
		if !events.MatchAny(sub.patterns, channel) {
			continue
		}
		select {
		case sub.msgs <- Message{Channel: channel, Payload: payload}:
		default:
			// Subscriber buffer full: drop rather than block the publisher.
		}
	}
	return nil
}

func (b *InMemoryBroker) Subscribe(ctx context.Context, patterns []string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: broker is closed", ErrBrokerUnavailable)
	}

	sub := &memSubscription{
		id:       uuid.New().String(),
		patterns: append([]string(nil), patterns...),
		msgs:     make(chan Message, 256),
		broker:   b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *InMemoryBroker) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *InMemoryBroker) Healthy(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeChan()
		delete(b.subs, id)
	}
	return nil
}

// DropSubscriptions closes every live subscription without closing the
// broker itself, simulating a broker-side session drop. Test helper.
func (b *InMemoryBroker) DropSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.closeChan()
		delete(b.subs, id)
	}
}

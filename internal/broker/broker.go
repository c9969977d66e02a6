package broker

import (
	"context"
	"errors"
)

// Message is one raw wire message received from the broker.
type Message struct {
	Channel string
	Payload []byte
}

// ErrBrokerUnavailable wraps connect/subscribe failures. The relay treats it
// as a transient condition and reconnects with backoff; it is never fatal to
// the process.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Subscription is one live subscribed session. Its message stream is a
// single ordered channel; closure of the stream signals connection loss.
type Subscription interface {
	// Messages returns the ordered stream for this session. The channel is
	// closed when the session drops or the subscription is closed.
	Messages() <-chan Message

	// Close tears down the session. Safe to call more than once.
	Close() error
}

// Broker is the publish/subscribe transport between writers and gateway
// instances. Implementations include RedisBroker (default, pattern
// subscriptions via PSUBSCRIBE), KafkaBroker (for deployments with an
// existing Kafka estate), and InMemoryBroker (tests and single-node dev).
//
// The broker does not persist subscriptions across a session drop: after a
// Subscription's stream closes, the caller must subscribe again with the
// full pattern set.
type Broker interface {
	// Publish sends a payload on a concrete channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a session covering the given channel patterns.
	Subscribe(ctx context.Context, patterns []string) (Subscription, error)

	// Healthy reports whether the broker connection is currently usable.
	// Used by the health surface.
	Healthy(ctx context.Context) bool

	// Close releases connections and stops background goroutines.
	Close() error
}

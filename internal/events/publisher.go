package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// BrokerPublisher is the slice of the broker interface the publisher needs.
type BrokerPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Publisher is the writer-side helper: it serializes envelopes and publishes
// each one once, on its primary channel. Gateway instances subscribe with
// RelayPatterns and compute the full fan-out from the envelope itself.
type Publisher struct {
	broker BrokerPublisher
}

func NewPublisher(broker BrokerPublisher) *Publisher {
	return &Publisher{broker: broker}
}

// Publish validates and emits one envelope.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if !knownTypes[env.EventType] {
		return fmt.Errorf("publish: unknown event type %q", env.EventType)
	}
	if env.TenantID == "" {
		return fmt.Errorf("publish: missing tenant_id")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("publish: marshal envelope: %w", err)
	}
	if err := p.broker.Publish(ctx, PrimaryChannel(&env), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

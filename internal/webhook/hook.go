package webhook

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tabletide/relay/internal/events"
)

// confirmationPayload is the body POSTed to a tenant's callback endpoint
// when a payment-bearing event passes through the relay. DeliveryID in the
// headers is the dedup key; the correlation id ties the callback to the
// originating envelope.
type confirmationPayload struct {
	EventType     string `json:"event_type"`
	TenantID      string `json:"tenant_id"`
	BranchID      string `json:"branch_id,omitempty"`
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id"`
}

// ConfirmationHook enqueues one retry task per registered callback target
// of the tenant whenever a payment confirmation event is routed. Offer runs
// on the relay's receive stream and must not block, so envelopes are handed
// to a buffered channel drained by the Run worker, which does the store
// round-trips. Failures are logged, never propagated into the relay loop.
type ConfirmationHook struct {
	queue   *RetryQueue
	targets TargetStore
	pending chan *events.Envelope
}

func NewConfirmationHook(queue *RetryQueue, targets TargetStore) *ConfirmationHook {
	return &ConfirmationHook{
		queue:   queue,
		targets: targets,
		pending: make(chan *events.Envelope, 256),
	}
}

// Offer is the router delivery hook. Non-payment events are ignored; when
// the worker falls behind and the buffer fills, the envelope is dropped
// with a log line rather than stalling broadcast delivery.
func (h *ConfirmationHook) Offer(env *events.Envelope) {
	switch env.EventType {
	case events.TypeCheckPaid, events.TypePaymentApproved:
	default:
		return
	}

	select {
	case h.pending <- env:
	default:
		log.Printf("webhook: confirmation buffer full, dropping envelope %s", env.CorrelationID)
	}
}

// Run drains offered envelopes until ctx is cancelled.
func (h *ConfirmationHook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.pending:
			h.process(ctx, env)
		}
	}
}

func (h *ConfirmationHook) process(ctx context.Context, env *events.Envelope) {
	list, err := h.targets.ListActiveByTenant(ctx, env.TenantID)
	if err != nil {
		log.Printf("webhook: failed to list targets for tenant %s: %v", env.TenantID, err)
		return
	}

	payload, err := json.Marshal(confirmationPayload{
		EventType:     env.EventType,
		TenantID:      env.TenantID,
		BranchID:      env.BranchID,
		EntityType:    env.EntityType,
		EntityID:      env.EntityID,
		Timestamp:     env.Timestamp.UTC().Format(time.RFC3339),
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		log.Printf("webhook: failed to marshal confirmation payload: %v", err)
		return
	}

	for _, target := range list {
		if _, err := h.queue.Enqueue(ctx, target, payload); err != nil {
			log.Printf("webhook: failed to enqueue confirmation for target %s: %v", target.ID, err)
		}
	}
}

package ws

import (
	"encoding/json"
	"log"

	"github.com/tabletide/relay/internal/events"
)

// DeliveryHook observes each routed envelope after fan-out, e.g. to enqueue
// payment-confirmation webhooks. Hooks run synchronously on the relay's
// single receive stream, so they must not block.
type DeliveryHook func(env *events.Envelope)

// Router fans an envelope out to the subset of registered connections
// entitled to see it. Fan-out is best-effort per recipient: a connection
// that cannot accept the payload is unregistered, and delivery to the
// remaining matches continues.
//
// Route is invoked from the relay's ordered receive stream and enqueues
// sequentially, so any single connection observes envelopes of one channel
// in publication order.
type Router struct {
	hub   *Hub
	hooks []DeliveryHook
}

func NewRouter(hub *Hub) *Router {
	return &Router{hub: hub}
}

// OnDelivery registers a post-routing hook.
func (r *Router) OnDelivery(hook DeliveryHook) {
	r.hooks = append(r.hooks, hook)
}

// Route delivers one envelope. The channel the envelope arrived on is
// ignored: targets are recomputed from the envelope's tenant, branch, and
// event type, and each matching connection receives the payload once.
func (r *Router) Route(channel string, env *events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("router: failed to marshal envelope %s: %v", env.CorrelationID, err)
		return
	}

	targets := events.TargetChannels(env)
	for _, c := range r.hub.ConnectionsMatching(env.TenantID, targets) {
		if !c.trySend(data) {
			// Slow or dead consumer: isolate it, keep fanning out.
			log.Printf("router: dropping client %s (send buffer full)", c.ID)
			r.hub.Unregister(c)
			c.closeTransport()
		}
	}

	for _, hook := range r.hooks {
		hook(env)
	}
}

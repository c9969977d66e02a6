package broker

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/tabletide/relay/internal/breaker"
	"github.com/tabletide/relay/internal/events"
)

// Handler receives each well-formed envelope from the relay, together with
// the channel it arrived on.
type Handler func(channel string, env *events.Envelope)

// RelayConfig holds the relay's reconnect-backoff parameters.
type RelayConfig struct {
	BackoffBase   time.Duration // first retry delay
	BackoffFactor float64
	BackoffMax    time.Duration
}

// DefaultRelayConfig returns the standard backoff schedule: 0.5s doubling
// up to 30s, jittered.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{BackoffBase: 500 * time.Millisecond, BackoffFactor: 2, BackoffMax: 30 * time.Second}
}

// Relay owns the broker subscription session. Run is a long-lived loop: it
// subscribes to the full pattern set, feeds parsed envelopes to the handler,
// and on session loss backs off and re-subscribes. A single malformed
// message is logged and skipped, never terminating the loop.
//
// Reconnect attempts go through a circuit breaker so a totally unreachable
// broker degrades to periodic probes instead of log-flooding retries.
type Relay struct {
	broker    Broker
	patterns  []string
	handler   Handler
	brk       *breaker.Breaker
	cfg       RelayConfig
	connected atomic.Bool
}

func NewRelay(b Broker, patterns []string, handler Handler, brk *breaker.Breaker, cfg RelayConfig) *Relay {
	return &Relay{broker: b, patterns: patterns, handler: handler, brk: brk, cfg: cfg}
}

// Connected reports whether a subscription session is currently live.
func (r *Relay) Connected() bool { return r.connected.Load() }

// Run blocks until ctx is cancelled. On return the broker session is closed.
func (r *Relay) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		var sub Subscription
		err := r.brk.Do(func() error {
			var subErr error
			sub, subErr = r.broker.Subscribe(ctx, r.patterns)
			return subErr
		})
		if err != nil {
			if err != breaker.ErrCircuitOpen {
				log.Printf("relay: subscribe failed: %v", err)
			}
			if !r.sleep(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		log.Printf("relay: subscribed to %d patterns", len(r.patterns))
		attempt = 0
		r.connected.Store(true)
		r.consume(ctx, sub)
		r.connected.Store(false)
		sub.Close() //nolint:errcheck

		if ctx.Err() != nil {
			return
		}
		log.Printf("relay: broker session lost, reconnecting")
		if !r.sleep(ctx, attempt) {
			return
		}
		attempt++
	}
}

// consume drains one subscription session. Returns when the stream closes
// (session loss) or ctx is cancelled.
func (r *Relay) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			env, err := events.ParseEnvelope(msg.Payload)
			if err != nil {
				log.Printf("relay: skipping message on %s: %v", msg.Channel, err)
				continue
			}
			r.handler(msg.Channel, env)
		}
	}
}

// sleep waits for the backoff delay of the given attempt, jittered by up to
// 25%. Returns false if ctx was cancelled during the wait.
func (r *Relay) sleep(ctx context.Context, attempt int) bool {
	d := r.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * r.cfg.BackoffFactor)
		if d >= r.cfg.BackoffMax {
			d = r.cfg.BackoffMax
			break
		}
	}
	d += time.Duration(rand.Int63n(int64(d)/4 + 1))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

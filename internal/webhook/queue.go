package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tabletide/relay/internal/breaker"
)

// ErrDeliveryExhausted marks a task that reached its attempt cap. It is
// reported via stats and alerting, never silently dropped.
var ErrDeliveryExhausted = errors.New("webhook delivery exhausted")

// DefaultBackoffSchedule is the delay before each retry, indexed by the
// attempt count so far. Attempts past the end reuse the last entry.
var DefaultBackoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Doer is the HTTP client slice the queue needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// QueueConfig holds the retry policy for outbound deliveries.
type QueueConfig struct {
	Schedule    []time.Duration
	MaxAttempts int
	BatchSize   int
}

// RetryQueue is the durable, ordered queue of pending outbound
// confirmation deliveries. Deliveries are at-least-once with bounded
// attempts: the payload carries a stable delivery id and the downstream
// target deduplicates on it.
//
// Every attempt goes through the queue's circuit breaker; while the
// breaker is open, due tasks stay due and are retried on a later cycle
// without counting an attempt.
type RetryQueue struct {
	tasks  TaskStore
	brk    *breaker.Breaker
	client Doer
	cfg    QueueConfig
	nowFn  func() time.Time // injectable for tests
}

func NewRetryQueue(tasks TaskStore, brk *breaker.Breaker, client Doer, cfg QueueConfig) *RetryQueue {
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultBackoffSchedule
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &RetryQueue{tasks: tasks, brk: brk, client: client, cfg: cfg, nowFn: time.Now}
}

// Enqueue persists a new delivery task for the given target. The task is
// due immediately; the next ProcessDue cycle attempts it.
func (q *RetryQueue) Enqueue(ctx context.Context, target *Target, payload []byte) (string, error) {
	now := q.nowFn().UTC()
	t := &Task{
		ID:            uuid.New().String(),
		TenantID:      target.TenantID,
		TargetID:      target.ID,
		TargetURL:     target.URL,
		DeliveryID:    uuid.New().String(),
		Payload:       payload,
		Signature:     Sign(target.Secret, payload),
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.tasks.Insert(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue webhook task: %w", err)
	}
	log.Printf("webhook: enqueued task %s (tenant=%s target=%s)", t.ID, t.TenantID, t.TargetID)
	return t.ID, nil
}

// ProcessDue attempts every due task once. It is invoked periodically by
// the scheduler in main; a cycle finishes its in-flight attempt even when
// the context is cancelled mid-delivery.
func (q *RetryQueue) ProcessDue(ctx context.Context) {
	now := q.nowFn().UTC()
	due, err := q.tasks.Due(ctx, now, q.cfg.BatchSize)
	if err != nil {
		log.Printf("webhook: failed to load due tasks: %v", err)
		return
	}

	for _, t := range due {
		q.attempt(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *RetryQueue) attempt(ctx context.Context, t *Task) {
	err := q.brk.Do(func() error { return q.deliver(t) })
	now := q.nowFn().UTC()

	switch {
	case err == nil:
		if markErr := q.tasks.MarkDelivered(ctx, t.ID, now); markErr != nil {
			// The POST went out but the state update failed; the task stays
			// pending and will be re-delivered. Safe: the target dedups on
			// the delivery id.
			log.Printf("webhook: task %s delivered but not marked: %v", t.ID, markErr)
			return
		}
		log.Printf("webhook: task %s delivered after %d retries", t.ID, t.Attempts)

	case errors.Is(err, breaker.ErrCircuitOpen):
		// No attempt was made; leave the task due for the next cycle.

	default:
		attempts := t.Attempts + 1
		if attempts >= q.cfg.MaxAttempts {
			lastErr := fmt.Errorf("%w: %v", ErrDeliveryExhausted, err)
			if markErr := q.tasks.MarkExhausted(ctx, t.ID, attempts, lastErr.Error(), now); markErr != nil {
				log.Printf("webhook: failed to mark task %s exhausted: %v", t.ID, markErr)
				return
			}
			log.Printf("webhook: task %s exhausted after %d attempts: %v", t.ID, attempts, err)
			return
		}
		nextAt := now.Add(q.backoff(attempts))
		if markErr := q.tasks.MarkRetry(ctx, t.ID, attempts, nextAt, err.Error(), now); markErr != nil {
			log.Printf("webhook: failed to schedule retry for task %s: %v", t.ID, markErr)
			return
		}
		log.Printf("webhook: task %s attempt %d failed, next at %s: %v", t.ID, attempts, nextAt.Format(time.RFC3339), err)
	}
}

// deliver performs one HTTP POST. Any non-2xx status is a failure.
// The request deliberately uses a background context: an in-flight attempt
// is finished, not abandoned mid-write, during shutdown.
func (q *RetryQueue) deliver(t *Task) error {
	req, err := http.NewRequest(http.MethodPost, t.TargetURL, bytes.NewReader(t.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Delivery", t.DeliveryID)
	req.Header.Set("X-Relay-Signature", t.Signature)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", t.TargetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("target %s returned status %d", t.TargetURL, resp.StatusCode)
	}
	return nil
}

func (q *RetryQueue) backoff(attempts int) time.Duration {
	idx := attempts - 1
	if idx >= len(q.cfg.Schedule) {
		idx = len(q.cfg.Schedule) - 1
	}
	return q.cfg.Schedule[idx]
}

// GetStats reports queue counts for health and alerting.
func (q *RetryQueue) GetStats(ctx context.Context) (Stats, error) {
	return q.tasks.Stats(ctx)
}

// Run invokes ProcessDue on the given interval until ctx is cancelled.
func (q *RetryQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessDue(ctx)
		}
	}
}

// Sign computes the hex HMAC-SHA256 of the payload under the target's
// secret. The receiver recomputes it to authenticate the delivery.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload) //nolint:errcheck
	return hex.EncodeToString(mac.Sum(nil))
}

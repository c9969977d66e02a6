package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabletide/relay/internal/breaker"
	"github.com/tabletide/relay/internal/events"
)

// memTaskStore is an in-memory TaskStore for queue tests.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	err   error // injected store failure
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*Task)}
}

func (s *memTaskStore) Insert(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memTaskStore) Due(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var due []*Task
	for _, t := range s.tasks {
		if t.Status == StatusPending && !t.NextAttemptAt.After(now) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memTaskStore) MarkDelivered(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = StatusDelivered
	t.UpdatedAt = now
	return nil
}

func (s *memTaskStore) MarkRetry(_ context.Context, id string, attempts int, nextAt time.Time, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Attempts = attempts
	t.NextAttemptAt = nextAt
	t.LastError = lastError
	t.UpdatedAt = now
	return nil
}

func (s *memTaskStore) MarkExhausted(_ context.Context, id string, attempts int, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = StatusExhausted
	t.Attempts = attempts
	t.LastError = lastError
	t.UpdatedAt = now
	return nil
}

func (s *memTaskStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusDelivered:
			st.Delivered++
		case StatusExhausted:
			st.Exhausted++
		}
	}
	return st, nil
}

func (s *memTaskStore) get(id string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedDoer returns one canned result per call, in order, repeating the
// last entry. A nil error with status 200 is a successful delivery.
type scriptedDoer struct {
	mu       sync.Mutex
	statuses []int
	errs     []error
	calls    int
	lastReq  *http.Request
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	d.lastReq = req
	if i >= len(d.statuses) {
		i = len(d.statuses) - 1
	}
	if err := d.errs[i]; err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: d.statuses[i],
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func newTestQueue(t *testing.T, doer Doer, schedule []time.Duration, maxAttempts int) (*RetryQueue, *memTaskStore, *fakeClock) {
	t.Helper()
	store := newMemTaskStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	brk := breaker.New("webhook-test", 10, time.Minute)
	q := NewRetryQueue(store, brk, doer, QueueConfig{Schedule: schedule, MaxAttempts: maxAttempts})
	q.nowFn = clock.Now
	return q, store, clock
}

func testTarget() *Target {
	return &Target{ID: "tg1", TenantID: "t1", URL: "https://pos.example.com/hook", Secret: "s3cret"}
}

func TestQueueRetriesWithBackoffThenDelivers(t *testing.T) {
	doer := &scriptedDoer{
		statuses: []int{500, 500, 200},
		errs:     []error{nil, nil, nil},
	}
	schedule := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}
	q, store, clock := newTestQueue(t, doer, schedule, 6)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testTarget(), []byte(`{"check":"c1"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First attempt fails: due again one minute out.
	q.ProcessDue(ctx)
	task := store.get(id)
	if task.Attempts != 1 || task.Status != StatusPending {
		t.Fatalf("after attempt 1: attempts=%d status=%s", task.Attempts, task.Status)
	}
	if want := clock.Now().Add(time.Minute); !task.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt at %s, want %s", task.NextAttemptAt, want)
	}

	// Not yet due: nothing happens.
	clock.Advance(30 * time.Second)
	q.ProcessDue(ctx)
	if store.get(id).Attempts != 1 {
		t.Fatal("attempted before the backoff elapsed")
	}

	// Second attempt fails: five minutes out.
	clock.Advance(30 * time.Second)
	q.ProcessDue(ctx)
	task = store.get(id)
	if task.Attempts != 2 {
		t.Fatalf("after attempt 2: attempts=%d", task.Attempts)
	}
	if want := clock.Now().Add(5 * time.Minute); !task.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt at %s, want %s", task.NextAttemptAt, want)
	}

	// Third attempt succeeds.
	clock.Advance(5 * time.Minute)
	q.ProcessDue(ctx)
	task = store.get(id)
	if task.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", task.Status)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Pending != 0 || stats.Delivered != 1 || stats.Exhausted != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestQueueExhaustsAfterMaxAttempts(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{503}, errs: []error{nil}}
	q, store, clock := newTestQueue(t, doer, []time.Duration{time.Minute}, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testTarget(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		q.ProcessDue(ctx)
		clock.Advance(2 * time.Minute)
	}

	task := store.get(id)
	if task.Status != StatusExhausted {
		t.Fatalf("status = %s, want exhausted", task.Status)
	}
	if task.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", task.Attempts)
	}
	if task.LastError == "" {
		t.Error("exhausted task lost its last error")
	}

	// Exhausted tasks are never retried.
	q.ProcessDue(ctx)
	if doer.calls != 3 {
		t.Fatalf("delivery attempts = %d, want 3", doer.calls)
	}
}

func TestQueueOpenBreakerDoesNotCountAttempts(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{500}, errs: []error{nil}}
	store := newMemTaskStore()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	brk := breaker.New("webhook-test", 1, time.Hour)
	q := NewRetryQueue(store, brk, doer, QueueConfig{Schedule: []time.Duration{time.Minute}, MaxAttempts: 3})
	q.nowFn = clock.Now
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testTarget(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First cycle fails and trips the breaker (threshold 1).
	q.ProcessDue(ctx)
	if got := store.get(id).Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	// Breaker is open: the due task is skipped without an attempt.
	clock.Advance(2 * time.Minute)
	q.ProcessDue(ctx)
	task := store.get(id)
	if task.Attempts != 1 {
		t.Fatalf("attempts counted while breaker open: %d", task.Attempts)
	}
	if task.Status != StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if doer.calls != 1 {
		t.Fatalf("delivery attempted while breaker open (%d calls)", doer.calls)
	}
}

func TestDeliverySetsDedupAndSignatureHeaders(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{200}, errs: []error{nil}}
	q, store, _ := newTestQueue(t, doer, nil, 6)
	ctx := context.Background()

	payload := []byte(`{"check":"c9"}`)
	id, err := q.Enqueue(ctx, testTarget(), payload)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.ProcessDue(ctx)

	req := doer.lastReq
	if req == nil {
		t.Fatal("no delivery request made")
	}
	task := store.get(id)
	if got := req.Header.Get("X-Relay-Delivery"); got != task.DeliveryID {
		t.Errorf("X-Relay-Delivery = %q, want %q", got, task.DeliveryID)
	}
	if got := req.Header.Get("X-Relay-Signature"); got != Sign("s3cret", payload) {
		t.Errorf("X-Relay-Signature = %q", got)
	}
}

// memTargetStore is a fixed-list TargetStore for hook tests.
type memTargetStore struct {
	targets map[string][]*Target
}

func (s *memTargetStore) ListActiveByTenant(_ context.Context, tenantID string) ([]*Target, error) {
	return s.targets[tenantID], nil
}

func waitForPending(t *testing.T, store *memTaskStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := store.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if stats.Pending == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats, _ := store.Stats(context.Background())
	t.Fatalf("pending = %d, want %d", stats.Pending, want)
}

func TestConfirmationHookEnqueuesPerTarget(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{200}, errs: []error{nil}}
	q, store, _ := newTestQueue(t, doer, nil, 6)
	targets := &memTargetStore{targets: map[string][]*Target{
		"t1": {
			{ID: "tg1", TenantID: "t1", URL: "https://a.example.com/hook", Secret: "a"},
			{ID: "tg2", TenantID: "t1", URL: "https://b.example.com/hook", Secret: "b"},
		},
	}}
	hook := NewConfirmationHook(q, targets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hook.Run(ctx)

	env := events.NewEnvelope(events.TypeCheckPaid, "t1", "b1", "check", "c1")
	hook.Offer(&env)

	waitForPending(t, store, 2)
}

func TestConfirmationHookIgnoresOtherEvents(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{200}, errs: []error{nil}}
	q, store, _ := newTestQueue(t, doer, nil, 6)
	targets := &memTargetStore{targets: map[string][]*Target{
		"t1": {{ID: "tg1", TenantID: "t1", URL: "https://a.example.com/hook", Secret: "a"}},
	}}
	hook := NewConfirmationHook(q, targets)

	env := events.NewEnvelope(events.TypeRoundSubmitted, "t1", "b1", "round", "r1")
	hook.Offer(&env)

	// Non-payment events never enter the buffer, so no worker is needed.
	if len(hook.pending) != 0 {
		t.Fatalf("buffered %d envelopes, want 0 for a non-payment event", len(hook.pending))
	}
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 0 {
		t.Fatalf("pending = %d, want 0 for a non-payment event", stats.Pending)
	}
}

// blockedTargetStore stalls every lookup until released, standing in for an
// unreachable database.
type blockedTargetStore struct {
	release chan struct{}
}

func (s *blockedTargetStore) ListActiveByTenant(ctx context.Context, _ string) ([]*Target, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil, ctx.Err()
}

func TestConfirmationHookOfferNeverBlocks(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{200}, errs: []error{nil}}
	q, _, _ := newTestQueue(t, doer, nil, 6)
	targets := &blockedTargetStore{release: make(chan struct{})}
	hook := NewConfirmationHook(q, targets)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hook.Run(ctx)

	// The worker is stuck on the store; offering past the buffer capacity
	// must still return promptly, dropping the overflow.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(hook.pending)+10; i++ {
			env := events.NewEnvelope(events.TypeCheckPaid, "t1", "b1", "check", "c1")
			hook.Offer(&env)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Offer blocked on a stalled worker")
	}
	close(targets.release)
}

func TestEnqueuePropagatesStoreErrors(t *testing.T) {
	doer := &scriptedDoer{statuses: []int{200}, errs: []error{nil}}
	q, store, _ := newTestQueue(t, doer, nil, 6)
	store.err = errors.New("connection refused")

	if _, err := q.Enqueue(context.Background(), testTarget(), []byte(`{}`)); err == nil {
		t.Fatal("expected enqueue error")
	}
}

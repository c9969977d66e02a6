package breaker

import (
	"errors"
	"sync"
	"time"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a call is short-circuited without being
// attempted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Stats is a read-only snapshot of a breaker, used by the health surface.
type Stats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Breaker guards one external call-site. Each call-site owns its own
// instance: a failing webhook target must not trip the broker's breaker.
//
// CLOSED passes calls through and counts consecutive failures. After the
// configured threshold it goes OPEN and short-circuits with ErrCircuitOpen.
// Once the cool-down elapses, exactly one trial call is permitted
// (HALF_OPEN); its success returns the breaker to CLOSED with the counter
// reset, its failure re-opens it and restarts the cool-down.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	coolDown  time.Duration

	state       State
	failures    int
	lastFailure time.Time
	trialActive bool

	nowFn func() time.Time // injectable for tests
}

func New(name string, threshold int, coolDown time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen when
// the call must be short-circuited. A nil return in OPEN state means the
// cool-down elapsed and this caller holds the single half-open trial; it
// must report the outcome via Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.nowFn().Sub(b.lastFailure) < b.coolDown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trialActive = true
		return nil
	case StateHalfOpen:
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialActive = false
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.nowFn()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.trialActive = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// Do runs fn through the breaker, translating its outcome into state
// transitions. When the breaker is open, fn is not called.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// Stats returns a snapshot for health reporting.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	// Report OPEN breakers whose cool-down has elapsed as HALF_OPEN so the
	// health surface reflects that a trial would be permitted.
	if state == StateOpen && b.nowFn().Sub(b.lastFailure) >= b.coolDown {
		state = StateHalfOpen
	}
	return Stats{
		Name:        b.name,
		State:       state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

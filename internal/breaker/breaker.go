package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker position.
type State int

const (
	Closed State = iota // restarts allowed
	Open                // restarts halted until the supervisor is restarted
)

func (s State) String() string {
	if s == Open {
		return "OPEN"
	}
	return "CLOSED"
}

// Policy bounds how many crashes are tolerated within a sliding window.
type Policy struct {
	Window    time.Duration
	Threshold int
}

// DefaultPolicy trips on the fifth crash within an hour.
func DefaultPolicy() Policy {
	return Policy{Window: 60 * time.Minute, Threshold: 5}
}

// Validate rejects policies that could never trip or always trip.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("crash window must be positive, got %s", p.Window)
	}
	if p.Threshold < 1 {
		return fmt.Errorf("crash threshold must be at least 1, got %d", p.Threshold)
	}
	return nil
}

// Evaluate is the breaker decision: OPEN once the number of crashes inside
// the window reaches the threshold.
func Evaluate(crashes []time.Time, now time.Time, p Policy) State {
	if countWithin(crashes, now, p.Window) >= p.Threshold {
		return Open
	}
	return Closed
}

func countWithin(crashes []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range crashes {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Breaker keeps the crash window for one supervised identity. Once OPEN it
// never closes again.
type Breaker struct {
	mu      sync.Mutex
	policy  Policy
	crashes []time.Time
	state   State
	tripped time.Time
}

// New creates a closed breaker.
func New(p Policy) *Breaker {
	return &Breaker{policy: p}
}

// Record adds a crash at ts, prunes expired entries and returns the
// resulting state and the number of crashes currently in the window.
func (b *Breaker) Record(ts time.Time) (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		return Open, len(b.crashes)
	}
	b.crashes = append(b.crashes, ts)
	b.prune(ts)
	if Evaluate(b.crashes, ts, b.policy) == Open {
		b.state = Open
		b.tripped = ts
	}
	return b.state, len(b.crashes)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// TrippedAt returns when the breaker opened, or the zero time.
func (b *Breaker) TrippedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Crashes returns a copy of the crash window ending at now.
func (b *Breaker) Crashes(now time.Time) []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now)
	return append([]time.Time(nil), b.crashes...)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.policy.Window)
	kept := b.crashes[:0]
	for _, ts := range b.crashes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.crashes = kept
}

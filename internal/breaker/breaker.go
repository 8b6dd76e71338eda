// Package breaker guards external provider calls with a circuit breaker so
// a failing provider degrades to unknown ratios instead of burning the run
// budget on doomed requests.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls short-circuit
	StateHalfOpen              // Probing whether the provider recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive remote failures and blocks
// further calls for a cooldown. After the cooldown a single probe is let
// through; its outcome closes or re-opens the circuit.
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	successThreshold int

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed Breaker with sensible provider defaults.
func New(name string) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: 5,
		cooldown:         2 * time.Minute,
		successThreshold: 2,
		state:            StateClosed,
	}
}

// WithFailureThreshold sets how many consecutive failures trip the circuit.
func (b *Breaker) WithFailureThreshold(n int) *Breaker {
	if n > 0 {
		b.failureThreshold = n
	}
	return b
}

// WithCooldown sets how long the circuit stays open before probing.
func (b *Breaker) WithCooldown(d time.Duration) *Breaker {
	if d > 0 {
		b.cooldown = d
	}
	return b
}

// WithSuccessThreshold sets how many probe successes close the circuit.
func (b *Breaker) WithSuccessThreshold(n int) *Breaker {
	if n > 0 {
		b.successThreshold = n
	}
	return b
}

// Allow reports whether a remote call may proceed. While open, it flips to
// half-open once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.successes = 0
			logrus.WithField("breaker", b.name).Info("Circuit breaker half-open, probing provider")
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds the outcome of a remote call back into the breaker.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.successThreshold {
				b.state = StateClosed
				logrus.WithField("breaker", b.name).Info("Circuit breaker closed")
			}
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.successes = 0
	logrus.WithFields(logrus.Fields{
		"breaker":  b.name,
		"failures": b.failures,
		"cooldown": b.cooldown,
	}).Warn("Circuit breaker open")
}

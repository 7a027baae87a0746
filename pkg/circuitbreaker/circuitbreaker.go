package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses requests.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota // Requests pass through
	StateOpen                // Requests fail immediately
	StateHalfOpen            // Probing whether the server recovered
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

// Config holds circuit breaker configuration.
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Cooldown         time.Duration // Open duration before a half-open probe
}

// DefaultConfig matches the queue API polling cadence: three failed
// polls open the breaker, one full poll interval of cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         3 * time.Second,
	}
}

// Breaker protects the queue/compute API from being hammered while the
// server is down.
type Breaker struct {
	config Config

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	openedAt     time.Time
	onStateChange func(from, to State)
}

// New creates a breaker in the closed state.
func New(config Config) *Breaker {
	return &Breaker{config: config, state: StateClosed}
}

// OnStateChange registers a callback fired on every state transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Do runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, clearing counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.Cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0

	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.config.FailureThreshold) {
		b.transition(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.failures = 0

	if b.state == StateHalfOpen && b.successes >= b.config.SuccessThreshold {
		b.transition(StateClosed)
	}
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	if next == StateOpen {
		b.openedAt = time.Now()
	}
	if b.onStateChange != nil {
		go b.onStateChange(prev, next)
	}
}

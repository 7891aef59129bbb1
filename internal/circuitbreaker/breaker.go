// Package circuitbreaker guards the upstream WeCom API against cascading
// failures: after a run of errors the breaker opens and upstream calls fail
// fast until a probe succeeds.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker is failing fast.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes one breaker instance.
type Config struct {
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int

	// CoolDown is how long the breaker stays open before allowing a probe.
	CoolDown time.Duration

	// ProbeSuccesses is how many consecutive half-open successes close the
	// breaker again.
	ProbeSuccesses int
}

// DefaultConfig suits the upstream API: 30 s cool-down matches the request
// timeout, so one full timeout cycle passes before probing.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		ProbeSuccesses:   2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 2
	}
	return &Breaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// State returns the effective state, promoting open→half-open once the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.CoolDown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.stateLocked(time.Now()) == StateOpen {
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.ProbeSuccesses {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.openedAt = time.Now()
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Printf("⚡ %s: %s -> %s", b.cfg.Name, b.state, to)
	b.state = to
	b.failures = 0
	b.successes = 0
}

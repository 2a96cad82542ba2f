// Package resilience guards provider dials: a [CircuitBreaker] shared by all
// sessions of one provider stops a failing endpoint from being hammered, and
// [Retry] re-dials with exponential backoff on behalf of a single session.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change notifications, usually the
	// provider name.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange is called after every transition, outside the breaker's
	// lock. May be nil.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(string, State, State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var transitions []transition
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenCalls = 0
		cb.halfOpenFails = 0
		transitions = append(transitions, cb.setStateLocked(StateHalfOpen))

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(transitions)

	err := fn()

	cb.mu.Lock()
	var t transition
	if err != nil {
		t = cb.recordFailure(inHalfOpen)
	} else {
		t = cb.recordSuccess(inHalfOpen)
	}
	cb.mu.Unlock()
	cb.notify([]transition{t})
	return err
}

type transition struct {
	from, to State
}

// setStateLocked must be called with cb.mu held.
func (cb *CircuitBreaker) setStateLocked(s State) transition {
	t := transition{from: cb.state, to: s}
	cb.state = s
	return t
}

func (cb *CircuitBreaker) notify(ts []transition) {
	for _, t := range ts {
		if t.from == t.to {
			continue
		}
		slog.Info("circuit breaker state change", "name", cb.name, "from", t.from, "to", t.to)
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) transition {
	cb.lastFailure = cb.now()

	if inHalfOpen {
		cb.halfOpenFails++
		cb.consecutiveFail = cb.maxFailures
		return cb.setStateLocked(StateOpen)
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.consecutiveFail)
		return cb.setStateLocked(StateOpen)
	}
	return transition{from: cb.state, to: cb.state}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) transition {
	if inHalfOpen {
		if cb.state != StateHalfOpen {
			// A concurrent probe already re-opened the breaker.
			return transition{from: cb.state, to: cb.state}
		}
		if cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			return cb.setStateLocked(StateClosed)
		}
		return transition{from: cb.state, to: cb.state}
	}

	cb.consecutiveFail = 0
	return transition{from: cb.state, to: cb.state}
}

// State returns the current [State]. If the breaker is open and the reset
// timeout has elapsed, [StateHalfOpen] is reported; the transition itself
// happens on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	t := cb.setStateLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify([]transition{t})
}

// Breakers hands out one [CircuitBreaker] per name, creating it on first use
// from a shared template config.
type Breakers struct {
	cfg CircuitBreakerConfig

	mu sync.Mutex
	m  map[string]*CircuitBreaker
}

// NewBreakers returns a Breakers that builds breakers from cfg. cfg.Name is
// replaced by the name passed to [Breakers.Get].
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it if needed.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[name]; ok {
		return cb
	}
	cfg := b.cfg
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	b.m[name] = cb
	return cb
}

// Configure replaces the breaker for name with one built from cfg. Fields
// left zero in cfg, including OnStateChange, are taken from the template.
func (b *Breakers) Configure(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	merged := b.cfg
	merged.Name = name
	if cfg.MaxFailures > 0 {
		merged.MaxFailures = cfg.MaxFailures
	}
	if cfg.ResetTimeout > 0 {
		merged.ResetTimeout = cfg.ResetTimeout
	}
	if cfg.HalfOpenMax > 0 {
		merged.HalfOpenMax = cfg.HalfOpenMax
	}
	if cfg.OnStateChange != nil {
		merged.OnStateChange = cfg.OnStateChange
	}
	cb := NewCircuitBreaker(merged)

	b.mu.Lock()
	b.m[name] = cb
	b.mu.Unlock()
	return cb
}

// States reports the current state of every breaker created so far.
func (b *Breakers) States() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.m))
	for name, cb := range b.m {
		out[name] = cb.State()
	}
	return out
}

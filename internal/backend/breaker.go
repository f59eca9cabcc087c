package backend

import (
	"errors"
	"sync"
	"time"

	"cardroom/server/logging"
)

// ErrBreakerOpen is the recoverable-failure signal returned while the
// breaker short-circuits. Callers supply fallback behavior rather than
// treating it as fatal.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState tracks where the breaker sits in its lifecycle.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the transition thresholds. These are configuration,
// not hardcoded policy.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long calls short-circuit before trial calls are
	// allowed through.
	Cooldown time.Duration
	// HalfOpenProbes bounds how many trial calls may be in flight at once.
	HalfOpenProbes int
}

// DefaultBreakerConfig mirrors the production defaults; every field can be
// overridden through the environment in internal/app.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker isolates a struggling backend. CLOSED passes calls through and
// counts consecutive failures; OPEN fails fast for a cooldown window;
// HALF_OPEN admits a bounded number of trial calls, where one success
// closes the breaker and one failure reopens it.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	clock    logging.Clock
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
	onChange func(from, to BreakerState)
}

func NewBreaker(cfg BreakerConfig, clock logging.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = DefaultBreakerConfig().HalfOpenProbes
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Breaker{cfg: cfg, clock: clock, state: BreakerClosed}
}

// OnStateChange registers a hook invoked outside the lock after each
// transition.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State reports the current state, folding an elapsed cooldown into
// HALF_OPEN.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Do runs fn under the breaker. While OPEN it returns ErrBreakerOpen
// without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return nil
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		notify := b.transitionLocked(BreakerHalfOpen)
		b.probes = 1
		b.mu.Unlock()
		notify()
		return nil
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probes++
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()

	// Domain rejections are the backend working as intended, not a fault.
	if _, isRule := AsRuleError(err); isRule {
		err = nil
	}
	if errors.Is(err, ErrTableNotFound) {
		err = nil
	}

	notify := func() {}
	if err == nil {
		switch b.state {
		case BreakerHalfOpen:
			b.probes = 0
			b.failures = 0
			notify = b.transitionLocked(BreakerClosed)
		case BreakerClosed:
			b.failures = 0
		}
	} else {
		switch b.state {
		case BreakerHalfOpen:
			b.probes = 0
			b.openedAt = b.clock.Now()
			notify = b.transitionLocked(BreakerOpen)
		case BreakerClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.openedAt = b.clock.Now()
				notify = b.transitionLocked(BreakerOpen)
			}
		}
	}
	b.mu.Unlock()
	notify()
}

// transitionLocked flips the state and returns the hook invocation, which
// the caller runs after releasing the lock.
func (b *Breaker) transitionLocked(to BreakerState) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	hook := b.onChange
	if hook == nil {
		return func() {}
	}
	return func() { hook(from, to) }
}

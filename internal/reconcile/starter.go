package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	server "cardroom/server"
	"cardroom/server/internal/backend"
	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
)

// StartRequester opens the next round on the authoritative rules engine.
type StartRequester interface {
	StartRound(ctx context.Context, tableID string) (backend.StartResult, server.TableState, error)
}

// StarterConfig bounds how often a quiescent table is asked to open a round.
type StarterConfig struct {
	// RetryWindow is the minimum gap between consecutive start requests
	// for the same quiescent state.
	RetryWindow time.Duration
	// MaxAttempts caps requests per quiescent state; the budget resets
	// when the table composition or resolved round changes.
	MaxAttempts int
}

func DefaultStarterConfig() StarterConfig {
	return StarterConfig{
		RetryWindow: 2 * time.Second,
		MaxAttempts: 3,
	}
}

// Starter infers when a table should open its next round: the previous
// round is resolved (or absent) and at least two seats are eligible. The
// rules engine is the single authority and serializes concurrent requests,
// so the request itself is safe to repeat; the starter only bounds how
// often it asks.
type Starter struct {
	cfg     StarterConfig
	tableID string
	req     StartRequester
	notify  func()
	clock   logging.Clock
	logger  telemetry.Logger

	mu          sync.Mutex
	lastKey     string
	attempts    int
	lastAttempt time.Time
	inflight    bool
	retryTimer  *time.Timer
}

// NewStarter builds a starter for one table. notify wakes the owning
// reconcile loop after a failed start request; a failed start writes
// nothing to the store, so no watch notification would revisit the table
// otherwise. A nil notify disables the wakeup.
func NewStarter(cfg StarterConfig, tableID string, req StartRequester, notify func(), clock logging.Clock, logger telemetry.Logger) *Starter {
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = DefaultStarterConfig().RetryWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultStarterConfig().MaxAttempts
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Starter{
		cfg:     cfg,
		tableID: tableID,
		req:     req,
		notify:  notify,
		clock:   clock,
		logger:  logger,
	}
}

// Observe inspects a freshly reconciled projection and requests a round
// start when the table is quiescent with enough players. Concurrent
// observers converge on the engine side: exactly one request starts the
// round and the rest see an in-progress result.
func (s *Starter) Observe(ctx context.Context, state server.TableState) {
	if !shouldStart(state) {
		return
	}
	if !s.reserve(quiescenceKey(state)) {
		return
	}

	result, _, err := s.req.StartRound(ctx, s.tableID)

	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()

	switch {
	case err != nil:
		s.logger.Printf("starter %s: round start failed: %v", s.tableID, err)
		s.refund()
	case result == backend.StartResultStarted:
		s.logger.Printf("starter %s: round started", s.tableID)
	case result == backend.StartResultInProgress:
		// Lost the race to another observer; the started round will
		// arrive through reconciliation.
	case result == backend.StartResultNotEnoughPlayers:
		s.logger.Printf("starter %s: not enough players", s.tableID)
	}
}

// reserve claims one attempt slot under the bounded-retry policy.
func (s *Starter) reserve(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != s.lastKey {
		s.lastKey = key
		s.attempts = 0
		s.lastAttempt = time.Time{}
	}
	if s.inflight || s.attempts >= s.cfg.MaxAttempts {
		return false
	}
	now := s.clock.Now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.cfg.RetryWindow {
		return false
	}
	s.attempts++
	s.lastAttempt = now
	s.inflight = true
	return true
}

// refund returns the attempt consumed by a failed transport call and arms
// one wakeup. The error is not an authoritative engine answer, so it does
// not spend the bounded-retry budget.
func (s *Starter) refund() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts > 0 {
		s.attempts--
	}
	s.lastAttempt = time.Time{}
	if s.notify == nil || s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(s.cfg.RetryWindow, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		s.notify()
	})
}

func shouldStart(state server.TableState) bool {
	if state.Round != nil && !state.Round.Resolved() {
		return false
	}
	return state.EligibleSeats() >= 2
}

// quiescenceKey identifies one idle table configuration. A new resolved
// round or a change in eligible seating yields a fresh attempt budget.
func quiescenceKey(state server.TableState) string {
	roundID := ""
	if state.Round != nil {
		roundID = state.Round.ID
	}
	return fmt.Sprintf("%s/%d", roundID, state.EligibleSeats())
}

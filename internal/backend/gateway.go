package backend

import (
	"context"
	"fmt"

	server "cardroom/server"
	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
	logginglifecycle "cardroom/server/logging/lifecycle"
)

// GatewayConfig carries the per-backend breaker thresholds.
type GatewayConfig struct {
	StoreBreaker BreakerConfig
	RulesBreaker BreakerConfig
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		StoreBreaker: DefaultBreakerConfig(),
		RulesBreaker: DefaultBreakerConfig(),
	}
}

// Metrics receives breaker state transitions. A nil Metrics disables
// counting without touching the log hook.
type Metrics interface {
	BreakerTransition(backend, to string)
}

// Gateway wraps every store and rules-engine call in failure isolation so a
// struggling backend cannot cascade into the coordination layer. Callers
// must treat ErrBreakerOpen as a degraded-but-recoverable signal and supply
// their own fallback (typically the last-known projection).
type Gateway struct {
	store        Store
	rules        Rules
	storeBreaker *Breaker
	rulesBreaker *Breaker
	logger       telemetry.Logger
	pub          logging.Publisher
	metrics      Metrics
}

func NewGateway(cfg GatewayConfig, store Store, rules Rules, clock logging.Clock, logger telemetry.Logger, pub logging.Publisher, metrics Metrics) *Gateway {
	if logger == nil {
		logger = telemetry.Nop()
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}
	g := &Gateway{
		store:        store,
		rules:        rules,
		storeBreaker: NewBreaker(cfg.StoreBreaker, clock),
		rulesBreaker: NewBreaker(cfg.RulesBreaker, clock),
		logger:       logger,
		pub:          pub,
		metrics:      metrics,
	}
	g.storeBreaker.OnStateChange(g.logTransition("store"))
	g.rulesBreaker.OnStateChange(g.logTransition("rules"))
	return g
}

func (g *Gateway) logTransition(name string) func(from, to BreakerState) {
	return func(from, to BreakerState) {
		g.logger.Printf("breaker %s: %s -> %s", name, from, to)
		if g.metrics != nil {
			g.metrics.BreakerTransition(name, to.String())
		}
		logginglifecycle.BreakerStateChanged(context.Background(), g.pub, name,
			logginglifecycle.TransitionPayload{From: from.String(), To: to.String()})
	}
}

// StoreState reports the store breaker state for diagnostics.
func (g *Gateway) StoreState() BreakerState { return g.storeBreaker.State() }

// RulesState reports the rules breaker state for diagnostics.
func (g *Gateway) RulesState() BreakerState { return g.rulesBreaker.State() }

// ReadTable loads one table projection through the store breaker.
func (g *Gateway) ReadTable(ctx context.Context, tableID string) (server.TableState, error) {
	var state server.TableState
	err := g.storeBreaker.Do(func() error {
		loaded, err := g.store.LoadTable(ctx, tableID)
		if err != nil {
			return err
		}
		state = loaded
		return nil
	})
	if err != nil {
		return server.TableState{}, fmt.Errorf("read table %s: %w", tableID, err)
	}
	return state, nil
}

// WriteTable persists one table projection through the store breaker.
func (g *Gateway) WriteTable(ctx context.Context, state server.TableState) error {
	err := g.storeBreaker.Do(func() error {
		return g.store.SaveTable(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("write table %s: %w", state.ID, err)
	}
	return nil
}

// ListTournaments loads every tournament record through the store breaker.
func (g *Gateway) ListTournaments(ctx context.Context) ([]server.TournamentState, error) {
	var tournaments []server.TournamentState
	err := g.storeBreaker.Do(func() error {
		loaded, err := g.store.ListTournaments(ctx)
		if err != nil {
			return err
		}
		tournaments = loaded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tournaments: %w", err)
	}
	return tournaments, nil
}

// SaveTournament persists one tournament record through the store breaker.
func (g *Gateway) SaveTournament(ctx context.Context, state server.TournamentState) error {
	err := g.storeBreaker.Do(func() error {
		return g.store.SaveTournament(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("save tournament %s: %w", state.ID, err)
	}
	return nil
}

// Watch passes change notifications straight through; the subscription is
// local and does not consult the backend.
func (g *Gateway) Watch(tableID string) (<-chan struct{}, func()) {
	return g.store.Watch(tableID)
}

// StartRound forwards a round-start request through the rules breaker.
func (g *Gateway) StartRound(ctx context.Context, tableID string) (StartResult, server.TableState, error) {
	var (
		result StartResult
		state  server.TableState
	)
	err := g.rulesBreaker.Do(func() error {
		res, st, err := g.rules.StartRound(ctx, tableID)
		if err != nil {
			return err
		}
		result = res
		state = st
		return nil
	})
	if err != nil {
		return 0, server.TableState{}, fmt.Errorf("start round %s: %w", tableID, err)
	}
	return result, state, nil
}

// Apply forwards a table mutation through the rules breaker. Domain-rule
// rejections come back as *RuleError and do not count as breaker failures.
func (g *Gateway) Apply(ctx context.Context, cmd Command) (server.TableState, error) {
	var state server.TableState
	err := g.rulesBreaker.Do(func() error {
		applied, err := g.rules.Apply(ctx, cmd)
		if err != nil {
			return err
		}
		state = applied
		return nil
	})
	if err != nil {
		if _, isRule := AsRuleError(err); isRule {
			return server.TableState{}, err
		}
		return server.TableState{}, fmt.Errorf("apply %s on %s: %w", cmd.Kind, cmd.TableID, err)
	}
	return state, nil
}

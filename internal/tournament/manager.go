package tournament

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	server "cardroom/server"
	"cardroom/server/internal/delivery"
	"cardroom/server/internal/net/proto"
	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
	logginglifecycle "cardroom/server/logging/lifecycle"
)

var (
	ErrUnknownTournament = errors.New("unknown tournament")
	ErrBadTransition     = errors.New("invalid tournament transition")
	ErrNotRegistered     = errors.New("player not registered")
	ErrNotEliminated     = errors.New("player not eliminated")
	ErrNotScheduling     = errors.New("registration closed")
	ErrNotActive         = errors.New("tournament not active")
)

// Store is the durable slice of the backend the manager needs.
type Store interface {
	ListTournaments(ctx context.Context) ([]server.TournamentState, error)
	SaveTournament(ctx context.Context, state server.TournamentState) error
}

// Publish fans one message out to a tournament's subscribers. Timer ticks
// go out low priority; structural updates and eliminations go out high.
type Publish func(tournamentID string, class delivery.Class, msg any)

// Manager owns the in-memory tournament projections. The clock only runs
// for active tournaments; suspend freezes elapsed time in place.
type Manager struct {
	clock   logging.Clock
	logger  telemetry.Logger
	pub     logging.Publisher
	store   Store
	publish Publish

	mu          sync.Mutex
	tournaments map[string]*server.TournamentState
}

func NewManager(store Store, clock logging.Clock, logger telemetry.Logger, pub logging.Publisher, publish Publish) *Manager {
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if publish == nil {
		publish = func(string, delivery.Class, any) {}
	}
	return &Manager{
		clock:       clock,
		logger:      logger,
		pub:         pub,
		store:       store,
		publish:     publish,
		tournaments: make(map[string]*server.TournamentState),
	}
}

// Load pulls every tournament record from the store. Called once at
// process start before the clock loop runs.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.ListTournaments(ctx)
	if err != nil {
		return fmt.Errorf("load tournaments: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		cloned := record.Clone()
		m.tournaments[record.ID] = &cloned
	}
	m.logger.Printf("tournament manager: loaded %d tournaments", len(records))
	return nil
}

// Get returns a copy of one tournament projection.
func (m *Manager) Get(id string) (server.TournamentState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.tournaments[id]
	if !ok {
		return server.TournamentState{}, false
	}
	return state.Clone(), true
}

// List returns copies of every tournament projection.
func (m *Manager) List() []server.TournamentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]server.TournamentState, 0, len(m.tournaments))
	for _, state := range m.tournaments {
		out = append(out, state.Clone())
	}
	return out
}

// Start moves a tournament from scheduling to active.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.transition(ctx, id, server.TournamentActive, server.TournamentScheduling)
}

// Pause suspends an active tournament, freezing its clock.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.transition(ctx, id, server.TournamentSuspended, server.TournamentActive)
}

// Resume reactivates a suspended tournament.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.transition(ctx, id, server.TournamentActive, server.TournamentSuspended)
}

// Complete ends a tournament from either active or suspended.
func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.transition(ctx, id, server.TournamentComplete, "")
}

// transition applies one status edge. When expectFrom is set the current
// status must match it exactly; otherwise any edge ValidTransition allows
// is accepted.
func (m *Manager) transition(ctx context.Context, id string, to server.TournamentStatus, expectFrom server.TournamentStatus) error {
	m.mu.Lock()
	state, ok := m.tournaments[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTournament
	}
	from := state.Status
	if expectFrom != "" && from != expectFrom {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	if !server.ValidTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	state.Status = to
	snapshot := state.Clone()
	m.mu.Unlock()

	logginglifecycle.TournamentStatus(ctx, m.pub, logging.TournamentRef(id),
		logginglifecycle.TransitionPayload{From: string(from), To: string(to)})
	m.broadcastUpdate(snapshot)
	return m.save(ctx, snapshot)
}

// Register adds a participant while the tournament is still scheduling.
func (m *Manager) Register(ctx context.Context, id, playerID string) error {
	return m.mutate(ctx, id, func(state *server.TournamentState) error {
		if state.Status != server.TournamentScheduling {
			return ErrNotScheduling
		}
		if state.Registered(playerID) {
			return nil
		}
		state.Participants = append(state.Participants, playerID)
		return nil
	})
}

// Rebuy returns an eliminated participant to play while the tournament is
// active.
func (m *Manager) Rebuy(ctx context.Context, id, playerID string) error {
	return m.mutate(ctx, id, func(state *server.TournamentState) error {
		if state.Status != server.TournamentActive {
			return ErrNotActive
		}
		if !state.Registered(playerID) {
			return ErrNotRegistered
		}
		for i, eliminated := range state.Eliminations {
			if eliminated == playerID {
				state.Eliminations = append(state.Eliminations[:i], state.Eliminations[i+1:]...)
				return nil
			}
		}
		return ErrNotEliminated
	})
}

// Addon records an add-on purchase for a registered, still-live participant.
func (m *Manager) Addon(ctx context.Context, id, playerID string) error {
	return m.mutate(ctx, id, func(state *server.TournamentState) error {
		if state.Status != server.TournamentActive {
			return ErrNotActive
		}
		if !state.Registered(playerID) {
			return ErrNotRegistered
		}
		return nil
	})
}

// Eliminate records a bust-out and broadcasts the finishing place. The
// tournament completes automatically when one participant remains.
func (m *Manager) Eliminate(ctx context.Context, id, playerID string) error {
	m.mu.Lock()
	state, ok := m.tournaments[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTournament
	}
	if !state.Registered(playerID) {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	for _, eliminated := range state.Eliminations {
		if eliminated == playerID {
			m.mu.Unlock()
			return nil
		}
	}
	state.Eliminations = append(state.Eliminations, playerID)
	place := len(state.Participants) - len(state.Eliminations) + 1
	lastStanding := len(state.Eliminations) >= len(state.Participants)-1
	snapshot := state.Clone()
	m.mu.Unlock()

	m.publish(id, delivery.ClassHigh, proto.TournamentEliminationMessage{
		Type:         proto.TypeTournamentElimination,
		TournamentID: id,
		PlayerID:     playerID,
		Place:        place,
		ServerTime:   m.clock.Now().UnixMilli(),
	})
	if err := m.save(ctx, snapshot); err != nil {
		return err
	}
	if lastStanding && server.ValidTransition(snapshot.Status, server.TournamentComplete) {
		return m.Complete(ctx, id)
	}
	return nil
}

// mutate applies fn to one tournament under the lock, then persists and
// broadcasts the result.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*server.TournamentState) error) error {
	m.mu.Lock()
	state, ok := m.tournaments[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTournament
	}
	if err := fn(state); err != nil {
		m.mu.Unlock()
		return err
	}
	snapshot := state.Clone()
	m.mu.Unlock()

	m.broadcastUpdate(snapshot)
	return m.save(ctx, snapshot)
}

// Run advances every active tournament clock until stop closes. Tick
// cadence follows the configured interval; Tick is exposed separately so
// tests can drive time directly.
func (m *Manager) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = server.ClockTickInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Tick(context.Background(), interval)
		}
	}
}

// Tick adds elapsed time to every active tournament, advancing blind
// levels as their durations run out. Every active tournament gets a timer
// broadcast; a level boundary additionally gets a structural update.
func (m *Manager) Tick(ctx context.Context, elapsed time.Duration) {
	type outcome struct {
		snapshot server.TournamentState
		advanced bool
	}
	var ticked []outcome

	m.mu.Lock()
	for _, state := range m.tournaments {
		if state.Status != server.TournamentActive {
			continue
		}
		state.Elapsed += elapsed
		advanced := false
		for state.CurrentLevel < len(state.Levels)-1 && state.Elapsed >= m.levelEnd(state) {
			state.CurrentLevel++
			advanced = true
		}
		ticked = append(ticked, outcome{snapshot: state.Clone(), advanced: advanced})
	}
	m.mu.Unlock()

	for _, out := range ticked {
		m.broadcastTimer(out.snapshot)
		if out.advanced {
			m.broadcastUpdate(out.snapshot)
			if err := m.save(ctx, out.snapshot); err != nil {
				m.logger.Printf("tournament %s: persist after level change failed: %v", out.snapshot.ID, err)
			}
		}
	}
}

// levelEnd is the cumulative schedule time through the current level.
// Caller holds the lock.
func (m *Manager) levelEnd(state *server.TournamentState) time.Duration {
	var end time.Duration
	for i := 0; i <= state.CurrentLevel && i < len(state.Levels); i++ {
		end += state.Levels[i].Duration
	}
	return end
}

func (m *Manager) broadcastUpdate(state server.TournamentState) {
	m.publish(state.ID, delivery.ClassHigh, proto.TournamentUpdateMessage{
		Type:       proto.TypeTournamentUpdate,
		Tournament: state,
		ServerTime: m.clock.Now().UnixMilli(),
	})
}

func (m *Manager) broadcastTimer(state server.TournamentState) {
	level := state.Level()
	m.publish(state.ID, delivery.ClassLow, proto.TournamentTimerMessage{
		Type:            proto.TypeTournamentTimer,
		TournamentID:    state.ID,
		Level:           state.CurrentLevel,
		SmallBlind:      level.Small,
		BigBlind:        level.Big,
		Ante:            level.Ante,
		IsBreak:         level.IsBreak,
		RemainingMillis: state.LevelRemaining().Milliseconds(),
		ServerTime:      m.clock.Now().UnixMilli(),
	})
}

func (m *Manager) save(ctx context.Context, state server.TournamentState) error {
	if err := m.store.SaveTournament(ctx, state); err != nil {
		m.logger.Printf("tournament %s: persist failed: %v", state.ID, err)
		return err
	}
	return nil
}

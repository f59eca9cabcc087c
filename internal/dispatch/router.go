// Package dispatch routes validated client messages to the backend and
// fans resulting state out to table subscribers. Every handler runs behind
// a recover barrier so one malformed session cannot take the process down.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	server "cardroom/server"
	"cardroom/server/internal/backend"
	"cardroom/server/internal/delivery"
	"cardroom/server/internal/load"
	"cardroom/server/internal/net/intake"
	"cardroom/server/internal/net/proto"
	"cardroom/server/internal/reconcile"
	"cardroom/server/internal/registry"
	"cardroom/server/internal/telemetry"
	"cardroom/server/internal/tournament"
	"cardroom/server/logging"
	logginggameplay "cardroom/server/logging/gameplay"
)

// Backend is the slice of the gateway the dispatcher invokes.
type Backend interface {
	ReadTable(ctx context.Context, tableID string) (server.TableState, error)
	Apply(ctx context.Context, cmd backend.Command) (server.TableState, error)
	StartRound(ctx context.Context, tableID string) (backend.StartResult, server.TableState, error)
	Watch(tableID string) (<-chan struct{}, func())
}

// Config bounds the dispatcher's per-table machinery.
type Config struct {
	Reconcile     reconcile.Config
	Starter       reconcile.StarterConfig
	ActionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Reconcile:     reconcile.DefaultConfig(),
		Starter:       reconcile.DefaultStarterConfig(),
		ActionTimeout: server.ActionTimeout(),
	}
}

type handlerFunc func(ctx context.Context, connID string, req intake.Request)

// Dispatcher is the session event router. One instance serves every
// connection; per-table state lives in lazily created sessions.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	queue    *delivery.Queue
	backend  Backend
	control  *load.Controller
	events   *tournament.Manager
	bus      *Bus
	clock    logging.Clock
	logger   telemetry.Logger
	pub      logging.Publisher

	handlers map[string]handlerFunc

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*tableSession
}

// tableSession is the per-table fan-out machinery: a reconcile loop kept
// converged with the store, a round starter, the last broadcast projection
// (served as fallback while the backend is unreachable), and the acting
// seat countdown.
type tableSession struct {
	loop      *reconcile.Loop
	starter   *reconcile.Starter
	cancel    context.CancelFunc
	cancelBus func()

	mu        sync.Mutex
	lastState server.TableState
	hasState  bool
	timer     *time.Timer
	timerKey  string
}

func New(cfg Config, reg *registry.Registry, queue *delivery.Queue, be Backend, control *load.Controller, events *tournament.Manager, clock logging.Clock, logger telemetry.Logger, pub logging.Publisher) *Dispatcher {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = server.ActionTimeout()
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: reg,
		queue:    queue,
		backend:  be,
		control:  control,
		events:   events,
		bus:      NewBus(),
		clock:    clock,
		logger:   logger,
		pub:      pub,
		ctx:      context.Background(),
		sessions: make(map[string]*tableSession),
	}
	d.handlers = map[string]handlerFunc{
		proto.TypeHeartbeat:           d.handleHeartbeat,
		proto.TypeSubscribe:           d.handleSubscribe,
		proto.TypeGetState:            d.handleGetState,
		proto.TypeJoinTable:           d.handleJoin,
		proto.TypeLeaveTable:          d.handleLeave,
		proto.TypeSitOut:              d.handleSitToggle,
		proto.TypeSitIn:               d.handleSitToggle,
		proto.TypeAction:              d.handleAction,
		proto.TypeChat:                d.handleChat,
		proto.TypeTournamentSubscribe: d.handleTournamentSubscribe,
		proto.TypeTournamentStart:     d.handleTournamentControl,
		proto.TypeTournamentPause:     d.handleTournamentControl,
		proto.TypeTournamentResume:    d.handleTournamentControl,
		proto.TypeTournamentRebuy:     d.handleTournamentEntry,
		proto.TypeTournamentAddon:     d.handleTournamentEntry,
	}
	return d
}

// Start pins the lifetime context for per-table goroutines. Must be called
// before any table session is created.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
}

// Close tears down every table session.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*tableSession)
	d.mu.Unlock()
	for _, sess := range sessions {
		sess.cancelBus()
		sess.cancel()
		sess.stopTimer()
	}
}

// Handle routes one raw inbound frame from a connection. A panic anywhere
// below is confined to this message: logged, answered with a single error
// reply, and the connection lives on.
func (d *Dispatcher) Handle(ctx context.Context, connID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("dispatch: recovered panic on conn %s: %v", connID, r)
			d.replyError(connID, server.RejectInternal)
		}
	}()

	var msg proto.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.replyError(connID, server.RejectMalformed)
		return
	}
	req, ok, reason := intake.Normalize(msg)
	if !ok {
		d.replyError(connID, reason)
		return
	}
	handler, ok := d.handlers[req.Kind]
	if !ok {
		d.replyError(connID, server.RejectUnknownType)
		return
	}
	handler(ctx, connID, req)
}

// HostTable spins up the reconcile loop for a table this process serves.
// Idempotent; the app wiring calls it for every seeded table and the
// dispatcher calls it lazily on first subscribe.
func (d *Dispatcher) HostTable(tableID string) {
	d.ensureSession(tableID)
}

// SessionCount reports hosted table sessions for load sampling.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// BroadcastTournament marshals msg once and fans it out to the
// tournament's subscribers. Wired as the tournament manager's publish
// callback.
func (d *Dispatcher) BroadcastTournament(tournamentID string, class delivery.Class, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.logger.Printf("dispatch: marshal tournament message: %v", err)
		return
	}
	d.queue.Broadcast(d.registry.TournamentSubscribers(tournamentID), payload, class)
}

func (d *Dispatcher) handleHeartbeat(_ context.Context, connID string, req intake.Request) {
	d.registry.MarkAlive(connID)
	d.send(connID, delivery.ClassHigh, proto.HeartbeatMessage{
		Type:       proto.TypeHeartbeatAck,
		ServerTime: d.clock.Now().UnixMilli(),
		ClientTime: req.SentAt,
	})
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, connID string, req intake.Request) {
	conn, ok := d.registry.Lookup(connID)
	if !ok {
		return
	}
	if conn.Identity() == "" && !d.control.CanAcceptSpectator() {
		d.replyError(connID, server.RejectFeatureGated)
		return
	}
	if err := d.registry.Subscribe(connID, req.TableID); err != nil {
		if errors.Is(err, registry.ErrUnknownTable) {
			d.replyError(connID, server.RejectUnknownTable)
		}
		return
	}
	d.ensureSession(req.TableID)
	d.sendState(ctx, connID, req.TableID)
}

func (d *Dispatcher) handleGetState(ctx context.Context, connID string, req intake.Request) {
	d.sendState(ctx, connID, req.TableID)
}

func (d *Dispatcher) handleJoin(ctx context.Context, connID string, req intake.Request) {
	state, err := d.backend.Apply(ctx, backend.Command{
		Kind:       backend.CommandJoin,
		TableID:    req.TableID,
		PlayerID:   req.PlayerID,
		PlayerName: req.PlayerName,
		Seat:       req.Seat,
		BuyIn:      req.BuyIn,
	})
	if err != nil {
		d.replyApplyError(connID, req, err)
		return
	}
	d.registry.Authenticate(connID, req.PlayerID)
	if err := d.registry.Subscribe(connID, req.TableID); err != nil {
		d.logger.Printf("dispatch: subscribe after join: %v", err)
	}
	d.ensureSession(req.TableID)
	d.send(connID, delivery.ClassHigh, proto.JoinedTableMessage{
		Type:       proto.TypeJoinedTable,
		TableID:    req.TableID,
		SeatNumber: req.Seat,
		ServerTime: d.clock.Now().UnixMilli(),
	})
	d.bus.Publish(Event{TableID: req.TableID, State: state})
}

func (d *Dispatcher) handleLeave(ctx context.Context, connID string, req intake.Request) {
	state, err := d.backend.Apply(ctx, backend.Command{
		Kind:     backend.CommandLeave,
		TableID:  req.TableID,
		PlayerID: req.PlayerID,
	})
	if err != nil {
		d.replyApplyError(connID, req, err)
		return
	}
	d.registry.Unsubscribe(connID, req.TableID)
	d.bus.Publish(Event{TableID: req.TableID, State: state})
}

func (d *Dispatcher) handleSitToggle(ctx context.Context, connID string, req intake.Request) {
	kind := backend.CommandSitOut
	if req.Kind == proto.TypeSitIn {
		kind = backend.CommandSitIn
	}
	state, err := d.backend.Apply(ctx, backend.Command{
		Kind:     kind,
		TableID:  req.TableID,
		PlayerID: req.PlayerID,
	})
	if err != nil {
		d.replyApplyError(connID, req, err)
		return
	}
	d.bus.Publish(Event{TableID: req.TableID, State: state})
}

func (d *Dispatcher) handleAction(ctx context.Context, connID string, req intake.Request) {
	conn, ok := d.registry.Lookup(connID)
	if !ok || conn.Identity() != req.PlayerID {
		d.replyError(connID, server.RejectUnknownActor)
		return
	}
	state, err := d.backend.Apply(ctx, backend.Command{
		Kind:     req.Action,
		TableID:  req.TableID,
		PlayerID: req.PlayerID,
		Amount:   req.Amount,
	})
	if err != nil {
		d.replyApplyError(connID, req, err)
		return
	}
	logginggameplay.ActionAccepted(ctx, d.pub,
		logging.PlayerRef(req.PlayerID), logging.TableRef(req.TableID),
		logginggameplay.ActionPayload{Action: string(req.Action), Amount: req.Amount})
	d.send(connID, delivery.ClassHigh, proto.ActionAcceptedMessage{
		Type:       proto.TypeActionAccepted,
		TableID:    req.TableID,
		ActionType: string(req.Action),
		Amount:     req.Amount,
		ServerTime: d.clock.Now().UnixMilli(),
	})
	d.bus.Publish(Event{TableID: req.TableID, State: state})
}

func (d *Dispatcher) handleChat(_ context.Context, connID string, req intake.Request) {
	if !d.control.ChatEnabled() {
		d.send(connID, delivery.ClassNormal, proto.ChatDisabledMessage{
			Type:      proto.TypeChatDisabled,
			Reason:    server.RejectChatDisabled,
			Timestamp: d.clock.Now().UnixMilli(),
		})
		return
	}
	conn, ok := d.registry.Lookup(connID)
	if !ok {
		return
	}
	msg := proto.ChatBroadcastMessage{
		Type:         proto.TypeChatBroadcast,
		TableID:      req.TableID,
		TournamentID: req.TournamentID,
		PlayerID:     conn.Identity(),
		Text:         req.Text,
		ServerTime:   d.clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var recipients []string
	if req.TableID != "" {
		recipients = d.registry.TableSubscribers(req.TableID)
	} else {
		recipients = d.registry.TournamentSubscribers(req.TournamentID)
	}
	d.queue.Broadcast(recipients, payload, delivery.ClassNormal)
}

func (d *Dispatcher) handleTournamentSubscribe(_ context.Context, connID string, req intake.Request) {
	state, ok := d.events.Get(req.TournamentID)
	if !ok {
		d.replyError(connID, server.RejectUnknownTourney)
		return
	}
	d.registry.SubscribeTournament(connID, req.TournamentID)
	d.send(connID, delivery.ClassHigh, proto.TournamentUpdateMessage{
		Type:       proto.TypeTournamentUpdate,
		Tournament: state,
		ServerTime: d.clock.Now().UnixMilli(),
	})
}

func (d *Dispatcher) handleTournamentControl(ctx context.Context, connID string, req intake.Request) {
	var err error
	switch req.Kind {
	case proto.TypeTournamentStart:
		if !d.control.CanStartNewTournament() {
			d.replyError(connID, server.RejectFeatureGated)
			return
		}
		err = d.events.Start(ctx, req.TournamentID)
	case proto.TypeTournamentPause:
		err = d.events.Pause(ctx, req.TournamentID)
	case proto.TypeTournamentResume:
		err = d.events.Resume(ctx, req.TournamentID)
	}
	if err != nil {
		d.replyError(connID, tournamentReason(err))
	}
}

func (d *Dispatcher) handleTournamentEntry(ctx context.Context, connID string, req intake.Request) {
	conn, ok := d.registry.Lookup(connID)
	if !ok || conn.Identity() != req.PlayerID {
		d.replyError(connID, server.RejectUnknownActor)
		return
	}
	var err error
	switch req.Kind {
	case proto.TypeTournamentRebuy:
		err = d.events.Rebuy(ctx, req.TournamentID, req.PlayerID)
	case proto.TypeTournamentAddon:
		err = d.events.Addon(ctx, req.TournamentID, req.PlayerID)
	}
	if err != nil {
		d.replyError(connID, tournamentReason(err))
	}
}

func tournamentReason(err error) string {
	switch {
	case errors.Is(err, tournament.ErrUnknownTournament):
		return server.RejectUnknownTourney
	case errors.Is(err, tournament.ErrBadTransition),
		errors.Is(err, tournament.ErrNotScheduling),
		errors.Is(err, tournament.ErrNotActive):
		return server.RejectBadTransition
	case errors.Is(err, tournament.ErrNotRegistered),
		errors.Is(err, tournament.ErrNotEliminated):
		return server.RejectNotRegistered
	default:
		return server.RejectInternal
	}
}

// replyApplyError maps a gateway failure to exactly one error reply. Rule
// rejections carry the engine's reason; an open breaker degrades to the
// backend-unavailable reason instead of an internal error.
func (d *Dispatcher) replyApplyError(connID string, req intake.Request, err error) {
	reason := server.RejectInternal
	if ruleErr, ok := backend.AsRuleError(err); ok {
		reason = ruleErr.Code
	} else if errors.Is(err, backend.ErrTableNotFound) {
		reason = server.RejectUnknownTable
	} else if errors.Is(err, backend.ErrBreakerOpen) {
		reason = server.RejectBackendDown
	}
	logginggameplay.ActionRejected(context.Background(), d.pub,
		logging.PlayerRef(req.PlayerID), logging.TableRef(req.TableID),
		logginggameplay.ActionPayload{Action: string(req.Action), Reason: reason})
	d.replyError(connID, reason)
}

func (d *Dispatcher) replyError(connID, reason string) {
	d.send(connID, delivery.ClassHigh, proto.ErrorMessage{
		Type:      proto.TypeError,
		Error:     reason,
		Timestamp: d.clock.Now().UnixMilli(),
	})
}

func (d *Dispatcher) send(connID string, class delivery.Class, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.logger.Printf("dispatch: marshal %T: %v", msg, err)
		return
	}
	d.queue.Enqueue(connID, payload, class)
}

// sendState serves one table projection to one connection, redacted for
// its identity. While the backend is unreachable the last broadcast
// projection stands in so clients keep a coherent view.
func (d *Dispatcher) sendState(ctx context.Context, connID, tableID string) {
	conn, ok := d.registry.Lookup(connID)
	if !ok {
		return
	}
	state, err := d.backend.ReadTable(ctx, tableID)
	if err != nil {
		if errors.Is(err, backend.ErrTableNotFound) {
			d.replyError(connID, server.RejectUnknownTable)
			return
		}
		cached, ok := d.cachedState(tableID)
		if !ok {
			d.replyError(connID, server.RejectBackendDown)
			return
		}
		state = cached
	}
	d.send(connID, delivery.ClassHigh, proto.StateMessage{
		Type:       proto.TypeState,
		Table:      state.RedactFor(conn.Identity()),
		ServerTime: d.clock.Now().UnixMilli(),
	})
}

func (d *Dispatcher) cachedState(tableID string) (server.TableState, bool) {
	d.mu.Lock()
	sess, ok := d.sessions[tableID]
	d.mu.Unlock()
	if !ok {
		return server.TableState{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.hasState {
		return server.TableState{}, false
	}
	return sess.lastState.Clone(), true
}

// ensureSession lazily builds the per-table machinery and subscribes it to
// the bus. The reconcile loop is this process acting as its own observer
// of the store.
func (d *Dispatcher) ensureSession(tableID string) *tableSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess, ok := d.sessions[tableID]; ok {
		return sess
	}

	ctx, cancel := context.WithCancel(d.ctx)
	sess := &tableSession{cancel: cancel}
	sess.loop = reconcile.NewLoop(d.cfg.Reconcile, tableID, d.backend, func(state server.TableState) {
		d.bus.Publish(Event{TableID: tableID, State: state})
	}, d.logger)
	sess.starter = reconcile.NewStarter(d.cfg.Starter, tableID, d.backend, sess.loop.Notify, d.clock, d.logger)
	sess.cancelBus = d.bus.Subscribe(tableID, func(ev Event) {
		d.onTableEvent(ctx, sess, ev)
	})
	d.sessions[tableID] = sess

	go sess.loop.Run(ctx)
	go sess.loop.RunWatch(ctx, d.backend.Watch)
	return sess
}

// onTableEvent is the single fan-out path for a converged projection:
// cache it, broadcast per-recipient redactions, let the starter weigh in,
// and rearm the acting-seat countdown.
func (d *Dispatcher) onTableEvent(ctx context.Context, sess *tableSession, ev Event) {
	sess.mu.Lock()
	sess.lastState = ev.State.Clone()
	sess.hasState = true
	sess.mu.Unlock()

	d.broadcastTable(ev)
	sess.starter.Observe(ctx, ev.State)
	d.armActionTimer(ctx, sess, ev)
}

// broadcastTable sends every subscriber its own redaction of the state.
// Spectators and non-actors only ever see hole card counts.
func (d *Dispatcher) broadcastTable(ev Event) {
	now := d.clock.Now().UnixMilli()
	for _, connID := range d.registry.TableSubscribers(ev.TableID) {
		conn, ok := d.registry.Lookup(connID)
		if !ok {
			continue
		}
		d.send(connID, delivery.ClassHigh, proto.StateMessage{
			Type:       proto.TypeState,
			Table:      ev.State.RedactFor(conn.Identity()),
			ServerTime: now,
		})
	}
}

// armActionTimer keeps one countdown per table pointed at the current
// actor. A new actor or round supersedes the old timer; expiry folds the
// seat through the gateway like any other action.
func (d *Dispatcher) armActionTimer(ctx context.Context, sess *tableSession, ev Event) {
	state := ev.State
	actorSeat := -1
	actorID := ""
	if state.Round != nil && !state.Round.Resolved() && state.Round.CurrentSeat >= 0 {
		for _, seat := range state.Seats {
			if seat.Number == state.Round.CurrentSeat {
				actorSeat = seat.Number
				actorID = seat.PlayerID
				break
			}
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if actorSeat < 0 || actorID == "" {
		sess.stopTimerLocked()
		return
	}
	key := state.Round.ID + "/" + actorID
	if key == sess.timerKey && sess.timer != nil {
		return
	}
	sess.stopTimerLocked()
	sess.timerKey = key
	tableID, playerID := ev.TableID, actorID
	sess.timer = time.AfterFunc(d.cfg.ActionTimeout, func() {
		d.autoFold(ctx, tableID, playerID)
	})
}

func (d *Dispatcher) autoFold(ctx context.Context, tableID, playerID string) {
	if ctx.Err() != nil {
		return
	}
	logginggameplay.ActionTimeout(ctx, d.pub,
		logging.PlayerRef(playerID), logging.TableRef(tableID))
	state, err := d.backend.Apply(ctx, backend.Command{
		Kind:     backend.CommandFold,
		TableID:  tableID,
		PlayerID: playerID,
	})
	if err != nil {
		d.logger.Printf("dispatch: autofold %s on %s: %v", playerID, tableID, err)
		return
	}
	d.bus.Publish(Event{TableID: tableID, State: state})
}

func (s *tableSession) stopTimer() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()
}

func (s *tableSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerKey = ""
}

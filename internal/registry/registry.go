package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	server "cardroom/server"
	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
	loggingnetwork "cardroom/server/logging/network"
)

var (
	// ErrCapacity rejects an accept beyond the configured connection limit.
	ErrCapacity = errors.New("registry at capacity")
	// ErrLoadShed rejects an accept while the degradation level is critical.
	ErrLoadShed = errors.New("registry shedding load")
	// ErrUnknownConnection reports an operation against an evicted id.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnknownTable rejects a subscription to a table that does not exist.
	ErrUnknownTable = errors.New("unknown table")
)

// Admission is the slice of the load controller the registry consults.
type Admission interface {
	CanAcceptConnection() bool
}

// Metrics receives admission outcomes. A nil Metrics disables counting.
type Metrics interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
}

// Config bounds the registry.
type Config struct {
	MaxConnections int
	LivenessWindow time.Duration
	SweepInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: 5000,
		LivenessWindow: server.DisconnectAfter(),
		SweepInterval:  server.SweepInterval(),
	}
}

// Registry owns every live Connection: admission, identity, subscription
// state, and liveness. Connections are destroyed on transport close or
// eviction, never mutated from outside.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection

	cfg         Config
	clock       logging.Clock
	admission   Admission
	tableExists func(tableID string) bool
	logger      telemetry.Logger
	pub         logging.Publisher
	metrics     Metrics

	accepted atomic.Uint64
	rejected atomic.Uint64
	evicted  atomic.Uint64
}

func New(cfg Config, clock logging.Clock, admission Admission, tableExists func(string) bool, logger telemetry.Logger, pub logging.Publisher, metrics Metrics) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultConfig().LivenessWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
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
	return &Registry{
		conns:       make(map[string]*Connection),
		cfg:         cfg,
		clock:       clock,
		admission:   admission,
		tableExists: tableExists,
		logger:      logger,
		pub:         pub,
		metrics:     metrics,
	}
}

// Accept admits a transport link or rejects it. No Connection is created on
// rejection.
func (r *Registry) Accept(conn Conn, remoteAddr, identityHint string) (*Connection, error) {
	if r.admission != nil && !r.admission.CanAcceptConnection() {
		r.rejected.Add(1)
		if r.metrics != nil {
			r.metrics.ConnectionRejected("load_shed")
		}
		loggingnetwork.ConnectionRejected(context.Background(), r.pub, logging.EntityRef{Kind: logging.EntityKindConnection},
			loggingnetwork.AdmissionPayload{RemoteAddr: remoteAddr, Reason: "load_shed", Active: r.ConnectionCount()})
		return nil, ErrLoadShed
	}

	now := r.clock.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		conn:         conn,
		identity:     identityHint,
		tables:       make(map[string]struct{}),
		tournaments:  make(map[string]struct{}),
		lastActivity: now,
		lastProbe:    now,
	}

	r.mu.Lock()
	if len(r.conns) >= r.cfg.MaxConnections {
		active := len(r.conns)
		r.mu.Unlock()
		r.rejected.Add(1)
		if r.metrics != nil {
			r.metrics.ConnectionRejected("capacity")
		}
		loggingnetwork.ConnectionRejected(context.Background(), r.pub, logging.ConnectionRef(c.ID),
			loggingnetwork.AdmissionPayload{RemoteAddr: remoteAddr, Reason: "capacity", Active: active})
		return nil, ErrCapacity
	}
	r.conns[c.ID] = c
	active := len(r.conns)
	r.mu.Unlock()

	r.accepted.Add(1)
	if r.metrics != nil {
		r.metrics.ConnectionAccepted()
	}
	loggingnetwork.ConnectionAccepted(context.Background(), r.pub, logging.ConnectionRef(c.ID),
		loggingnetwork.AdmissionPayload{RemoteAddr: remoteAddr, Active: active})
	return c, nil
}

// Subscribe adds a table subscription. Duplicate subscribes are no-ops; a
// missing table is an error; a missing connection is a no-op (it raced an
// eviction).
func (r *Registry) Subscribe(connID, tableID string) error {
	if r.tableExists != nil && !r.tableExists(tableID) {
		return ErrUnknownTable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	c.tables[tableID] = struct{}{}
	return nil
}

// Unsubscribe removes a table subscription. Never errors.
func (r *Registry) Unsubscribe(connID, tableID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		delete(c.tables, tableID)
	}
}

// SubscribeTournament adds a tournament subscription. Idempotent.
func (r *Registry) SubscribeTournament(connID, tournamentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.tournaments[tournamentID] = struct{}{}
	}
}

// UnsubscribeTournament removes a tournament subscription. Idempotent.
func (r *Registry) UnsubscribeTournament(connID, tournamentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		delete(c.tournaments, tournamentID)
	}
}

// Authenticate binds an identity to a connection. Re-authenticating with
// the same identity is a no-op.
func (r *Registry) Authenticate(connID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.setIdentity(identity)
	}
}

// RecordActivity bumps the liveness timestamp for any inbound traffic.
func (r *Registry) RecordActivity(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.lastActivity = r.clock.Now()
	}
}

// MarkAlive records a liveness probe response.
func (r *Registry) MarkAlive(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		now := r.clock.Now()
		c.lastActivity = now
		c.lastProbe = now
	}
}

// Lookup returns a live connection.
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Remove destroys a connection on transport close. Subscriptions die with
// it. Removing an unknown id is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if ok {
		c.CloseTransport()
	}
}

// Sweep evicts connections whose last activity predates the liveness
// window and returns the evicted ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var evicted []*Connection
	for id, c := range r.conns {
		if now.Sub(c.lastActivity) > r.cfg.LivenessWindow {
			evicted = append(evicted, c)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		ids = append(ids, c.ID)
		c.CloseTransport()
		r.evicted.Add(1)
		r.logger.Printf("evicting %s: liveness window expired", c.ID)
		loggingnetwork.ConnectionEvicted(context.Background(), r.pub, logging.ConnectionRef(c.ID),
			loggingnetwork.AdmissionPayload{RemoteAddr: c.RemoteAddr, Reason: "liveness_timeout"})
	}
	return ids
}

// EvictSpectators destroys every unauthenticated connection and returns the
// evicted ids. Called by load-policy listeners on HIGH and CRITICAL.
func (r *Registry) EvictSpectators() []string {
	r.mu.Lock()
	var evicted []*Connection
	for id, c := range r.conns {
		if c.Identity() == "" {
			evicted = append(evicted, c)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		ids = append(ids, c.ID)
		c.CloseTransport()
		r.evicted.Add(1)
		r.logger.Printf("evicting spectator %s: load policy", c.ID)
		loggingnetwork.ConnectionEvicted(context.Background(), r.pub, logging.ConnectionRef(c.ID),
			loggingnetwork.AdmissionPayload{RemoteAddr: c.RemoteAddr, Reason: "load_policy"})
	}
	return ids
}

// RunSweeper drives the periodic liveness sweep until stop closes. Each
// eviction id is handed to onEvict so the caller can release per-connection
// resources (delivery outboxes).
func (r *Registry) RunSweeper(stop <-chan struct{}, onEvict func(connID string)) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, id := range r.Sweep(now) {
				if onEvict != nil {
					onEvict(id)
				}
			}
		}
	}
}

// ConnectionCount reports live connections for load sampling.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ConnectionIDs snapshots every live connection id.
func (r *Registry) ConnectionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// TableSubscribers snapshots the ids subscribed to one table.
func (r *Registry) TableSubscribers(tableID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.conns {
		if _, ok := c.tables[tableID]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// TournamentSubscribers snapshots the ids subscribed to one tournament.
func (r *Registry) TournamentSubscribers(tournamentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.conns {
		if _, ok := c.tournaments[tournamentID]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats summarizes registry counters for diagnostics.
type Stats struct {
	Active   int    `json:"active"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Evicted  uint64 `json:"evicted"`
}

func (r *Registry) Stats() Stats {
	return Stats{
		Active:   r.ConnectionCount(),
		Accepted: r.accepted.Load(),
		Rejected: r.rejected.Load(),
		Evicted:  r.evicted.Load(),
	}
}

package load

import (
	"context"
	"sync"

	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
	logginglifecycle "cardroom/server/logging/lifecycle"
)

// Level is the discrete degradation severity derived from live metrics.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Metrics is one aggregate load sample.
type Metrics struct {
	Connections   int
	Sessions      int
	MemoryBytes   uint64
	LoopLagMillis int64
}

// Threshold is the floor at which one level engages. A level engages when
// any of its populated fields is met or exceeded.
type Threshold struct {
	Connections   int
	Sessions      int
	MemoryBytes   uint64
	LoopLagMillis int64
}

func (t Threshold) exceededBy(m Metrics) bool {
	if t.Connections > 0 && m.Connections >= t.Connections {
		return true
	}
	if t.Sessions > 0 && m.Sessions >= t.Sessions {
		return true
	}
	if t.MemoryBytes > 0 && m.MemoryBytes >= t.MemoryBytes {
		return true
	}
	if t.LoopLagMillis > 0 && m.LoopLagMillis >= t.LoopLagMillis {
		return true
	}
	return false
}

// Config holds the ascending thresholds for each non-normal level.
type Config struct {
	Elevated Threshold
	High     Threshold
	Critical Threshold
}

func DefaultConfig() Config {
	return Config{
		Elevated: Threshold{Connections: 2000, Sessions: 400, MemoryBytes: 1 << 30, LoopLagMillis: 50},
		High:     Threshold{Connections: 4000, Sessions: 800, MemoryBytes: 2 << 30, LoopLagMillis: 200},
		Critical: Threshold{Connections: 5000, Sessions: 1000, MemoryBytes: 3 << 30, LoopLagMillis: 1000},
	}
}

// Listener observes level transitions. Each transition invokes every
// registered listener exactly once.
type Listener func(from, to Level)

// Controller centralizes the degradation policy: it maps the latest metrics
// to a level and gates optional features. It signals policy (spectator
// eviction, feature refusal); callers perform it.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	level     Level
	last      Metrics
	listeners []Listener
	logger    telemetry.Logger
	pub       logging.Publisher
	collector *Collector
}

func NewController(cfg Config, logger telemetry.Logger, pub logging.Publisher, collector *Collector) *Controller {
	if logger == nil {
		logger = telemetry.Nop()
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Controller{cfg: cfg, logger: logger, pub: pub, collector: collector}
}

// AddListener registers a transition listener. Registration order is
// invocation order.
func (c *Controller) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// UpdateMetrics recomputes the level from the latest sample. The derivation
// is deterministic: the highest level whose threshold the sample exceeds.
func (c *Controller) UpdateMetrics(m Metrics) Level {
	c.mu.Lock()
	c.last = m
	from := c.level
	to := c.deriveLocked(m)
	c.level = to
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.ObserveSample(m, to)
	}

	if to != from {
		c.logger.Printf("load level %s -> %s (conns=%d sessions=%d mem=%d lag=%dms)",
			from, to, m.Connections, m.Sessions, m.MemoryBytes, m.LoopLagMillis)
		logginglifecycle.LoadLevelChanged(context.Background(), c.pub,
			logginglifecycle.TransitionPayload{From: from.String(), To: to.String()})
		for _, fn := range listeners {
			fn(from, to)
		}
	}
	return to
}

func (c *Controller) deriveLocked(m Metrics) Level {
	switch {
	case c.cfg.Critical.exceededBy(m):
		return LevelCritical
	case c.cfg.High.exceededBy(m):
		return LevelHigh
	case c.cfg.Elevated.exceededBy(m):
		return LevelElevated
	default:
		return LevelNormal
	}
}

// Level reports the current degradation level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// LastSample reports the most recent metrics snapshot for diagnostics.
func (c *Controller) LastSample() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// CanAcceptConnection gates new transport links.
func (c *Controller) CanAcceptConnection() bool {
	return c.Level() < LevelCritical
}

// CanAcceptSpectator gates unauthenticated observers. At HIGH the policy is
// to reclaim capacity from spectators, so new ones are refused too.
func (c *Controller) CanAcceptSpectator() bool {
	return c.Level() < LevelHigh
}

// CanStartNewTournament gates new session creation.
func (c *Controller) CanStartNewTournament() bool {
	return c.Level() < LevelHigh
}

// ChatEnabled gates the chat feature.
func (c *Controller) ChatEnabled() bool {
	return c.Level() < LevelHigh
}

// DetailedLogging reports whether verbose per-message logging is affordable.
func (c *Controller) DetailedLogging() bool {
	return c.Level() < LevelElevated
}

// FeatureFlags is the gate summary broadcast in server_status messages.
type FeatureFlags struct {
	Spectators     bool `json:"spectators"`
	Chat           bool `json:"chat"`
	NewTournaments bool `json:"newTournaments"`
}

// Features summarizes the current gates.
func (c *Controller) Features() FeatureFlags {
	return FeatureFlags{
		Spectators:     c.CanAcceptSpectator(),
		Chat:           c.ChatEnabled(),
		NewTournaments: c.CanStartNewTournament(),
	}
}

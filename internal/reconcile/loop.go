package reconcile

import (
	"context"
	"sync"
	"time"

	server "cardroom/server"
	"cardroom/server/internal/telemetry"
)

const (
	watchBackoffMin = 100 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Fetcher loads the authoritative projection for one table.
type Fetcher interface {
	ReadTable(ctx context.Context, tableID string) (server.TableState, error)
}

// Observer receives the new projection after every material change.
type Observer func(server.TableState)

// Config bounds how eagerly a loop turns change notifications into fetches.
type Config struct {
	// Debounce is the quiet window after the first notification of a
	// burst; every further notification inside the window coalesces into
	// the single pending fetch.
	Debounce time.Duration
	// MinFetchInterval is the floor between consecutive fetches for one
	// table regardless of notification volume.
	MinFetchInterval time.Duration
	// RetryInterval schedules the next attempt after a failed fetch.
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:         150 * time.Millisecond,
		MinFetchInterval: 500 * time.Millisecond,
		RetryInterval:    2 * time.Second,
	}
}

// Stats is a point-in-time snapshot of loop activity.
type Stats struct {
	Fetches  uint64
	Changes  uint64
	Failures uint64
}

// Loop keeps one table's local projection converged with the backend. It
// never applies events directly; notifications only mark the projection
// dirty, and a debounced fetch replaces it wholesale when the comparison
// finds a material difference. A fetch failure keeps the previous
// projection so readers always have a coherent snapshot.
type Loop struct {
	cfg      Config
	tableID  string
	fetcher  Fetcher
	observer Observer
	logger   telemetry.Logger

	notify chan struct{}

	mu       sync.Mutex
	current  server.TableState
	hasState bool
	stats    Stats
}

func NewLoop(cfg Config, tableID string, fetcher Fetcher, observer Observer, logger telemetry.Logger) *Loop {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.MinFetchInterval <= 0 {
		cfg.MinFetchInterval = DefaultConfig().MinFetchInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Loop{
		cfg:      cfg,
		tableID:  tableID,
		fetcher:  fetcher,
		observer: observer,
		logger:   logger,
		notify:   make(chan struct{}, 1),
	}
}

// TableID reports which table this loop converges.
func (l *Loop) TableID() string { return l.tableID }

// Notify marks the projection dirty. Safe from any goroutine; redundant
// calls while a fetch is already pending are absorbed.
func (l *Loop) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Current returns the last converged projection, if any. The copy is
// private to the caller.
func (l *Loop) Current() (server.TableState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasState {
		return server.TableState{}, false
	}
	return l.current.Clone(), true
}

// Stats reports fetch and failure counters for diagnostics.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Run drives the debounce machine until ctx is cancelled. An initial fetch
// runs immediately so observers start from a real projection rather than
// waiting for the first change.
func (l *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	armed := true
	var lastFetch time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
			if armed {
				continue
			}
			wait := l.cfg.Debounce
			if !lastFetch.IsZero() {
				if until := l.cfg.MinFetchInterval - time.Since(lastFetch); until > wait {
					wait = until
				}
			}
			timer.Reset(wait)
			armed = true
		case <-timer.C:
			armed = false
			lastFetch = time.Now()
			if err := l.fetch(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Printf("reconcile %s: fetch failed, retrying: %v", l.tableID, err)
				timer.Reset(l.cfg.RetryInterval)
				armed = true
			}
		}
	}
}

// RunWatch relays backend change notifications into the loop. When the
// subscription drops it is re-established with exponential backoff so a
// store restart does not silently stop reconciliation.
func (l *Loop) RunWatch(ctx context.Context, watch func(tableID string) (<-chan struct{}, func())) {
	delay := watchBackoffMin
	for {
		ch, cancel := watch(l.tableID)
		open := true
		for open {
			select {
			case <-ctx.Done():
				cancel()
				return
			case _, ok := <-ch:
				if !ok {
					open = false
					break
				}
				delay = watchBackoffMin
				l.Notify()
			}
		}
		cancel()
		l.logger.Printf("reconcile %s: watch dropped, resubscribing in %s", l.tableID, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > watchBackoffMax {
			delay = watchBackoffMax
		}
	}
}

func (l *Loop) fetch(ctx context.Context) error {
	state, err := l.fetcher.ReadTable(ctx, l.tableID)
	l.mu.Lock()
	if err != nil {
		l.stats.Failures++
		l.mu.Unlock()
		return err
	}
	l.stats.Fetches++
	if l.hasState && !Changed(l.current, state) {
		l.mu.Unlock()
		return nil
	}
	l.current = state.Clone()
	l.hasState = true
	l.stats.Changes++
	observer := l.observer
	l.mu.Unlock()
	if observer != nil {
		observer(state)
	}
	return nil
}

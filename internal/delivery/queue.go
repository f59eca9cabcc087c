package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cardroom/server/internal/telemetry"
	"cardroom/server/logging"
	loggingnetwork "cardroom/server/logging/network"
)

// Class orders outbound messages per connection. All queued High items for
// a connection drain before Normal, before Low; FIFO within a class.
type Class int

const (
	ClassHigh Class = iota
	ClassNormal
	ClassLow
)

func (c Class) String() string {
	switch c {
	case ClassHigh:
		return "high"
	case ClassNormal:
		return "normal"
	case ClassLow:
		return "low"
	default:
		return "unknown"
	}
}

// Writer is the per-connection sink the queue drains into.
type Writer interface {
	WriteWithDeadline(data []byte, wait time.Duration) error
}

// Metrics receives per-class delivery outcomes. A nil Metrics disables
// counting.
type Metrics interface {
	MessageDelivered(class string)
	MessageDropped(class, reason string)
}

// Config bounds the queue.
type Config struct {
	// FairnessLimit is the bounded-fairness credit: once this many
	// consecutive higher-class messages have been delivered while a lower
	// class waits, one waiting lower-class message goes out. Prevents
	// indefinite starvation of informational ticks under burst load.
	FairnessLimit int
	// BufferLimit caps each per-class buffer. Overflow drops the newly
	// enqueued message; reconciliation is the recovery path.
	BufferLimit int
	// WriteWait is the per-delivery write deadline.
	WriteWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		FairnessLimit: 16,
		BufferLimit:   256,
		WriteWait:     10 * time.Second,
	}
}

// Queue serializes and dispatches outbound messages per connection,
// preferring latency-sensitive classes. Delivery is at-most-once: a failed
// write drops that one message and reports the connection; state
// reconciliation recovers observers, not retries.
type Queue struct {
	mu       sync.Mutex
	outboxes map[string]*outbox

	cfg     Config
	writer  func(connID string) (Writer, bool)
	onFail  func(connID string, err error)
	logger  telemetry.Logger
	pub     logging.Publisher
	metrics Metrics

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New constructs a queue. writer resolves a connection id to its transport
// writer; onFail is invoked once per failed delivery so the owner can tear
// the connection down.
func New(cfg Config, writer func(connID string) (Writer, bool), onFail func(connID string, err error), logger telemetry.Logger, pub logging.Publisher, metrics Metrics) *Queue {
	if cfg.FairnessLimit <= 0 {
		cfg.FairnessLimit = DefaultConfig().FairnessLimit
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultConfig().BufferLimit
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultConfig().WriteWait
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Queue{
		outboxes: make(map[string]*outbox),
		cfg:      cfg,
		writer:   writer,
		onFail:   onFail,
		logger:   logger,
		pub:      pub,
		metrics:  metrics,
	}
}

// Register creates the outbox and pump for a newly accepted connection.
// Idempotent.
func (q *Queue) Register(connID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.outboxes[connID]; ok {
		return
	}
	box := newOutbox(connID)
	q.outboxes[connID] = box
	go q.pump(box)
}

// Drop tears down a connection's outbox. Pending messages are discarded.
func (q *Queue) Drop(connID string) {
	q.mu.Lock()
	box, ok := q.outboxes[connID]
	if ok {
		delete(q.outboxes, connID)
	}
	q.mu.Unlock()
	if ok {
		box.close()
	}
}

// Enqueue queues one payload for one connection. Unknown connections are a
// no-op: the enqueue raced a disconnect and reconciliation covers the gap.
func (q *Queue) Enqueue(connID string, payload []byte, class Class) {
	q.mu.Lock()
	box, ok := q.outboxes[connID]
	q.mu.Unlock()
	if !ok {
		return
	}
	if !box.push(payload, class, q.cfg.BufferLimit) {
		q.dropped.Add(1)
		if q.metrics != nil {
			q.metrics.MessageDropped(class.String(), "buffer_full")
		}
		loggingnetwork.DeliveryDropped(context.Background(), q.pub, logging.ConnectionRef(connID),
			loggingnetwork.DropPayload{Class: class.String(), Reason: "buffer_full"})
	}
}

// Broadcast queues the same payload for many connections.
func (q *Queue) Broadcast(connIDs []string, payload []byte, class Class) {
	for _, id := range connIDs {
		q.Enqueue(id, payload, class)
	}
}

// Stats summarizes delivery counters for diagnostics.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func (q *Queue) Stats() Stats {
	return Stats{Delivered: q.delivered.Load(), Dropped: q.dropped.Load()}
}

func (q *Queue) pump(box *outbox) {
	for {
		payload, class, ok := box.next(q.cfg.FairnessLimit)
		if !ok {
			return
		}
		writer, found := q.writer(box.connID)
		if !found {
			// Connection already gone; discard silently.
			q.dropped.Add(1)
			if q.metrics != nil {
				q.metrics.MessageDropped(class.String(), "connection_gone")
			}
			continue
		}
		if err := writer.WriteWithDeadline(payload, q.cfg.WriteWait); err != nil {
			q.dropped.Add(1)
			if q.metrics != nil {
				q.metrics.MessageDropped(class.String(), "write_failed")
			}
			q.logger.Printf("delivery to %s failed, dropping one %s message: %v", box.connID, class, err)
			loggingnetwork.DeliveryDropped(context.Background(), q.pub, logging.ConnectionRef(box.connID),
				loggingnetwork.DropPayload{Class: class.String(), Reason: "write_failed"})
			if q.onFail != nil {
				q.onFail(box.connID, err)
			}
			continue
		}
		q.delivered.Add(1)
		if q.metrics != nil {
			q.metrics.MessageDelivered(class.String())
		}
	}
}

// outbox holds the per-connection class buffers. The pump goroutine is its
// only consumer.
type outbox struct {
	connID string

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	buffers [3][][]byte
	// skips counts deliveries of higher classes that bypassed a waiting
	// lower class, for the bounded-fairness credit.
	skips [3]int
}

func newOutbox(connID string) *outbox {
	box := &outbox{connID: connID}
	box.cond = sync.NewCond(&box.mu)
	return box
}

func (b *outbox) push(payload []byte, class Class, limit int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if len(b.buffers[class]) >= limit {
		return false
	}
	b.buffers[class] = append(b.buffers[class], payload)
	b.cond.Signal()
	return true
}

func (b *outbox) close() {
	b.mu.Lock()
	b.closed = true
	for i := range b.buffers {
		b.buffers[i] = nil
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// next blocks for the next payload per the priority policy. ok=false means
// the outbox closed.
func (b *outbox) next(fairnessLimit int) ([]byte, Class, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return nil, 0, false
		}
		if payload, class, ok := b.selectLocked(fairnessLimit); ok {
			return payload, class, true
		}
		b.cond.Wait()
	}
}

func (b *outbox) selectLocked(fairnessLimit int) ([]byte, Class, bool) {
	// A starved lower class goes first once its credit is spent.
	for class := ClassNormal; class <= ClassLow; class++ {
		if len(b.buffers[class]) > 0 && b.skips[class] >= fairnessLimit {
			return b.popLocked(class), class, true
		}
	}
	for class := ClassHigh; class <= ClassLow; class++ {
		if len(b.buffers[class]) == 0 {
			continue
		}
		for lower := class + 1; lower <= ClassLow; lower++ {
			if len(b.buffers[lower]) > 0 {
				b.skips[lower]++
			}
		}
		return b.popLocked(class), class, true
	}
	return nil, 0, false
}

func (b *outbox) popLocked(class Class) []byte {
	payload := b.buffers[class][0]
	b.buffers[class] = b.buffers[class][1:]
	b.skips[class] = 0
	return payload
}

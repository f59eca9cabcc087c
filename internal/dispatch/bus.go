package dispatch

import (
	"sync"

	server "cardroom/server"
)

// Event is one converged table projection ready for fan-out.
type Event struct {
	TableID string
	State   server.TableState
}

// Bus is the in-process pub/sub for table events. Subscribers register a
// callback per table; Publish fans out synchronously in registration
// order. Callbacks must be fast and must not publish back into the bus.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func(Event))}
}

// Subscribe registers fn for one table and returns its cancel handle.
func (b *Bus) Subscribe(tableID string, fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	set, ok := b.subs[tableID]
	if !ok {
		set = make(map[int]func(Event))
		b.subs[tableID] = set
	}
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if set, ok := b.subs[tableID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, tableID)
			}
		}
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber of its table.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	set := b.subs[ev.TableID]
	fns := make([]func(Event), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

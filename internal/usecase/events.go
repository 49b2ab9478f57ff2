package usecase

import (
	"sync"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// eventBuf sizes subscriber channels. A subscriber that stops draining
// loses events instead of stalling the bus consumer.
const eventBuf = 64

// EventGateway fans the engine's status events out to in-process
// subscribers. One bus consumer feeds Dispatch; OnStatusChange taps the
// fan-out.
type EventGateway struct {
	mu     sync.Mutex
	subs   map[uint64]chan domain.JobStatusEvent
	nextID uint64
	closed bool
}

// NewEventGateway returns an empty gateway.
func NewEventGateway() *EventGateway {
	return &EventGateway{subs: make(map[uint64]chan domain.JobStatusEvent)}
}

// Dispatch offers ev to every subscriber without blocking.
func (g *EventGateway) Dispatch(ev domain.JobStatusEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber that is removed, and its channel
// closed, when ctx ends.
func (g *EventGateway) Subscribe(ctx domain.Context) <-chan domain.JobStatusEvent {
	ch := make(chan domain.JobStatusEvent, eventBuf)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		close(ch)
		return ch
	}
	id := g.nextID
	g.nextID++
	g.subs[id] = ch
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.remove(id)
	}()
	return ch
}

func (g *EventGateway) remove(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.subs[id]; ok {
		delete(g.subs, id)
		close(ch)
	}
}

// Close ends every subscription. Subsequent Subscribe calls return a
// closed channel.
func (g *EventGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, ch := range g.subs {
		delete(g.subs, id)
		close(ch)
	}
}

package entity

import (
	"sync"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	// progressBacklogCap bounds the per-job backlog: when a 17th update
	// arrives before anyone reads, the oldest is dropped.
	progressBacklogCap = 16
	// subscriberBuf sizes live subscriber channels. A slow subscriber
	// loses updates instead of blocking the reporting handler.
	subscriberBuf = 16
)

// ProgressHub fans progress updates out to stream subscribers and keeps a
// bounded backlog per job so a late subscriber still sees recent updates.
// Publish never blocks the reporting handler.
type ProgressHub struct {
	mu      sync.Mutex
	backlog map[string][]domain.Progress
	subs    map[string]map[uint64]chan domain.Progress
	nextID  uint64
}

// NewProgressHub returns an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		backlog: make(map[string][]domain.Progress),
		subs:    make(map[string]map[uint64]chan domain.Progress),
	}
}

// Publish records p in the job's backlog and offers it to every live
// subscriber. Sends are non-blocking; drops are counted, never waited on.
func (h *ProgressHub) Publish(jobID string, p domain.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.backlog[jobID], p)
	if len(buf) > progressBacklogCap {
		trimmed := make([]domain.Progress, progressBacklogCap)
		copy(trimmed, buf[len(buf)-progressBacklogCap:])
		buf = trimmed
		observability.ProgressDroppedTotal.Inc()
	}
	h.backlog[jobID] = buf
	for _, ch := range h.subs[jobID] {
		select {
		case ch <- p:
		default:
			observability.ProgressDroppedTotal.Inc()
		}
	}
}

// Subscribe returns the current backlog plus a live channel for new
// updates. The channel is closed when the job goes terminal. The returned
// cancel must be called when the subscriber disconnects.
func (h *ProgressHub) Subscribe(jobID string) ([]domain.Progress, <-chan domain.Progress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	backlog := make([]domain.Progress, len(h.backlog[jobID]))
	copy(backlog, h.backlog[jobID])
	id := h.nextID
	h.nextID++
	ch := make(chan domain.Progress, subscriberBuf)
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[uint64]chan domain.Progress)
	}
	h.subs[jobID][id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m := h.subs[jobID]; m != nil {
			if _, ok := m[id]; ok {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	return backlog, ch, cancel
}

// Drop discards the job's backlog and closes its subscriber channels.
// Called once the job reaches a terminal status.
func (h *ProgressHub) Drop(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.backlog, jobID)
	for id, ch := range h.subs[jobID] {
		delete(h.subs[jobID], id)
		close(ch)
	}
	delete(h.subs, jobID)
}

package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// Manager owns the live entities of this runner. Entities are activated
// lazily on first delivery, passivated after MaxIdle, and drained together
// on shutdown.
type Manager struct {
	deps Deps
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entities map[string]*Entity
	stopping bool

	wg sync.WaitGroup
}

// NewManager wires the runtime. Zero Config fields take defaults; a nil
// Clock gets the system clock and a nil Progress hub is created.
func NewManager(deps Deps, cfg Config) *Manager {
	cfg.normalize()
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Progress == nil {
		deps.Progress = NewProgressHub()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		entities: make(map[string]*Entity),
	}
}

// Progress exposes the hub for stream subscribers.
func (m *Manager) Progress() *ProgressHub { return m.deps.Progress }

// Deliver routes a record to its entity mailbox, activating the entity if
// needed. A passivating entity is recreated and the offer retried, so an
// accepted message is never lost to the race.
func (m *Manager) Deliver(ctx domain.Context, rec domain.JobRecord) error {
	tracer := otel.Tracer("entity")
	_, span := tracer.Start(ctx, "Manager.Deliver")
	defer span.End()

	for try := 0; try < 3; try++ {
		ent, err := m.entity(rec.EntityID)
		if err != nil {
			return err
		}
		err = ent.offer(rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, errEntityClosed) {
			m.removeIfSame(rec.EntityID, ent)
			continue
		}
		return err
	}
	return fmt.Errorf("op=entity.deliver: %w: entity %s kept closing", domain.ErrRunnerUnavailable, rec.EntityID)
}

// CancelInFlight interrupts jobID if the named entity is currently
// executing it. The entity persists the cancelled status itself once the
// handler unwinds.
func (m *Manager) CancelInFlight(entityID, jobID string) bool {
	m.mu.Lock()
	ent := m.entities[entityID]
	m.mu.Unlock()
	if ent == nil {
		return false
	}
	return ent.requestCancel(jobID)
}

// Deactivate evicts one entity, draining nothing: its remaining mailbox
// messages stay queued in storage and re-deliver on the next send. Used by
// admin resets and shard rebalancing.
func (m *Manager) Deactivate(entityID string) bool {
	m.mu.Lock()
	ent, ok := m.entities[entityID]
	if ok {
		delete(m.entities, entityID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ent.stop()
	slog.Info("entity deactivated", slog.String("entity_id", entityID))
	return true
}

// ActiveEntities reports how many entities are live on this runner.
func (m *Manager) ActiveEntities() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// Shutdown closes every entity to new offers, lets in-flight handlers
// finish until ctx expires, then cancels them hard. Interrupted jobs stay
// processing in storage for recovery.
func (m *Manager) Shutdown(ctx domain.Context) error {
	m.mu.Lock()
	m.stopping = true
	ents := make([]*Entity, 0, len(m.entities))
	for _, ent := range m.entities {
		ents = append(ents, ent)
	}
	m.mu.Unlock()

	for _, ent := range ents {
		ent.stop()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		slog.Info("entity runtime drained", slog.Int("entities", len(ents)))
		return nil
	case <-ctx.Done():
		m.cancel()
		slog.Warn("entity drain timed out, interrupting in-flight jobs", slog.Int("entities", len(ents)))
		return fmt.Errorf("op=entity.shutdown: %w", ctx.Err())
	}
}

func (m *Manager) entity(id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return nil, fmt.Errorf("op=entity.manager: %w: runner draining", domain.ErrRunnerUnavailable)
	}
	if ent, ok := m.entities[id]; ok {
		return ent, nil
	}
	ent := newEntity(id, m.deps, m.cfg, m.removeIdle)
	m.entities[id] = ent
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ent.run(m.ctx)
	}()
	return ent, nil
}

// removeIdle is the passivation callback from an entity's own run loop.
func (m *Manager) removeIdle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
}

// removeIfSame drops the mapping only when it still points at the closed
// instance, so a concurrent reactivation is not clobbered.
func (m *Manager) removeIfSame(id string, ent *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entities[id]; ok && cur == ent {
		delete(m.entities, id)
	}
}

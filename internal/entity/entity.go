package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

// errEntityClosed is returned by offer once the actor passed the point of
// no return during idle passivation. The manager reactivates and retries,
// so no accepted message is ever lost.
var errEntityClosed = errors.New("entity closed")

// Deps are the ports the runtime needs. All fields are required except
// Clock and Progress, which NewManager defaults.
type Deps struct {
	Store     domain.JobStore
	Workflows domain.WorkflowStore
	DLQ       domain.DLQStore
	Cache     domain.StateCache
	Bus       domain.EventPublisher
	Handlers  domain.HandlerResolver
	Clock     domain.Clock
	IDs       domain.IDGenerator
	Progress  *ProgressHub
}

// Config tunes one entity actor.
type Config struct {
	// MailboxCap bounds pending messages per entity; offers beyond it are
	// rejected with ErrMailboxFull.
	MailboxCap int
	// MaxIdle is how long an entity with an empty mailbox survives before
	// passivation.
	MaxIdle time.Duration
}

func (c *Config) normalize() {
	if c.MailboxCap <= 0 {
		c.MailboxCap = 100
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5 * time.Minute
	}
}

// flight tracks the job currently owned by the run loop, so an
// out-of-band cancel can interrupt it.
type flight struct {
	jobID     string
	cancel    context.CancelFunc
	cancelled bool
}

// Entity is one mailbox-driven actor. Every job routed to its entity id is
// mutated only on its single run loop, which is what makes processing
// strictly serial per entity.
type Entity struct {
	id   string
	deps Deps
	cfg  Config

	mailbox  chan domain.JobRecord
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// sendMu serializes offers against passivation so a message is never
	// accepted into a mailbox nobody will drain.
	sendMu sync.Mutex
	closed bool

	flightMu sync.Mutex
	flight   flight

	onIdle func(id string)
}

func newEntity(id string, deps Deps, cfg Config, onIdle func(string)) *Entity {
	return &Entity{
		id:      id,
		deps:    deps,
		cfg:     cfg,
		mailbox: make(chan domain.JobRecord, cfg.MailboxCap),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		onIdle:  onIdle,
	}
}

// offer places a record in the mailbox without blocking. A full mailbox
// fails fast with ErrMailboxFull; a closed entity reports errEntityClosed
// so the manager can reactivate.
func (e *Entity) offer(rec domain.JobRecord) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed {
		return errEntityClosed
	}
	select {
	case e.mailbox <- rec:
		observability.MailboxDepth.WithLabelValues(e.id).Set(float64(len(e.mailbox)))
		return nil
	default:
		observability.MailboxRejectionsTotal.WithLabelValues(e.id).Inc()
		return fmt.Errorf("op=entity.offer: %w: entity %s at capacity %d", domain.ErrMailboxFull, e.id, cap(e.mailbox))
	}
}

// requestCancel interrupts jobID if it is the one the run loop currently
// owns. Persisting the cancelled status stays with the run loop once the
// handler unwinds.
func (e *Entity) requestCancel(jobID string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if e.flight.jobID != jobID || e.flight.cancel == nil {
		return false
	}
	e.flight.cancelled = true
	e.flight.cancel()
	return true
}

func (e *Entity) registerJob(jobID string, cancel context.CancelFunc) {
	e.flightMu.Lock()
	e.flight = flight{jobID: jobID, cancel: cancel}
	e.flightMu.Unlock()
}

func (e *Entity) releaseJob() {
	e.flightMu.Lock()
	e.flight = flight{}
	e.flightMu.Unlock()
}

// cancelRequested reports whether requestCancel fired for the job the run
// loop currently owns.
func (e *Entity) cancelRequested(jobID string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	return e.flight.jobID == jobID && e.flight.cancelled
}

// tryClose flips the entity to closed if the mailbox is empty. Offers hold
// sendMu, so nothing can slip in between the emptiness check and the flip.
func (e *Entity) tryClose() bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if len(e.mailbox) > 0 {
		return false
	}
	e.closed = true
	return true
}

func (e *Entity) markClosed() {
	e.sendMu.Lock()
	e.closed = true
	e.sendMu.Unlock()
}

// stop closes the entity to new offers and signals the run loop to exit
// after the message it is currently executing.
func (e *Entity) stop() {
	e.markClosed()
	e.stopOnce.Do(func() { close(e.quit) })
}

func (e *Entity) run(ctx context.Context) {
	defer close(e.done)
	defer observability.MailboxDepth.DeleteLabelValues(e.id)
	slog.Debug("entity activated", slog.String("entity_id", e.id))
	idle := time.NewTimer(e.cfg.MaxIdle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			e.markClosed()
			return
		case <-e.quit:
			return
		case rec := <-e.mailbox:
			observability.MailboxDepth.WithLabelValues(e.id).Set(float64(len(e.mailbox)))
			e.execute(ctx, rec)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.MaxIdle)
		case <-idle.C:
			if e.tryClose() {
				slog.Debug("entity passivated", slog.String("entity_id", e.id))
				if e.onIdle != nil {
					e.onIdle(e.id)
				}
				return
			}
			idle.Reset(e.cfg.MaxIdle)
		}
	}
}

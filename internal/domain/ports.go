package domain

import (
	"encoding/json"
	"time"
)

// TransitionUpdate carries the column writes applied atomically with one
// status edge. Fields left zero are not written.
type TransitionUpdate struct {
	To          JobStatus
	Entry       HistoryEntry
	Attempts    *int
	Result      json.RawMessage
	LastError   *string
	CompletedAt *time.Time
}

//go:generate mockery --name=JobStore --with-expecter --filename=job_store_mock.go
//go:generate mockery --name=DLQStore --with-expecter --filename=dlq_store_mock.go
//go:generate mockery --name=EventPublisher --with-expecter --filename=event_publisher_mock.go

// JobStore persists job records. ApplyTransition is the only mutation path
// for status; it compare-and-swaps on the current status so an invalid edge
// surfaces as applied=false instead of corrupting the row.
type JobStore interface {
	Create(ctx Context, rec JobRecord) error
	Get(ctx Context, jobID string) (JobRecord, error)
	FindActiveByDedupeKey(ctx Context, tenantID, dedupeKey string) (JobRecord, error)
	ApplyTransition(ctx Context, jobID string, from JobStatus, up TransitionUpdate) (bool, error)
	SetProgress(ctx Context, jobID string, p Progress) error
	ListUnfinished(ctx Context, afterJobID string, limit int) ([]JobRecord, error)
	ListStaleProcessing(ctx Context, cutoff time.Time, limit int) ([]JobRecord, error)
}

// DLQStore persists dead-letter entries for the watcher.
type DLQStore interface {
	Insert(ctx Context, e DLQEntry) error
	Get(ctx Context, id string) (DLQEntry, error)
	ListTenants(ctx Context) ([]string, error)
	ListReplayable(ctx Context, tenantID string, maxAttempts, limit int) ([]DLQEntry, error)
	ListByTenant(ctx Context, tenantID string, limit int) ([]DLQEntry, error)
	IncrementAttempts(ctx Context, id string) (int, error)
	MarkReplayed(ctx Context, id string, at time.Time) error
	ClearReplayed(ctx Context, id string) error
	Count(ctx Context, source string) (int64, error)
}

// WorkflowState tracks the durable execution envelope of one job.
type WorkflowState string

const (
	WorkflowRunning     WorkflowState = "running"
	WorkflowSleeping    WorkflowState = "sleeping"
	WorkflowComplete    WorkflowState = "complete"
	WorkflowCompensated WorkflowState = "compensated"
)

// WorkflowExecution is the persisted idempotency row keyed by job id.
type WorkflowExecution struct {
	IdempotencyKey string
	JobID          string
	State          WorkflowState
	Attempt        int
	WakeAt         *time.Time
	UpdatedAt      time.Time
}

// Finished reports whether the execution reached a durable end state.
func (w WorkflowExecution) Finished() bool {
	return w.State == WorkflowComplete || w.State == WorkflowCompensated
}

// WorkflowStore persists workflow executions for crash recovery.
// Ensure inserts the row if absent and returns the current row either way,
// which is what makes replays after a crash idempotent.
type WorkflowStore interface {
	Ensure(ctx Context, key, jobID string) (WorkflowExecution, error)
	Update(ctx Context, key string, state WorkflowState, attempt int, wakeAt *time.Time) error
	ListUnfinished(ctx Context, limit int) ([]WorkflowExecution, error)
	ListDue(ctx Context, now time.Time, limit int) ([]WorkflowExecution, error)
}

// StateCache is the hot-path view of job state plus the liveness keys.
// Implementations own TTL policy (state 7d, heartbeat 30s).
type StateCache interface {
	GetState(ctx Context, jobID string) (JobState, bool, error)
	SetState(ctx Context, st JobState) error
	DeleteState(ctx Context, jobID string) error
	SetHeartbeat(ctx Context, jobID string) error
	ClearHeartbeat(ctx Context, jobID string) error
	HeartbeatAlive(ctx Context, jobID string) (bool, error)
	SetLastProgress(ctx Context, jobID string, p Progress) error
	GetLastProgress(ctx Context, jobID string) (Progress, bool, error)
}

// EventPublisher pushes engine events onto the bus. Implementations must be
// safe for concurrent use; publish failures are the caller's to classify.
type EventPublisher interface {
	PublishStatus(ctx Context, ev JobStatusEvent) error
	PublishLifecycle(ctx Context, ev JobLifecycleEvent) error
	PublishDLQAlert(ctx Context, ev DLQAlertEvent) error
	PublishPollingAlert(ctx Context, ev PollingAlertEvent) error
}

// HandlerJob is what a registered handler sees: the payload plus a progress
// callback bound to the owning entity.
type HandlerJob struct {
	JobID    string
	TenantID string
	Type     string
	Payload  json.RawMessage
	Attempt  int
	Report   func(pct float64, message string)
}

// Handler executes one job attempt. A nil error completes the job with the
// returned result; errors are classified by IsRetryable.
type Handler func(ctx Context, job HandlerJob) (json.RawMessage, error)

// HandlerResolver maps a job type to its handler.
type HandlerResolver interface {
	Resolve(jobType string) (Handler, bool)
}

// IDGenerator issues job ids: globally unique, time-ordered, sortable.
type IDGenerator interface {
	Next() string
}

// Clock abstracts time for the entity runtime so durable sleeps and backoff
// waits are testable.
type Clock interface {
	Now() time.Time
	Sleep(ctx Context, d time.Duration) error
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done, whichever comes first.
func (SystemClock) Sleep(ctx Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

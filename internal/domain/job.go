// Package domain holds the job-engine entities, the status state machine,
// the error taxonomy, and the ports implemented by adapters.
//
// The domain stays free of adapter concerns: persistence, caching, and the
// event bus appear only as narrow interfaces wired at process startup.
package domain

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// Context is an alias so port signatures stay terse.
// Adapters and usecases pass context.Context through unchanged.
type Context = context.Context

// Priority orders jobs into routing pools. Higher priorities get more
// entity slots and therefore more parallel mailboxes.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// SlotsFor returns the number of entity-id slots for a priority pool.
func SlotsFor(p Priority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	default:
		return 1
	}
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Duration hints how long a job is expected to run. Long jobs keep their
// entity pinned against idle eviction while processing.
type Duration string

const (
	DurationShort Duration = "short"
	DurationLong  Duration = "long"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// transitions is the allowed edge set of the status graph.
// processing -> processing is the retry re-entry: a retryable failure keeps
// the row in processing and the next attempt appends a history entry with
// attempts incremented. failed -> processing resumes a row that was parked
// failed across a crash; DLQ replay creates a fresh job record instead of
// reusing either edge.
var transitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobCancelled},
	JobProcessing: {JobProcessing, JobComplete, JobFailed, JobCancelled},
	JobFailed:     {JobProcessing},
}

// CanTransition reports whether from -> to is a legal status edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status admits no further transitions
// from the caller's point of view. failed is terminal externally; only the
// workflow's own retry path may leave it.
func IsTerminalStatus(s JobStatus) bool {
	return s == JobComplete || s == JobCancelled
}

// DefaultMaxAttempts applies when an envelope does not set MaxAttempts.
const DefaultMaxAttempts = 3

// JobEnvelope is the submission input. Payload stays opaque to the engine.
type JobEnvelope struct {
	Type        string          `json:"type" validate:"required,min=1,max=200"`
	Payload     json.RawMessage `json:"payload"`
	TenantID    string          `json:"tenant_id" validate:"required,min=1,max=100"`
	Priority    Priority        `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Duration    Duration        `json:"duration"`
}

// Normalize fills envelope defaults in place.
func (e *JobEnvelope) Normalize() {
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.Duration == "" {
		e.Duration = DurationShort
	}
}

// HistoryEntry is one append-only lifecycle record. The last entry's Status
// always equals the record's Status.
type HistoryEntry struct {
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Progress is the latest reported completion fraction for a job.
type Progress struct {
	Pct     float64 `json:"pct"`
	Message string  `json:"message,omitempty"`
}

// ClampProgress normalizes a reported value: pct is clamped to [0,100] and
// non-finite values are rejected.
func ClampProgress(pct float64, message string) (Progress, bool) {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return Progress{}, false
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return Progress{Pct: pct, Message: message}, true
}

// JobRecord is the persisted job row. It is created by the router and
// mutated exclusively by the owning entity. The JSON tags double as the
// cross-runner transport encoding of a delivery.
type JobRecord struct {
	JobID       string          `json:"job_id"`
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"type"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	EntityID    string          `json:"entity_id"`
	History     []HistoryEntry  `json:"history"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Duration    Duration        `json:"duration"`
}

// State projects the record onto the cached status view.
func (r JobRecord) State() JobState {
	return JobState{
		JobID:       r.JobID,
		TenantID:    r.TenantID,
		Type:        r.Type,
		Status:      r.Status,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		History:     r.History,
		Result:      r.Result,
		LastError:   r.LastError,
		Progress:    r.Progress,
		UpdatedAt:   r.UpdatedAt,
	}
}

// JobState is the in-memory view used for status responses; derived from
// JobRecord on cache miss and refreshed on every transition.
type JobState struct {
	JobID       string          `json:"job_id"`
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"type"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	History     []HistoryEntry  `json:"history"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DefaultJobState is the response for an unknown jobId: status never fails.
func DefaultJobState(jobID string) JobState {
	return JobState{JobID: jobID, Status: JobQueued, Attempts: 0, History: []HistoryEntry{}}
}

// SubmitResult is returned per submitted envelope.
type SubmitResult struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
}

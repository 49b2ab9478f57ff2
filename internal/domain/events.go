package domain

import "time"

// JobStatusEvent is emitted on every status transition, keyed by job id so
// consumers observe per-job order.
type JobStatusEvent struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	Type     string    `json:"type"`
	Status   JobStatus `json:"status"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// LifecycleKind names the coarse-grained domain events derived from
// terminal transitions.
type LifecycleKind string

const (
	LifecycleCompleted LifecycleKind = "job.completed"
	LifecycleFailed    LifecycleKind = "job.failed"
	LifecycleCancelled LifecycleKind = "job.cancelled"
)

// JobLifecycleEvent is published alongside the terminal status event.
type JobLifecycleEvent struct {
	ID       string        `json:"id"`
	Kind     LifecycleKind `json:"kind"`
	JobID    string        `json:"job_id"`
	TenantID string        `json:"tenant_id"`
	Type     string        `json:"type"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// DLQAlertEvent signals that a DLQ entry exhausted its replay budget and
// needs operator attention.
type DLQAlertEvent struct {
	ID       string    `json:"id"`
	DLQID    string    `json:"dlq_id"`
	TenantID string    `json:"tenant_id"`
	SourceID string    `json:"source_id"`
	Type     string    `json:"type"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// PollingAlertEvent reports an operational threshold breach observed by the
// polling alerter (DLQ depth, queue depth, cache hit ratio).
type PollingAlertEvent struct {
	ID        string    `json:"id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

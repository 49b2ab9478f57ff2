package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DLQSourceJob is the source tag for entries produced by job compensation.
const DLQSourceJob = "job"

// DLQEntry preserves a terminally failed job for bounded auto-replay.
// Attempts counts replay attempts by the watcher, not the job's own
// processing attempts.
type DLQEntry struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Source       string          `json:"source"`
	SourceID     string          `json:"source_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempts     int             `json:"attempts"`
	ErrorReason  ErrorReason     `json:"error_reason"`
	ErrorHistory []string        `json:"error_history,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ReplayedAt   *time.Time      `json:"replayed_at,omitempty"`
}

// Replayable reports whether the watcher may still auto-replay this entry.
func (e DLQEntry) Replayable(maxRetries int) bool {
	return e.Attempts < maxRetries
}

// DLQEntryID derives the dead-letter entry id from the job id, so repeated
// compensation of the same job lands on the primary key instead of
// duplicating the entry.
func DLQEntryID(jobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("job-dlq:"+jobID)).String()
}

// HistoryErrors flattens the error trail out of the lifecycle history, one
// string per failed attempt.
func HistoryErrors(history []HistoryEntry) []string {
	var out []string
	for _, h := range history {
		if h.Error != "" {
			out = append(out, h.Error)
		}
	}
	return out
}

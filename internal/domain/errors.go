package domain

import "errors"

// Error taxonomy (sentinels). Every engine error wraps exactly one of these
// so callers can classify with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrHandlerMissing    = errors.New("handler missing")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyCancelled  = errors.New("already cancelled")
	ErrProcessing        = errors.New("processing failed")
	ErrRunnerUnavailable = errors.New("runner unavailable")
	ErrSendTimeout       = errors.New("send timeout")
	ErrMailboxFull       = errors.New("mailbox full")
	ErrPersistence       = errors.New("persistence error")
	ErrMaxRetries        = errors.New("max retries exhausted")
	ErrRateLimited       = errors.New("rate limited")
)

// ErrDedupeConflict marks a submit insert that lost the race on
// (tenantId, dedupeKey). The router resolves it by re-reading the winning
// row and returning duplicate=true; it never reaches callers.
var ErrDedupeConflict = errors.New("dedupe conflict")

var retryable = []error{
	ErrProcessing,
	ErrRunnerUnavailable,
	ErrSendTimeout,
	ErrMailboxFull,
	ErrPersistence,
}

var terminal = []error{
	ErrValidation,
	ErrHandlerMissing,
	ErrNotFound,
	ErrAlreadyCancelled,
	ErrMaxRetries,
}

// IsRetryable reports whether err should re-enter the retry schedule.
// Unknown errors count as retryable: transient is the safe default for
// handler failures the taxonomy does not know about.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, t := range terminal {
		if errors.Is(err, t) {
			return false
		}
	}
	return true
}

// IsTerminal reports whether err short-circuits straight to compensation.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	for _, t := range terminal {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// ErrorReason tags a DLQ entry with the classified cause of death.
type ErrorReason string

const (
	ReasonMaxRetries     ErrorReason = "MaxRetries"
	ReasonValidation     ErrorReason = "Validation"
	ReasonHandlerMissing ErrorReason = "HandlerMissing"
	ReasonCancelled      ErrorReason = "Cancelled"
	ReasonPersistence    ErrorReason = "PersistenceError"
	ReasonTimeout        ErrorReason = "Timeout"
)

// ReasonForError extracts the DLQ reason from an error chain.
// MaxRetries is the default: a job only reaches the DLQ after its retry
// budget ran out unless a terminal cause says otherwise.
func ReasonForError(err error) ErrorReason {
	switch {
	case err == nil:
		return ReasonMaxRetries
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrHandlerMissing):
		return ReasonHandlerMissing
	case errors.Is(err, ErrAlreadyCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrPersistence):
		return ReasonPersistence
	case errors.Is(err, ErrSendTimeout):
		return ReasonTimeout
	default:
		return ReasonMaxRetries
	}
}

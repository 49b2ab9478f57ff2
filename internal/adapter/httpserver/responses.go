package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jobmesh/jobmesh/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses and renders
// the error envelope. Unclassified errors stay 500 INTERNAL.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
		codeStr = "VALIDATION"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyCancelled):
		code = http.StatusConflict
		codeStr = "ALREADY_CANCELLED"
	case errors.Is(err, domain.ErrProcessing):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrMailboxFull):
		code = http.StatusTooManyRequests
		codeStr = "MAILBOX_FULL"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrSendTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "SEND_TIMEOUT"
	case errors.Is(err, domain.ErrRunnerUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "RUNNER_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// sseKeepAlive is the idle interval between comment frames so proxies do
// not reap a quiet stream.
const sseKeepAlive = 30 * time.Second

// sseSetup asserts streaming support and writes the event-stream preamble.
func sseSetup(w http.ResponseWriter) (http.Flusher, bool) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: apiError{Code: "INTERNAL", Message: "streaming unsupported"}})
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return fl, true
}

// writeSSE writes one named server-sent event and flushes it out. An empty
// id omits the id line.
func writeSSE(w http.ResponseWriter, fl http.Flusher, id, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=httpserver.sse: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	fl.Flush()
	return nil
}

// ProgressHandler streams a job's progress updates as server-sent events.
// The stream replays the latest persisted value, then carries live updates
// until the job goes terminal or the client disconnects.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, r, fmt.Errorf("%w: jobID missing", domain.ErrValidation), nil)
			return
		}
		updates := s.Jobs.Progress(r.Context(), jobID)
		fl, ok := sseSetup(w)
		if !ok {
			return
		}
		tick := time.NewTicker(sseKeepAlive)
		defer tick.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case p, open := <-updates:
				if !open {
					// Terminal: tell the client not to reconnect.
					_ = writeSSE(w, fl, "", "done", map[string]string{"job_id": jobID})
					return
				}
				if err := writeSSE(w, fl, "", "progress", p); err != nil {
					return
				}
			case <-tick.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				fl.Flush()
			}
		}
	}
}

// EventsHandler streams engine-wide status events as server-sent events.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.Jobs.OnStatusChange(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		fl, ok := sseSetup(w)
		if !ok {
			return
		}
		tick := time.NewTicker(sseKeepAlive)
		defer tick.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				if err := writeSSE(w, fl, ev.ID, "status", ev); err != nil {
					return
				}
			case <-tick.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				fl.Flush()
			}
		}
	}
}

// Package transport moves entity messages between runners. Three wire
// implementations (raw TCP frames, HTTP, WebSocket) share one JSON envelope
// so a cluster can mix modes during a migration.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jobmesh/jobmesh/internal/adapter/observability"
	"github.com/jobmesh/jobmesh/internal/domain"
)

// SendTimeout bounds one remote exchange, dialing included. Remote delivery
// is a mailbox offer, so anything slower than this means the peer is gone.
const SendTimeout = 100 * time.Millisecond

// Envelope kinds.
const (
	KindDeliver = "deliver"
	KindCancel  = "cancel"
)

// Envelope is the request frame shared by all transports.
type Envelope struct {
	Kind       string          `json:"kind"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Body       json.RawMessage `json:"body"`
}

// Reply is the response frame shared by all transports.
type Reply struct {
	OK   bool            `json:"ok"`
	Code string          `json:"code,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Reply codes carried when OK is false.
const (
	CodeBadRequest        = "bad_request"
	CodeMailboxFull       = "mailbox_full"
	CodeRunnerUnavailable = "runner_unavailable"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// CancelBody is the body of a cancel envelope.
type CancelBody struct {
	JobID string `json:"job_id"`
}

// CancelResult is the body of a cancel reply.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// LocalSink is what a transport server hands inbound envelopes to. The
// entity manager satisfies it.
type LocalSink interface {
	Deliver(ctx context.Context, rec domain.JobRecord) error
	CancelInFlight(entityID, jobID string) bool
}

// Client sends envelopes to remote runners.
type Client interface {
	// Connect warms the connection to a peer so the first Send does not pay
	// the dial. Optional; Send dials lazily.
	Connect(ctx context.Context, addr domain.RunnerAddress) error
	Send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error)
	Close() error
}

// Server accepts envelopes from remote runners.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
	// Addr is the bound listen address, available after Start.
	Addr() string
}

// NewServer builds the listener for the configured transport mode. In auto
// mode the server speaks socket, the mode auto clients try first.
func NewServer(mode, bind string, sink LocalSink) Server {
	switch mode {
	case "http":
		return newHTTPServer(bind, sink)
	case "websocket":
		return newWSServer(bind, sink)
	default:
		return newSocketServer(bind, sink)
	}
}

// NewClient builds the sender for the configured transport mode. Auto tries
// socket and falls back to HTTP when the peer does not speak it.
func NewClient(mode string) Client {
	switch mode {
	case "socket":
		return newSocketClient()
	case "http":
		return newHTTPClient()
	case "websocket":
		return newWSClient()
	default:
		return &fallbackClient{primary: newSocketClient(), fallback: newHTTPClient()}
	}
}

// NewDeliverEnvelope wraps a job record for the wire.
func NewDeliverEnvelope(rec domain.JobRecord) (Envelope, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Envelope{}, fmt.Errorf("op=transport.envelope: %w", err)
	}
	return Envelope{Kind: KindDeliver, EntityType: "job", EntityID: rec.EntityID, Body: body}, nil
}

// NewCancelEnvelope wraps a cancel request for the wire.
func NewCancelEnvelope(entityID, jobID string) (Envelope, error) {
	body, err := json.Marshal(CancelBody{JobID: jobID})
	if err != nil {
		return Envelope{}, fmt.Errorf("op=transport.envelope: %w", err)
	}
	return Envelope{Kind: KindCancel, EntityType: "job", EntityID: entityID, Body: body}, nil
}

// Err maps a failed reply back onto the domain error taxonomy so the router
// retries remote rejections exactly like local ones.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	switch r.Code {
	case CodeMailboxFull:
		return fmt.Errorf("op=transport.reply: %w", domain.ErrMailboxFull)
	case CodeRunnerUnavailable:
		return fmt.Errorf("op=transport.reply: %w", domain.ErrRunnerUnavailable)
	case CodeNotFound:
		return fmt.Errorf("op=transport.reply: %w", domain.ErrNotFound)
	case CodeBadRequest:
		return fmt.Errorf("op=transport.reply: %w", domain.ErrValidation)
	default:
		return fmt.Errorf("op=transport.reply: %w: code %s", domain.ErrProcessing, r.Code)
	}
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, domain.ErrMailboxFull):
		return CodeMailboxFull
	case errors.Is(err, domain.ErrRunnerUnavailable):
		return CodeRunnerUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrValidation):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// handleEnvelope dispatches one inbound envelope to the local sink. It is
// shared by all three servers so wire behavior never diverges.
func handleEnvelope(ctx context.Context, sink LocalSink, env Envelope) Reply {
	switch env.Kind {
	case KindDeliver:
		var rec domain.JobRecord
		if err := json.Unmarshal(env.Body, &rec); err != nil {
			return Reply{OK: false, Code: CodeBadRequest}
		}
		if rec.EntityID == "" {
			rec.EntityID = env.EntityID
		}
		if err := sink.Deliver(ctx, rec); err != nil {
			return Reply{OK: false, Code: codeForError(err)}
		}
		return Reply{OK: true}
	case KindCancel:
		var body CancelBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return Reply{OK: false, Code: CodeBadRequest}
		}
		cancelled := sink.CancelInFlight(env.EntityID, body.JobID)
		out, err := json.Marshal(CancelResult{Cancelled: cancelled})
		if err != nil {
			return Reply{OK: false, Code: CodeInternal}
		}
		return Reply{OK: true, Body: out}
	default:
		return Reply{OK: false, Code: CodeBadRequest}
	}
}

// sendDeadline folds the transport budget into the caller's context.
func sendDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// classify wraps transport failures: deadline expiry becomes ErrSendTimeout
// so the router can treat a slow peer distinctly from a broken one.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("op=%s: %w", op, domain.ErrSendTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrSendTimeout)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

func recordSend(transport string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrSendTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	observability.TransportSendsTotal.WithLabelValues(transport, outcome).Inc()
}

// fallbackClient implements the auto mode: socket first, HTTP when the
// socket exchange fails. A peer that only speaks HTTP swallows the socket
// frame until the deadline, so the timeout falls back too.
type fallbackClient struct {
	primary  Client
	fallback Client
}

func (c *fallbackClient) Connect(ctx context.Context, addr domain.RunnerAddress) error {
	if err := c.primary.Connect(ctx, addr); err != nil {
		return c.fallback.Connect(ctx, addr)
	}
	return nil
}

func (c *fallbackClient) Send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	rep, err := c.primary.Send(ctx, addr, env)
	if err != nil {
		return c.fallback.Send(ctx, addr, env)
	}
	return rep, err
}

func (c *fallbackClient) Close() error {
	err := c.primary.Close()
	if ferr := c.fallback.Close(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// entityPath is the single internal route all HTTP-mode traffic uses.
const entityPath = "/internal/entity"

type httpTransportServer struct {
	bind string
	sink LocalSink

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func newHTTPServer(bind string, sink LocalSink) *httpTransportServer {
	return &httpTransportServer{bind: bind, sink: sink}
}

func (s *httpTransportServer) Start() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("op=transport.http_listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(entityPath, s.handle)
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  SendTimeout * 10,
		WriteTimeout: SendTimeout * 10,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()
	go func() { _ = srv.Serve(ln) }()
	slog.Info("cluster transport listening", slog.String("transport", "http"), slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *httpTransportServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeReply(w, http.StatusBadRequest, Reply{OK: false, Code: CodeBadRequest})
		return
	}
	rep := handleEnvelope(r.Context(), s.sink, env)
	writeReply(w, http.StatusOK, rep)
}

func writeReply(w http.ResponseWriter, status int, rep Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}

func (s *httpTransportServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *httpTransportServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("op=transport.http_shutdown: %w", err)
	}
	return nil
}

type httpClient struct {
	client *http.Client
}

func newHTTPClient() *httpClient {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Transport %s %s", r.Method, r.URL.Host)
		}),
	)
	return &httpClient{client: &http.Client{Timeout: SendTimeout, Transport: transport}}
}

// Connect is a no-op: net/http pools connections on demand.
func (c *httpClient) Connect(context.Context, domain.RunnerAddress) error { return nil }

func (c *httpClient) Send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	rep, err := c.send(ctx, addr, env)
	recordSend("http", err)
	return rep, err
}

func (c *httpClient) send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Reply{}, fmt.Errorf("op=transport.http_send: %w", err)
	}
	url := fmt.Sprintf("http://%s:%d%s", addr.RunnerHost, addr.RunnerPort, entityPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("op=transport.http_send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Reply{}, classify("transport.http_send", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var rep Reply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return Reply{}, fmt.Errorf("op=transport.http_send: decode: %w", err)
	}
	return rep, nil
}

func (c *httpClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

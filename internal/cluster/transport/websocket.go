package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// wsPath is where the websocket transport upgrades.
const wsPath = "/internal/entity/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Runner-to-runner traffic; origin checks belong to the public API.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsServer struct {
	bind string
	sink LocalSink

	mu    sync.Mutex
	ln    net.Listener
	srv   *http.Server
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

func newWSServer(bind string, sink LocalSink) *wsServer {
	return &wsServer{bind: bind, sink: sink, conns: make(map[*websocket.Conn]struct{})}
}

func (s *wsServer) Start() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("op=transport.ws_listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.upgrade)
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()
	go func() { _ = srv.Serve(ln) }()
	slog.Info("cluster transport listening", slog.String("transport", "websocket"), slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *wsServer) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	go s.serveConn(conn)
}

// serveConn answers envelopes in arrival order. The protocol is strict
// request/reply per connection, so no correlation ids are needed.
func (s *wsServer) serveConn(conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	conn.SetReadLimit(maxFrame)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(socketIdle))
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		rep := handleEnvelope(context.Background(), s.sink, env)
		_ = conn.SetWriteDeadline(time.Now().Add(SendTimeout))
		if err := conn.WriteJSON(rep); err != nil {
			return
		}
	}
}

func (s *wsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *wsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("op=transport.ws_shutdown: %w", err)
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=transport.ws_shutdown: %w", ctx.Err())
	}
}

// wsConn serializes one request/reply exchange per peer connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

type wsClient struct {
	mu     sync.Mutex
	dialer *websocket.Dialer
	peers  map[string]*wsConn
}

func newWSClient() *wsClient {
	return &wsClient{
		dialer: &websocket.Dialer{HandshakeTimeout: SendTimeout},
		peers:  make(map[string]*wsConn),
	}
}

func (c *wsClient) peer(addr domain.RunnerAddress) *wsConn {
	key := fmt.Sprintf("%s:%d", addr.RunnerHost, addr.RunnerPort)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[key]
	if !ok {
		p = &wsConn{}
		c.peers[key] = p
	}
	return p
}

func (c *wsClient) Connect(ctx context.Context, addr domain.RunnerAddress) error {
	p := c.peer(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.ensure(ctx, addr, p)
}

// ensure dials the peer if needed. Callers hold p.mu.
func (c *wsClient) ensure(ctx context.Context, addr domain.RunnerAddress, p *wsConn) error {
	if p.conn != nil {
		return nil
	}
	url := fmt.Sprintf("ws://%s:%d%s", addr.RunnerHost, addr.RunnerPort, wsPath)
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return classify("transport.ws_dial", err)
	}
	conn.SetReadLimit(maxFrame)
	p.conn = conn
	return nil
}

func (c *wsClient) Send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	rep, err := c.send(ctx, addr, env)
	recordSend("websocket", err)
	return rep, err
}

func (c *wsClient) send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	p := c.peer(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := c.ensure(ctx, addr, p); err != nil {
		return Reply{}, err
	}
	deadline := sendDeadline(ctx)
	_ = p.conn.SetWriteDeadline(deadline)
	if err := p.conn.WriteJSON(env); err != nil {
		c.drop(p)
		return Reply{}, classify("transport.ws_send", err)
	}
	_ = p.conn.SetReadDeadline(deadline)
	var rep Reply
	if err := p.conn.ReadJSON(&rep); err != nil {
		c.drop(p)
		return Reply{}, classify("transport.ws_send", err)
	}
	return rep, nil
}

// drop discards a broken connection so the next send re-dials. Callers hold
// p.mu.
func (c *wsClient) drop(p *wsConn) {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		p.mu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
			p.conn = nil
		}
		p.mu.Unlock()
	}
	c.peers = make(map[string]*wsConn)
	return nil
}

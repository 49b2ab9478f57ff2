package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/domain"
)

const (
	// maxFrame caps one frame; payloads are job records, not blobs.
	maxFrame = 4 << 20
	// socketIdle is how long a server keeps a quiet inbound connection.
	socketIdle = 5 * time.Minute
)

// writeFrame sends one length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=transport.write_frame: %w", err)
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("op=transport.write_frame: frame %d exceeds cap", len(payload))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("op=transport.write_frame: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("op=transport.write_frame: %w", err)
	}
	return nil
}

// readFrame receives one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v any) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return fmt.Errorf("op=transport.read_frame: %w", err)
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > maxFrame {
		return fmt.Errorf("op=transport.read_frame: frame %d exceeds cap", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("op=transport.read_frame: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("op=transport.read_frame: %w", err)
	}
	return nil
}

type socketServer struct {
	bind string
	sink LocalSink

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newSocketServer(bind string, sink LocalSink) *socketServer {
	return &socketServer{bind: bind, sink: sink, conns: make(map[net.Conn]struct{})}
}

func (s *socketServer) Start() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("op=transport.socket_listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
	slog.Info("cluster transport listening", slog.String("transport", "socket"), slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *socketServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *socketServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *socketServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(socketIdle))
		var env Envelope
		if err := readFrame(conn, &env); err != nil {
			return
		}
		rep := handleEnvelope(context.Background(), s.sink, env)
		_ = conn.SetWriteDeadline(time.Now().Add(SendTimeout))
		if err := writeFrame(conn, rep); err != nil {
			return
		}
	}
}

func (s *socketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
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
		return fmt.Errorf("op=transport.socket_shutdown: %w", ctx.Err())
	}
}

// socketConn serializes one request/reply exchange per peer connection.
type socketConn struct {
	mu   sync.Mutex
	conn net.Conn
}

type socketClient struct {
	mu    sync.Mutex
	peers map[string]*socketConn
}

func newSocketClient() *socketClient {
	return &socketClient{peers: make(map[string]*socketConn)}
}

func (c *socketClient) peer(addr domain.RunnerAddress) *socketConn {
	key := fmt.Sprintf("%s:%d", addr.RunnerHost, addr.RunnerPort)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[key]
	if !ok {
		p = &socketConn{}
		c.peers[key] = p
	}
	return p
}

func (c *socketClient) Connect(ctx context.Context, addr domain.RunnerAddress) error {
	p := c.peer(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.ensure(ctx, addr, p)
}

// ensure dials the peer if needed. Callers hold p.mu.
func (c *socketClient) ensure(ctx context.Context, addr domain.RunnerAddress, p *socketConn) error {
	if p.conn != nil {
		return nil
	}
	d := net.Dialer{Deadline: sendDeadline(ctx)}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr.RunnerHost, addr.RunnerPort))
	if err != nil {
		return classify("transport.socket_dial", err)
	}
	p.conn = conn
	return nil
}

func (c *socketClient) Send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	rep, err := c.send(ctx, addr, env)
	recordSend("socket", err)
	return rep, err
}

func (c *socketClient) send(ctx context.Context, addr domain.RunnerAddress, env Envelope) (Reply, error) {
	p := c.peer(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := c.ensure(ctx, addr, p); err != nil {
		return Reply{}, err
	}
	_ = p.conn.SetDeadline(sendDeadline(ctx))
	if err := writeFrame(p.conn, env); err != nil {
		c.drop(p)
		return Reply{}, classify("transport.socket_send", err)
	}
	var rep Reply
	if err := readFrame(p.conn, &rep); err != nil {
		c.drop(p)
		return Reply{}, classify("transport.socket_send", err)
	}
	return rep, nil
}

// drop discards a broken connection so the next send re-dials. Callers hold
// p.mu.
func (c *socketClient) drop(p *socketConn) {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (c *socketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, p := range c.peers {
		p.mu.Lock()
		if p.conn != nil {
			if err := p.conn.Close(); err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
				firstErr = err
			}
			p.conn = nil
		}
		p.mu.Unlock()
	}
	c.peers = make(map[string]*socketConn)
	return firstErr
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/cnl"
	"github.com/kstaniek/go-canio/internal/hub"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/transport"
)

// Backend is the transmit side of the CAN device behind the gateway,
// usually the Tx half of a split device.
type Backend interface {
	TrySend(can.Frame) error
}

// Server owns the TCP listener and coordinates client lifecycle. Frames
// from clients go to Backend; frames for clients arrive through Hub.
type Server struct {
	mu      sync.RWMutex
	addr    string
	Hub     *hub.Hub
	Codec   transport.FrameDecoder // *cnl.Codec implements
	Backend Backend

	frameFilter func(*can.Frame) bool

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	listener         net.Listener
	clientsMu        sync.RWMutex
	clients          map[*hub.Client]net.Conn
	wg               sync.WaitGroup
	logger           *slog.Logger
	connIDs          atomic.Uint64
	count            counters
}

// counters are the lifetime totals reported by Stats.
type counters struct {
	accepted, handshakeFail, connected, disconnected atomic.Uint64
	backendOverflow, backendErrors                   atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Codec == nil {
		s.Codec = &cnl.Codec{}
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption            { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption                { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.FrameDecoder) ServerOption { return func(s *Server) { s.Codec = c } }
func WithBackend(b Backend) ServerOption              { return func(s *Server) { s.Backend = b } }
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return ifPositive(d, func(s *Server) *time.Duration { return &s.flushInterval })
}
func WithBatchSize(n int) ServerOption {
	return ifPositive(n, func(s *Server) *int { return &s.batchSize })
}
func WithReadDeadline(d time.Duration) ServerOption {
	return ifPositive(d, func(s *Server) *time.Duration { return &s.readDeadline })
}
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return ifPositive(d, func(s *Server) *time.Duration { return &s.handshakeTimeout })
}

// WithMaxClients caps concurrent clients; n <= 0 means unlimited.
func WithMaxClients(n int) ServerOption {
	return ifPositive(n, func(s *Server) *int { return &s.maxClients })
}

// ifPositive builds an option that stores v in the field picked by field,
// leaving the default in place for zero or negative values.
func ifPositive[T int | time.Duration](v T, field func(*Server) *T) ServerOption {
	return func(s *Server) {
		if v > 0 {
			*field(s) = v
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and spawns reader/writer goroutines.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return s.record(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection and hands it to admit.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		return s.record(ErrAccept, err)
	}
	s.count.accepted.Add(1)
	connID := s.connIDs.Add(1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit(ctx, conn, connLogger)
	}()
	return nil
}

// admit runs the handshake off the accept loop, then registers the client
// and spawns its IO goroutines.
func (s *Server) admit(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	if err := s.CannelloniHandshake(ctx, conn); err != nil {
		wrap := s.record(ErrHandshake, err)
		s.count.handshakeFail.Add(1)
		logger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	client := s.Hub.NewClient()
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.count.connected.Add(1)
	logger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, client, logger)
	s.startReader(ctx.Done(), conn, client, logger)
}

// CannelloniHandshake runs the required TCP hello exchange.
func (s *Server) CannelloniHandshake(ctx context.Context, c net.Conn) error {
	return cnl.Handshake(ctx, c, s.handshakeTimeout)
}

// Stats is a copy of the server's lifetime counters.
type Stats struct {
	Accepted        uint64
	HandshakeFail   uint64
	Connected       uint64
	Disconnected    uint64
	BackendOverflow uint64
	BackendErrors   uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted:        s.count.accepted.Load(),
		HandshakeFail:   s.count.handshakeFail.Load(),
		Connected:       s.count.connected.Load(),
		Disconnected:    s.count.disconnected.Load(),
		BackendOverflow: s.count.backendOverflow.Load(),
		BackendErrors:   s.count.backendErrors.Load(),
	}
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.RLock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		cl.Close()
	}
	s.clientsMu.RUnlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary", "accepted", st.Accepted, "handshake_fail", st.HandshakeFail, "connected", st.Connected, "disconnected", st.Disconnected, "backend_overflow", st.BackendOverflow, "backend_errors", st.BackendErrors)
		return nil
	}
}

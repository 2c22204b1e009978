package ws

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Server is the Server Acceptor (spec.md §4.E): a bound listening socket
// that spawns a connection handler per accepted transport, subject to
// max_connections.
type Server struct {
	listener net.Listener
	handler  Handler
	cfg      serverConfig
	sem      *semaphore.Weighted

	onAcceptError func(err error)

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	done      chan struct{}
	closeHook func(*Server)
}

// NewServer binds a plaintext listener on addr and returns a Server that
// has not yet started accepting; call Serve to run its accept loop.
func NewServer(addr string, handler Handler, opts ...ServerOption) (*Server, error) {
	cfg := newServerConfig(opts...)
	addr, err := effectiveListenAddr(addr, cfg.bindAddr)
	if err != nil {
		return nil, newErr(KindInternalError, err)
	}
	ln, err := listenConfig().Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, newErr(KindInternalError, err)
	}
	logBoundListener(cfg, ln.Addr())
	return newServerFromListener(ln, handler, cfg), nil
}

// NewSecureServer binds a TLS listener on addr using sc for certificate
// material.
func NewSecureServer(addr string, handler Handler, sc *SecureContext, opts ...ServerOption) (*Server, error) {
	cfg := newServerConfig(opts...)
	addr, err := effectiveListenAddr(addr, cfg.bindAddr)
	if err != nil {
		return nil, newErr(KindInternalError, err)
	}
	tlsCfg, err := sc.Config()
	if err != nil {
		return nil, err
	}
	ln, err := listenConfig().Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, newErr(KindInternalError, err)
	}
	logBoundListener(cfg, ln.Addr())
	return newServerFromListener(tls.NewListener(ln, tlsCfg), handler, cfg), nil
}

func logBoundListener(cfg serverConfig, addr net.Addr) {
	cfg.params.Logger.Info("listener bound",
		slog.String("addr", addr.String()),
		slog.Int("configured_backlog", cfg.params.Backlog))
}

// effectiveListenAddr folds WithBindAddress into addr: bindAddr overrides
// the host addr names (typically ":port" or "0.0.0.0:port") while keeping
// addr's port, so a caller can bind a specific interface without having to
// restate the port in both places.
func effectiveListenAddr(addr, bindAddr string) (string, error) {
	if bindAddr == "" {
		return addr, nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(bindAddr, port), nil
}

// listenConfig returns the net.ListenConfig every Server binds through. Go's
// net package does not expose the kernel listen() backlog argument — unlike
// frameworks with raw socket access, there is no portable stdlib hook for
// it, so Params.Backlog is not (and cannot honestly be) wired into the
// syscall; it remains part of Params for API parity with the other
// WsParameters fields and is surfaced in logs so operators can see the
// configured intent even though the OS default (net.core.somaxconn on
// Linux) governs the real queue depth.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}

func newServerFromListener(ln net.Listener, handler Handler, cfg serverConfig) *Server {
	maxConns := cfg.maxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConnections
	}
	return &Server{
		listener: ln,
		handler:  handler,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(maxConns)),
		conns:    make(map[*Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// onClose registers fn to run exactly once when the server stops (Close),
// firing immediately if it already has. The Endpoint uses this to keep its
// live-server set accurate.
func (s *Server) onClose(fn func(*Server)) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		fn(s)
		return
	default:
	}
	s.closeHook = fn
	s.mu.Unlock()
}

// OnAcceptError registers a callback invoked when Accept fails while the
// server is still meant to be running; after it fires the server stops.
func (s *Server) OnAcceptError(fn func(err error)) { s.onAcceptError = fn }

// Serve runs the accept loop until the listener is closed. It returns nil
// on a clean shutdown (Close called) and the triggering error otherwise.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if s.onAcceptError != nil {
				s.onAcceptError(err)
			}
			return newErr(KindInternalError, err)
		}
		go s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(netConn net.Conn) {
	br := bufio.NewReader(netConn)
	bw := bufio.NewWriter(netConn)

	deadline := s.cfg.params.HandshakeTimeout
	if deadline <= 0 {
		deadline = defaultHandshakeTimeout
	}

	res, err := serverHandshake(netConn, br, bw, time.Now().Add(deadline), s.cfg.params.Subprotocols)
	if err != nil {
		s.cfg.params.Logger.Warn("handshake failed", slog.String("remote", netConn.RemoteAddr().String()), slog.Any("error", err))
		_ = netConn.Close()
		return
	}

	if !s.sem.TryAcquire(1) {
		s.cfg.params.Logger.Warn("rejecting connection over capacity",
			slog.String("remote", netConn.RemoteAddr().String()),
			slog.Any("error", capacityExceededError()))
		s.rejectOverCapacity(bw)
		_ = netConn.Close()
		return
	}
	defer s.sem.Release(1)

	c := newConn(RoleServer, netConn, br, bw, s.handler, s.cfg.params)
	c.requestHeaders = res.Request.Header
	c.requestURI = res.Request.URL.String()
	c.subprotocol = res.Subprotocol
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		c.tlsProtocol = tls.VersionName(tlsConn.ConnectionState().Version)
	}

	s.track(c)
	defer s.untrack(c)

	c.run()
}

// rejectOverCapacity sends CLOSE(TRY_AGAIN_LATER) on a connection that
// completed its handshake after max_connections was already reached.
func (s *Server) rejectOverCapacity(bw *bufio.Writer) {
	payload := make([]byte, 2)
	payload[0] = byte(TryAgainLater >> 8)
	payload[1] = byte(TryAgainLater)
	f := &Frame{Fin: true, Opcode: OpClose, Payload: payload}
	_ = f.Encode(bw, RoleServer)
	_ = bw.Flush()
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ListConnections returns a snapshot of the server's currently live
// connections.
func (s *Server) ListConnections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting new connections and closes every live child
// connection with GOING_AWAY and reason.
func (s *Server) Close(reason string) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
		close(s.done)
	}
	hook := s.closeHook
	s.mu.Unlock()

	err := s.listener.Close()

	for _, c := range s.ListConnections() {
		_ = c.Close(GoingAway, reason)
	}

	if hook != nil {
		hook(s)
	}
	return err
}

// ServeContext runs Serve and stops it when ctx is done.
func (s *Server) ServeContext(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close("context canceled")
	}()
	return s.Serve()
}

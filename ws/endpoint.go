package ws

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Endpoint is the process-wide registry of live Connections and live
// Servers (spec.md §4.D). Construct it with NewEndpoint: the zero value's
// registry maps are nil, so tracking a server or connection on it panics.
type Endpoint struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	servers map[*Server]struct{}

	keyFile, keyPass     string
	trustFile, trustPass string
	secureOnce           sync.Once
	secureCtx            *SecureContext
}

// NewEndpoint returns a ready-to-use Endpoint.
func NewEndpoint() *Endpoint {
	return &Endpoint{
		conns:   make(map[*Conn]struct{}),
		servers: make(map[*Server]struct{}),
	}
}

// SetKeyFile configures the keystore used to build this endpoint's
// SecureContext for secure_server. Must be called before the first
// SecureServer/ConnectSecure call.
func (e *Endpoint) SetKeyFile(path, passphrase string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyFile, e.keyPass = path, passphrase
}

// SetTrustStore configures the trust store used to validate peers dialed
// via ConnectSecure.
func (e *Endpoint) SetTrustStore(path, passphrase string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trustFile, e.trustPass = path, passphrase
}

func (e *Endpoint) secureContext() *SecureContext {
	e.secureOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.secureCtx = NewSecureContext(e.keyFile, e.keyPass, e.trustFile, e.trustPass)
	})
	return e.secureCtx
}

// Server starts a plaintext server listening on addr.
func (e *Endpoint) Server(addr string, handler Handler, opts ...ServerOption) (*Server, error) {
	s, err := NewServer(addr, handler, opts...)
	if err != nil {
		return nil, err
	}
	e.trackServer(s)
	return s, nil
}

// SecureServer starts a TLS server listening on addr using the endpoint's
// configured SecureContext (see SetKeyFile).
func (e *Endpoint) SecureServer(addr string, handler Handler, opts ...ServerOption) (*Server, error) {
	s, err := NewSecureServer(addr, handler, e.secureContext(), opts...)
	if err != nil {
		return nil, err
	}
	e.trackServer(s)
	return s, nil
}

// Connect dials a client connection, tracked by this endpoint.
func (e *Endpoint) Connect(uri string, handler Handler, opts ...DialOption) (*Conn, error) {
	c, err := Dial(uri, handler, opts...)
	if err != nil {
		return nil, err
	}
	e.trackConn(c)
	return c, nil
}

// ConnectSecure dials a wss:// client connection using the endpoint's
// configured SecureContext.
func (e *Endpoint) ConnectSecure(uri string, handler Handler, opts ...DialOption) (*Conn, error) {
	c, err := DialSecure(uri, handler, e.secureContext(), opts...)
	if err != nil {
		return nil, err
	}
	e.trackConn(c)
	return c, nil
}

func (e *Endpoint) trackServer(s *Server) {
	e.mu.Lock()
	e.servers[s] = struct{}{}
	e.mu.Unlock()
	s.onClose(e.untrackServer)
}

func (e *Endpoint) trackConn(c *Conn) {
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
	c.onClose(e.untrackConn)
}

func (e *Endpoint) untrackServer(s *Server) {
	e.mu.Lock()
	delete(e.servers, s)
	e.mu.Unlock()
}

func (e *Endpoint) untrackConn(c *Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

// ListConnections returns a snapshot of client-initiated connections
// tracked directly by this endpoint (not those owned by a Server).
func (e *Endpoint) ListConnections() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		out = append(out, c)
	}
	return out
}

// ListServers returns a snapshot of live servers.
func (e *Endpoint) ListServers() []*Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Server, 0, len(e.servers))
	for s := range e.servers {
		out = append(out, s)
	}
	return out
}

// CloseAll stops every server (closing its children with GOING_AWAY and
// reason) and closes every endpoint-owned client connection, all
// concurrently, waiting for the fan-out to finish.
func (e *Endpoint) CloseAll(reason string) error {
	var g errgroup.Group

	for _, s := range e.ListServers() {
		s := s
		g.Go(func() error { return s.Close(reason) })
	}
	for _, c := range e.ListConnections() {
		c := c
		g.Go(func() error { return c.Close(GoingAway, reason) })
	}

	return g.Wait()
}

package ws

import (
	"log/slog"
	"time"
)

// Params holds the configuration parameters a Connection or Server is
// constructed with. Zero values are replaced with the documented defaults
// by withDefaults, except Ping: it is kept as given (false in a zero
// Params), and DefaultParams is what enables it.
type Params struct {
	HandshakeTimeout time.Duration // handshake_so_timeout
	ConnectionTimeout time.Duration // connection_so_timeout
	Ping              bool

	MaxMessageLength    uint64
	PayloadBufferLength uint64

	// Backlog is the desired accept queue depth (connection_backlog). Go's
	// net package does not expose the listen() backlog argument to
	// callers, so this value cannot be pushed down to the kernel; it is
	// recorded here for API parity and logged at bind time so operators
	// can still see the configured intent.
	Backlog      int
	Subprotocols []string

	Logger *slog.Logger
}

const (
	defaultHandshakeTimeout  = 30 * time.Second
	defaultConnectionTimeout = 60 * time.Second
	defaultMaxMessageLength  = 1 << 20 // 1 MiB
	defaultPayloadBuffer     = 32 * 1024
	defaultBacklog           = 128
	defaultMaxConnections    = 8
)

func (p Params) withDefaults() Params {
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = defaultHandshakeTimeout
	}
	if p.ConnectionTimeout <= 0 {
		p.ConnectionTimeout = defaultConnectionTimeout
	}
	if p.MaxMessageLength == 0 {
		p.MaxMessageLength = defaultMaxMessageLength
	}
	if p.PayloadBufferLength == 0 {
		p.PayloadBufferLength = defaultPayloadBuffer
	}
	if p.Backlog == 0 {
		p.Backlog = defaultBacklog
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// DefaultParams returns Params with every field set to its documented
// default, Ping enabled.
func DefaultParams() Params {
	return Params{Ping: true}.withDefaults()
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

type serverConfig struct {
	params        Params
	maxConns      int
	bindAddr      string
	tls           *SecureContext
}

// WithParams sets the WsParameters-equivalent configuration.
func WithParams(p Params) ServerOption {
	return func(c *serverConfig) { c.params = p }
}

// WithMaxConnections overrides the default max_connections (8).
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) { c.maxConns = n }
}

// WithBindAddress sets the interface address to bind to; empty means all
// interfaces.
func WithBindAddress(addr string) ServerOption {
	return func(c *serverConfig) { c.bindAddr = addr }
}

func withSecureContext(sc *SecureContext) ServerOption {
	return func(c *serverConfig) { c.tls = sc }
}

func newServerConfig(opts ...ServerOption) serverConfig {
	cfg := serverConfig{params: DefaultParams(), maxConns: defaultMaxConnections}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.params = cfg.params.withDefaults()
	return cfg
}

// DialOption configures a client Connect call.
type DialOption func(*dialConfig)

type dialConfig struct {
	params Params
}

func WithDialParams(p Params) DialOption {
	return func(c *dialConfig) { c.params = p }
}

func newDialConfig(opts ...DialOption) dialConfig {
	cfg := dialConfig{params: DefaultParams()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.params = cfg.params.withDefaults()
	return cfg
}

package ws

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"
)

// Dial connects to the ws:// or wss:// URI raw and runs the client-role
// handshake. On success it starts the connection's inbound loop in a new
// goroutine and returns without waiting for on_open, which fires on that
// goroutine; handler receives all subsequent events.
func Dial(raw string, handler Handler, opts ...DialOption) (*Conn, error) {
	return dial(raw, handler, nil, opts...)
}

// DialSecure connects using an explicit SecureContext instead of the
// platform default trust store. raw must use the wss scheme.
func DialSecure(raw string, handler Handler, sc *SecureContext, opts ...DialOption) (*Conn, error) {
	return dial(raw, handler, sc, opts...)
}

func dial(raw string, handler Handler, sc *SecureContext, opts ...DialOption) (*Conn, error) {
	cfg := newDialConfig(opts...)

	u, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}

	netConn, err := dialTransport(u, sc)
	if err != nil {
		return nil, newErr(KindHandshakeFailed, err)
	}

	br := bufio.NewReader(netConn)
	bw := bufio.NewWriter(netConn)

	deadline := cfg.params.HandshakeTimeout
	if deadline <= 0 {
		deadline = defaultHandshakeTimeout
	}

	res, err := clientHandshake(netConn, br, bw, u, cfg.params.Subprotocols, time.Now().Add(deadline))
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	c := newConn(RoleClient, netConn, br, bw, handler, cfg.params)
	c.requestURI = raw
	c.subprotocol = res.Subprotocol
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		c.tlsProtocol = tls.VersionName(tlsConn.ConnectionState().Version)
	}

	go c.run()
	return c, nil
}

func dialTransport(u *URI, sc *SecureContext) (net.Conn, error) {
	if !u.Secure {
		return net.Dial("tcp", u.Host)
	}
	if sc == nil {
		return tls.Dial("tcp", u.Host, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	tlsCfg, err := sc.Config()
	if err != nil {
		return nil, err
	}
	return tls.Dial("tcp", u.Host, tlsCfg)
}

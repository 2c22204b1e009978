package ws

import "io"

// Handler is the capability set of event callbacks a Connection delivers
// to application code. All callbacks for a given connection are serialized
// and form a happens-before chain: OnOpen, then every OnMessage/OnError,
// then exactly one OnClose.
type Handler struct {
	// OnOpen fires once the handshake completes and the connection
	// transitions to OPEN.
	OnOpen func(c *Conn)

	// OnMessage delivers one reassembled message once its final frame has
	// arrived: stream reads the complete message from memory; isText
	// distinguishes TEXT from BINARY. The next frame is not read until
	// OnMessage returns.
	OnMessage func(c *Conn, stream io.Reader, isText bool)

	// OnError is a best-effort notification; the connection may still
	// transition to CLOSED afterwards.
	OnError func(c *Conn, err error)

	// OnClose fires exactly once, after the transport has been released.
	OnClose func(c *Conn, status Status)
}

func (h Handler) fireOpen(c *Conn) {
	if h.OnOpen != nil {
		h.OnOpen(c)
	}
}

func (h Handler) fireMessage(c *Conn, r io.Reader, isText bool) {
	if h.OnMessage != nil {
		h.OnMessage(c, r, isText)
	}
}

func (h Handler) fireError(c *Conn, err error) {
	if h.OnError != nil {
		h.OnError(c, err)
	}
}

func (h Handler) fireClose(c *Conn, status Status) {
	if h.OnClose != nil {
		h.OnClose(c, status)
	}
}

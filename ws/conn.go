package ws

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of a Connection (spec.md §3).
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseOpen:
		return "OPEN"
	case PhaseClosing:
		return "CLOSING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var errNotOpen = errors.New("websocket: connection is not open")

// Conn is a single WebSocket connection: the Connection Machine of
// spec.md §4.C. It owns the byte stream and drives the inbound loop.
type Conn struct {
	id   uuid.UUID
	role Role

	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	writeMu sync.Mutex

	handler Handler
	params  Params
	logger  *slog.Logger

	stateMu        sync.Mutex
	phase          Phase
	status         Status
	closeInitiated bool
	closeCond      *sync.Cond

	subprotocol string
	peerHost    string
	tlsProtocol string

	requestURI     string
	requestHeaders http.Header

	// reassembly state, owned by the single inbound-loop goroutine.
	msgOpcode   Opcode
	msgBuf      bytes.Buffer
	msgActive   bool
	pingPending bool

	closeHook func(*Conn)
}

func newConn(role Role, netConn net.Conn, br *bufio.Reader, bw *bufio.Writer, handler Handler, params Params) *Conn {
	c := &Conn{
		id:      uuid.New(),
		role:    role,
		netConn: netConn,
		br:      br,
		bw:      bw,
		handler: handler,
		params:  params,
		logger:  params.Logger,
		phase:   PhaseConnecting,
	}
	c.closeCond = sync.NewCond(&c.stateMu)
	if host, _, err := net.SplitHostPort(netConn.RemoteAddr().String()); err == nil {
		c.peerHost = host
	} else {
		c.peerHost = netConn.RemoteAddr().String()
	}
	return c
}

// ID returns the connection's registry identity.
func (c *Conn) ID() uuid.UUID { return c.id }

// IsOpen reports whether the connection is currently in the OPEN phase.
func (c *Conn) IsOpen() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.phase == PhaseOpen
}

// GetPhase returns the current lifecycle phase.
func (c *Conn) GetPhase() Phase {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.phase
}

// GetStatus returns the terminal status once the connection has closed; ok
// is false while still CONNECTING/OPEN/CLOSING.
func (c *Conn) GetStatus() (status Status, ok bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.phase != PhaseClosed {
		return Status{}, false
	}
	return c.status, true
}

func (c *Conn) Subprotocol() string        { return c.subprotocol }
func (c *Conn) PeerHost() string           { return c.peerHost }
func (c *Conn) TLSProtocol() string        { return c.tlsProtocol }
func (c *Conn) RequestURI() string         { return c.requestURI }
func (c *Conn) RequestHeaders() http.Header { return c.requestHeaders }

func (c *Conn) setPhase(p Phase) {
	c.stateMu.Lock()
	c.phase = p
	c.stateMu.Unlock()
	c.closeCond.Broadcast()
}

// onClose registers fn to run exactly once when the connection reaches
// CLOSED, firing immediately if it already has. Owning registries (the
// Endpoint) use this to keep their live-connection set accurate without
// polling GetPhase.
func (c *Conn) onClose(fn func(*Conn)) {
	c.stateMu.Lock()
	if c.phase == PhaseClosed {
		c.stateMu.Unlock()
		fn(c)
		return
	}
	c.closeHook = fn
	c.stateMu.Unlock()
}

// --- sending ---------------------------------------------------------------

// SendText sends s as a single logical TEXT message, fragmented at
// PayloadBufferLength boundaries.
func (c *Conn) SendText(s string) error {
	return c.sendFragmented(OpText, bytes.NewReader([]byte(s)))
}

// SendBinary sends p as a single logical BINARY message, fragmented at
// PayloadBufferLength boundaries.
func (c *Conn) SendBinary(p []byte) error {
	return c.sendFragmented(OpBinary, bytes.NewReader(p))
}

// SendStream sends a message pulled from r, flagging the final frame when r
// signals EOF.
func (c *Conn) SendStream(isText bool, r io.Reader) error {
	op := OpBinary
	if isText {
		op = OpText
	}
	return c.sendFragmented(op, r)
}

func (c *Conn) sendFragmented(op Opcode, r io.Reader) error {
	if !c.IsOpen() {
		return newErr(KindNotOpen, errNotOpen)
	}

	chunkSize := int(c.params.PayloadBufferLength)
	if chunkSize <= 0 {
		chunkSize = defaultPayloadBuffer
	}

	buf := make([]byte, chunkSize)
	first := true
	for {
		n, readErr := io.ReadFull(r, buf)
		last := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !last {
			return newErr(KindInternalError, readErr)
		}

		opcode := OpContinuation
		if first {
			opcode = op
		}
		if err := c.writeFrame(&Frame{Fin: last, Opcode: opcode, Payload: buf[:n]}); err != nil {
			return err
		}
		first = false
		if last {
			return nil
		}
	}
}

func (c *Conn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := f.Encode(c.bw, c.role); err != nil {
		return newErr(KindInternalError, err)
	}
	return c.bw.Flush()
}

// --- closing -----------------------------------------------------------------

// Close initiates the close handshake with code/reason. It is idempotent:
// calling it more than once, or after the peer has already closed, is a
// no-op.
func (c *Conn) Close(code StatusCode, reason string) error {
	c.stateMu.Lock()
	if c.phase == PhaseClosed || c.phase == PhaseClosing {
		c.stateMu.Unlock()
		return nil
	}
	c.phase = PhaseClosing
	c.closeInitiated = true
	c.stateMu.Unlock()
	c.closeCond.Broadcast()

	return c.sendClose(code, reason)
}

func (c *Conn) sendClose(code StatusCode, reason string) error {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return c.writeFrame(&Frame{Fin: true, Opcode: OpClose, Payload: payload})
}

// teardown closes the transport and fires on_close exactly once.
func (c *Conn) teardown(status Status) {
	c.stateMu.Lock()
	alreadyClosed := c.phase == PhaseClosed
	c.phase = PhaseClosed
	c.status = status
	hook := c.closeHook
	c.stateMu.Unlock()
	c.closeCond.Broadcast()

	if alreadyClosed {
		return
	}
	_ = c.netConn.Close()
	c.logger.Debug("connection closed",
		slog.String("id", c.id.String()),
		slog.String("remote", c.peerHost),
		slog.Int("code", int(status.Code)),
	)
	c.handler.fireClose(c, status)
	if hook != nil {
		hook(c)
	}
}

// --- inbound loop ------------------------------------------------------------

// run drives the connection after a successful handshake: it fires
// on_open, then loops decoding frames until the connection closes, then
// fires on_close exactly once.
func (c *Conn) run() {
	// Close may already have moved a not-yet-running connection to
	// CLOSING; only a connection still CONNECTING becomes OPEN.
	c.stateMu.Lock()
	if c.phase == PhaseConnecting {
		c.phase = PhaseOpen
	}
	c.stateMu.Unlock()
	c.closeCond.Broadcast()
	c.handler.fireOpen(c)

	for {
		deadline := c.readDeadline()
		if deadline > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(deadline))
		}

		f, err := DecodeFrame(c.br, c.role, c.maxMessageLength())
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		c.pingPending = false

		if done := c.dispatch(f); done {
			return
		}
	}
}

func (c *Conn) readDeadline() time.Duration {
	if c.params.ConnectionTimeout > 0 {
		return c.params.ConnectionTimeout
	}
	return defaultConnectionTimeout
}

// handleReadError processes a read-side failure: a timeout triggers the
// ping policy (returning false to keep looping), anything else is a fatal
// transport/protocol error (returning true to end run()).
func (c *Conn) handleReadError(err error) bool {
	var wsErr *Error
	if errors.As(err, &wsErr) {
		c.handler.fireError(c, wsErr)
		c.sendClose(statusForKind(wsErr.Kind), wsErr.Error())
		c.teardown(Status{Code: statusForKind(wsErr.Kind), Reason: wsErr.Error()})
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if !c.params.Ping {
			c.teardown(Status{Code: AbnormalClosure, Reason: "read timeout"})
			return true
		}
		if c.pingPending {
			c.handler.fireError(c, newErr(KindAbnormalClosure, err))
			c.teardown(Status{Code: AbnormalClosure, Reason: "liveness timeout"})
			return true
		}
		c.pingPending = true
		_ = c.writeFrame(&Frame{Fin: true, Opcode: OpPing, Payload: []byte("keepalive")})
		return false
	}

	// EOF or other transport error: treat as abnormal closure unless we
	// already initiated a local close, in which case the peer simply hung
	// up after (or instead of) echoing our CLOSE.
	c.stateMu.Lock()
	initiated := c.closeInitiated
	existing := c.status
	c.stateMu.Unlock()

	if initiated {
		if existing.Code == 0 {
			existing = Status{Code: NormalClosure}
		}
		c.teardown(existing)
	} else {
		c.teardown(Status{Code: AbnormalClosure, Reason: err.Error()})
	}
	return true
}

// dispatch applies one decoded frame to the connection state machine,
// returning true once the connection has reached CLOSED.
func (c *Conn) dispatch(f *Frame) (done bool) {
	switch f.Opcode {
	case OpPing:
		_ = c.writeFrame(&Frame{Fin: true, Opcode: OpPong, Payload: f.Payload})
		return false

	case OpPong:
		return false

	case OpClose:
		return c.handleClose(f)
	}

	// CLOSING: we have already sent our own CLOSE and are waiting on the
	// peer's echo. Discard data frames but keep honoring control frames
	// (handled above), per the state table's "recv other" row.
	if c.GetPhase() == PhaseClosing {
		return false
	}

	switch f.Opcode {
	case OpText, OpBinary:
		if c.msgActive {
			return c.protocolViolation(errUnexpectedDataFrame)
		}
		c.msgActive = true
		c.msgOpcode = f.Opcode
		c.msgBuf.Reset()
		return c.appendAndMaybeDeliver(f)

	case OpContinuation:
		if !c.msgActive {
			return c.protocolViolation(errUnexpectedContinuation)
		}
		return c.appendAndMaybeDeliver(f)

	default:
		return c.protocolViolation(errUnknownOpcode)
	}
}

func (c *Conn) appendAndMaybeDeliver(f *Frame) (done bool) {
	if uint64(c.msgBuf.Len()+len(f.Payload)) > c.maxMessageLength() {
		c.sendClose(MessageTooBig, "message too big")
		c.teardown(Status{Code: MessageTooBig, Reason: "message too big"})
		return true
	}
	c.msgBuf.Write(f.Payload)

	if !f.Fin {
		return false
	}

	isText := c.msgOpcode == OpText
	data := append([]byte(nil), c.msgBuf.Bytes()...)
	c.msgActive = false
	c.msgBuf.Reset()

	if isText && !utf8.Valid(data) {
		c.sendClose(InvalidPayload, "invalid utf-8")
		c.teardown(Status{Code: InvalidPayload, Reason: "invalid utf-8"})
		return true
	}

	c.handler.fireMessage(c, bytes.NewReader(data), isText)
	return false
}

func (c *Conn) maxMessageLength() uint64 {
	if c.params.MaxMessageLength > 0 {
		return c.params.MaxMessageLength
	}
	return defaultMaxMessageLength
}

func (c *Conn) protocolViolation(err error) bool {
	c.handler.fireError(c, newErr(KindProtocolError, err))
	c.sendClose(ProtocolError, err.Error())
	c.teardown(Status{Code: ProtocolError, Reason: err.Error()})
	return true
}

// handleClose implements the CLOSE side of the state table: echo-and-close
// if the peer spoke first, or tear down immediately if we already sent our
// own CLOSE and this is the peer's echo.
func (c *Conn) handleClose(f *Frame) (done bool) {
	code := NoStatus
	reason := ""
	if len(f.Payload) >= 2 {
		code = StatusCode(binary.BigEndian.Uint16(f.Payload[:2]))
		reason = string(f.Payload[2:])
	}
	if len(f.Payload) >= 2 && !validOnWire(code) {
		return c.protocolViolation(errIllegalCloseCode)
	}

	c.stateMu.Lock()
	alreadyClosing := c.phase == PhaseClosing
	c.stateMu.Unlock()

	if alreadyClosing {
		c.teardown(Status{Code: code, Reason: reason})
		return true
	}

	c.setPhase(PhaseClosing)
	echoCode := code
	if len(f.Payload) < 2 {
		echoCode = NormalClosure
	}
	c.sendClose(echoCode, "")
	c.teardown(Status{Code: code, Reason: reason})
	return true
}

package ws

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestDecodeFrame_UnmaskedText(t *testing.T) {
	// "Hello" sent unmasked by a server, as a client decoder would see it.
	raw := []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}
	f, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleClient, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Fin || f.Opcode != OpText || string(f.Payload) != "Hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeFrame_MaskedText(t *testing.T) {
	raw := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	f, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleServer, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Fin || f.Opcode != OpText || !f.Masked || string(f.Payload) != "Hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeFrame_WrongMaskDirection(t *testing.T) {
	// Unmasked frame arriving where the server role expects masked.
	raw := []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}
	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleServer, 0)
	assertProtocolError(t, err)
}

func TestDecodeFrame_ReservedBits(t *testing.T) {
	raw := []byte{0xF1, 0x00}
	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleClient, 0)
	assertProtocolError(t, err)
}

func TestDecodeFrame_UnknownOpcode(t *testing.T) {
	raw := []byte{0x83, 0x00}
	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleClient, 0)
	assertProtocolError(t, err)
}

func TestDecodeFrame_ControlTooBig(t *testing.T) {
	header := []byte{0x89, 126, 0, 126} // PING, fin, extended len 126
	payload := make([]byte, 126)
	raw := append(header, payload...)
	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleClient, 0)
	assertProtocolError(t, err)
}

func TestDecodeFrame_FragmentedControl(t *testing.T) {
	raw := []byte{0x09, 0x00} // PING, FIN not set
	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(raw)), RoleClient, 0)
	assertProtocolError(t, err)
}

// TestDecodeFrame_RejectsOversizeFrameWithoutAllocating exercises spec.md
// §4.A step 7: a frame whose declared length exceeds max_message_length
// must be rejected before the payload is read into memory, not merely once
// the (already-allocated) frame reaches the Connection Machine.
func TestDecodeFrame_RejectsOversizeFrameWithoutAllocating(t *testing.T) {
	// Header only: FIN+BINARY, 64-bit extended length declaring 1GiB, but
	// the reader has no payload bytes behind it at all. If DecodeFrame
	// allocated and then tried to read the declared length, this would
	// block/fail on the short read instead of failing fast on the length
	// check, which is the behavior under test.
	header := []byte{0x82, 127, 0, 0, 0, 0, 0x40, 0, 0, 0} // len = 1<<30
	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(header)), RoleClient, 10)
	assertMessageTooBig(t, err)
}

// TestDecodeFrame_RejectsAboveTwoToThirtyOne exercises the upper extended
// length boundary spec.md §8 calls for: a declared length just over 2^31,
// still well inside the 64-bit length-prefix range, must be rejected against
// a caller-supplied max_message_length rather than silently accepted up to
// the 4GiB sanity ceiling.
func TestDecodeFrame_RejectsAboveTwoToThirtyOne(t *testing.T) {
	const limit = 1 << 31
	header := make([]byte, 10)
	header[0] = 0x82 // FIN, BINARY
	header[1] = 127  // 64-bit extended length follows
	binary.BigEndian.PutUint64(header[2:], uint64(limit)+1)

	_, err := DecodeFrame(bufio.NewReader(bytes.NewReader(header)), RoleClient, limit)
	assertMessageTooBig(t, err)
}

func TestDecodeFrame_MaxMessageLengthBoundary(t *testing.T) {
	const limit = 10

	ok := &Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{'x'}, limit)}
	var buf bytes.Buffer
	if err := ok.Encode(&buf, RoleServer); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(bufio.NewReader(&buf), RoleClient, limit); err != nil {
		t.Fatalf("expected payload exactly at the limit to decode, got: %v", err)
	}

	over := &Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{'x'}, limit+1)}
	var overBuf bytes.Buffer
	if err := over.Encode(&overBuf, RoleServer); err != nil {
		t.Fatal(err)
	}
	_, err := DecodeFrame(bufio.NewReader(&overBuf), RoleClient, limit)
	assertMessageTooBig(t, err)
}

func assertMessageTooBig(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("expected a *ws.Error, got %T: %v", err, err)
	}
	if wsErr.Kind != KindMessageTooBig {
		t.Fatalf("expected KindMessageTooBig, got %v", wsErr.Kind)
	}
}

func assertProtocolError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	var wsErr *Error
	if !errors.As(err, &wsErr) {
		t.Fatalf("expected a *ws.Error, got %T: %v", err, err)
	}
	if wsErr.Kind != KindProtocolError {
		t.Fatalf("expected KindProtocolError, got %v", wsErr.Kind)
	}
}

// extended length boundaries, per spec.md §8.
func TestEncodeDecode_PayloadLengthBoundaries(t *testing.T) {
	for _, n := range []int{0, 125, 126, 127, 65535, 65536} {
		n := n
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			payload := bytes.Repeat([]byte{'x'}, n)
			f := &Frame{Fin: true, Opcode: OpBinary, Payload: payload}

			var buf bytes.Buffer
			if err := f.Encode(&buf, RoleServer); err != nil {
				t.Fatalf("encode: %v", err)
			}

			got, err := DecodeFrame(bufio.NewReader(&buf), RoleClient, 0)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got.Payload) != n {
				t.Fatalf("payload length mismatch: want %d got %d", n, len(got.Payload))
			}
			if !bytes.Equal(got.Payload, payload) {
				t.Fatalf("payload mismatch for length %d", n)
			}
		})
	}
}

func TestEncode_ClientMasksWithFreshKeyEachFrame(t *testing.T) {
	f1 := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}
	f2 := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}

	var buf1, buf2 bytes.Buffer
	if err := f1.Encode(&buf1, RoleClient); err != nil {
		t.Fatal(err)
	}
	if err := f2.Encode(&buf2, RoleClient); err != nil {
		t.Fatal(err)
	}

	if f1.MaskingKey == f2.MaskingKey {
		t.Fatal("expected distinct masking keys across frames")
	}
	if bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Fatal("expected distinct wire bytes for distinct masking keys")
	}
	// Bit 0x80 of the second header byte must be set (masked).
	if buf1.Bytes()[1]&0x80 == 0 {
		t.Fatal("expected MASK bit set on client-encoded frame")
	}
}

func TestEncode_ServerNeverMasks(t *testing.T) {
	f := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}
	var buf bytes.Buffer
	if err := f.Encode(&buf, RoleServer); err != nil {
		t.Fatal(err)
	}
	if buf.Bytes()[1]&0x80 != 0 {
		t.Fatal("server-encoded frame must not be masked")
	}
}

func TestFragmentedMessageRoundTrip(t *testing.T) {
	// 512 bytes split into 4 fragments, as in spec.md §8 scenario 2.
	data := bytes.Repeat([]byte("A"), 512)
	var wire bytes.Buffer
	chunk := 128
	for i := 0; i < len(data); i += chunk {
		end := i + chunk
		fin := end >= len(data)
		op := OpContinuation
		if i == 0 {
			op = OpBinary
		}
		f := &Frame{Fin: fin, Opcode: op, Payload: data[i:end]}
		if err := f.Encode(&wire, RoleClient); err != nil {
			t.Fatal(err)
		}
	}

	br := bufio.NewReader(&wire)
	var reassembled bytes.Buffer
	var opcodes []Opcode
	var fins []bool
	for i := 0; i < 4; i++ {
		f, err := DecodeFrame(br, RoleServer, 0)
		if err != nil {
			t.Fatalf("decode fragment %d: %v", i, err)
		}
		reassembled.Write(f.Payload)
		opcodes = append(opcodes, f.Opcode)
		fins = append(fins, f.Fin)
	}

	if !bytes.Equal(reassembled.Bytes(), data) {
		t.Fatal("reassembled payload does not match original")
	}
	wantOpcodes := []Opcode{OpBinary, OpContinuation, OpContinuation, OpContinuation}
	for i, op := range wantOpcodes {
		if opcodes[i] != op {
			t.Fatalf("fragment %d: want opcode %v got %v", i, op, opcodes[i])
		}
	}
	wantFins := []bool{false, false, false, true}
	for i, fin := range wantFins {
		if fins[i] != fin {
			t.Fatalf("fragment %d: want fin %v got %v", i, fin, fins[i])
		}
	}
}

func TestAcceptKey_RFC6455Vector(t *testing.T) {
	// RFC 6455 §1.3 test vector.
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("accept key mismatch: want %s got %s", want, got)
	}
}

func TestHeaderContainsToken(t *testing.T) {
	cases := []struct {
		header, token string
		want          bool
	}{
		{"Upgrade, HTTP/2.0", "upgrade", true},
		{"keep-alive", "upgrade", false},
		{"Upgrade", "UPGRADE", true},
		{"", "upgrade", false},
	}
	for _, c := range cases {
		if got := headerContainsToken(c.header, c.token); got != c.want {
			t.Fatalf("headerContainsToken(%q, %q) = %v, want %v", c.header, c.token, got, c.want)
		}
	}
}

func TestNegotiateSubprotocol(t *testing.T) {
	if got := negotiateSubprotocol([]string{"chat", "superchat"}, []string{"superchat"}); got != "superchat" {
		t.Fatalf("got %q", got)
	}
	if got := negotiateSubprotocol(nil, []string{"chat"}); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := negotiateSubprotocol([]string{"chat"}, nil); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSplitCSV(t *testing.T) {
	got := strings.Join(splitCSV(" a, b ,c"), "|")
	if got != "a|b|c" {
		t.Fatalf("got %q", got)
	}
}

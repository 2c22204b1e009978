package ws

import "errors"

var (
	errReservedBits      = errors.New("websocket: reserved bits set")
	errUnknownOpcode     = errors.New("websocket: unknown opcode")
	errHighBitSet        = errors.New("websocket: high bit set on 64-bit length")
	errMaskDirection     = errors.New("websocket: unexpected masking direction")
	errFragmentedControl = errors.New("websocket: control frame not final")
	errControlTooBig     = errors.New("websocket: control frame payload too large")
	errFrameTooBig       = errors.New("websocket: frame payload exceeds limit")

	errUnexpectedDataFrame    = errors.New("websocket: data frame received mid-message")
	errUnexpectedContinuation = errors.New("websocket: continuation frame with no message in progress")
	errIllegalCloseCode       = errors.New("websocket: illegal close status code")
)

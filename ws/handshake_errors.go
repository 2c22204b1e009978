package ws

import (
	"encoding/base64"
	"errors"
)

var (
	errBadMethod             = errors.New("websocket: method must be GET")
	errBadProto              = errors.New("websocket: HTTP version must be at least 1.1")
	errMissingUpgrade        = errors.New("websocket: missing Upgrade: websocket header")
	errMissingConnection     = errors.New("websocket: missing Connection: Upgrade header")
	errBadVersion            = errors.New("websocket: Sec-WebSocket-Version must be 13")
	errBadKey                = errors.New("websocket: malformed Sec-WebSocket-Key")
	errExtensionsUnsupported = errors.New("websocket: extensions are not supported")
	errBadStatus             = errors.New("websocket: server did not return 101 Switching Protocols")
	errBadAccept             = errors.New("websocket: Sec-WebSocket-Accept mismatch")
)

const secWebSocketKeyLength = 16

func validKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == secWebSocketKeyLength
}

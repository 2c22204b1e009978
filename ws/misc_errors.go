package ws

import "errors"

var (
	errBadTrustStore    = errors.New("websocket: trust store contains no usable certificates")
	errCapacityExceeded = errors.New("websocket: server at max_connections capacity")
)

// capacityExceededError wraps errCapacityExceeded as a *ws.Error so callers
// that log or inspect the over-capacity rejection get the same structured
// shape as every other failure path.
func capacityExceededError() *Error {
	return newErr(KindTryAgainLater, errCapacityExceeded)
}

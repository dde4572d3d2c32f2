package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Gateway message codes with special handling
const (
	CodeIdentityInUse       = 326
	CodeNotConnected        = 504
	CodeConnectFailed       = 502
	CodeConnectivityLost    = 1100
	CodeConnectivityRestore = 1102
	CodeMarketDataFarmOK    = 2104
	CodeHistoricalFarmOK    = 2106
	CodeSecDefFarmOK        = 2158
)

// Classification decides how a gateway message is handled
type Classification int

const (
	// ClassPropagate errors are returned to the caller that issued the request
	ClassPropagate Classification = iota
	// ClassInformational messages are status notices; logged and ignored
	ClassInformational
	// ClassSessionFatal messages mean the session can no longer be trusted
	ClassSessionFatal
)

func (c Classification) String() string {
	switch c {
	case ClassInformational:
		return "informational"
	case ClassSessionFatal:
		return "session_fatal"
	default:
		return "propagate"
	}
}

// Classify maps a gateway message code to its handling class
func Classify(code int) Classification {
	switch code {
	case CodeMarketDataFarmOK, CodeHistoricalFarmOK, CodeSecDefFarmOK:
		return ClassInformational
	case CodeNotConnected, CodeConnectFailed, CodeConnectivityLost, CodeConnectivityRestore:
		return ClassSessionFatal
	default:
		return ClassPropagate
	}
}

// Errors for connectivity
var (
	ErrNotConnected       = errors.New("not connected to gateway")
	ErrIdentityInUse      = errors.New("client id already in use")
	ErrSessionClosed      = errors.New("gateway session closed")
	ErrReconnectExhausted = fmt.Errorf("%w: reconnect attempts exhausted", ErrNotConnected)
	errManagerClosed      = fmt.Errorf("%w: connection closed", ErrNotConnected)
	ErrPoolExhausted      = errors.New("connection pool exhausted: no capacity")
	ErrPoolClosed         = errors.New("connection pool closed")
	ErrPoolNotInitialized = errors.New("connection pool not initialized")
)

// GatewayError is an error reported by the gateway, kept verbatim
type GatewayError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID int64  `json:"request_id,omitempty"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is match connectivity sentinels by gateway code
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrIdentityInUse:
		return e.Code == CodeIdentityInUse
	case ErrNotConnected:
		return Classify(e.Code) == ClassSessionFatal
	}
	return false
}

// IsTransportError reports whether err means the session itself is broken, as
// opposed to the gateway rejecting a request. Transport errors mark the
// connection for reconnection; the request is never resent.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

package courier

import (
	"github.com/cockroachdb/errors"
)

// ErrorCode is the per-call result code surfaced by the engine. It travels
// in response headers and is handed to response callbacks; it is not a Go
// error because it crosses the wire and must compare cheaply.
type ErrorCode int32

const (
	ErrOK ErrorCode = iota
	ErrNetworkFailure
	ErrTimeout
	ErrForwardToOthers
	ErrServiceNotFound
	ErrHandlerNotFound
	ErrAppNotExist
	ErrOperationDisabled
	ErrNetworkInitFailed
	ErrServiceAlreadyRunning
	ErrInvalidState
)

var errorCodeNames = [...]string{
	ErrOK:                    "ERR_OK",
	ErrNetworkFailure:        "ERR_NETWORK_FAILURE",
	ErrTimeout:               "ERR_TIMEOUT",
	ErrForwardToOthers:       "ERR_FORWARD_TO_OTHERS",
	ErrServiceNotFound:       "ERR_SERVICE_NOT_FOUND",
	ErrHandlerNotFound:       "ERR_HANDLER_NOT_FOUND",
	ErrAppNotExist:           "ERR_APP_NOT_EXIST",
	ErrOperationDisabled:     "ERR_OPERATION_DISABLED",
	ErrNetworkInitFailed:     "ERR_NETWORK_INIT_FAILED",
	ErrServiceAlreadyRunning: "ERR_SERVICE_ALREADY_RUNNING",
	ErrInvalidState:          "ERR_INVALID_STATE",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return "ERR_UNKNOWN"
	}
	return errorCodeNames[c]
}

// OK reports whether the code is ErrOK.
func (c ErrorCode) OK() bool { return c == ErrOK }

// errorCodeFromName maps a wire error name back to its code. Unknown names
// map to ErrInvalidState so a response from a newer peer never panics the
// matcher.
func errorCodeFromName(name string) ErrorCode {
	for c, n := range errorCodeNames {
		if n == name {
			return ErrorCode(c)
		}
	}
	return ErrInvalidState
}

// Infrastructure failures (config load, listener start, dial) are plain Go
// errors, distinct from per-call ErrorCodes.
var (
	ErrUnknownFactory  = errors.New("unknown network factory")
	ErrUnknownChannel  = errors.New("unknown rpc channel")
	ErrUnknownFormat   = errors.New("unknown header format")
	ErrEngineRunning   = errors.New("engine already running")
	ErrNoClientNetwork = errors.New("no client network configured")
)

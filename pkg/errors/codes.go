package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in the bridge.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Transport: contained and logged, never fatal
	ErrCodeFraming   ErrorCode = 2001
	ErrCodeUnmatched ErrorCode = 2002

	// Request level: surfaced to the waiting caller
	ErrCodeTimeout        ErrorCode = 3001
	ErrCodeConnectionLost ErrorCode = 3002
	ErrCodeNotConnected   ErrorCode = 3003
	ErrCodePeerRejected   ErrorCode = 3004

	// Boundary
	ErrCodeUnauthorized ErrorCode = 4001
	ErrCodeValidation   ErrorCode = 4002

	// State changes
	ErrCodePersist ErrorCode = 5001
	ErrCodeBind    ErrorCode = 5002
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:        "unknown",
	ErrCodeConfigInvalid:  "config_invalid",
	ErrCodeFraming:        "framing",
	ErrCodeUnmatched:      "unmatched_response",
	ErrCodeTimeout:        "timeout",
	ErrCodeConnectionLost: "connection_lost",
	ErrCodeNotConnected:   "not_connected",
	ErrCodePeerRejected:   "peer_rejected",
	ErrCodeUnauthorized:   "unauthorized",
	ErrCodeValidation:     "validation",
	ErrCodePersist:        "persist",
	ErrCodeBind:           "bind",
}

// String returns the short name used in logs and metric labels.
func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Sentinels for errors.Is. Matching is by code, so a BridgeError carrying
// ErrCodeTimeout satisfies errors.Is(err, ErrTimeout) whatever its message.
var (
	ErrFraming        = &BridgeError{Code: ErrCodeFraming, Msg: "malformed frame"}
	ErrUnmatched      = &BridgeError{Code: ErrCodeUnmatched, Msg: "no pending request for response"}
	ErrTimeout        = &BridgeError{Code: ErrCodeTimeout, Msg: "timed out waiting for peer"}
	ErrConnectionLost = &BridgeError{Code: ErrCodeConnectionLost, Msg: "peer connection lost"}
	ErrNotConnected   = &BridgeError{Code: ErrCodeNotConnected, Msg: "peer not connected"}
	ErrPeerRejected   = &BridgeError{Code: ErrCodePeerRejected, Msg: "peer rejected request"}
	ErrUnauthorized   = &BridgeError{Code: ErrCodeUnauthorized, Msg: "invalid or missing API token"}
	ErrValidation     = &BridgeError{Code: ErrCodeValidation, Msg: "validation failed"}
	ErrPersist        = &BridgeError{Code: ErrCodePersist, Msg: "persisting config failed"}
	ErrBind           = &BridgeError{Code: ErrCodeBind, Msg: "binding listener failed"}
)

// BridgeError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type BridgeError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *BridgeError) Error() string {
	prefix := fmt.Sprintf("[%d]", e.Code)
	if e.Operation != "" {
		prefix += " " + e.Operation + ":"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (cause: %v)", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Msg)
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a BridgeError with the same code.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	return ok && t.Code == e.Code
}

// New creates a new BridgeError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &BridgeError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf extracts the code of the first BridgeError in err's chain,
// or ErrCodeUnknown if there is none.
func CodeOf(err error) ErrorCode {
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return ErrCodeUnknown
}

// Message returns the human-readable part of err without the code prefix.
// It is what the HTTP front door writes back to clients.
func Message(err error) string {
	var be *BridgeError
	if stderrors.As(err, &be) {
		if be.Err != nil && be.Msg == "" {
			return be.Err.Error()
		}
		return be.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Personal.AI order the ending

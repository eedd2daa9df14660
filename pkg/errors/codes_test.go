package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestBridgeError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("file not found")
	errWithCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)
	expectedWithCause := "[1001] Startup: invalid config file (cause: file not found)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}

	noOp := New(ErrCodeTimeout, "", "timed out", nil)
	if noOp.Error() != "[3001] timed out" {
		t.Errorf("Expected operation-less format, got %q", noOp.Error())
	}
}

func TestBridgeError_Unwrap(t *testing.T) {
	cause := errors.New("file not found")
	err := New(ErrCodePersist, "Store.Save", "write failed", cause)

	unwrapped := errors.Unwrap(err)
	if unwrapped != cause {
		t.Errorf("Expected cause %v, got %v", cause, unwrapped)
	}

	errNoCause := New(ErrCodePersist, "Store.Save", "write failed", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestBridgeError_IsMatchesByCode(t *testing.T) {
	err := New(ErrCodeTimeout, "configsync.getConfig", "no reply within 5s", nil)
	wrapped := fmt.Errorf("bootstrap: %w", err)

	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("Expected wrapped timeout to match ErrTimeout")
	}
	if errors.Is(wrapped, ErrConnectionLost) {
		t.Error("Timeout must not match ErrConnectionLost")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", ErrNotConnected)); got != ErrCodeNotConnected {
		t.Errorf("Expected %v, got %v", ErrCodeNotConnected, got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeUnknown {
		t.Errorf("Expected unknown code for plain error, got %v", got)
	}
}

func TestMessage(t *testing.T) {
	err := New(ErrCodeValidation, "setConfig", "port must be between 1024 and 65535", nil)
	if Message(err) != "port must be between 1024 and 65535" {
		t.Errorf("Unexpected message %q", Message(err))
	}
	if Message(errors.New("boom")) != "boom" {
		t.Errorf("Plain errors should pass through")
	}
	if Message(nil) != "" {
		t.Errorf("nil should yield empty message")
	}
}

func TestErrorCode_String(t *testing.T) {
	if ErrCodeConnectionLost.String() != "connection_lost" {
		t.Errorf("Unexpected name %q", ErrCodeConnectionLost.String())
	}
	if ErrorCode(42).String() != "code_42" {
		t.Errorf("Unexpected fallback name %q", ErrorCode(42).String())
	}
}

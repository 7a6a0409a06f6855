package internal

import (
	"errors"
	"os"
	"testing"
)

func TestAssertion(t *testing.T) {
	os.Setenv("CONSOLE_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("CONSOLE_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if CONSOLE_DEBUG is not 1", false)
	})
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("connection refused")
	var err error = &UpstreamUnavailableError{Op: "list devices", Err: cause}
	if !errors.Is(err, cause) {
		t.Errorf("UpstreamUnavailableError did not unwrap to its cause")
	}
	err = &SessionCloseFailedError{SessionID: "123456", Err: cause}
	if !errors.Is(err, cause) {
		t.Errorf("SessionCloseFailedError did not unwrap to its cause")
	}
	he := &HandlerError{StatusCode: 502, Err: err}
	var closeFailed *SessionCloseFailedError
	if !errors.As(he, &closeFailed) {
		t.Errorf("HandlerError did not unwrap to SessionCloseFailedError")
	}
}

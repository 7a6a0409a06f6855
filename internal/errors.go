package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// NotConfiguredError means a required credential or setting is missing.
// Returned instead of silently proceeding with an empty bearer token.
type NotConfiguredError struct {
	What string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("not configured: %s", e.What)
}

// UpstreamUnavailableError means a call to the remote-control provider failed
// before we got a usable response (network error, 5xx, bad JSON). The caller
// decides between an empty state and a retry affordance.
type UpstreamUnavailableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream unavailable: %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream unavailable: %s: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// SessionCreateFailedError carries the provider's own error message, not just
// the status code, so the operator sees why the session could not be minted.
type SessionCreateFailedError struct {
	StatusCode int
	Message    string
}

func (e *SessionCreateFailedError) Error() string {
	if e.StatusCode == 0 {
		// transport-level failure, no HTTP status to report
		return fmt.Sprintf("session create failed: %s", e.Message)
	}
	return fmt.Sprintf("session create failed: HTTP %d: %s", e.StatusCode, e.Message)
}

// SessionCloseFailedError is non-fatal: local cache removal proceeds anyway.
type SessionCloseFailedError struct {
	SessionID string
	Err       error
}

func (e *SessionCloseFailedError) Error() string {
	return fmt.Sprintf("session close failed: %s: %v", e.SessionID, e.Err)
}

func (e *SessionCloseFailedError) Unwrap() error {
	return e.Err
}

// TimeoutError means an upstream call exceeded its deadline. Surfaced as its
// own type so callers never mistake a hung provider for a hard failure.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out: %s", e.Op)
}

// InvalidIdentifierError means a manually entered device identifier was empty
// or not a device ID after normalization.
type InvalidIdentifierError struct {
	Input string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid device identifier: %q", e.Input)
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and CONSOLE_DEBUG=1 then the program panics.
// If expr is false and CONSOLE_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("CONSOLE_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}

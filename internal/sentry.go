package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentry HTTP middleware attaches a hub to request contexts. Long-lived
// goroutines (the expiry sweeper, the reconciler) have no request context and
// fall back to the process-wide hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry checks for panics by recover()ing, reports any panic it
// finds to sentry, and then panics again so the program still crashes.
// Deferred calls run in LIFO order, so defer this before deferring anything
// that must run after the report.
func ReportPanicsToSentry() {
	err := recover()
	if err != nil {
		sentry.CurrentHub().Recover(err)
		sentry.Flush(time.Second * 5)
		// the program should still crash
		panic(err)
	}
}

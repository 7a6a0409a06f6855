package broker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/provider"
)

// SessionBroker creates, queries and closes upstream sessions and maps the
// provider's records into local Session values.
type SessionBroker struct {
	api       provider.Client
	groupName string
	metrics   *Metrics
	now       func() time.Time
}

// NewSessionBroker makes a broker which mints sessions into the given
// provider-side group.
func NewSessionBroker(api provider.Client, groupName string, metrics *Metrics) *SessionBroker {
	return &SessionBroker{
		api:       api,
		groupName: groupName,
		metrics:   metrics,
		now:       time.Now,
	}
}

// CreateSession mints a session upstream. On failure the typed error carries
// the provider's own message; creation failures are never retried here — the
// launch sequencer degrades to a direct attempt instead.
func (b *SessionBroker) CreateSession(ctx context.Context, description, endCustomerLabel string) (*Session, error) {
	req := provider.CreateSessionRequest{
		GroupName:   b.groupName,
		Description: description,
	}
	req.EndCustomer.Name = endCustomerLabel
	rec, err := b.api.CreateSession(ctx, req)
	if err != nil {
		b.metrics.sessionFailed()
		return nil, err
	}
	b.metrics.sessionCreated()
	s := sessionFromRecord(rec, b.now())
	internal.SetRequestContextSession(ctx, s.ID)
	logger.Info().Str("session", s.ID).Time("expires", s.ExpiresAt).Msg("minted upstream session")
	return &s, nil
}

// CloseSession transitions the upstream session to Closed, then refetches the
// record to return the authoritative post-close state. If the refetch fails
// the close intent already succeeded, so a locally synthesized Closed record
// is returned rather than failing the whole operation.
func (b *SessionBroker) CloseSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := b.api.UpdateSessionState(ctx, sessionID, string(SessionClosed)); err != nil {
		return nil, &internal.SessionCloseFailedError{SessionID: sessionID, Err: err}
	}
	b.metrics.sessionClosed()
	rec, err := b.api.GetSession(ctx, sessionID)
	if err != nil {
		logger.Warn().Str("session", sessionID).Err(err).Msg("close succeeded but refetch failed, synthesizing closed record")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		now := b.now()
		return &Session{
			ID:        sessionID,
			State:     SessionClosed,
			CreatedAt: now,
			ExpiresAt: now,
		}, nil
	}
	s := sessionFromRecord(rec, b.now())
	if s.State != SessionClosed {
		// the provider acknowledged the PUT but still reports the old state;
		// trust the close intent for local purposes
		sentry.CaptureMessage("provider reported non-closed state after close of " + sessionID)
		s.State = SessionClosed
	}
	return &s, nil
}

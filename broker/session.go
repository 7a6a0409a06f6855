package broker

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/deviceloop/console/provider"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type SessionState string

const (
	SessionOpen SessionState = "Open"
	// SessionWaiting is an upstream state: session minted, far end not yet
	// connected. Treated identically to Open for cache purposes.
	SessionWaiting SessionState = "Waiting"
	SessionClosed  SessionState = "Closed"
)

const (
	// DefaultSessionLifetime applies when the provider omits valid_until.
	DefaultSessionLifetime = 24 * time.Hour
	// DegradedSessionLifetime is the assumed expiry for the best-effort
	// direct path taken when session creation fails upstream.
	DegradedSessionLifetime = 5 * time.Minute
)

// Session is a provider-issued, time-bounded authorization to connect to a
// device. The ID doubles as the human-facing connection code and the key for
// follow-up query/close calls.
type Session struct {
	ID         string       `json:"id"`
	State      SessionState `json:"state"`
	DeviceID   string       `json:"device_id,omitempty"`
	DeviceName string       `json:"device_name,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	// ConnectionURL is the native-scheme or provider deep link.
	ConnectionURL string `json:"connection_url,omitempty"`
	// WebClientURL is the browser fallback, when the provider issues one.
	WebClientURL   string `json:"web_client_url,omitempty"`
	EndCustomerURL string `json:"end_customer_url,omitempty"`
	Password       string `json:"password,omitempty"`
	// Degraded marks a locally synthesized record for a direct fallback
	// attempt. The provider knows nothing about it, so the reconciler
	// must not query it upstream.
	Degraded bool `json:"degraded,omitempty"`
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// sessionFromRecord maps a provider session record into the local shape.
// Missing or unparseable timestamps fall back to now / now+24h.
func sessionFromRecord(rec *provider.SessionRecord, now time.Time) Session {
	state := SessionState(rec.State)
	switch state {
	case SessionOpen, SessionWaiting, SessionClosed:
	default:
		state = SessionOpen
	}
	createdAt := now
	if t, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
		createdAt = t
	}
	expiresAt := now.Add(DefaultSessionLifetime)
	if t, err := time.Parse(time.RFC3339, rec.ValidUntil); err == nil {
		expiresAt = t
	}
	return Session{
		ID:             rec.Code,
		State:          state,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
		ConnectionURL:  rec.SupporterLink,
		WebClientURL:   rec.WebClientSupporterLink,
		EndCustomerURL: rec.EndCustomerLink,
		Password:       rec.Password,
	}
}

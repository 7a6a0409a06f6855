package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/pubsub"
)

// DefaultFallbackDelay is how long after the native hand-off the web client
// is opened as insurance. Custom-scheme navigation gives no success signal,
// so the fallback fires unconditionally unless the attempt is abandoned.
const DefaultFallbackDelay = 1500 * time.Millisecond

// Launcher performs navigation on behalf of the sequencer. Both calls are
// best-effort: there is no reliable signal that a custom-scheme hand-off or a
// new browsing context actually worked.
type Launcher interface {
	OpenNative(ctx context.Context, uri string)
	OpenWeb(ctx context.Context, url string)
}

// ConnectionAttempt is the transient decision state for a single
// user-initiated connect action. It is not stored.
type ConnectionAttempt struct {
	Strategy   Strategy `json:"strategy"`
	DeviceID   string   `json:"device_id"`
	DeviceName string   `json:"device_name,omitempty"`
	// ConnectionURL is the native-scheme URI or provider deep link handed
	// off immediately.
	ConnectionURL string `json:"connection_url"`
	// WebClientURL is opened by the delayed fallback.
	WebClientURL string `json:"web_client_url"`
	// Session is nil for direct attempts that never touched the broker.
	Session *Session `json:"session,omitempty"`
	// Degraded is true when a brokered attempt fell back to a direct
	// connection because session creation failed.
	Degraded bool `json:"degraded,omitempty"`

	cancelFallback context.CancelFunc
}

// Abandon cancels the pending web fallback, e.g. when the operator closes the
// session or navigates away before the timer fires.
func (a *ConnectionAttempt) Abandon() {
	if a.cancelFallback != nil {
		a.cancelFallback()
	}
}

// LaunchSequencer builds launch artifacts for a chosen strategy, performs the
// native hand-off and races the delayed web fallback.
type LaunchSequencer struct {
	broker   *SessionBroker
	store    SessionStore
	launcher Launcher
	notifier pubsub.Notifier
	metrics  *Metrics

	// NativeScheme is the custom protocol of the locally installed client.
	NativeScheme string
	// WebClientHost serves hand-built web fallback URLs when the provider
	// does not issue one.
	WebClientHost string
	// FallbackDelay overrides DefaultFallbackDelay; 0 means the default.
	FallbackDelay time.Duration

	mu sync.Mutex
	// pending holds one cancel func per in-flight fallback timer, grouped by
	// session/device key. Concurrent attempts for the same device get their
	// own entries, so abandoning the key cancels all of them and a finished
	// timer only removes itself.
	pending    map[string]map[uint64]context.CancelFunc
	pendingSeq uint64
	now        func() time.Time
}

func NewLaunchSequencer(b *SessionBroker, store SessionStore, launcher Launcher, notifier pubsub.Notifier, metrics *Metrics) *LaunchSequencer {
	return &LaunchSequencer{
		broker:        b,
		store:         store,
		launcher:      launcher,
		notifier:      notifier,
		metrics:       metrics,
		NativeScheme:  "remotectl",
		WebClientHost: "web.deviceloop.example",
		pending:       make(map[string]map[uint64]context.CancelFunc),
		now:           time.Now,
	}
}

// Connect dispatches a connection attempt for a known device. The strategy is
// selected from the device's capability snapshot; every step runs in strict
// order: select, broker (if brokered), launch, track.
func (ls *LaunchSequencer) Connect(ctx context.Context, device *Device) (*ConnectionAttempt, error) {
	if device == nil {
		return nil, &internal.InvalidIdentifierError{Input: ""}
	}
	strategy := SelectStrategy(device)
	internal.SetRequestContextStrategy(ctx, string(strategy))
	internal.SetRequestContextDevice(ctx, device.RemoteID, device.DisplayName)

	switch strategy {
	case StrategyDirectUnattended:
		attempt := &ConnectionAttempt{
			Strategy:      strategy,
			DeviceID:      device.RemoteID,
			DeviceName:    device.DisplayName,
			ConnectionURL: ls.nativeDeviceURI(device.RemoteID, ""),
			WebClientURL:  ls.webClientURL(device.RemoteID),
		}
		ls.dispatch(attempt)
		return attempt, nil
	case StrategyBrokeredSession:
		return ls.connectBrokered(ctx, device)
	default:
		internal.Assert("device connect never selects ManualDirect", false)
		return nil, &internal.InvalidIdentifierError{Input: device.RemoteID}
	}
}

// ConnectManual dispatches a direct attempt for a manually entered
// identifier, skipping capability inference entirely. An empty password still
// launches the native URI without a password parameter; the operator accepts
// the connection on the far end.
func (ls *LaunchSequencer) ConnectManual(ctx context.Context, rawIdentifier, password string) (*ConnectionAttempt, error) {
	id := NormalizeIdentifier(rawIdentifier)
	if id == "" {
		return nil, &internal.InvalidIdentifierError{Input: rawIdentifier}
	}
	internal.SetRequestContextStrategy(ctx, string(StrategyManualDirect))
	internal.SetRequestContextDevice(ctx, id, "")
	attempt := &ConnectionAttempt{
		Strategy:      StrategyManualDirect,
		DeviceID:      id,
		ConnectionURL: ls.nativeDeviceURI(id, password),
		WebClientURL:  ls.webClientURL(id),
	}
	ls.dispatch(attempt)
	return attempt, nil
}

func (ls *LaunchSequencer) connectBrokered(ctx context.Context, device *Device) (*ConnectionAttempt, error) {
	sess, err := ls.broker.CreateSession(ctx,
		fmt.Sprintf("console connection to %s", device.DisplayName),
		device.DisplayName,
	)
	if err != nil {
		var createFailed *internal.SessionCreateFailedError
		if !errors.As(err, &createFailed) {
			// timeouts and other failures are terminal for this attempt
			return nil, err
		}
		// Degraded path: the operator still gets some connection path. The
		// far end has to accept manually, and we assume a short expiry.
		logger.Warn().Str("device", device.RemoteID).Err(err).Msg("session create failed, degrading to direct attempt")
		now := ls.now()
		sess = &Session{
			ID:            "direct-" + device.RemoteID,
			State:         SessionOpen,
			DeviceID:      device.RemoteID,
			DeviceName:    device.DisplayName,
			CreatedAt:     now,
			ExpiresAt:     now.Add(DegradedSessionLifetime),
			ConnectionURL: ls.nativeDeviceURI(device.RemoteID, ""),
			WebClientURL:  ls.webClientURL(device.RemoteID),
			Degraded:      true,
		}
		attempt := &ConnectionAttempt{
			Strategy:      StrategyBrokeredSession,
			DeviceID:      device.RemoteID,
			DeviceName:    device.DisplayName,
			ConnectionURL: sess.ConnectionURL,
			WebClientURL:  sess.WebClientURL,
			Session:       sess,
			Degraded:      true,
		}
		ls.dispatch(attempt)
		return attempt, nil
	}

	sess.DeviceID = device.RemoteID
	sess.DeviceName = device.DisplayName
	// prefer the provider-issued deep link verbatim over a hand-built one
	connectionURL := sess.ConnectionURL
	if connectionURL == "" {
		connectionURL = ls.nativeSessionURI(sess.ID)
		sess.ConnectionURL = connectionURL
	}
	webClientURL := sess.WebClientURL
	if webClientURL == "" {
		webClientURL = ls.webClientURL(device.RemoteID)
		sess.WebClientURL = webClientURL
	}
	attempt := &ConnectionAttempt{
		Strategy:      StrategyBrokeredSession,
		DeviceID:      device.RemoteID,
		DeviceName:    device.DisplayName,
		ConnectionURL: connectionURL,
		WebClientURL:  webClientURL,
		Session:       sess,
	}
	ls.dispatch(attempt)
	return attempt, nil
}

// dispatch performs the native hand-off, schedules the cancellable web
// fallback, tracks the session (if any) and notifies the UI.
func (ls *LaunchSequencer) dispatch(attempt *ConnectionAttempt) {
	// The fallback must outlive the originating HTTP request, so it gets its
	// own context rather than inheriting the request's.
	fctx, cancel := context.WithCancel(context.Background())
	attempt.cancelFallback = cancel
	key := attempt.fallbackKey()
	ls.mu.Lock()
	ls.pendingSeq++
	seq := ls.pendingSeq
	if ls.pending[key] == nil {
		ls.pending[key] = make(map[uint64]context.CancelFunc)
	}
	ls.pending[key][seq] = cancel
	ls.mu.Unlock()

	ls.launcher.OpenNative(fctx, attempt.ConnectionURL)
	ls.notify(&pubsub.LaunchNative{URI: attempt.ConnectionURL})

	delay := ls.FallbackDelay
	if delay == 0 {
		delay = DefaultFallbackDelay
	}
	go func() {
		defer internal.ReportPanicsToSentry()
		defer func() {
			ls.mu.Lock()
			if timers := ls.pending[key]; timers != nil {
				delete(timers, seq)
				if len(timers) == 0 {
					delete(ls.pending, key)
				}
			}
			ls.mu.Unlock()
		}()
		select {
		case <-fctx.Done():
			return
		case <-time.After(delay):
			ls.launcher.OpenWeb(fctx, attempt.WebClientURL)
			ls.notify(&pubsub.LaunchWeb{URL: attempt.WebClientURL})
			ls.metrics.fallbackLaunched()
		}
	}()

	if attempt.Session != nil {
		ls.store.Track(*attempt.Session)
		ls.metrics.setLiveSessions(len(ls.store.Sessions()))
		ls.notify(&pubsub.SessionTracked{
			SessionID: attempt.Session.ID,
			DeviceID:  attempt.Session.DeviceID,
			ExpiresAt: attempt.Session.ExpiresAt,
		})
	}
	ls.notify(&pubsub.DeviceConnect{
		DeviceID:   attempt.DeviceID,
		DeviceName: attempt.DeviceName,
		Strategy:   string(attempt.Strategy),
	})
}

// Abandon cancels every pending fallback for a session or device key, if any.
func (ls *LaunchSequencer) Abandon(key string) {
	ls.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(ls.pending[key]))
	for _, cancel := range ls.pending[key] {
		cancels = append(cancels, cancel)
	}
	ls.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (a *ConnectionAttempt) fallbackKey() string {
	if a.Session != nil {
		return a.Session.ID
	}
	return a.DeviceID
}

func (ls *LaunchSequencer) notify(p pubsub.Payload) {
	if ls.notifier == nil {
		return
	}
	if err := ls.notifier.Notify(pubsub.ChanUI, p); err != nil {
		logger.Warn().Err(err).Str("payload", p.Type()).Msg("failed to notify UI")
	}
}

func (ls *LaunchSequencer) nativeDeviceURI(id, password string) string {
	u := fmt.Sprintf("%s://control?device=%s", ls.NativeScheme, url.QueryEscape(id))
	if password != "" {
		u += "&password=" + url.QueryEscape(password)
	}
	return u
}

func (ls *LaunchSequencer) nativeSessionURI(code string) string {
	return fmt.Sprintf("%s://control?code=%s", ls.NativeScheme, url.QueryEscape(code))
}

func (ls *LaunchSequencer) webClientURL(id string) string {
	return fmt.Sprintf("https://%s/connect/%s", ls.WebClientHost, url.PathEscape(id))
}

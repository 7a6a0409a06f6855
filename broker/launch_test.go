package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/provider"
	"github.com/deviceloop/console/pubsub"
)

type recordLauncher struct {
	mu     sync.Mutex
	native []string
	web    []string
}

func (r *recordLauncher) OpenNative(ctx context.Context, uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.native = append(r.native, uri)
}

func (r *recordLauncher) OpenWeb(ctx context.Context, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.web = append(r.web, url)
}

func (r *recordLauncher) snapshot() (native, web []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.native...), append([]string(nil), r.web...)
}

func newTestSequencer(api provider.Client) (*LaunchSequencer, *recordLauncher, *MemorySessionStore) {
	launcher := &recordLauncher{}
	store := NewMemorySessionStore()
	ls := NewLaunchSequencer(NewSessionBroker(api, "Consoles", nil), store, launcher, nil, nil)
	ls.FallbackDelay = 10 * time.Millisecond
	return ls, launcher, store
}

func waitForWeb(t *testing.T, launcher *recordLauncher) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, web := launcher.snapshot()
		if len(web) > 0 {
			return web
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("web fallback never fired")
	return nil
}

// End-to-end direct path: prefix and spaces are stripped from the remote ID,
// the native URI carries the normalized ID, a web fallback with the same ID
// is scheduled, and no session is minted.
func TestConnectDirectUnattended(t *testing.T) {
	api := &mockAPI{} // any broker call would fail the test
	ls, launcher, store := newTestSequencer(api)

	device := deviceFromRecord(provider.DeviceRecord{
		DeviceID:        "d1",
		RemoteControlID: "r579487224",
		Alias:           "Lobby kiosk",
		OnlineState:     "Online",
	}, map[string]bool{"579487224": true})
	if !device.SupportsUnattended {
		t.Fatalf("override list did not mark device unattended")
	}

	attempt, err := ls.Connect(context.Background(), &device)
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if attempt.Strategy != StrategyDirectUnattended {
		t.Errorf("got strategy %q", attempt.Strategy)
	}
	if !strings.Contains(attempt.ConnectionURL, "579487224") || strings.Contains(attempt.ConnectionURL, "r579") {
		t.Errorf("native URI %q does not carry the normalized id", attempt.ConnectionURL)
	}
	if attempt.Session != nil {
		t.Errorf("direct attempt minted a session: %+v", attempt.Session)
	}
	if got := store.Sessions(); len(got) != 0 {
		t.Errorf("direct attempt tracked a session: %+v", got)
	}
	native, _ := launcher.snapshot()
	if len(native) != 1 {
		t.Fatalf("native hand-off not performed: %v", native)
	}
	web := waitForWeb(t, launcher)
	if !strings.Contains(web[0], "579487224") {
		t.Errorf("web fallback %q does not carry the normalized id", web[0])
	}
}

func TestConnectBrokeredPrefersProviderLinks(t *testing.T) {
	api := &mockAPI{
		createSessionFn: func(ctx context.Context, req provider.CreateSessionRequest) (*provider.SessionRecord, error) {
			return &provider.SessionRecord{
				Code:                   "123456",
				State:                  "Open",
				ValidUntil:             time.Now().Add(24 * time.Hour).Format(time.RFC3339),
				SupporterLink:          "provider://deep-link/123456",
				WebClientSupporterLink: "https://web.provider.example/123456",
			}, nil
		},
	}
	ls, launcher, store := newTestSequencer(api)
	device := &Device{LocalID: "d2", RemoteID: "111222333", DisplayName: "Warehouse scanner"}

	attempt, err := ls.Connect(context.Background(), device)
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if attempt.ConnectionURL != "provider://deep-link/123456" {
		t.Errorf("provider deep link not used verbatim: %q", attempt.ConnectionURL)
	}
	sessions := store.Sessions()
	if len(sessions) != 1 || sessions[0].ID != "123456" {
		t.Fatalf("session not tracked: %+v", sessions)
	}
	if sessions[0].DeviceID != "111222333" {
		t.Errorf("session device id %q", sessions[0].DeviceID)
	}
	web := waitForWeb(t, launcher)
	if web[0] != "https://web.provider.example/123456" {
		t.Errorf("web fallback %q, want the provider-issued link", web[0])
	}
}

// When session creation fails, the operator still gets a launch artifact: a
// degraded direct attempt with a short assumed expiry.
func TestConnectBrokeredDegradesOnCreateFailure(t *testing.T) {
	api := &mockAPI{
		createSessionFn: func(ctx context.Context, req provider.CreateSessionRequest) (*provider.SessionRecord, error) {
			return nil, &internal.SessionCreateFailedError{StatusCode: 500, Message: "internal error"}
		},
	}
	ls, _, store := newTestSequencer(api)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	ls.now = func() time.Time { return now }
	device := &Device{LocalID: "d2", RemoteID: "111222333", DisplayName: "Warehouse scanner"}

	attempt, err := ls.Connect(context.Background(), device)
	if err != nil {
		t.Fatalf("Connect should degrade, not fail: %s", err)
	}
	if !attempt.Degraded {
		t.Errorf("attempt not marked degraded")
	}
	if attempt.ConnectionURL == "" {
		t.Errorf("degraded attempt has no launch artifact")
	}
	sessions := store.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("degraded session not tracked: %+v", sessions)
	}
	if !sessions[0].ExpiresAt.Equal(now.Add(DegradedSessionLifetime)) {
		t.Errorf("degraded expiry %v, want %v", sessions[0].ExpiresAt, now.Add(DegradedSessionLifetime))
	}
	if !sessions[0].Degraded {
		t.Errorf("tracked session not marked degraded")
	}
}

// Reachability of the session endpoint is the headline failure mode: a
// connection-refused POST must degrade through the whole client stack, not
// abort the attempt.
func TestConnectBrokeredDegradesWhenEndpointUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	api := provider.NewHTTPClient(srv.URL, provider.StaticTokenSource("scrt_12345"))
	srv.Close() // connection refused from here on
	ls, _, store := newTestSequencer(api)
	device := &Device{LocalID: "d2", RemoteID: "111222333", DisplayName: "Warehouse scanner"}

	attempt, err := ls.Connect(context.Background(), device)
	if err != nil {
		t.Fatalf("Connect should degrade when the session endpoint is unreachable: %s", err)
	}
	if !attempt.Degraded {
		t.Errorf("attempt not marked degraded")
	}
	if attempt.ConnectionURL == "" {
		t.Errorf("degraded attempt has no launch artifact")
	}
	sessions := store.Sessions()
	if len(sessions) != 1 || !sessions[0].Degraded {
		t.Fatalf("degraded session not tracked: %+v", sessions)
	}
}

// Only SessionCreateFailed triggers the local fallback; timeouts are terminal
// for the attempt.
func TestConnectBrokeredTimeoutIsTerminal(t *testing.T) {
	api := &mockAPI{
		createSessionFn: func(ctx context.Context, req provider.CreateSessionRequest) (*provider.SessionRecord, error) {
			return nil, &internal.TimeoutError{Op: "create session"}
		},
	}
	ls, launcher, store := newTestSequencer(api)
	device := &Device{LocalID: "d2", RemoteID: "111222333"}
	_, err := ls.Connect(context.Background(), device)
	var timeout *internal.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("got %v, want TimeoutError", err)
	}
	if got := store.Sessions(); len(got) != 0 {
		t.Errorf("terminal failure tracked a session: %+v", got)
	}
	native, web := launcher.snapshot()
	if len(native) != 0 || len(web) != 0 {
		t.Errorf("terminal failure still launched: native=%v web=%v", native, web)
	}
}

func TestConnectManual(t *testing.T) {
	ls, launcher, _ := newTestSequencer(&mockAPI{})
	attempt, err := ls.ConnectManual(context.Background(), " 579 487 224 ", "hunter2")
	if err != nil {
		t.Fatalf("ConnectManual: %s", err)
	}
	if attempt.Strategy != StrategyManualDirect {
		t.Errorf("got strategy %q", attempt.Strategy)
	}
	if !strings.Contains(attempt.ConnectionURL, "device=579487224") || !strings.Contains(attempt.ConnectionURL, "password=hunter2") {
		t.Errorf("native URI %q", attempt.ConnectionURL)
	}
	native, _ := launcher.snapshot()
	if len(native) != 1 {
		t.Errorf("native hand-off not performed")
	}
}

// No password still launches the native URI, minus the password parameter,
// and still schedules the web fallback.
func TestConnectManualWithoutPassword(t *testing.T) {
	ls, launcher, _ := newTestSequencer(&mockAPI{})
	attempt, err := ls.ConnectManual(context.Background(), "r579487224", "")
	if err != nil {
		t.Fatalf("ConnectManual: %s", err)
	}
	if strings.Contains(attempt.ConnectionURL, "password") {
		t.Errorf("URI %q should have no password parameter", attempt.ConnectionURL)
	}
	waitForWeb(t, launcher)
}

func TestConnectManualRejectsEmptyIdentifier(t *testing.T) {
	ls, _, _ := newTestSequencer(&mockAPI{})
	for _, input := range []string{"", "   ", "\t\n"} {
		_, err := ls.ConnectManual(context.Background(), input, "")
		var invalid *internal.InvalidIdentifierError
		if !errors.As(err, &invalid) {
			t.Errorf("input %q: got %v, want InvalidIdentifierError", input, err)
		}
	}
}

// Abandoning an attempt before the fallback delay elapses must prevent the
// stray web launch.
func TestFallbackIsCancellable(t *testing.T) {
	ls, launcher, _ := newTestSequencer(&mockAPI{})
	ls.FallbackDelay = 50 * time.Millisecond
	attempt, err := ls.ConnectManual(context.Background(), "579487224", "")
	if err != nil {
		t.Fatalf("ConnectManual: %s", err)
	}
	attempt.Abandon()
	time.Sleep(100 * time.Millisecond)
	_, web := launcher.snapshot()
	if len(web) != 0 {
		t.Errorf("web fallback fired after abandon: %v", web)
	}
}

func TestAbandonByKey(t *testing.T) {
	api := &mockAPI{
		createSessionFn: func(ctx context.Context, req provider.CreateSessionRequest) (*provider.SessionRecord, error) {
			return &provider.SessionRecord{Code: "123456", State: "Open"}, nil
		},
	}
	ls, launcher, _ := newTestSequencer(api)
	ls.FallbackDelay = 50 * time.Millisecond
	if _, err := ls.Connect(context.Background(), &Device{RemoteID: "111222333"}); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	ls.Abandon("123456")
	time.Sleep(100 * time.Millisecond)
	_, web := launcher.snapshot()
	if len(web) != 0 {
		t.Errorf("web fallback fired after Abandon: %v", web)
	}
}

// Two rapid attempts for the same device each get their own fallback timer;
// abandoning the device key must cancel both, not just the latest.
func TestAbandonCancelsConcurrentAttempts(t *testing.T) {
	ls, launcher, _ := newTestSequencer(&mockAPI{})
	ls.FallbackDelay = 50 * time.Millisecond
	for i := 0; i < 2; i++ {
		if _, err := ls.ConnectManual(context.Background(), "579487224", ""); err != nil {
			t.Fatalf("ConnectManual: %s", err)
		}
	}
	ls.Abandon("579487224")
	time.Sleep(150 * time.Millisecond)
	_, web := launcher.snapshot()
	if len(web) != 0 {
		t.Errorf("web fallback fired after Abandon: %v", web)
	}
	ls.mu.Lock()
	left := len(ls.pending)
	ls.mu.Unlock()
	if left != 0 {
		t.Errorf("%d pending fallback entries left after abandon", left)
	}
}

func TestDispatchNotifiesUI(t *testing.T) {
	bus := pubsub.NewPubSub(10)
	var mu sync.Mutex
	var payloads []pubsub.Payload
	go bus.Listen(pubsub.ChanUI, func(p pubsub.Payload) {
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	})
	launcher := &recordLauncher{}
	ls := NewLaunchSequencer(NewSessionBroker(&mockAPI{}, "", nil), NewMemorySessionStore(), launcher, bus, nil)
	ls.FallbackDelay = time.Hour // keep the fallback quiet for this test

	if _, err := ls.ConnectManual(context.Background(), "579487224", ""); err != nil {
		t.Fatalf("ConnectManual: %s", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(payloads)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected LaunchNative and DeviceConnect payloads, got %d", n)
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	var sawConnect, sawNative bool
	for _, p := range payloads {
		switch v := p.(type) {
		case *pubsub.DeviceConnect:
			sawConnect = true
			if v.DeviceID != "579487224" {
				t.Errorf("DeviceConnect carried %q", v.DeviceID)
			}
		case *pubsub.LaunchNative:
			sawNative = true
		}
	}
	if !sawConnect || !sawNative {
		t.Errorf("missing payloads: connect=%v native=%v", sawConnect, sawNative)
	}
	bus.Close()
}

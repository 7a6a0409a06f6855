package console

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/deviceloop/console/broker"
	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/provider"
	"github.com/deviceloop/console/pubsub"
	"github.com/deviceloop/console/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

type Opts struct {
	ProviderURL string
	// GroupName is the provider-side group sessions are minted into.
	GroupName string
	// NativeScheme is the custom protocol of the locally installed client.
	NativeScheme  string
	WebClientHost string
	// UnattendedOverrides lists identifiers assumed to support unattended
	// access when the provider reports no flag. Temporary patch for an
	// unreliable upstream field; keep empty unless you know better.
	UnattendedOverrides []string
	DeviceCacheTTL      time.Duration
	SweepInterval       time.Duration
	// ReconcileInterval enables the periodic upstream reconciliation pass
	// when non-zero.
	ReconcileInterval time.Duration
	FallbackDelay     time.Duration
	// SessionStoreURI selects the shared Postgres session store when set;
	// empty means the per-instance in-memory store.
	SessionStoreURI  string
	EnablePrometheus bool
}

// ConsoleServer owns every long-lived component: registry, broker, sequencer,
// session store, sweeper, reconciler and the UI event bus.
type ConsoleServer struct {
	registry  *broker.DeviceRegistry
	broker    *broker.SessionBroker
	sequencer *broker.LaunchSequencer
	store     broker.SessionStore
	sweeper   *broker.ExpirySweeper
	reconcile *broker.Reconciler
	metrics   *broker.Metrics
	bus       *pubsub.PubSub
	uiSub     *pubsub.UISub
	events    *eventFanout
	notifier  pubsub.Notifier
}

// Setup assembles a console server against the real provider API.
func Setup(tokens provider.TokenSource, opts Opts) *ConsoleServer {
	return SetupWithClient(provider.NewHTTPClient(opts.ProviderURL, tokens), opts)
}

// SetupWithClient is Setup with an injectable provider client, for tests.
func SetupWithClient(api provider.Client, opts Opts) *ConsoleServer {
	var metrics *broker.Metrics
	if opts.EnablePrometheus {
		metrics = broker.NewMetrics()
	}
	bus := pubsub.NewPubSub(64)
	var notifier pubsub.Notifier = bus
	if opts.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(bus, "ui")
	}

	var sessionStore broker.SessionStore
	if opts.SessionStoreURI != "" {
		sessionStore = store.NewPostgresSessionStore(opts.SessionStoreURI)
	} else {
		sessionStore = broker.NewMemorySessionStore()
	}

	registry := broker.NewDeviceRegistry(api, opts.UnattendedOverrides, opts.DeviceCacheTTL)
	sessionBroker := broker.NewSessionBroker(api, opts.GroupName, metrics)
	sequencer := broker.NewLaunchSequencer(sessionBroker, sessionStore, logLauncher{}, notifier, metrics)
	if opts.NativeScheme != "" {
		sequencer.NativeScheme = opts.NativeScheme
	}
	if opts.WebClientHost != "" {
		sequencer.WebClientHost = opts.WebClientHost
	}
	sequencer.FallbackDelay = opts.FallbackDelay

	sweepInterval := opts.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = broker.DefaultSweepInterval
	}

	s := &ConsoleServer{
		registry:  registry,
		broker:    sessionBroker,
		sequencer: sequencer,
		store:     sessionStore,
		sweeper:   broker.NewExpirySweeper(sessionStore, sweepInterval, metrics),
		metrics:   metrics,
		bus:       bus,
		events:    newEventFanout(),
		notifier:  notifier,
	}
	if opts.ReconcileInterval != 0 {
		s.reconcile = broker.NewReconciler(api, sessionStore, notifier, opts.ReconcileInterval)
	}
	s.uiSub = pubsub.NewUISub(bus, s)
	return s
}

// Listen starts the background loops. Call once.
func (s *ConsoleServer) Listen() {
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := s.uiSub.Listen(); err != nil {
			logger.Err(err).Msg("failed to listen for UI payloads")
		}
	}()
	go func() {
		defer internal.ReportPanicsToSentry()
		s.sweeper.Run()
	}()
	if s.reconcile != nil {
		go func() {
			defer internal.ReportPanicsToSentry()
			s.reconcile.Run()
		}()
	}
}

// Teardown stops every loop and timer so the owning process can exit cleanly.
func (s *ConsoleServer) Teardown() {
	s.sweeper.Stop()
	if s.reconcile != nil {
		s.reconcile.Stop()
	}
	s.registry.Stop()
	s.notifier.Close()
	s.metrics.Unregister()
	if pg, ok := s.store.(*store.PostgresSessionStore); ok {
		pg.Teardown()
	}
}

// logLauncher is the server-side Launcher: the browser performs the actual
// navigation in response to the UI event stream, so the server just records
// what was handed off.
type logLauncher struct{}

func (logLauncher) OpenNative(ctx context.Context, uri string) {
	logger.Info().Str("uri", uri).Msg("native hand-off dispatched")
}

func (logLauncher) OpenWeb(ctx context.Context, url string) {
	logger.Info().Str("url", url).Msg("web fallback dispatched")
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Router builds the HTTP routing table for the console API.
func (s *ConsoleServer) Router(enablePrometheus bool) http.Handler {
	r := mux.NewRouter()
	r.Handle("/api/devices", allowCORS(http.HandlerFunc(s.serveDevices))).Methods("GET", "OPTIONS")
	r.Handle("/api/connect", allowCORS(http.HandlerFunc(s.serveConnect))).Methods("POST", "OPTIONS")
	r.Handle("/api/sessions", allowCORS(http.HandlerFunc(s.serveSessions))).Methods("GET", "OPTIONS")
	r.Handle("/api/sessions/{sessionID}", allowCORS(http.HandlerFunc(s.serveCloseSession))).Methods("DELETE", "OPTIONS")
	r.Handle("/api/events", allowCORS(http.HandlerFunc(s.serveEvents))).Methods("GET", "OPTIONS")
	r.HandleFunc("/_health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		fmt.Fprintln(w, `{}`)
	})
	if enablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// RunConsoleServer is the main entry point to the server
func RunConsoleServer(s *ConsoleServer, bindAddr string, enablePrometheus bool) {
	s.Listen()
	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/_health" || r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: s.Router(enablePrometheus),
	}

	// Block forever
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for the session broker and its supporting loops. Nil *Metrics is
// valid and means prometheus is disabled.
type Metrics struct {
	sessionsCreated  prometheus.Counter
	sessionsFailed   prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionsSwept    prometheus.Counter
	fallbackLaunches prometheus.Counter
	liveSessions     prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deviceloop",
			Subsystem: "broker",
			Name:      "sessions_created",
			Help:      "Number of upstream sessions successfully minted",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deviceloop",
			Subsystem: "broker",
			Name:      "sessions_failed",
			Help:      "Number of upstream session creation failures",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deviceloop",
			Subsystem: "broker",
			Name:      "sessions_closed",
			Help:      "Number of sessions explicitly closed",
		}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deviceloop",
			Subsystem: "broker",
			Name:      "sessions_swept",
			Help:      "Number of expired sessions evicted by the sweeper",
		}),
		fallbackLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deviceloop",
			Subsystem: "broker",
			Name:      "fallback_launches",
			Help:      "Number of delayed web-client fallback launches that fired",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deviceloop",
			Subsystem: "broker",
			Name:      "live_sessions",
			Help:      "Number of sessions currently tracked by this console",
		}),
	}
	prometheus.MustRegister(
		m.sessionsCreated, m.sessionsFailed, m.sessionsClosed,
		m.sessionsSwept, m.fallbackLaunches, m.liveSessions,
	)
	return m
}

func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.sessionsCreated)
	prometheus.Unregister(m.sessionsFailed)
	prometheus.Unregister(m.sessionsClosed)
	prometheus.Unregister(m.sessionsSwept)
	prometheus.Unregister(m.fallbackLaunches)
	prometheus.Unregister(m.liveSessions)
}

func (m *Metrics) sessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) sessionFailed() {
	if m != nil {
		m.sessionsFailed.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessionsClosed.Inc()
	}
}

func (m *Metrics) sessionsSweptAdd(n int) {
	if m != nil && n > 0 {
		m.sessionsSwept.Add(float64(n))
	}
}

func (m *Metrics) fallbackLaunched() {
	if m != nil {
		m.fallbackLaunches.Inc()
	}
}

func (m *Metrics) setLiveSessions(n int) {
	if m != nil {
		m.liveSessions.Set(float64(n))
	}
}

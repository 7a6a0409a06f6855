package broker

import (
	"time"
)

// DefaultSweepInterval is how often the sweeper evicts expired sessions.
const DefaultSweepInterval = 60 * time.Second

// ExpirySweeper periodically removes expired sessions from a SessionStore for
// the lifetime of the owning console instance. The ticker controls the
// frequency of sweeps; the done channel stops ticking and cleans up the
// goroutine.
type ExpirySweeper struct {
	ticker  *time.Ticker
	done    chan struct{}
	store   SessionStore
	metrics *Metrics
	now     func() time.Time
}

// NewExpirySweeper makes a sweeper which runs every d. If d is 0, no ticking
// is performed and sweeps only happen via explicit Sweep calls, which is
// useful for testing.
func NewExpirySweeper(store SessionStore, d time.Duration, metrics *Metrics) *ExpirySweeper {
	es := &ExpirySweeper{
		done:    make(chan struct{}),
		store:   store,
		metrics: metrics,
		now:     time.Now,
	}
	if d != 0 {
		es.ticker = time.NewTicker(d)
	}
	return es
}

// Sweep runs one eviction pass and returns how many sessions were removed.
func (es *ExpirySweeper) Sweep() int {
	removed := es.store.SweepExpired(es.now())
	es.metrics.sessionsSweptAdd(removed)
	es.metrics.setLiveSessions(len(es.store.Sessions()))
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("swept expired sessions")
	}
	return removed
}

// Blocks forever, sweeping until Stop() is called.
func (es *ExpirySweeper) Run() {
	if es.ticker == nil {
		return
	}
	for {
		select {
		case <-es.done:
			return
		case <-es.ticker.C:
			es.Sweep()
		}
	}
}

// Stop sweeping. Must be called when the owning console instance is torn down
// to avoid leaking the timer.
func (es *ExpirySweeper) Stop() {
	if es.ticker != nil {
		es.ticker.Stop()
	}
	close(es.done)
}

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/provider"
	"github.com/deviceloop/console/pubsub"
)

// DefaultReconcileInterval is how often tracked sessions are checked against
// the provider's system of record.
const DefaultReconcileInterval = 5 * time.Minute

// Reconciler makes the advisory-cache/authoritative-upstream divergence
// explicit: it periodically GETs every tracked session and untracks the ones
// the provider reports Closed. The local store wins for everything else.
type Reconciler struct {
	api      provider.Client
	store    SessionStore
	notifier pubsub.Notifier
	pool     *internal.WorkerPool
	ticker   *time.Ticker
	done     chan struct{}

	mu      sync.Mutex
	stopped bool
	passWG  sync.WaitGroup
}

// NewReconciler makes a reconciler which runs every d. If d is 0, no ticking
// is performed and passes only happen via explicit ReconcileOnce calls.
// Upstream lookups fan out over a small worker pool sized against the
// provider's per-token rate limit.
func NewReconciler(api provider.Client, store SessionStore, notifier pubsub.Notifier, d time.Duration) *Reconciler {
	r := &Reconciler{
		api:      api,
		store:    store,
		notifier: notifier,
		pool:     internal.NewWorkerPool(4),
		done:     make(chan struct{}),
	}
	if d != 0 {
		r.ticker = time.NewTicker(d)
	}
	r.pool.Start()
	return r
}

// ReconcileOnce checks every tracked session against the provider and removes
// the ones reported Closed. Degraded sessions were never minted upstream and
// are skipped. Lookup failures leave the local entry alone: the cache is
// advisory and expiry will get it eventually.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	if !r.beginPass() {
		return
	}
	defer r.passWG.Done()
	sessions := r.store.Sessions()
	var wg sync.WaitGroup
	for _, sess := range sessions {
		if sess.Degraded {
			continue
		}
		sess := sess
		wg.Add(1)
		r.pool.Queue(func() {
			defer wg.Done()
			rec, err := r.api.GetSession(ctx, sess.ID)
			if err != nil {
				logger.Warn().Str("session", sess.ID).Err(err).Msg("reconcile lookup failed")
				return
			}
			if SessionState(rec.State) != SessionClosed {
				return
			}
			r.store.Remove(sess.ID)
			logger.Info().Str("session", sess.ID).Msg("reconciler removed upstream-closed session")
			if r.notifier != nil {
				if err := r.notifier.Notify(pubsub.ChanUI, &pubsub.SessionClosed{SessionID: sess.ID}); err != nil {
					logger.Warn().Err(err).Msg("failed to notify session close")
				}
			}
		})
	}
	wg.Wait()
}

// Blocks forever, reconciling until Stop() is called.
func (r *Reconciler) Run() {
	if r.ticker == nil {
		return
	}
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			func() {
				defer internal.ReportPanicsToSentry()
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				r.ReconcileOnce(ctx)
			}()
		}
	}
}

// beginPass registers an in-flight pass, unless the reconciler has already
// been stopped. Passes registered here hold the worker pool open.
func (r *Reconciler) beginPass() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.passWG.Add(1)
	return true
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	if r.ticker != nil {
		r.ticker.Stop()
	}
	close(r.done)
	// drain any in-flight pass before stopping the pool: ReconcileOnce only
	// returns once all its queued lookups have run, so after the wait nothing
	// can queue onto the closed pool
	r.passWG.Wait()
	r.pool.Stop()
}

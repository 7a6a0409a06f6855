package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deviceloop/console/provider"
)

func TestReconcilerRemovesUpstreamClosed(t *testing.T) {
	now := time.Now()
	store := NewMemorySessionStore()
	store.Track(mkSession("closed-upstream", now, now.Add(time.Hour)))
	store.Track(mkSession("still-open", now, now.Add(time.Hour)))
	degraded := mkSession("direct-123", now, now.Add(time.Hour))
	degraded.Degraded = true
	store.Track(degraded)

	var lookups int32
	api := &mockAPI{
		getSessionFn: func(ctx context.Context, code string) (*provider.SessionRecord, error) {
			atomic.AddInt32(&lookups, 1)
			if code == "direct-123" {
				t.Errorf("reconciler queried a degraded session upstream")
			}
			state := "Open"
			if code == "closed-upstream" {
				state = "Closed"
			}
			return &provider.SessionRecord{Code: code, State: state}, nil
		},
	}
	r := NewReconciler(api, store, nil, 0)
	defer r.Stop()
	r.ReconcileOnce(context.Background())

	if _, ok := store.Get("closed-upstream"); ok {
		t.Errorf("upstream-closed session still tracked")
	}
	if _, ok := store.Get("still-open"); !ok {
		t.Errorf("open session was removed")
	}
	if _, ok := store.Get("direct-123"); !ok {
		t.Errorf("degraded session was removed")
	}
	if got := atomic.LoadInt32(&lookups); got != 2 {
		t.Errorf("performed %d lookups, want 2", got)
	}
}

// Lookup failures leave local entries alone; the cache is advisory.
func TestReconcilerToleratesLookupFailure(t *testing.T) {
	now := time.Now()
	store := NewMemorySessionStore()
	store.Track(mkSession("123456", now, now.Add(time.Hour)))
	api := &mockAPI{
		getSessionFn: func(ctx context.Context, code string) (*provider.SessionRecord, error) {
			return nil, errors.New("transient")
		},
	}
	r := NewReconciler(api, store, nil, 0)
	defer r.Stop()
	r.ReconcileOnce(context.Background())
	if _, ok := store.Get("123456"); !ok {
		t.Errorf("session removed on lookup failure")
	}
}

// Stop closes the worker pool; a pass attempted afterwards must be a no-op
// rather than queueing onto the stopped pool.
func TestReconcilerStopClosesPool(t *testing.T) {
	now := time.Now()
	store := NewMemorySessionStore()
	store.Track(mkSession("123456", now, now.Add(time.Hour)))
	var lookups int32
	api := &mockAPI{
		getSessionFn: func(ctx context.Context, code string) (*provider.SessionRecord, error) {
			atomic.AddInt32(&lookups, 1)
			return &provider.SessionRecord{Code: code, State: "Open"}, nil
		},
	}
	r := NewReconciler(api, store, nil, 0)
	r.ReconcileOnce(context.Background())
	if got := atomic.LoadInt32(&lookups); got != 1 {
		t.Fatalf("performed %d lookups, want 1", got)
	}
	r.Stop()
	r.Stop() // idempotent
	r.ReconcileOnce(context.Background())
	if got := atomic.LoadInt32(&lookups); got != 1 {
		t.Errorf("pass after Stop performed lookups: %d", got)
	}
	if _, ok := store.Get("123456"); !ok {
		t.Errorf("pass after Stop mutated the store")
	}
}

func TestReconcilerStopTerminatesRun(t *testing.T) {
	r := NewReconciler(&mockAPI{}, NewMemorySessionStore(), nil, time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

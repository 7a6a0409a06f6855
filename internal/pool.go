package internal

type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// The size of N depends on the expected frequency of work and contention for
// shared resources. The reconciler sizes N against the provider's documented
// per-token rate limit rather than an arbitrary number; if more than N work is
// requested, WorkerPool.Queue blocks until some work is done.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// By setting the channel size to N, backpressure is applied on the
		// producer once N work is in flight and N more is queued, bounding
		// memory consumption.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}

// Package clock provides the monotonic time source the scheduler and
// checkable state machine consult instead of calling time.Now directly.
// Test builds swap in a FakeClock so scheduler behavior can be driven
// deterministically. scheduler.Run still waits between ticks on a real
// time.NewTimer, whose duration is computed from the Clock.
package clock

import (
	"sync"
	"time"
)

// Clock is the seam between scheduling logic and wall-clock time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks the calling goroutine for d, or returns early if
	// stop is closed.
	Sleep(d time.Duration, stop <-chan struct{})
	// NewTimer creates a Timer that fires once interval has elapsed.
	NewTimer(interval time.Duration, onExpire func()) *Timer
}

// realClock is the production Clock backed by the OS.
type realClock struct {
	pool *workerPool
}

// New returns a Clock backed by real wall-clock time, with on_expire
// callbacks dispatched on a shared worker pool: timers fire on one
// shared worker pool rather than spawning a goroutine each.
func New() Clock {
	return &realClock{pool: newWorkerPool(4)}
}

func (c *realClock) Now() time.Time { return time.Now() }

func (c *realClock) Sleep(d time.Duration, stop <-chan struct{}) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

func (c *realClock) NewTimer(interval time.Duration, onExpire func()) *Timer {
	tm := &Timer{interval: interval, onExpire: onExpire, pool: c.pool}
	tm.Start()
	return tm
}

// Timer is a one-shot timer whose expiry is dispatched on the Clock's
// shared worker pool; a periodic caller re-arms it with Reschedule.
// Reschedule is idempotent: however often it is called, at most one
// expiry is pending afterwards.
type Timer struct {
	mu       sync.Mutex
	interval time.Duration
	onExpire func()
	inner    *time.Timer
	pool     *workerPool
	stopped  bool
}

// Start arms the timer for interval from now.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked(t.interval)
}

// Reschedule rearms the timer to fire once d has elapsed from now.
// Safe to call from any goroutine; idempotent against repeated calls
// because this wrapper always stops any pending fire before arming the
// new one. A stopped timer is not rearmed.
func (t *Timer) Reschedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.inner != nil {
		t.inner.Stop()
	}
	t.armLocked(d)
}

func (t *Timer) armLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.inner = time.AfterFunc(d, func() {
		t.pool.submit(t.onExpire)
	})
}

// Stop cancels the timer. Safe to call multiple times.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.inner != nil {
		t.inner.Stop()
	}
}

// workerPool bounds how many timer callbacks may run concurrently so a
// slow on_expire cannot stall the entire timer subsystem. It isolates
// callbacks from the timer-arming goroutine, but does not kill a
// callback that runs long.
type workerPool struct {
	sem chan struct{}
}

func newWorkerPool(n int) *workerPool {
	if n <= 0 {
		n = 1
	}
	return &workerPool{sem: make(chan struct{}, n)}
}

func (p *workerPool) submit(fn func()) {
	if fn == nil {
		return
	}
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn()
	}()
}

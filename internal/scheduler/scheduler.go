// Package scheduler implements the check scheduler: a priority queue
// of Active checkables keyed by next_check, driven by a single
// goroutine, with check execution fanned out to a bounded worker
// pool.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	ck "github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/metrics"
	"github.com/rs/zerolog"
)

// Dispatcher hands an Admitted checkable off to the Command Runner.
// Dispatch calls done exactly once, from any goroutine, when the check
// completes (success or failure), to release the concurrency slot. A
// synthetic result never reaches Dispatch; the Scheduler releases that
// slot itself.
type Dispatcher interface {
	Dispatch(c *ck.Checkable, done func())
}

// Scheduler is the single-goroutine check-execution event loop.
type Scheduler struct {
	log   zerolog.Logger
	clock clock.Clock

	mu    sync.Mutex
	queue checkQueue

	dispatcher Dispatcher

	maxConcurrentChecks int
	pendingChecks       int

	globalChecksEnabled func(kind ck.Kind) bool
	isReachable         func(c *ck.Checkable) bool
	lookupPeriod        func(name string) Period
	lookupEndpoint      func(name string) Endpoint
	programStart        time.Time
	coldStartupWindow   time.Duration

	// OnNextCheckChanged fires on every reschedule.
	OnNextCheckChanged func(c *ck.Checkable, oldNextCheck time.Time)
	// OnSyntheticResult is called instead of Dispatch when
	// NeedsSyntheticRemoteUnreachable holds, so the caller can feed a
	// synthetic Unknown CheckResult into the Checkable State Machine.
	OnSyntheticResult func(c *ck.Checkable)

	insertCh chan *ck.Checkable
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config is the set of static dependencies Scheduler.Run needs.
type Config struct {
	Clock               clock.Clock
	Log                 zerolog.Logger
	Dispatcher          Dispatcher
	MaxConcurrentChecks int
	GlobalChecksEnabled func(kind ck.Kind) bool
	IsReachable         func(c *ck.Checkable) bool
	LookupPeriod        func(name string) Period
	LookupEndpoint      func(name string) Endpoint
	ProgramStart        time.Time
	ColdStartupWindow   time.Duration
}

// New constructs a Scheduler. Call Insert for every Active checkable
// before or while Run is executing.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		log:                 cfg.Log,
		clock:               cfg.Clock,
		dispatcher:          cfg.Dispatcher,
		maxConcurrentChecks: cfg.MaxConcurrentChecks,
		globalChecksEnabled: cfg.GlobalChecksEnabled,
		isReachable:         cfg.IsReachable,
		lookupPeriod:        cfg.LookupPeriod,
		lookupEndpoint:      cfg.LookupEndpoint,
		programStart:        cfg.ProgramStart,
		coldStartupWindow:   cfg.ColdStartupWindow,
		insertCh:            make(chan *ck.Checkable, 256),
		stopCh:              make(chan struct{}),
	}
	heap.Init(&s.queue)
	metrics.MaxConcurrentChecks.Set(float64(cfg.MaxConcurrentChecks))
	return s
}

// Insert adds c to the queue (or wakes Run so it re-evaluates its
// sleep if c sorts before whatever Run was waiting on). Safe to call
// from any goroutine, including from within Run's own callbacks.
func (s *Scheduler) Insert(c *ck.Checkable) {
	select {
	case s.insertCh <- c:
	case <-s.stopCh:
	}
}

// Stop ends Run's loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run blocks, popping the earliest-due checkable and dispatching it,
// until Stop is called.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		var wait time.Duration
		if s.queue.Len() > 0 {
			wait = s.queue[0].NextCheck.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Second
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case c := <-s.insertCh:
			timer.Stop()
			s.mu.Lock()
			heap.Push(&s.queue, c)
			s.mu.Unlock()
		case <-timer.C:
			s.tick()
		}
	}
}

// tick pops and processes every checkable due at or before now.
func (s *Scheduler) tick() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 || s.queue[0].NextCheck.After(now) {
			s.mu.Unlock()
			return
		}
		c := heap.Pop(&s.queue).(*ck.Checkable)
		s.mu.Unlock()

		s.process(c, now)
	}
}

func (s *Scheduler) process(c *ck.Checkable, now time.Time) {
	s.mu.Lock()
	pending := s.pendingChecks
	s.mu.Unlock()

	params := AdmitParams{
		Now:                 now,
		PendingChecks:       pending,
		MaxConcurrentChecks: s.maxConcurrentChecks,
		IsReachable:         s.isReachable,
		LookupPeriod:        s.lookupPeriod,
		LookupEndpoint:      s.lookupEndpoint,
		ProgramStart:        s.programStart,
		ColdStartupWindow:   s.coldStartupWindow,
	}
	if s.globalChecksEnabled != nil {
		params.GlobalChecksEnabled = s.globalChecksEnabled(c.Kind)
	} else {
		params.GlobalChecksEnabled = true
	}

	reason, nextOverride := AdmitForCheck(c, params)

	switch reason {
	case ConcurrencyFull:
		// Re-enqueued one second out (see deferUntilSlotFree); a freed
		// slot does not re-insert it.
		s.log.Info().Str("checkable", c.Name).Msg("concurrency cap reached, deferring")
		s.deferUntilSlotFree(c)
		return

	case ChecksDisabled:
		s.log.Info().Str("checkable", c.Name).Msg("skipping, active checks disabled")
		s.reschedule(c, now.Add(c.CheckInterval))
		return

	case Unreachable:
		s.log.Info().Str("checkable", c.Name).Msg("skipping, dependency failed")
		s.reschedule(c, now.Add(c.CheckInterval))
		return

	case OutsideCheckPeriod:
		next := now.Add(c.CheckInterval)
		if nextOverride != nil {
			next = *nextOverride
		}
		s.log.Info().Str("checkable", c.Name).Str("period", c.CheckPeriodName).Time("until", next).Msg("skipping, outside check period")
		s.reschedule(c, next)
		return

	case RemoteColdStartup:
		s.log.Info().Str("checkable", c.Name).Msg("skipping, remote endpoint cold-starting")
		s.reschedule(c, now.Add(c.CheckInterval))
		return
	}

	// Admitted.
	s.mu.Lock()
	s.pendingChecks++
	s.mu.Unlock()
	metrics.PendingChecks.Inc()
	metrics.ChecksAdmittedTotal.WithLabelValues("admitted").Inc()

	old := c.NextCheck
	c.NextCheck = now.Add(c.CheckInterval)
	s.mu.Lock()
	heap.Push(&s.queue, c)
	s.mu.Unlock()
	if s.OnNextCheckChanged != nil {
		s.OnNextCheckChanged(c, old)
	}

	done := func() {
		s.mu.Lock()
		if s.pendingChecks > 0 {
			s.pendingChecks--
		}
		s.mu.Unlock()
		metrics.PendingChecks.Dec()
	}

	if NeedsSyntheticRemoteUnreachable(c, params) {
		if s.OnSyntheticResult != nil {
			s.OnSyntheticResult(c)
		}
		done()
		return
	}

	timer := metrics.NewTimer()
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(c, func() {
			timer.ObserveDuration(metrics.CheckLatency)
			done()
		})
	} else {
		done()
	}
}

// RescheduleCheck implements the external "reschedule check" command
// RescheduleCheck(t, force): moves c's next check to at and sets
// ForceNextCheck so admission skips the checks-enabled gate (global
// and per-checkable active checks) until the next result is processed;
// the check period and the other admission reasons still apply. If c is currently queued it is removed first so the
// reschedule doesn't leave a duplicate entry behind; if c is mid-
// execution (the narrow window between being popped for processing and
// being re-enqueued at its next interval) this simply adds the new
// entry, same as any other out-of-band Insert.
func (s *Scheduler) RescheduleCheck(c *ck.Checkable, at time.Time, force bool) {
	c.ForceNextCheck = force
	s.mu.Lock()
	for i, q := range s.queue {
		if q == c {
			heap.Remove(&s.queue, i)
			break
		}
	}
	s.mu.Unlock()
	s.reschedule(c, at)
}

// reschedule sets c.NextCheck to at and re-enqueues it, emitting
// OnNextCheckChanged.
func (s *Scheduler) reschedule(c *ck.Checkable, at time.Time) {
	old := c.NextCheck
	c.NextCheck = at
	s.mu.Lock()
	heap.Push(&s.queue, c)
	s.mu.Unlock()
	metrics.ChecksAdmittedTotal.WithLabelValues("rescheduled").Inc()
	if s.OnNextCheckChanged != nil {
		s.OnNextCheckChanged(c, old)
	}
}

// deferUntilSlotFree re-enqueues c one second from now, so the tick
// after that retries it. A running check that completes and frees a
// slot does not wake or re-insert c; it waits for that retry.
func (s *Scheduler) deferUntilSlotFree(c *ck.Checkable) {
	s.mu.Lock()
	c.NextCheck = s.clock.Now().Add(time.Second)
	heap.Push(&s.queue, c)
	s.mu.Unlock()
}

// Len returns the number of checkables currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

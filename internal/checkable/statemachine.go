package checkable

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/errkind"
)

// NotificationType is the reason a notification fan-out was requested.
// The Notification Engine owns the full filter/period/interval logic;
// this package only decides *when* to ask for one.
type NotificationType int

const (
	NotificationProblem NotificationType = iota
	NotificationRecovery
	NotificationAcknowledgement
	NotificationFlappingStart
	NotificationFlappingEnd
)

// Handler drives ProcessCheckResult for every checkable in the
// registry, the way gogios's ServiceResultHandler drove Nagios
// soft/hard state transitions — generalized here to cover both Kinds
// and reachability/flap/downtime/acknowledgement hooks via injectable
// callback fields instead of a type switch.
type Handler struct {
	Clock clock.Clock

	FlapThresholdHigh float64
	FlapThresholdLow  float64
	IntervalLength    time.Duration

	// HostOf resolves a Service checkable's owning Host. Required for
	// services; unused for hosts.
	HostOf func(svc *Checkable) *Checkable

	// IsReachable reports whether c is currently reachable per the
	// Dependency Graph. Nil means "always reachable" (no dependency
	// wiring configured).
	IsReachable func(c *Checkable) bool

	// RecomputeDowntimeDepth recomputes c's downtime_depth (triggered
	// downtimes starting, expired downtimes removed) and returns the
	// new depth. Nil leaves DowntimeDepth untouched.
	RecomputeDowntimeDepth func(c *Checkable) int

	// OnNewCheckResult fires once per processed result, before any
	// other callback.
	OnNewCheckResult func(c *Checkable, cr *CheckResult)
	// OnStateChange fires when State or StateType changed.
	OnStateChange func(c *Checkable, oldState State, newState State, hardChange bool)
	// OnNotificationsRequested fires when the state machine decides a
	// notification fan-out should be attempted; the Notification
	// Engine applies its own gating from here.
	OnNotificationsRequested func(c *Checkable, typ NotificationType, cr *CheckResult, author, text string, force bool)
	// OnReachabilityChanged fires when c's own reachability flips.
	OnReachabilityChanged func(c *Checkable, reachable bool)
}

// ProcessCheckResult runs a ten-step pipeline over a fresh check
// result: validate, update attempt/state-type bookkeeping, detect the
// state change, recompute flapping and downtime depth, refresh
// reachability, and request notifications. It returns an error
// wrapping errkind.BadCheckResult if cr is malformed, in which case the
// checkable's schedule is left untouched.
func (h *Handler) ProcessCheckResult(c *Checkable, cr *CheckResult) error {
	if !cr.Valid(c.Kind) {
		return errkind.New(errkind.BadCheckResult, "Handler.ProcessCheckResult", fmt.Errorf("invalid state %d for %s", cr.State, c.Kind))
	}

	// Step 1: serialize, snapshot old state.
	c.Lock()
	defer c.Unlock()

	oldState := c.CurrentState
	oldStateType := c.StateType

	now := cr.ExecutionEnd
	if now.IsZero() {
		now = h.now()
	}

	// Step 2.
	c.LastCheck = now
	c.LastResult = cr
	stateChanged := cr.State != oldState

	hostProblem := false
	if c.Kind == KindService && cr.State != ServiceOK && h.HostOf != nil {
		if host := h.HostOf(c); host != nil && host.CurrentState != HostUp {
			hostProblem = true
		}
	}

	hardChange := false

	// Steps 3-4: soft/hard state machine.
	switch {
	case cr.State == okState(c.Kind):
		if oldState != okState(c.Kind) {
			if oldStateType == StateTypeHard {
				hardChange = true
			}
			c.StateType = StateTypeHard
			c.CheckAttempt = 1
			c.clearAcknowledgementOnRecovery()
		} else {
			c.StateType = StateTypeHard
			c.CheckAttempt = 1
		}
	case hostProblem:
		c.StateType = StateTypeHard
		c.CheckAttempt = c.MaxCheckAttempts
	case c.MaxCheckAttempts <= 1:
		c.StateType = StateTypeHard
		c.CheckAttempt = 1
		if stateChanged || oldStateType == StateTypeSoft {
			hardChange = true
		}
	case oldState == okState(c.Kind):
		c.StateType = StateTypeSoft
		c.CheckAttempt = 1
	case c.StateType == StateTypeSoft:
		if c.CheckAttempt < c.MaxCheckAttempts {
			c.CheckAttempt++
		}
		if c.CheckAttempt >= c.MaxCheckAttempts {
			c.StateType = StateTypeHard
			hardChange = true
		}
	default:
		c.CheckAttempt = c.MaxCheckAttempts
	}

	c.LastState = oldState
	c.CurrentState = cr.State

	// Non-sticky acknowledgement clears on any raw state change.
	if stateChanged && c.Acknowledgement == AckNormal {
		c.Acknowledgement = AckNone
	}

	// Step 5: last-time-in-state bookkeeping.
	if c.LastTimeByState == nil {
		c.LastTimeByState = make(map[State]time.Time)
	}
	c.LastTimeByState[cr.State] = now
	if stateChanged {
		c.LastStateChange = now
	}
	if hardChange || (c.StateType == StateTypeHard && oldStateType == StateTypeHard && stateChanged) {
		c.LastHardState = cr.State
		c.LastHardStateChange = now
	}

	// Step 6: flap buffer.
	c.Flap.recordCheck(stateChanged)
	flapChanged := c.Flap.evaluateThresholds(h.flapLow(), h.flapHigh())

	// Step 7: acknowledgement expiry.
	if c.AckExpiry != (time.Time{}) && !now.Before(c.AckExpiry) {
		c.Acknowledgement = AckNone
		c.AckExpiry = time.Time{}
	}
	if c.Acknowledgement == AckSticky && cr.State == okState(c.Kind) && c.StateType == StateTypeHard {
		c.Acknowledgement = AckNone
		c.AckExpiry = time.Time{}
	}

	// Step 8: downtime trigger/depth.
	if h.RecomputeDowntimeDepth != nil {
		c.DowntimeDepth = h.RecomputeDowntimeDepth(c)
	}

	// Step 9: next check, then emit events.
	c.ForceNextCheck = false
	h.UpdateNextCheck(c, cr)

	if h.OnNewCheckResult != nil {
		h.OnNewCheckResult(c, cr)
	}
	if h.OnStateChange != nil && (stateChanged || hardChange || c.StateType != oldStateType) {
		h.OnStateChange(c, oldState, cr.State, hardChange)
	}
	if hardChange {
		if cr.State == okState(c.Kind) {
			h.requestNotification(c, NotificationRecovery, cr)
		} else {
			h.requestNotification(c, NotificationProblem, cr)
		}
	}
	if flapChanged {
		if c.Flap.IsFlapping {
			h.requestNotification(c, NotificationFlappingStart, cr)
		} else {
			h.requestNotification(c, NotificationFlappingEnd, cr)
		}
	}
	h.refreshReachability(c)

	return nil
}

func (h *Handler) requestNotification(c *Checkable, typ NotificationType, cr *CheckResult) {
	if h.OnNotificationsRequested != nil {
		h.OnNotificationsRequested(c, typ, cr, "", "", false)
	}
}

func (c *Checkable) clearAcknowledgementOnRecovery() {
	c.Acknowledgement = AckNone
	c.AckExpiry = time.Time{}
}

func (h *Handler) refreshReachability(c *Checkable) {
	if h.IsReachable == nil {
		return
	}
	reachable := h.IsReachable(c)
	if reachable == c.wasReachable && c.reachabilityKnown {
		return
	}
	c.wasReachable = reachable
	c.reachabilityKnown = true
	if h.OnReachabilityChanged != nil {
		h.OnReachabilityChanged(c, reachable)
	}
}

// UpdateNextCheck sets c.NextCheck to last_check + interval
// (check-interval on Hard/OK, retry-interval otherwise) plus a
// deterministic per-name splay so a mass restart does not stampede.
func (h *Handler) UpdateNextCheck(c *Checkable, cr *CheckResult) {
	interval := c.CheckInterval
	if cr != nil && c.StateType != StateTypeHard && cr.State != okState(c.Kind) {
		interval = c.RetryInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	base := c.LastCheck
	if base.IsZero() {
		base = h.now()
	}
	c.NextCheck = base.Add(interval).Add(splay(c.Name, interval))
}

// splay returns a deterministic, sub-interval offset derived from the
// checkable's name, so repeated restarts spread checks across the same
// points in time instead of re-stampeding every checkable at once.
func splay(name string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	frac := float64(h.Sum32()%10000) / 10000.0
	return time.Duration(frac * float64(interval))
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now()
	}
	return time.Now()
}

func (h *Handler) flapHigh() float64 {
	if h.FlapThresholdHigh > 0 {
		return h.FlapThresholdHigh
	}
	return 30.0
}

func (h *Handler) flapLow() float64 {
	if h.FlapThresholdLow > 0 {
		return h.FlapThresholdLow
	}
	return 25.0
}

func okState(kind Kind) State {
	if kind == KindHost {
		return HostUp
	}
	return ServiceOK
}

// Acknowledge sets c's acknowledgement, requesting an Acknowledgement
// notification. expiry of the zero Time means "never expires".
func (h *Handler) Acknowledge(c *Checkable, typ AckType, expiry time.Time, author, text string) {
	c.Lock()
	defer c.Unlock()
	c.Acknowledgement = typ
	c.AckExpiry = expiry
	if h.OnNotificationsRequested != nil {
		h.OnNotificationsRequested(c, NotificationAcknowledgement, c.LastResult, author, text, false)
	}
}

// ClearAcknowledgement removes any acknowledgement from c regardless of
// type, e.g. in response to an external RemoveAcknowledgement command.
func (h *Handler) ClearAcknowledgement(c *Checkable) {
	c.Lock()
	defer c.Unlock()
	c.Acknowledgement = AckNone
	c.AckExpiry = time.Time{}
}

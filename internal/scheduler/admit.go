package scheduler

import (
	"time"

	ck "github.com/icinga-go/gogiod/internal/checkable"
)

// AdmitReason is the outcome of AdmitForCheck.
type AdmitReason int

const (
	Admitted AdmitReason = iota
	ConcurrencyFull
	ChecksDisabled
	Unreachable
	OutsideCheckPeriod
	RemoteColdStartup
)

func (r AdmitReason) String() string {
	switch r {
	case Admitted:
		return "Admitted"
	case ConcurrencyFull:
		return "ConcurrencyFull"
	case ChecksDisabled:
		return "ChecksDisabled"
	case Unreachable:
		return "Unreachable"
	case OutsideCheckPeriod:
		return "OutsideCheckPeriod"
	case RemoteColdStartup:
		return "RemoteColdStartup"
	default:
		return "Unknown"
	}
}

// Period is the subset of config.TimePeriod that admission needs,
// kept as an interface so tests can fake it without constructing a
// real TimePeriod.
type Period interface {
	IsInside(t time.Time) bool
	NextValidEnd(t time.Time) time.Time
}

// Endpoint is the subset of cluster.Endpoint admission needs to decide
// cold-startup behavior for a remote-command-endpoint checkable.
type Endpoint interface {
	Connected() bool
	Syncing() bool
}

// AdmitParams bundles everything AdmitForCheck needs beyond the
// checkable and the current time, so the Scheduler can be tested
// without constructing a Dependency Registry, Endpoint table, etc.
type AdmitParams struct {
	Now                 time.Time
	PendingChecks        int
	MaxConcurrentChecks  int
	GlobalChecksEnabled  bool // ExecuteServiceChecks / ExecuteHostChecks, per c.Kind
	IsReachable          func(c *ck.Checkable) bool
	LookupPeriod         func(name string) Period
	LookupEndpoint       func(name string) Endpoint
	ProgramStart         time.Time
	ColdStartupWindow    time.Duration
}

// AdmitForCheck evaluates the admission reasons in priority order and
// returns the first that fires, plus the next_check override
// OutsideCheckPeriod requires (nil for every other reason; the caller
// applies its own Now()+interval reschedule for the rest).
func AdmitForCheck(c *ck.Checkable, p AdmitParams) (AdmitReason, *time.Time) {
	if p.PendingChecks >= p.MaxConcurrentChecks {
		return ConcurrencyFull, nil
	}

	if !c.ForceNextCheck {
		if !p.GlobalChecksEnabled || !c.Enable.ActiveChecks {
			return ChecksDisabled, nil
		}
	}

	if p.IsReachable != nil && !p.IsReachable(c) {
		return Unreachable, nil
	}

	if c.CheckPeriodName != "" && p.LookupPeriod != nil {
		if period := p.LookupPeriod(c.CheckPeriodName); period != nil && !period.IsInside(p.Now) {
			next := period.NextValidEnd(p.Now)
			return OutsideCheckPeriod, &next
		}
	}

	if c.CommandEndpoint != "" && p.LookupEndpoint != nil {
		if ep := p.LookupEndpoint(c.CommandEndpoint); ep != nil && !ep.Connected() && !ep.Syncing() {
			if p.Now.Sub(p.ProgramStart) < p.ColdStartupWindow {
				return RemoteColdStartup, nil
			}
			// Past the cold-startup window: admit, but the caller is
			// responsible for synthesizing the "not connected" Unknown
			// result instead of dispatching to the Command Runner; see
			// NeedsSyntheticRemoteUnreachable.
		}
	}

	return Admitted, nil
}

// NeedsSyntheticRemoteUnreachable reports whether an Admitted checkable
// is command-endpoint-routed to a peer that is still disconnected past
// the cold-startup window, the RemoteColdStartup follow-on: the caller
// should synthesize an Unknown CheckResult instead of dispatching to
// the Command Runner.
func NeedsSyntheticRemoteUnreachable(c *ck.Checkable, p AdmitParams) bool {
	if c.CommandEndpoint == "" || p.LookupEndpoint == nil {
		return false
	}
	ep := p.LookupEndpoint(c.CommandEndpoint)
	if ep == nil || ep.Connected() || ep.Syncing() {
		return false
	}
	return p.Now.Sub(p.ProgramStart) >= p.ColdStartupWindow
}

package persist

import (
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
)

// CheckableSnapshot is the serialized form of one Checkable's runtime
// state: its type, name, and serialized fields. It intentionally
// omits the Host/Service cross-pointers the live
// Checkable carries (Service.Host, Host.services) to avoid encoding a
// reference cycle; those links are rebuilt by the config loader's
// normal OnAllConfigLoaded linking pass, not by restore.
type CheckableSnapshot struct {
	Name string
	Kind string

	CurrentState  checkable.State
	LastState     checkable.State
	StateType     checkable.StateType
	CheckAttempt  int
	LastHardState checkable.State

	LastStateChange     time.Time
	LastHardStateChange time.Time
	LastCheck           time.Time
	NextCheck           time.Time
	ForceNextCheck      bool

	DowntimeDepth   int
	Acknowledgement checkable.AckType
	AckExpiry       time.Time

	Flap checkable.FlapState

	LastResult *checkable.CheckResult

	// Host-only fields; zero-valued for a Service snapshot.
	ServiceShortNames []string

	// Service-only fields; zero-valued for a Host snapshot.
	HostName  string
	ShortName string
}

// BuildSnapshot copies c's current runtime state out from under its
// lock into a detached, JSON-safe value.
func BuildSnapshot(c *checkable.Checkable) CheckableSnapshot {
	c.RLock()
	defer c.RUnlock()

	snap := CheckableSnapshot{
		Name:                 c.Name,
		Kind:                 c.Kind.String(),
		CurrentState:         c.CurrentState,
		LastState:            c.LastState,
		StateType:            c.StateType,
		CheckAttempt:         c.CheckAttempt,
		LastHardState:        c.LastHardState,
		LastStateChange:      c.LastStateChange,
		LastHardStateChange:  c.LastHardStateChange,
		LastCheck:            c.LastCheck,
		NextCheck:            c.NextCheck,
		ForceNextCheck:       c.ForceNextCheck,
		DowntimeDepth:        c.DowntimeDepth,
		Acknowledgement:      c.Acknowledgement,
		AckExpiry:            c.AckExpiry,
		Flap:                 c.Flap,
		LastResult:           c.LastResult,
	}

	if c.Kind == checkable.KindHost && c.Host != nil {
		for _, svc := range c.Services() {
			snap.ServiceShortNames = append(snap.ServiceShortNames, svc.Service.ShortName)
		}
	}
	if c.Kind == checkable.KindService && c.Service != nil {
		snap.HostName = c.Service.HostName
		snap.ShortName = c.Service.ShortName
	}

	return snap
}

// ApplySnapshot restores c's runtime state from a previously built
// snapshot. Config-level fields (intervals, check command, enable
// flags) are never touched here: those come from the config loader on
// every start, and any operator override of them lives in the
// modified-attributes journal, not the object snapshot.
func ApplySnapshot(c *checkable.Checkable, snap CheckableSnapshot) {
	c.Lock()
	defer c.Unlock()

	c.CurrentState = snap.CurrentState
	c.LastState = snap.LastState
	c.StateType = snap.StateType
	c.CheckAttempt = snap.CheckAttempt
	c.LastHardState = snap.LastHardState
	c.LastStateChange = snap.LastStateChange
	c.LastHardStateChange = snap.LastHardStateChange
	c.LastCheck = snap.LastCheck
	c.NextCheck = snap.NextCheck
	c.ForceNextCheck = snap.ForceNextCheck
	c.DowntimeDepth = snap.DowntimeDepth
	c.Acknowledgement = snap.Acknowledgement
	c.AckExpiry = snap.AckExpiry
	c.Flap = snap.Flap
	c.LastResult = snap.LastResult
}

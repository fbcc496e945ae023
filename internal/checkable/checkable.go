// Package checkable implements the per-host/service state machine:
// soft/hard state transitions, attempt counters, flap detection,
// acknowledgement lifecycle and next-check scheduling. It replaces
// gogios's separate Host/Service structs and per-kind
// ServiceResultHandler/HostResultHandler pair with one Checkable
// record carrying a Kind tag.
package checkable

import (
	"sync"
	"time"
)

// Kind distinguishes a Host checkable from a Service checkable.
type Kind int

const (
	KindHost Kind = iota
	KindService
)

func (k Kind) String() string {
	if k == KindHost {
		return "host"
	}
	return "service"
}

// State is a raw check state code. Its valid range depends on Kind:
// Host uses {Up, Down}; Service uses {OK, Warning, Critical, Unknown}.
type State int

const (
	// Host states.
	HostUp   State = 0
	HostDown State = 1

	// Service states.
	ServiceOK       State = 0
	ServiceWarning  State = 1
	ServiceCritical State = 2
	ServiceUnknown  State = 3
)

// IsOK reports whether state is the non-problem state for kind
// (Up for hosts, OK for services).
func IsOK(kind Kind, state State) bool {
	return state == 0
}

// StateType is whether the current State has been confirmed across
// max_check_attempts (Hard) or is still within its retry window (Soft).
type StateType int

const (
	StateTypeSoft StateType = iota
	StateTypeHard
)

func (t StateType) String() string {
	if t == StateTypeHard {
		return "Hard"
	}
	return "Soft"
}

// AckType is the kind of acknowledgement currently set on a checkable.
type AckType int

const (
	AckNone AckType = iota
	AckNormal
	AckSticky
)

// HostExtra carries the fields unique to a Host checkable.
type HostExtra struct {
	Addresses   []string
	DisplayName string
	Groups      []string

	mu       sync.RWMutex
	services map[string]*Checkable // short name -> Service
}

// ServiceExtra carries the fields unique to a Service checkable.
type ServiceExtra struct {
	ShortName string
	HostName  string
	Host      *Checkable // non-owning; resolved by the registry at link time
}

// EnableFlags are the per-checkable feature toggles.
type EnableFlags struct {
	ActiveChecks    bool
	PassiveChecks   bool
	Notifications   bool
	FlapDetection   bool
	EventHandler    bool
	Perfdata        bool
}

// Checkable is the unified Host/Service record. Kind-specific data
// lives in Host/Service; everything else is common to both.
type Checkable struct {
	mu sync.RWMutex

	Name            string
	Kind            Kind
	CommandName     string
	CheckInterval   time.Duration
	RetryInterval   time.Duration
	MaxCheckAttempts int
	CheckPeriodName string
	CheckTimeout    time.Duration
	CommandEndpoint string // empty means "check locally"
	Enable          EnableFlags
	Dynamic         bool // auto-registered by a passive-result source (e.g. NRDP), not config

	CurrentState  State
	LastState     State
	StateType     StateType
	CheckAttempt  int
	LastHardState State

	LastStateChange     time.Time
	LastHardStateChange time.Time
	LastCheck           time.Time
	NextCheck           time.Time
	ForceNextCheck      bool

	LastTimeByState map[State]time.Time

	DowntimeDepth int

	Acknowledgement  AckType
	AckExpiry        time.Time

	Flap FlapState

	LastResult *CheckResult

	Host    *HostExtra
	Service *ServiceExtra

	wasReachable      bool
	reachabilityKnown bool
}

// NewHost constructs an Inactive Host checkable with its service table
// initialized.
func NewHost(name string) *Checkable {
	return &Checkable{
		Name:             name,
		Kind:             KindHost,
		MaxCheckAttempts: 1,
		LastTimeByState:  make(map[State]time.Time),
		Host:             &HostExtra{services: make(map[string]*Checkable)},
	}
}

// NewService constructs an Inactive Service checkable owned by host.
// Linking into host's service table happens in OnAllConfigLoaded, not
// here, matching the two-phase construct/link lifecycle.
func NewService(shortName, hostName string) *Checkable {
	return &Checkable{
		Name:             hostName + "!" + shortName,
		Kind:             KindService,
		MaxCheckAttempts: 3,
		LastTimeByState:  make(map[State]time.Time),
		Service:          &ServiceExtra{ShortName: shortName, HostName: hostName},
	}
}

// ObjectKind implements registry.Object.
func (c *Checkable) ObjectKind() string { return c.Kind.String() }

// ObjectName implements registry.Object.
func (c *Checkable) ObjectName() string { return c.Name }

// LinkService attaches svc to host's service table under its short
// name, exactly once. Called during OnAllConfigLoaded.
func (host *Checkable) LinkService(svc *Checkable) {
	host.Host.mu.Lock()
	defer host.Host.mu.Unlock()
	host.Host.services[svc.Service.ShortName] = svc
	svc.Service.Host = host
}

// ServiceByShortName looks up a service on host by its short name.
func (host *Checkable) ServiceByShortName(shortName string) (*Checkable, bool) {
	host.Host.mu.RLock()
	defer host.Host.mu.RUnlock()
	svc, ok := host.Host.services[shortName]
	return svc, ok
}

// Services returns every service currently attached to host.
func (host *Checkable) Services() []*Checkable {
	host.Host.mu.RLock()
	defer host.Host.mu.RUnlock()
	out := make([]*Checkable, 0, len(host.Host.services))
	for _, s := range host.Host.services {
		out = append(out, s)
	}
	return out
}

// EffectiveState reports the state the checkable should be reported
// as: its own raw state, except a Host determined unreachable is
// always reported Down regardless of its raw CurrentState.
func (c *Checkable) EffectiveState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Kind == KindHost && c.reachabilityKnown && !c.wasReachable {
		return HostDown
	}
	return c.CurrentState
}

// Lock/Unlock expose the checkable's serialization point: callers hold
// the lock for the full duration of processing one CheckResult.
func (c *Checkable) Lock()   { c.mu.Lock() }
func (c *Checkable) Unlock() { c.mu.Unlock() }
func (c *Checkable) RLock()  { c.mu.RLock() }
func (c *Checkable) RUnlock() { c.mu.RUnlock() }

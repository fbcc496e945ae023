// Package notify implements the Notification Engine: a per-checkable
// set of independent Notification objects, each with its own command,
// user/user-group set, period, type/state filter bitmasks, and
// re-notification interval — replacing gogios's single Nagios-style
// notification settings embedded directly on Host/Service (one contact
// list, one interval, escalated via a separate ServiceEscalation/
// HostEscalation struct) with Icinga2's own shape, where a checkable
// can have many Notification objects and an escalation is just a
// notification-number range on one of them (see escalation.go). The
// dispatch order (`SendNotifications`, `BeginExecuteNotification`,
// per-notification `IsPaused` gate) and the user/notification/host/
// service macro-resolver prefixes carried into defaultResolvers below
// follow Icinga2's own checkable-notification and
// pluginnotificationtask implementations.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/macros"
	"github.com/icinga-go/gogiod/internal/metrics"
	"github.com/icinga-go/gogiod/internal/scheduler"
	"github.com/rs/zerolog"
)

// notifyCommandTimeout bounds a notification command when neither the
// command nor Engine.CommandTimeout specify one.
const notifyCommandTimeout = 30 * time.Second

// Type is the reason a notification fan-out was requested. It is a
// strict superset of checkable.NotificationType: Custom and the
// downtime pair have no state-machine trigger of their own — Custom
// reaches this same pipeline through the External Command Bus, and the
// downtime pair through the Downtime Manager.
type Type int

const (
	TypeProblem Type = iota
	TypeRecovery
	TypeAcknowledgement
	TypeFlappingStart
	TypeFlappingEnd
	TypeDowntimeStart
	TypeDowntimeEnd
	TypeCustom
)

func (t Type) String() string {
	switch t {
	case TypeProblem:
		return "Problem"
	case TypeRecovery:
		return "Recovery"
	case TypeAcknowledgement:
		return "Acknowledgement"
	case TypeFlappingStart:
		return "FlappingStart"
	case TypeFlappingEnd:
		return "FlappingEnd"
	case TypeDowntimeStart:
		return "DowntimeStart"
	case TypeDowntimeEnd:
		return "DowntimeEnd"
	case TypeCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// TypeFilter is a bitmask over Type, attached to a Notification or a
// User to gate which notification types it participates in. Zero means
// "every type".
type TypeFilter uint32

func filterBit(t Type) TypeFilter { return 1 << uint(t) }

const (
	FilterProblem         = TypeFilter(1) << TypeProblem
	FilterRecovery        = TypeFilter(1) << TypeRecovery
	FilterAcknowledgement = TypeFilter(1) << TypeAcknowledgement
	FilterFlappingStart   = TypeFilter(1) << TypeFlappingStart
	FilterFlappingEnd     = TypeFilter(1) << TypeFlappingEnd
	FilterDowntimeStart   = TypeFilter(1) << TypeDowntimeStart
	FilterDowntimeEnd     = TypeFilter(1) << TypeDowntimeEnd
	FilterCustom          = TypeFilter(1) << TypeCustom
)

// StateFilter is a bitmask over a checkable's raw State, attached to a
// Notification or a User. Zero means "every state". Host and Service
// states share the same bit layout (bit N = raw state N); a filter is
// only ever compared against a checkable of the Kind it was configured
// for, so HostDown(1) and ServiceWarning(1) sharing a bit is harmless.
type StateFilter uint32

func stateBit(s checkable.State) StateFilter { return 1 << uint(s) }

// Notification is attached to one checkable: a command reference,
// users set, user-groups set, period reference, type-filter and
// state-filter bitmasks, notification interval, notification number,
// last-notification timestamp, next-notification timestamp, and a
// sent-to-user set.
type Notification struct {
	mu sync.Mutex

	Name        string
	CommandName string
	Users       []string
	UserGroups  []string
	Period      string
	TypeFilter  TypeFilter
	StateFilter StateFilter
	Interval    time.Duration // 0 = no re-notification

	// Begin/End bound the notification-number range this Notification
	// participates in (0 = unbounded on that side), generalizing
	// gogios's per-escalation FirstNotification/LastNotification window
	// directly onto the Notification object itself — see escalation.go.
	Begin int
	End   int

	Number           int
	LastNotification time.Time
	NextNotification time.Time
	SentToUser       map[string]bool
}

// User is a notification recipient, wired through a concrete user set
// rather than a flat contact list.
type User struct {
	Name               string
	Period             string
	TypeFilter         TypeFilter
	HostStateFilter    StateFilter
	ServiceStateFilter StateFilter
	Enabled            bool

	// Vars carries contact-detail macros (email, pager, ...) surfaced to
	// notification commands as $user.<key>$.
	Vars map[string]string
}

// UserGroup expands to its Members when referenced by a Notification.
type UserGroup struct {
	Name    string
	Members []string
}

// CommandRunner is the subset of the Command Runner a notification
// needs: launch a named command and report whether it could be run,
// without producing a CheckResult.
type CommandRunner interface {
	Notify(ctx context.Context, commandName string, resolvers []macros.Resolver) error
}

// Engine is the Notification Engine. Construct with NewEngine.
type Engine struct {
	log   zerolog.Logger
	clk   clock.Clock
	mu    sync.RWMutex

	notifications map[string][]*Notification // checkable name -> its notifications
	users         map[string]*User
	userGroups    map[string]*UserGroup

	// Enabled is the global notifications switch: when false, Dispatch
	// short-circuits before any filter/period evaluation.
	Enabled bool

	Runner       CommandRunner
	LookupPeriod func(name string) scheduler.Period

	// BuildResolvers overrides the macro resolver list handed to a
	// notification command. Nil uses defaultResolvers.
	BuildResolvers func(c *checkable.Checkable, n *Notification, u *User, typ Type, cr *checkable.CheckResult, author, text string) []macros.Resolver

	// IsPausedForHA reports whether c's notifications are currently
	// another cluster endpoint's responsibility, mirroring Icinga2's
	// per-notification IsPaused gate. Nil means never paused.
	IsPausedForHA func(c *checkable.Checkable) bool

	// OnNotificationSentToUser/OnNotificationSentToAllUsers fire after a
	// notification command runs, per-user and once-per-dispatch.
	OnNotificationSentToUser     func(c *checkable.Checkable, n *Notification, u *User)
	OnNotificationSentToAllUsers func(c *checkable.Checkable, n *Notification, typ Type)
}

// Config bundles Engine's static dependencies.
type Config struct {
	Clock   clock.Clock
	Log     zerolog.Logger
	Enabled bool
}

// NewEngine constructs an empty Notification Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		log:           cfg.Log,
		clk:           cfg.Clock,
		notifications: make(map[string][]*Notification),
		users:         make(map[string]*User),
		userGroups:    make(map[string]*UserGroup),
		Enabled:       cfg.Enabled,
	}
}

func (e *Engine) now() time.Time {
	if e.clk != nil {
		return e.clk.Now()
	}
	return time.Now()
}

// RegisterUser adds or replaces a user definition.
func (e *Engine) RegisterUser(u *User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[u.Name] = u
}

// RegisterUserGroup adds or replaces a user-group definition.
func (e *Engine) RegisterUserGroup(g *UserGroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userGroups[g.Name] = g
}

// AttachNotification attaches n to the checkable named checkableName.
func (e *Engine) AttachNotification(checkableName string, n *Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifications[checkableName] = append(e.notifications[checkableName], n)
}

// NotificationsFor returns every Notification attached to checkableName.
func (e *Engine) NotificationsFor(checkableName string) []*Notification {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Notification(nil), e.notifications[checkableName]...)
}

func (e *Engine) lookupUser(name string) *User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.users[name]
}

func (e *Engine) lookupUserGroup(name string) *UserGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userGroups[name]
}

func (e *Engine) lookupPeriod(name string) scheduler.Period {
	if e.LookupPeriod == nil || name == "" {
		return nil
	}
	return e.LookupPeriod(name)
}

// HandleStateMachineEvent adapts checkable.Handler's
// OnNotificationsRequested callback signature into Dispatch, wired
// directly as Handler.OnNotificationsRequested.
func (e *Engine) HandleStateMachineEvent(c *checkable.Checkable, typ checkable.NotificationType, cr *checkable.CheckResult, author, text string, force bool) {
	e.Dispatch(c, translateStateMachineType(typ), cr, author, text, force)
}

func translateStateMachineType(t checkable.NotificationType) Type {
	switch t {
	case checkable.NotificationRecovery:
		return TypeRecovery
	case checkable.NotificationAcknowledgement:
		return TypeAcknowledgement
	case checkable.NotificationFlappingStart:
		return TypeFlappingStart
	case checkable.NotificationFlappingEnd:
		return TypeFlappingEnd
	default:
		return TypeProblem
	}
}

// SendCustomNotification implements the "custom notification" external
// command.
func (e *Engine) SendCustomNotification(c *checkable.Checkable, author, text string) {
	e.Dispatch(c, TypeCustom, c.LastResult, author, text, false)
}

// NotifyDowntimeStart/NotifyDowntimeEnd are called by the Downtime
// Manager when a downtime starts or ends on c.
func (e *Engine) NotifyDowntimeStart(c *checkable.Checkable) {
	e.Dispatch(c, TypeDowntimeStart, c.LastResult, "", "", false)
}

func (e *Engine) NotifyDowntimeEnd(c *checkable.Checkable) {
	e.Dispatch(c, TypeDowntimeEnd, c.LastResult, "", "", false)
}

// Dispatch is the pipeline entry point invoked for every
// OnNotificationsRequested(type, cr, author, text, force) event.
func (e *Engine) Dispatch(c *checkable.Checkable, typ Type, cr *checkable.CheckResult, author, text string, force bool) {
	if !force && !e.Enabled {
		e.suppress("globally_disabled")
		e.logInfo(c, "notifications are globally disabled")
		return
	}
	if !force && !c.Enable.Notifications {
		e.suppress("checkable_disabled")
		e.logInfo(c, "notifications are disabled for this checkable")
		return
	}

	notifications := e.NotificationsFor(c.Name)
	if len(notifications) == 0 {
		return
	}

	for _, n := range notifications {
		if e.IsPausedForHA != nil && e.IsPausedForHA(c) {
			e.suppress("paused_for_ha")
			continue
		}
		e.beginExecuteNotification(c, n, typ, cr, author, text, force)
	}
}

func (e *Engine) beginExecuteNotification(c *checkable.Checkable, n *Notification, typ Type, cr *checkable.CheckResult, author, text string, force bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !force {
		if !inEscalationRange(n, n.Number+1) {
			e.suppress("escalation_range")
			return
		}
		if n.TypeFilter != 0 && n.TypeFilter&filterBit(typ) == 0 {
			e.suppress("type_filter")
			return
		}
		if cr != nil && n.StateFilter != 0 && n.StateFilter&stateBit(cr.State) == 0 {
			e.suppress("state_filter")
			return
		}
		if period := e.lookupPeriod(n.Period); period != nil && !period.IsInside(e.now()) {
			e.suppress("period")
			return
		}
		if typ == TypeProblem && !n.NextNotification.IsZero() && e.now().Before(n.NextNotification) {
			e.suppress("interval")
			return
		}
	}

	users := e.expandUsers(n)
	if n.SentToUser == nil {
		n.SentToUser = make(map[string]bool)
	}

	sentAny := false
	for _, u := range users {
		if !force && !e.userViable(c, u, typ, cr) {
			continue
		}
		if err := e.sendToUser(c, n, u, typ, cr, author, text); err != nil {
			e.log.Warn().Str("checkable", c.Name).Str("user", u.Name).Err(err).
				Msg("notification command failed")
			continue
		}
		n.SentToUser[u.Name] = true
		sentAny = true
		metrics.NotificationsSentTotal.WithLabelValues(typ.String()).Inc()
		if e.OnNotificationSentToUser != nil {
			e.OnNotificationSentToUser(c, n, u)
		}
	}

	if !sentAny {
		return
	}

	if e.OnNotificationSentToAllUsers != nil {
		e.OnNotificationSentToAllUsers(c, n, typ)
	}

	n.Number++
	n.LastNotification = e.now()
	if n.Interval > 0 {
		n.NextNotification = n.LastNotification.Add(n.Interval)
	} else {
		n.NextNotification = time.Time{}
	}
}

func (e *Engine) userViable(c *checkable.Checkable, u *User, typ Type, cr *checkable.CheckResult) bool {
	if !u.Enabled {
		return false
	}
	if u.TypeFilter != 0 && u.TypeFilter&filterBit(typ) == 0 {
		return false
	}
	sf := u.ServiceStateFilter
	if c.Kind == checkable.KindHost {
		sf = u.HostStateFilter
	}
	if cr != nil && sf != 0 && sf&stateBit(cr.State) == 0 {
		return false
	}
	if period := e.lookupPeriod(u.Period); period != nil && !period.IsInside(e.now()) {
		return false
	}
	return true
}

// expandUsers flattens a Notification's Users/UserGroups into a
// deduplicated concrete user set.
func (e *Engine) expandUsers(n *Notification) []*User {
	seen := make(map[string]bool)
	var out []*User
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if u := e.lookupUser(name); u != nil {
			out = append(out, u)
		}
	}
	for _, name := range n.Users {
		add(name)
	}
	for _, gname := range n.UserGroups {
		if g := e.lookupUserGroup(gname); g != nil {
			for _, m := range g.Members {
				add(m)
			}
		}
	}
	return out
}

func (e *Engine) sendToUser(c *checkable.Checkable, n *Notification, u *User, typ Type, cr *checkable.CheckResult, author, text string) error {
	if e.Runner == nil {
		return fmt.Errorf("notify: no command runner configured")
	}

	var resolvers []macros.Resolver
	if e.BuildResolvers != nil {
		resolvers = e.BuildResolvers(c, n, u, typ, cr, author, text)
	} else {
		resolvers = e.defaultResolvers(c, n, u, typ, cr, author, text)
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyCommandTimeout)
	defer cancel()
	return e.Runner.Notify(ctx, n.CommandName, resolvers)
}

// DefaultResolvers exposes the resolver list defaultResolvers builds, for
// a BuildResolvers override that wants to extend rather than replace it
// (e.g. appending macros.ArgResolver's $USERn$ resource macros).
func (e *Engine) DefaultResolvers(c *checkable.Checkable, n *Notification, u *User, typ Type, cr *checkable.CheckResult, author, text string) []macros.Resolver {
	return e.defaultResolvers(c, n, u, typ, cr, author, text)
}

// defaultResolvers builds the user/notification/host/service prefixed
// macro resolvers the same way Icinga2's PluginNotificationTask::ScriptFunc
// assembles them ("user", "notification", "service", "host" in that order).
func (e *Engine) defaultResolvers(c *checkable.Checkable, n *Notification, u *User, typ Type, cr *checkable.CheckResult, author, text string) []macros.Resolver {
	userMacros := map[string]string{"name": u.Name}
	for k, v := range u.Vars {
		userMacros[k] = v
	}

	notificationMacros := map[string]string{
		"type":    typ.String(),
		"author":  author,
		"comment": text,
		"command": n.CommandName,
	}

	hostName, serviceName := splitName(c)
	hostMacros := map[string]string{"name": hostName}

	resolvers := []macros.Resolver{
		{Prefix: "user", Object: userMacros},
		{Prefix: "notification", Object: notificationMacros},
	}

	if c.Kind == checkable.KindHost {
		hostMacros["state"] = stateName(c.Kind, c.CurrentState)
		fillResultMacros(hostMacros, cr)
		return append(resolvers, macros.Resolver{Prefix: "host", Object: hostMacros})
	}

	serviceMacros := map[string]string{
		"name":  serviceName,
		"state": stateName(c.Kind, c.CurrentState),
	}
	fillResultMacros(serviceMacros, cr)
	return append(resolvers,
		macros.Resolver{Prefix: "service", Object: serviceMacros},
		macros.Resolver{Prefix: "host", Object: hostMacros},
	)
}

func fillResultMacros(m map[string]string, cr *checkable.CheckResult) {
	if cr == nil {
		return
	}
	m["output"] = cr.Output
	m["longoutput"] = cr.LongOutput
	m["perfdata"] = cr.Perfdata
}

func splitName(c *checkable.Checkable) (host, service string) {
	if c.Kind == checkable.KindHost {
		return c.Name, ""
	}
	return c.Service.HostName, c.Service.ShortName
}

func stateName(kind checkable.Kind, state checkable.State) string {
	if kind == checkable.KindHost {
		if state == checkable.HostUp {
			return "Up"
		}
		return "Down"
	}
	switch state {
	case checkable.ServiceOK:
		return "OK"
	case checkable.ServiceWarning:
		return "Warning"
	case checkable.ServiceCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

func (e *Engine) suppress(reason string) {
	metrics.NotificationsSuppressedTotal.WithLabelValues(reason).Inc()
}

func (e *Engine) logInfo(c *checkable.Checkable, msg string) {
	e.log.Info().Str("checkable", c.Name).Msg(msg)
}

// ExpandMacros does a one-shot $NAME$ substitution against a flat
// key/value map, kept for config loaders that still accept a legacy
// notification command line rather than structured arguments.
func ExpandMacros(cmdLine string, vals map[string]string) string {
	result := cmdLine
	for k, v := range vals {
		result = strings.ReplaceAll(result, "$"+k+"$", v)
	}
	return result
}

// Package topology loads the object set a process instance starts
// with — hosts, services, commands, time periods, users and
// dependencies — from a single YAML document. Icinga's own config
// language (object definitions with "use" template inheritance) is out
// of scope for this core; topology is the minimal concrete loader that
// exercises config.ObjectBuilder's construct/link/start contract so
// the engine has something to schedule.
package topology

import (
	"fmt"
	"os"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/config"
	"github.com/icinga-go/gogiod/internal/dependency"
	"github.com/icinga-go/gogiod/internal/macros"
	"github.com/icinga-go/gogiod/internal/notify"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/icinga-go/gogiod/internal/runner"
	"gopkg.in/yaml.v3"
)

// CommandDoc is one check/notification command definition.
type CommandDoc struct {
	Name        string                        `yaml:"name"`
	Type        string                        `yaml:"type"` // plugin, dummy, sleep, null, remote_endpoint, ifw_api
	CommandLine string                        `yaml:"command_line"`
	IfwBaseURL  string                        `yaml:"ifw_base_url"`
	IfwCommand  string                        `yaml:"ifw_command"`
	Timeout     time.Duration                 `yaml:"timeout"`
	Args        map[string]macros.ArgumentSpec `yaml:"args"`
}

// ServiceDoc is a Service attached to a host.
type ServiceDoc struct {
	Name             string            `yaml:"name"`
	CheckCommand     string            `yaml:"check_command"`
	CheckInterval    time.Duration     `yaml:"check_interval"`
	RetryInterval    time.Duration     `yaml:"retry_interval"`
	MaxCheckAttempts int               `yaml:"max_check_attempts"`
	CheckPeriod      string            `yaml:"check_period"`
	CommandEndpoint  string            `yaml:"command_endpoint"`
	ActiveChecks     *bool             `yaml:"active_checks"`
	PassiveChecks    bool              `yaml:"passive_checks"`
	Notifications    bool              `yaml:"notifications"`
	FlapDetection    bool              `yaml:"flap_detection"`
	Vars             map[string]string `yaml:"vars"`
}

// HostDoc is a Host and its attached services.
type HostDoc struct {
	Name             string            `yaml:"name"`
	Addresses        []string          `yaml:"addresses"`
	DisplayName      string            `yaml:"display_name"`
	Groups           []string          `yaml:"groups"`
	CheckCommand     string            `yaml:"check_command"`
	CheckInterval    time.Duration     `yaml:"check_interval"`
	RetryInterval    time.Duration     `yaml:"retry_interval"`
	MaxCheckAttempts int               `yaml:"max_check_attempts"`
	CheckPeriod      string            `yaml:"check_period"`
	CommandEndpoint  string            `yaml:"command_endpoint"`
	ActiveChecks     *bool             `yaml:"active_checks"`
	PassiveChecks    bool              `yaml:"passive_checks"`
	Notifications    bool              `yaml:"notifications"`
	FlapDetection    bool              `yaml:"flap_detection"`
	Vars             map[string]string `yaml:"vars"`
	Services         []ServiceDoc      `yaml:"services"`
}

// TimePeriodDoc mirrors config.TimePeriod's weekday-range shape.
type TimePeriodDoc struct {
	Name   string            `yaml:"name"`
	Ranges map[string]string `yaml:"ranges"` // "monday" .. "sunday" -> "HH:MM-HH:MM,..."
}

// UserDoc is a notification recipient.
type UserDoc struct {
	Name               string            `yaml:"name"`
	Period             string            `yaml:"period"`
	HostStates         []string          `yaml:"host_states"`
	ServiceStates      []string          `yaml:"service_states"`
	Types              []string          `yaml:"types"`
	Vars               map[string]string `yaml:"vars"`
}

// UserGroupDoc expands to its members.
type UserGroupDoc struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// NotificationDoc attaches a Notification to a host or host!service.
type NotificationDoc struct {
	Name        string   `yaml:"name"`
	AppliesTo   string   `yaml:"applies_to"`
	Command     string   `yaml:"command"`
	Users       []string `yaml:"users"`
	UserGroups  []string `yaml:"user_groups"`
	Period      string   `yaml:"period"`
	Interval    time.Duration `yaml:"interval"`
	Types       []string `yaml:"types"`
	States      []string `yaml:"states"`
}

// DependencyDoc is one parent/child edge, optionally grouped into a
// redundancy group.
type DependencyDoc struct {
	Name            string `yaml:"name"`
	Parent          string `yaml:"parent"`
	Child           string `yaml:"child"`
	RedundancyGroup string `yaml:"redundancy_group"`
	StateFilter     []string `yaml:"state_filter"`
}

// Document is the full topology file.
type Document struct {
	Commands      []CommandDoc      `yaml:"commands"`
	Hosts         []HostDoc         `yaml:"hosts"`
	TimePeriods   []TimePeriodDoc   `yaml:"time_periods"`
	Users         []UserDoc         `yaml:"users"`
	UserGroups    []UserGroupDoc    `yaml:"user_groups"`
	Notifications []NotificationDoc `yaml:"notifications"`
	Dependencies  []DependencyDoc   `yaml:"dependencies"`
}

// Load reads and parses a topology file.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("topology: parse %s: %w", path, err)
	}
	return &doc, nil
}

// LoadUserMacros reads path as a Nagios-style resource file and returns
// its $USERn$ values as a 0-indexed slice, for macros.ArgResolver's
// userMacros parameter.
func LoadUserMacros(path string) ([]string, error) {
	var raw [config.MaxUserMacros]string
	if err := config.ReadResourceFile(path, &raw); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	return raw[:], nil
}

// Builder drives Document's hosts/services through the registry's
// construct -> link -> start lifecycle (config.ObjectBuilder). Commands,
// time periods, users and dependencies aren't registry Objects, so they
// are built eagerly in NewBuilder and exposed via accessors for the
// caller to wire into the Command Runner, Notification Engine and
// Dependency Graph once RunBuilders has finished.
type Builder struct {
	doc *Document
	reg *registry.Registry

	periods    map[string]*config.TimePeriod
	users      map[string]*notify.User
	userGroups map[string]*notify.UserGroup

	built map[string]*checkable.Checkable // name -> constructed checkable, pre-link
}

// NewBuilder parses doc's commands/periods/users/groups immediately
// (they carry no cross-references) and defers host/service construction
// to Construct, per the ObjectBuilder contract.
func NewBuilder(doc *Document, reg *registry.Registry) *Builder {
	b := &Builder{
		doc:        doc,
		reg:        reg,
		periods:    make(map[string]*config.TimePeriod),
		users:      make(map[string]*notify.User),
		userGroups: make(map[string]*notify.UserGroup),
		built:      make(map[string]*checkable.Checkable),
	}
	for _, tpd := range doc.TimePeriods {
		b.periods[tpd.Name] = buildTimePeriod(tpd)
	}
	for _, ud := range doc.Users {
		b.users[ud.Name] = buildUser(ud)
	}
	for _, gd := range doc.UserGroups {
		b.userGroups[gd.Name] = &notify.UserGroup{Name: gd.Name, Members: gd.Members}
	}
	return b
}

// Periods returns every parsed TimePeriod by name, for wiring into
// scheduler.Config.LookupPeriod and notify.Engine.LookupPeriod.
func (b *Builder) Periods() map[string]*config.TimePeriod { return b.periods }

// Construct builds every Host and Service as an Inactive Checkable and
// registers it. Command names/check periods are recorded as strings;
// cross-links (host<->service) happen in OnAllConfigLoaded.
func (b *Builder) Construct() error {
	for _, hd := range b.doc.Hosts {
		host := checkable.NewHost(hd.Name)
		host.Host.Addresses = hd.Addresses
		host.Host.DisplayName = hd.DisplayName
		host.Host.Groups = hd.Groups
		applyCommon(host, hd.CheckCommand, hd.CheckInterval, hd.RetryInterval,
			hd.MaxCheckAttempts, hd.CheckPeriod, hd.CommandEndpoint,
			hd.ActiveChecks, hd.PassiveChecks, hd.Notifications, hd.FlapDetection)
		if err := b.reg.Register(host); err != nil {
			return fmt.Errorf("topology: register host %s: %w", hd.Name, err)
		}
		b.built[hd.Name] = host

		for _, sd := range hd.Services {
			svc := checkable.NewService(sd.Name, hd.Name)
			applyCommon(svc, sd.CheckCommand, sd.CheckInterval, sd.RetryInterval,
				sd.MaxCheckAttempts, sd.CheckPeriod, sd.CommandEndpoint,
				sd.ActiveChecks, sd.PassiveChecks, sd.Notifications, sd.FlapDetection)
			if err := b.reg.Register(svc); err != nil {
				return fmt.Errorf("topology: register service %s!%s: %w", hd.Name, sd.Name, err)
			}
			b.built[svc.Name] = svc
		}
	}
	return nil
}

// OnAllConfigLoaded links every constructed service into its host's
// service table.
func (b *Builder) OnAllConfigLoaded() error {
	for _, hd := range b.doc.Hosts {
		host := b.built[hd.Name]
		for _, sd := range hd.Services {
			svc := b.built[host.Name+"!"+sd.Name]
			host.LinkService(svc)
		}
	}
	return nil
}

// Start activates every constructed Host and Service.
func (b *Builder) Start() error {
	for name, c := range b.built {
		if err := b.reg.SetState(c.Kind.String(), name, registry.Active); err != nil {
			return fmt.Errorf("topology: activate %s: %w", name, err)
		}
	}
	return nil
}

func applyCommon(c *checkable.Checkable, command string, checkInterval, retryInterval time.Duration,
	maxAttempts int, period, endpoint string, activeChecks *bool, passive, notifications, flap bool) {
	c.CommandName = command
	if checkInterval > 0 {
		c.CheckInterval = checkInterval
	} else {
		c.CheckInterval = 5 * time.Minute
	}
	if retryInterval > 0 {
		c.RetryInterval = retryInterval
	} else {
		c.RetryInterval = time.Minute
	}
	if maxAttempts > 0 {
		c.MaxCheckAttempts = maxAttempts
	}
	c.CheckPeriodName = period
	c.CommandEndpoint = endpoint
	c.Enable.ActiveChecks = command != "" && endpoint == ""
	if activeChecks != nil {
		c.Enable.ActiveChecks = *activeChecks
	}
	c.Enable.PassiveChecks = passive
	c.Enable.Notifications = notifications
	c.Enable.FlapDetection = flap
	c.Enable.EventHandler = false
	c.Enable.Perfdata = true
}

func buildTimePeriod(tpd TimePeriodDoc) *config.TimePeriod {
	tp := &config.TimePeriod{Name: tpd.Name}
	weekdays := []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
	for i, day := range weekdays {
		tp.Ranges[i] = tpd.Ranges[day]
	}
	return tp
}

func buildUser(ud UserDoc) *notify.User {
	u := &notify.User{
		Name:    ud.Name,
		Period:  ud.Period,
		Enabled: true,
		Vars:    ud.Vars,
	}
	for _, s := range ud.HostStates {
		u.HostStateFilter |= stateFilterBit(s)
	}
	for _, s := range ud.ServiceStates {
		u.ServiceStateFilter |= stateFilterBit(s)
	}
	for _, t := range ud.Types {
		u.TypeFilter |= typeFilterBit(t)
	}
	return u
}

// RegisterCommands hands every parsed command definition to the Command
// Runner under its configured type.
func RegisterCommands(doc *Document, r *runner.Runner) {
	for _, cd := range doc.Commands {
		r.Register(&runner.Command{
			Name:        cd.Name,
			Type:        commandType(cd.Type),
			CommandLine: cd.CommandLine,
			Args:        cd.Args,
			Timeout:     cd.Timeout,
			IfwBaseURL:  cd.IfwBaseURL,
			IfwCommand:  cd.IfwCommand,
		})
	}
}

// RegisterNotifications attaches every parsed user, user group and
// Notification to the Notification Engine.
func (b *Builder) RegisterNotifications(e *notify.Engine) {
	for _, u := range b.users {
		e.RegisterUser(u)
	}
	for _, g := range b.userGroups {
		e.RegisterUserGroup(g)
	}
	for _, nd := range b.doc.Notifications {
		n := &notify.Notification{
			Name:        nd.Name,
			CommandName: nd.Command,
			Users:       nd.Users,
			UserGroups:  nd.UserGroups,
			Period:      nd.Period,
			Interval:    nd.Interval,
			SentToUser:  make(map[string]bool),
		}
		for _, t := range nd.Types {
			n.TypeFilter |= typeFilterBit(t)
		}
		for _, s := range nd.States {
			n.StateFilter |= stateFilterBit(s)
		}
		e.AttachNotification(nd.AppliesTo, n)
	}
}

// RegisterDependencies attaches every parsed Dependency edge to the
// Dependency Graph registry.
func RegisterDependencies(doc *Document, reg *dependency.Registry) {
	for _, dd := range doc.Dependencies {
		reg.Register(&dependency.Dependency{
			Parent:          dd.Parent,
			Child:           dd.Child,
			RedundancyGroup: dd.RedundancyGroup,
		})
	}
}

func commandType(s string) runner.CommandType {
	switch s {
	case "dummy":
		return runner.CommandDummy
	case "sleep":
		return runner.CommandSleep
	case "null":
		return runner.CommandNull
	case "remote_endpoint":
		return runner.CommandRemoteEndpoint
	case "ifw_api":
		return runner.CommandIfwAPI
	default:
		return runner.CommandPlugin
	}
}

func typeFilterBit(s string) notify.TypeFilter {
	switch s {
	case "recovery":
		return notify.FilterRecovery
	case "acknowledgement":
		return notify.FilterAcknowledgement
	case "flapping_start":
		return notify.FilterFlappingStart
	case "flapping_end":
		return notify.FilterFlappingEnd
	case "downtime_start":
		return notify.FilterDowntimeStart
	case "downtime_end":
		return notify.FilterDowntimeEnd
	case "custom":
		return notify.FilterCustom
	default: // "problem"
		return notify.FilterProblem
	}
}

// stateFilterBit maps a YAML state name to its raw checkable.State bit.
// Host and Service share a bit layout (see notify.StateFilter), so
// "warning" and "down" both name bit 1.
func stateFilterBit(s string) notify.StateFilter {
	switch s {
	case "down", "warning":
		return notify.StateFilter(1) << 1
	case "critical":
		return notify.StateFilter(1) << 2
	case "unknown":
		return notify.StateFilter(1) << 3
	default: // "up", "ok"
		return notify.StateFilter(1) << 0
	}
}

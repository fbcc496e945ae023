package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/config"
	"github.com/icinga-go/gogiod/internal/dependency"
	"github.com/icinga-go/gogiod/internal/notify"
	"github.com/icinga-go/gogiod/internal/registry"
)

const sampleDoc = `
commands:
  - name: check_ping
    type: plugin
    command_line: "/usr/lib/nagios/plugins/check_ping -H $address$"
  - name: notify-host
    type: plugin
    command_line: "/usr/lib/nagios/plugins/notify_host"

time_periods:
  - name: 24x7
    ranges:
      monday: "00:00-24:00"
      tuesday: "00:00-24:00"

users:
  - name: oncall
    period: 24x7
    host_states: ["down"]
    service_states: ["critical", "warning"]
    types: ["problem", "recovery"]

user_groups:
  - name: admins
    members: ["oncall"]

hosts:
  - name: web1
    display_name: "Web 1"
    addresses: ["10.0.0.1"]
    groups: ["webservers"]
    check_command: check_ping
    check_period: 24x7
    services:
      - name: http
        check_command: check_ping
        check_period: 24x7
      - name: https
        check_command: check_ping
        check_period: 24x7
  - name: web2
    check_command: check_ping
    command_endpoint: satellite1

notifications:
  - name: web1-notify
    applies_to: web1
    command: notify-host
    users: ["oncall"]
    user_groups: ["admins"]
    period: 24x7
    types: ["problem", "recovery"]
    states: ["down"]

dependencies:
  - name: http-on-web1
    parent: web1
    child: web1!http
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	doc, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(doc.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(doc.Hosts))
	}
	if len(doc.Hosts[0].Services) != 2 {
		t.Errorf("expected 2 services on web1, got %d", len(doc.Hosts[0].Services))
	}
	if len(doc.Commands) != 2 {
		t.Errorf("expected 2 commands, got %d", len(doc.Commands))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing topology file")
	}
}

func TestBuilderLifecycle(t *testing.T) {
	doc, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reg := registry.New("host", "service")
	builder := NewBuilder(doc, reg)

	if err := config.RunBuilders([]config.ObjectBuilder{builder}); err != nil {
		t.Fatalf("RunBuilders failed: %v", err)
	}

	hostObj, ok := reg.GetByName("host", "web1")
	if !ok {
		t.Fatal("web1 not registered")
	}
	state, ok := reg.State("host", "web1")
	if !ok || state != registry.Active {
		t.Errorf("expected web1 to be Active, got %v (ok=%v)", state, ok)
	}

	if _, ok := reg.GetByName("service", "web1!http"); !ok {
		t.Fatal("web1!http not registered")
	}

	host := hostObj.(*checkable.Checkable)
	if svc, ok := host.ServiceByShortName("http"); !ok || svc.Name != "web1!http" {
		t.Errorf("expected host.ServiceByShortName(http) to resolve to web1!http, got %+v (ok=%v)", svc, ok)
	}
}

func TestBuilderPeriods(t *testing.T) {
	doc, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	builder := NewBuilder(doc, registry.New("host", "service"))

	periods := builder.Periods()
	tp, ok := periods["24x7"]
	if !ok {
		t.Fatal("24x7 time period not parsed")
	}
	if tp.Ranges[1] != "00:00-24:00" { // index 1 == monday
		t.Errorf("expected monday range 00:00-24:00, got %q", tp.Ranges[1])
	}
}

func TestBuilderUsersAndNotifications(t *testing.T) {
	doc, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	builder := NewBuilder(doc, registry.New("host", "service"))

	engine := notify.NewEngine(notify.Config{Enabled: true})
	builder.RegisterNotifications(engine)

	notifications := engine.NotificationsFor("web1")
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification attached to web1, got %d", len(notifications))
	}
	n := notifications[0]
	if n.CommandName != "notify-host" {
		t.Errorf("expected command notify-host, got %q", n.CommandName)
	}
	if n.TypeFilter&notify.FilterProblem == 0 || n.TypeFilter&notify.FilterRecovery == 0 {
		t.Error("expected both problem and recovery filter bits set")
	}
}

func TestRegisterDependencies(t *testing.T) {
	doc, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	depReg := dependency.NewRegistry()
	RegisterDependencies(doc, depReg)

	groups := depReg.GroupsForChild("web1!http")
	if len(groups) != 1 {
		t.Fatalf("expected 1 dependency group for web1!http, got %d", len(groups))
	}
}

func TestCommandTypeMapping(t *testing.T) {
	cases := map[string]string{
		"dummy":           "Dummy",
		"sleep":           "Sleep",
		"null":            "Null",
		"remote_endpoint": "RemoteEndpoint",
		"ifw_api":         "IfwAPI",
		"plugin":          "Plugin",
		"":                "Plugin",
		"bogus":           "Plugin",
	}
	for in, want := range cases {
		if got := commandType(in).String(); got != want {
			t.Errorf("commandType(%q).String() = %q, want %q", in, got, want)
		}
	}
}

func TestStateFilterBitSharedLayout(t *testing.T) {
	if stateFilterBit("down") != stateFilterBit("warning") {
		t.Error("expected down and warning to share bit 1")
	}
	if stateFilterBit("critical") == stateFilterBit("unknown") {
		t.Error("expected critical and unknown to occupy distinct bits")
	}
}

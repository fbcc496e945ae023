package nrdp

import (
	"testing"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"
)

func newTracker(t *testing.T) (*DynamicTracker, *registry.Registry) {
	t.Helper()
	reg := registry.New("host", "service")
	tracker := NewDynamicTracker(reg, 5*time.Minute, time.Minute, zerolog.Nop())
	return tracker, reg
}

func getHost(reg *registry.Registry, name string) *checkable.Checkable {
	obj, ok := reg.GetByName("host", name)
	if !ok {
		return nil
	}
	return obj.(*checkable.Checkable)
}

func getService(reg *registry.Registry, host, short string) *checkable.Checkable {
	obj, ok := reg.GetByName("service", host+"!"+short)
	if !ok {
		return nil
	}
	return obj.(*checkable.Checkable)
}

func TestEnsureHostCreatesNew(t *testing.T) {
	tracker, reg := newTracker(t)

	tracker.EnsureHost("newhost")

	host := getHost(reg, "newhost")
	if host == nil {
		t.Fatal("host not created")
	}
	if !host.Dynamic {
		t.Error("host.Dynamic = false, want true")
	}
	if host.Name != "newhost" {
		t.Errorf("host.Name = %q, want newhost", host.Name)
	}
}

func TestEnsureHostIdempotent(t *testing.T) {
	tracker, reg := newTracker(t)

	tracker.EnsureHost("myhost")
	tracker.EnsureHost("myhost")

	count := 0
	for _, h := range registry.GetObjectsByType[*checkable.Checkable](reg, "host") {
		if h.Name == "myhost" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("host count = %d, want 1", count)
	}
}

func TestEnsureServiceCreatesHostAndService(t *testing.T) {
	tracker, reg := newTracker(t)

	tracker.EnsureService("svchost", "HTTP")

	if getHost(reg, "svchost") == nil {
		t.Fatal("host not created")
	}
	svc := getService(reg, "svchost", "HTTP")
	if svc == nil {
		t.Fatal("service not created")
	}
	if !svc.Dynamic {
		t.Error("svc.Dynamic = false, want true")
	}
}

func TestEnsureServiceIdempotent(t *testing.T) {
	tracker, reg := newTracker(t)

	tracker.EnsureService("h", "s")
	tracker.EnsureService("h", "s")

	count := 0
	for _, svc := range registry.GetObjectsByType[*checkable.Checkable](reg, "service") {
		if svc.Service.HostName == "h" && svc.Service.ShortName == "s" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("service count = %d, want 1", count)
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	tracker, _ := newTracker(t)

	tracker.EnsureService("touchhost", "svc1")

	time.Sleep(10 * time.Millisecond)
	before := time.Now()

	tracker.Touch("touchhost", "svc1")

	tracker.mu.Lock()
	hostSeen := tracker.records["touchhost"]
	svcSeen := tracker.records["touchhost\tsvc1"]
	tracker.mu.Unlock()

	if hostSeen.Before(before) {
		t.Errorf("host last-seen = %v, want >= %v", hostSeen, before)
	}
	if svcSeen.Before(before) {
		t.Errorf("service last-seen = %v, want >= %v", svcSeen, before)
	}
}

func TestPruneRemovesStale(t *testing.T) {
	tracker, reg := newTracker(t)

	tracker.EnsureService("stalehost", "stalesvc")

	tracker.mu.Lock()
	past := time.Now().Add(-10 * time.Minute)
	tracker.records["stalehost"] = past
	tracker.records["stalehost\tstalesvc"] = past
	tracker.mu.Unlock()

	tracker.Prune()

	if getHost(reg, "stalehost") != nil {
		t.Error("stale host was not pruned")
	}
	if getService(reg, "stalehost", "stalesvc") != nil {
		t.Error("stale service was not pruned")
	}
}

func TestPruneSparesStatic(t *testing.T) {
	tracker, reg := newTracker(t)

	host := checkable.NewHost("statichost")
	host.Dynamic = false
	if err := reg.Register(host); err != nil {
		t.Fatal(err)
	}
	reg.SetState("host", "statichost", registry.Active)

	tracker.mu.Lock()
	tracker.records["statichost"] = time.Now().Add(-10 * time.Minute)
	tracker.mu.Unlock()

	tracker.Prune()

	if getHost(reg, "statichost") == nil {
		t.Error("static host was incorrectly pruned")
	}
}

func TestPruneRemovesServicesWithHost(t *testing.T) {
	tracker, reg := newTracker(t)

	tracker.EnsureService("prunehost", "svc1")
	tracker.EnsureService("prunehost", "svc2")

	tracker.mu.Lock()
	past := time.Now().Add(-10 * time.Minute)
	for k := range tracker.records {
		tracker.records[k] = past
	}
	tracker.mu.Unlock()

	tracker.Prune()

	if getHost(reg, "prunehost") != nil {
		t.Error("host was not pruned")
	}
	if getService(reg, "prunehost", "svc1") != nil {
		t.Error("svc1 was not pruned")
	}
	if getService(reg, "prunehost", "svc2") != nil {
		t.Error("svc2 was not pruned")
	}
}

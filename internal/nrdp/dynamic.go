package nrdp

import (
	"strings"
	"sync"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"
)

// DynamicTracker manages auto-created NRDP hosts and services with
// TTL-based pruning, the same auto-registration behavior gogios built
// against its flat ObjectStore, generalized to register/unregister
// through the shared Checkable registry instead.
type DynamicTracker struct {
	mu       sync.Mutex
	records  map[string]time.Time // key = "hostname" or "hostname\tservicename"
	registry *registry.Registry
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	log      zerolog.Logger

	// hostCheckCommand, if set, is the command name given to dynamically
	// created hosts with active checks enabled; empty keeps them
	// passive-only. This whole package is a supplemental passive-result
	// ingestion surface, not a scheduling source.
	hostCheckCommand string

	// OnScheduleHost is called after a new dynamic host is created with
	// active checks enabled, so the Scheduler can enqueue a check for it.
	OnScheduleHost func(host *checkable.Checkable)
}

// NewDynamicTracker creates a tracker that auto-creates hosts/services
// in reg and prunes them after ttl of inactivity, checking every
// pruneInterval.
func NewDynamicTracker(reg *registry.Registry, ttl, pruneInterval time.Duration, log zerolog.Logger) *DynamicTracker {
	return &DynamicTracker{
		records:  make(map[string]time.Time),
		registry: reg,
		ttl:      ttl,
		interval: pruneInterval,
		stopCh:   make(chan struct{}),
		log:      log,
	}
}

// SetHostCheckCommand configures the check command name used for
// dynamic hosts. If non-empty, dynamic hosts get active checks enabled
// with this command. Pass empty string to keep hosts passive-only.
func (d *DynamicTracker) SetHostCheckCommand(name string) {
	d.hostCheckCommand = name
}

// EnsureHost creates and activates a minimal dynamic host if one isn't
// already registered under hostname.
func (d *DynamicTracker) EnsureHost(hostname string) {
	if obj, ok := d.registry.GetByName("host", hostname); ok {
		d.touch(hostname, "")
		_ = obj
		return
	}

	host := checkable.NewHost(hostname)
	host.Dynamic = true
	host.CheckInterval = 5 * time.Minute
	host.RetryInterval = time.Minute
	host.MaxCheckAttempts = 3
	host.Enable.PassiveChecks = true

	if d.hostCheckCommand != "" {
		host.CommandName = d.hostCheckCommand
		host.Enable.ActiveChecks = true
	}

	if err := d.registry.Register(host); err != nil {
		d.log.Warn().Err(err).Str("host", hostname).Msg("dynamic host registration failed")
		return
	}
	_ = d.registry.SetState("host", hostname, registry.Active)

	d.touch(hostname, "")

	if host.Enable.ActiveChecks && d.OnScheduleHost != nil {
		d.OnScheduleHost(host)
	}
}

// EnsureService creates host (if needed) and a minimal dynamic service
// on it if one isn't already registered.
func (d *DynamicTracker) EnsureService(hostname, servicename string) {
	d.EnsureHost(hostname)

	fullName := hostname + "!" + servicename
	if _, ok := d.registry.GetByName("service", fullName); ok {
		d.touch(hostname, servicename)
		return
	}

	svc := checkable.NewService(servicename, hostname)
	svc.Dynamic = true
	svc.MaxCheckAttempts = 1
	svc.Enable.PassiveChecks = true

	if err := d.registry.Register(svc); err != nil {
		d.log.Warn().Err(err).Str("host", hostname).Str("service", servicename).Msg("dynamic service registration failed")
		return
	}
	_ = d.registry.SetState("service", fullName, registry.Active)

	if obj, ok := d.registry.GetByName("host", hostname); ok {
		if host, ok := obj.(*checkable.Checkable); ok {
			host.LinkService(svc)
		}
	}

	d.touch(hostname, servicename)
}

// Touch records that hostname/servicename was just seen, resetting its
// TTL clock.
func (d *DynamicTracker) Touch(hostname, servicename string) {
	d.touch(hostname, servicename)
}

func (d *DynamicTracker) touch(hostname, servicename string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if servicename != "" {
		d.records[hostname+"\t"+servicename] = time.Now()
	} else {
		d.records[hostname] = time.Now()
	}
}

// Prune removes dynamically-created hosts and services that have not
// been touched within the TTL. A record whose object is no longer
// marked Dynamic (e.g. config later defined a static object under the
// same name) is left alone rather than removed.
func (d *DynamicTracker) Prune() {
	cutoff := time.Now().Add(-d.ttl)
	var prunedHosts, prunedServices int

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, lastSeen := range d.records {
		if !strings.Contains(key, "\t") || lastSeen.After(cutoff) {
			continue
		}
		parts := strings.SplitN(key, "\t", 2)
		hostname, svcName := parts[0], parts[1]
		fullName := hostname + "!" + svcName
		if obj, ok := d.registry.GetByName("service", fullName); ok {
			if svc, ok := obj.(*checkable.Checkable); ok && svc.Dynamic {
				d.registry.Unregister("service", fullName)
				prunedServices++
			}
		}
		delete(d.records, key)
	}

	for key, lastSeen := range d.records {
		if strings.Contains(key, "\t") || lastSeen.After(cutoff) {
			continue
		}
		hostname := key
		obj, ok := d.registry.GetByName("host", hostname)
		if !ok {
			delete(d.records, key)
			continue
		}
		host, ok := obj.(*checkable.Checkable)
		if !ok || !host.Dynamic {
			continue
		}
		for _, svc := range host.Services() {
			d.registry.Unregister("service", svc.Name)
			delete(d.records, hostname+"\t"+svc.Service.ShortName)
		}
		d.registry.Unregister("host", hostname)
		delete(d.records, key)
		prunedHosts++
	}

	if prunedHosts > 0 || prunedServices > 0 {
		d.log.Info().Int("hosts", prunedHosts).Int("services", prunedServices).Msg("dynamic pruner removed stale objects")
	}
}

// StartPruner launches a background goroutine that calls Prune at the
// configured interval.
func (d *DynamicTracker) StartPruner() {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Prune()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop signals the pruner goroutine to exit.
func (d *DynamicTracker) Stop() {
	close(d.stopCh)
}

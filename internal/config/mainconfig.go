package config

import "time"

// GlobalConfig carries the process-wide tunables the core's components
// consult (scheduler concurrency cap, cold-startup window, flap
// thresholds, notification/command timeouts, logging). Constructing it
// from a config file is the config loader's job and is out of scope
// here; callers populate a GlobalConfig however they see fit (flags,
// env, a loader living outside this module) and hand it to the
// components that need it.
type GlobalConfig struct {
	// Logging
	LogFile           string
	LogArchivePath    string
	LogRotationMethod int // one of logging.RotationNone/Hourly/Daily/Weekly/Monthly
	UseSyslog         bool

	// Check execution
	MaxConcurrentChecks int
	CheckWorkers        int
	NotificationTimeout time.Duration
	EventHandlerTimeout time.Duration
	CommandTimeout      time.Duration

	// Cluster / scheduling
	ColdStartupWindow time.Duration
	ProgramStart      time.Time

	// Flap detection (percentages, 0-100)
	FlapThresholdHigh float64
	FlapThresholdLow  float64

	// Persistence
	PersistSnapshotInterval time.Duration
	PersistPath             string

	// Feature toggles
	EnableNotifications  bool
	EnableEventHandlers  bool
	EnableFlapDetection  bool
	EnablePerfdata       bool
	ExecuteServiceChecks bool
	ExecuteHostChecks    bool
}

// NewGlobalConfig returns a GlobalConfig populated with the defaults the
// core's components assume absent any other configuration.
func NewGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		LogRotationMethod:       0,
		UseSyslog:               false,
		MaxConcurrentChecks:     256,
		CheckWorkers:            16,
		NotificationTimeout:     30 * time.Second,
		EventHandlerTimeout:     30 * time.Second,
		CommandTimeout:          60 * time.Second,
		ColdStartupWindow:       300 * time.Second,
		FlapThresholdHigh:       30.0,
		FlapThresholdLow:        25.0,
		PersistSnapshotInterval: 5 * time.Minute,
		EnableNotifications:     true,
		EnableEventHandlers:     true,
		EnableFlapDetection:     true,
		EnablePerfdata:          true,
		ExecuteServiceChecks:    true,
		ExecuteHostChecks:       true,
	}
}

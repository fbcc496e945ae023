// Package logging provides the engine's structured, component-scoped
// loggers. gogios hand-rolled a Nagios-compatible text logger with its
// own rotation manager; this rewrite keeps the same rotation-manager
// shape (periodic rotate, archive path, syslog fallback) but emits
// structured zerolog events instead of semicolon-joined text lines,
// the way cuemby/warren's pkg/log hands out one component-scoped
// sub-logger per subsystem.
package logging

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rotation methods, kept from gogios's vocabulary.
const (
	RotationNone = iota
	RotationHourly
	RotationDaily
	RotationWeekly
	RotationMonthly
)

// Manager owns the underlying log file, rotation policy, and optional
// syslog fallback, and hands out component-scoped zerolog.Logger values.
type Manager struct {
	mu             sync.Mutex
	logFile        *os.File
	logPath        string
	archivePath    string
	rotationMethod int
	root           zerolog.Logger
	syslogCloser   io.Closer
}

// New opens logPath for structured JSON logging and wires an optional
// syslog writer alongside it (best-effort; syslog failures are
// non-fatal, matching gogios's behavior).
func New(logPath, archivePath string, rotationMethod int, useSyslog bool) (*Manager, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	writers := []io.Writer{f}
	m := &Manager{logFile: f, logPath: logPath, archivePath: archivePath, rotationMethod: rotationMethod}

	if useSyslog {
		sw, serr := syslog.New(syslog.LOG_USER|syslog.LOG_INFO, "icinga-core")
		if serr == nil {
			writers = append(writers, zerolog.SyslogLevelWriter(sw))
			m.syslogCloser = sw
		}
	}

	m.root = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	return m, nil
}

// Component returns a sub-logger tagged with component=name, mirroring
// the per-package logger handed out by warren's pkg/log.
func (m *Manager) Component(name string) zerolog.Logger {
	return m.root.With().Str("component", name).Logger()
}

// Close closes the underlying log file and syslog connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logFile != nil {
		m.logFile.Close()
	}
	if m.syslogCloser != nil {
		m.syslogCloser.Close()
	}
}

// Rotate archives the current log file and opens a fresh one, the same
// "rename, reopen, log the rotation" sequence gogios's Logger.Rotate
// used, adapted to zerolog's structured output.
func (m *Manager) Rotate(now time.Time) error {
	archiveName := fmt.Sprintf("icinga-core-%04d-%02d-%02d-%02d.log",
		now.Year(), now.Month(), now.Day(), now.Hour())
	archivePath := filepath.Join(m.archivePath, archiveName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(archivePath); err == nil {
		return nil
	}

	if m.logFile != nil {
		m.logFile.Close()
	}
	if err := os.Rename(m.logPath, archivePath); err != nil {
		m.logFile, _ = os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		return fmt.Errorf("rotate log: %w", err)
	}

	f, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new log: %w", err)
	}
	m.logFile = f
	m.root = zerolog.New(f).With().Timestamp().Logger()
	m.root.Info().Str("archive_path", archivePath).Msg("log rotated")
	return nil
}

// NextRotationTime returns the next time the log should be rotated,
// kept verbatim (in algorithm) from gogios's NextRotationTime.
func (m *Manager) NextRotationTime(from time.Time) time.Time {
	switch m.rotationMethod {
	case RotationHourly:
		return from.Truncate(time.Hour).Add(time.Hour)
	case RotationDaily:
		y, mo, d := from.Date()
		return time.Date(y, mo, d+1, 0, 0, 0, 0, from.Location())
	case RotationWeekly:
		y, mo, d := from.Date()
		daysUntilSunday := (7 - int(from.Weekday())) % 7
		if daysUntilSunday == 0 {
			daysUntilSunday = 7
		}
		return time.Date(y, mo, d+daysUntilSunday, 0, 0, 0, 0, from.Location())
	case RotationMonthly:
		y, mo, _ := from.Date()
		return time.Date(y, mo+1, 1, 0, 0, 0, 0, from.Location())
	default:
		return time.Time{}
	}
}

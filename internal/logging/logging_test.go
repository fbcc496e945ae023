package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRotateArchivesAndReopens(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "icinga-core.log")

	m, err := New(logPath, dir, RotationHourly, false)
	require.NoError(t, err)
	defer m.Close()

	m.Component("scheduler").Info().Msg("before rotation")

	now := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	require.NoError(t, m.Rotate(now))

	archived := filepath.Join(dir, "icinga-core-2026-07-31-14.log")
	_, err = os.Stat(archived)
	require.NoError(t, err)

	_, err = os.Stat(logPath)
	require.NoError(t, err)

	m.Component("scheduler").Info().Msg("after rotation")
}

func TestNextRotationTimeHourly(t *testing.T) {
	m := &Manager{rotationMethod: RotationHourly}
	from := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC)
	next := m.NextRotationTime(from)
	require.Equal(t, time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC), next)
}

func TestNextRotationTimeDaily(t *testing.T) {
	m := &Manager{rotationMethod: RotationDaily}
	from := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC)
	next := m.NextRotationTime(from)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextRotationTimeWeekly(t *testing.T) {
	m := &Manager{rotationMethod: RotationWeekly}
	from := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	next := m.NextRotationTime(from)
	require.Equal(t, time.Sunday, next.Weekday())
	require.True(t, next.After(from))
}

func TestComponentTagsLogger(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "icinga-core.log")
	m, err := New(logPath, dir, RotationNone, false)
	require.NoError(t, err)
	defer m.Close()

	sub := m.Component("notify")
	require.NotNil(t, sub)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimePeriodIsInside(t *testing.T) {
	tp := &TimePeriod{Name: "24x7"}
	for i := range tp.Ranges {
		tp.Ranges[i] = "00:00-24:00"
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.True(t, tp.IsInside(now))
}

func TestTimePeriodExclusionWins(t *testing.T) {
	tp := &TimePeriod{Name: "business"}
	for i := range tp.Ranges {
		tp.Ranges[i] = "09:00-17:00"
	}
	excl := &TimePeriod{Name: "lunch"}
	for i := range excl.Ranges {
		excl.Ranges[i] = "12:00-13:00"
	}
	tp.Exclusions = []*TimePeriod{excl}

	lunch := time.Date(2026, 7, 31, 12, 30, 0, 0, time.UTC)
	require.False(t, tp.IsInside(lunch))

	morning := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	require.True(t, tp.IsInside(morning))
}

func TestTimePeriodNextValidEndBoundedByDay(t *testing.T) {
	tp := &TimePeriod{Name: "24x7"}
	for i := range tp.Ranges {
		tp.Ranges[i] = "00:00-24:00"
	}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	next := tp.NextValidEnd(now)
	require.True(t, next.After(now))
	require.True(t, !next.After(now.Add(24*time.Hour)))
}

func TestNilTimePeriodAlwaysInside(t *testing.T) {
	var tp *TimePeriod
	require.True(t, tp.IsInside(time.Now()))
}

type fakeBuilder struct {
	id     string
	events *[]string
}

func (b *fakeBuilder) Construct() error {
	*b.events = append(*b.events, "construct:"+b.id)
	return nil
}

func (b *fakeBuilder) OnAllConfigLoaded() error {
	*b.events = append(*b.events, "link:"+b.id)
	return nil
}

func (b *fakeBuilder) Start() error {
	*b.events = append(*b.events, "start:"+b.id)
	return nil
}

func TestRunBuildersOrdersPhasesAcrossAllBuilders(t *testing.T) {
	var events []string
	builders := []ObjectBuilder{
		&fakeBuilder{id: "a", events: &events},
		&fakeBuilder{id: "b", events: &events},
	}
	require.NoError(t, RunBuilders(builders))
	require.Equal(t, []string{
		"construct:a", "construct:b",
		"link:a", "link:b",
		"start:a", "start:b",
	}, events)
}

func TestNewGlobalConfigDefaults(t *testing.T) {
	cfg := NewGlobalConfig()
	require.Equal(t, 300*time.Second, cfg.ColdStartupWindow)
	require.Equal(t, 30.0, cfg.FlapThresholdHigh)
	require.Equal(t, 25.0, cfg.FlapThresholdLow)
	require.True(t, cfg.EnableNotifications)
}

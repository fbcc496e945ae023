package downtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/icinga-go/gogiod/internal/checkable"
)

// Downtime is a scheduled maintenance window attached to one
// checkable: it carries an author, comment, start, end, fixed flag,
// duration, trigger-parent id, and active flag.
type Downtime struct {
	ID                    string
	CheckableName         string
	EntryTime             time.Time
	StartTime             time.Time
	EndTime               time.Time
	Fixed                 bool
	Duration              time.Duration // only meaningful when !Fixed
	TriggeredBy           string        // "" = not triggered by another downtime
	Active                bool
	FlexStart             time.Time // when a flexible downtime actually started
	StartNotificationSent bool
	Author                string
	Comment               string
	CommentID             string
	countedPending        bool
}

// Notifier is the subset of the Notification Engine a Downtime Manager
// needs: the TypeDowntimeStart/TypeDowntimeEnd entry points.
type Notifier interface {
	NotifyDowntimeStart(c *checkable.Checkable)
	NotifyDowntimeEnd(c *checkable.Checkable)
}

// Lookup resolves a checkable by its registry name.
type Lookup func(checkableName string) *checkable.Checkable

// Manager owns every scheduled Downtime and Comment for the process,
// counting active downtimes per checkable for
// checkable.Handler.RecomputeDowntimeDepth.
type Manager struct {
	mu        sync.RWMutex
	downtimes map[string]*Downtime
	comments  *CommentManager

	Lookup   Lookup
	Notifier Notifier
	Clock    interface{ Now() time.Time }

	log func(format string, args ...any)
}

// NewManager constructs an empty Downtime Manager.
func NewManager(comments *CommentManager) *Manager {
	return &Manager{
		downtimes: make(map[string]*Downtime),
		comments:  comments,
	}
}

// SetLogger installs a logging callback.
func (m *Manager) SetLogger(l func(format string, args ...any)) { m.log = l }

func (m *Manager) logf(format string, args ...any) {
	if m.log != nil {
		m.log(format, args...)
	}
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock.Now()
	}
	return time.Now()
}

// Schedule stores d, attaches an explanatory Comment, and recomputes
// the checkable's downtime depth. It does not start d or any downtime
// triggered by it; that happens through Start and CheckPendingFlex.
func (m *Manager) Schedule(d *Downtime) string {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.EntryTime.IsZero() {
		d.EntryTime = m.now()
	}

	text := fmt.Sprintf("Scheduled fixed downtime from %s to %s.",
		d.StartTime.Format(time.RFC3339), d.EndTime.Format(time.RFC3339))
	if !d.Fixed {
		text = fmt.Sprintf("Scheduled flexible downtime starting between %s and %s, lasting %s.",
			d.StartTime.Format(time.RFC3339), d.EndTime.Format(time.RFC3339), d.Duration)
	}
	d.CommentID = m.comments.Add(&Comment{
		CheckableName: d.CheckableName,
		EntryType:     DowntimeCommentEntry,
		Author:        d.Author,
		Text:          text,
	})

	m.mu.Lock()
	m.downtimes[d.ID] = d
	m.mu.Unlock()

	m.recompute(d.CheckableName)
	return d.ID
}

// Remove cancels downtime id and recursively cancels downtimes it
// triggered.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	d, ok := m.downtimes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.downtimes, id)
	m.mu.Unlock()

	if d.Active {
		m.stop(d, true)
	}
	if d.CommentID != "" {
		m.comments.Delete(d.CommentID)
	}

	for _, child := range m.triggeredBy(id) {
		m.Remove(child.ID)
	}

	m.recompute(d.CheckableName)
}

// RemoveForCheckable cancels every downtime attached to checkableName
// (e.g. when the checkable itself is removed from config).
func (m *Manager) RemoveForCheckable(checkableName string) {
	for _, id := range m.idsFor(checkableName) {
		m.Remove(id)
	}
}

func (m *Manager) idsFor(checkableName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, d := range m.downtimes {
		if d.CheckableName == checkableName {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) triggeredBy(id string) []*Downtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Downtime
	for _, d := range m.downtimes {
		if d.TriggeredBy == id {
			result = append(result, d)
		}
	}
	return result
}

// Start activates d, notifies on the depth-0-to-1 transition, and
// cascades to any downtime it triggers.
func (m *Manager) Start(id string) {
	m.mu.Lock()
	d, ok := m.downtimes[id]
	if !ok || d.Active {
		m.mu.Unlock()
		return
	}
	d.Active = true
	m.mu.Unlock()

	depth := m.recompute(d.CheckableName)
	if depth == 1 {
		m.logf("downtime started for %s", d.CheckableName)
		if !d.StartNotificationSent && m.Notifier != nil {
			if c := m.resolve(d.CheckableName); c != nil {
				m.Notifier.NotifyDowntimeStart(c)
			}
			d.StartNotificationSent = true
		}
	}

	for _, child := range m.triggeredBy(id) {
		m.Start(child.ID)
	}
}

// End deactivates and removes d, notifying on the depth-1-to-0
// transition, and cascades to triggered children.
func (m *Manager) End(id string) {
	m.mu.RLock()
	d, ok := m.downtimes[id]
	m.mu.RUnlock()
	if !ok || !d.Active {
		return
	}
	m.stop(d, false)

	if d.CommentID != "" {
		m.comments.Delete(d.CommentID)
	}
	for _, child := range m.triggeredBy(id) {
		m.End(child.ID)
	}

	m.mu.Lock()
	delete(m.downtimes, id)
	m.mu.Unlock()
	m.recompute(d.CheckableName)
}

func (m *Manager) stop(d *Downtime, cancelled bool) {
	d.Active = false
	depth := m.recompute(d.CheckableName)
	if depth != 0 {
		return
	}
	action := "ended"
	if cancelled {
		action = "cancelled"
	}
	m.logf("downtime %s for %s", action, d.CheckableName)
	if m.Notifier != nil {
		if c := m.resolve(d.CheckableName); c != nil {
			m.Notifier.NotifyDowntimeEnd(c)
		}
	}
}

func (m *Manager) resolve(checkableName string) *checkable.Checkable {
	if m.Lookup == nil {
		return nil
	}
	return m.Lookup(checkableName)
}

// recompute counts active downtimes for checkableName and, if a
// checkable is resolvable, applies the new depth to it — this is what
// RecomputeDowntimeDepth wires into checkable.Handler.
func (m *Manager) recompute(checkableName string) int {
	m.mu.RLock()
	depth := 0
	for _, d := range m.downtimes {
		if d.CheckableName == checkableName && d.Active {
			depth++
		}
	}
	m.mu.RUnlock()
	if c := m.resolve(checkableName); c != nil {
		c.DowntimeDepth = depth
	}
	return depth
}

// RecomputeDowntimeDepth implements checkable.Handler's callback
// signature directly, so `handler.RecomputeDowntimeDepth = mgr.RecomputeDowntimeDepth`.
func (m *Manager) RecomputeDowntimeDepth(c *checkable.Checkable) int {
	return m.recompute(c.Name)
}

// CheckPendingFlex starts any flexible, untriggered downtime on
// checkableName whose window [StartTime, EndTime] contains now. The
// checkable's current state is not consulted.
func (m *Manager) CheckPendingFlex(checkableName string, now time.Time) {
	m.mu.RLock()
	var toStart []string
	for id, d := range m.downtimes {
		if d.CheckableName != checkableName || d.Fixed || d.Active || d.TriggeredBy != "" {
			continue
		}
		if now.Before(d.StartTime) || now.After(d.EndTime) {
			continue
		}
		toStart = append(toStart, id)
	}
	m.mu.RUnlock()

	for _, id := range toStart {
		m.mu.Lock()
		if d := m.downtimes[id]; d != nil {
			d.FlexStart = now
		}
		m.mu.Unlock()
		m.Start(id)
	}
}

// CheckExpired removes downtimes that never triggered and whose
// window has fully elapsed.
func (m *Manager) CheckExpired(now time.Time) {
	m.mu.RLock()
	var expired []string
	for id, d := range m.downtimes {
		if !d.Active && !d.EndTime.IsZero() && d.EndTime.Before(now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Remove(id)
	}
}

// FlexEndTime returns the actual end time of a flexible downtime once
// started, or the configured EndTime for a fixed one / one not yet
// started.
func (d *Downtime) FlexEndTime() time.Time {
	if !d.Fixed && !d.FlexStart.IsZero() {
		return d.FlexStart.Add(d.Duration)
	}
	return d.EndTime
}

// Get returns a downtime by ID.
func (m *Manager) Get(id string) *Downtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downtimes[id]
}

// All returns every downtime, sorted by start time (untriggered
// downtimes sort before downtimes they trigger, at equal start times).
func (m *Manager) All() []*Downtime {
	m.mu.RLock()
	result := make([]*Downtime, 0, len(m.downtimes))
	for _, d := range m.downtimes {
		result = append(result, d)
	}
	m.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].TriggeredBy == "" && result[j].TriggeredBy != ""
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

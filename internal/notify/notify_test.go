package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/icinga-go/gogiod/internal/checkable"
	"github.com/icinga-go/gogiod/internal/clock"
	"github.com/icinga-go/gogiod/internal/macros"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) Notify(ctx context.Context, commandName string, resolvers []macros.Resolver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandName)
	return f.err
}

func newTestEngine(t *testing.T) (*Engine, *fakeRunner) {
	t.Helper()
	r := &fakeRunner{}
	e := NewEngine(Config{
		Clock:   clock.NewFake(time.Unix(0, 0)),
		Log:     zerolog.Nop(),
		Enabled: true,
	})
	e.Runner = r
	return e, r
}

func criticalService() *checkable.Checkable {
	svc := checkable.NewService("http", "h1")
	svc.CurrentState = checkable.ServiceCritical
	svc.Enable.Notifications = true
	return svc
}

func TestDispatch_GloballyDisabled(t *testing.T) {
	e, r := newTestEngine(t)
	e.Enabled = false
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Empty(t, r.calls)
}

func TestDispatch_CheckableDisabled(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})

	svc := criticalService()
	svc.Enable.Notifications = false
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Empty(t, r.calls)
}

func TestDispatch_ForcedBypassesDisabled(t *testing.T) {
	e, r := newTestEngine(t)
	e.Enabled = false
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", true)

	require.Equal(t, []string{"notify-svc"}, r.calls)
}

func TestDispatch_TypeFilterBlocks(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{
		Name:        "n1",
		CommandName: "notify-svc",
		Users:       []string{"admin"},
		TypeFilter:  FilterRecovery,
	})

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Empty(t, r.calls)
}

func TestDispatch_StateFilterBlocks(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{
		Name:        "n1",
		CommandName: "notify-svc",
		Users:       []string{"admin"},
		StateFilter: stateBit(checkable.ServiceWarning),
	})

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Empty(t, r.calls)
}

func TestDispatch_UserGroupExpansion(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "alice", Enabled: true})
	e.RegisterUser(&User{Name: "bob", Enabled: true})
	e.RegisterUserGroup(&UserGroup{Name: "oncall", Members: []string{"alice", "bob"}})
	e.AttachNotification("h1!http", &Notification{
		Name:        "n1",
		CommandName: "notify-svc",
		UserGroups:  []string{"oncall"},
	})

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Len(t, r.calls, 2)
}

func TestDispatch_DisabledUserSkipped(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: false})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Empty(t, r.calls)
}

func TestDispatch_IntervalGatesRenotification(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	n := &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}, Interval: time.Hour}
	e.AttachNotification("h1!http", n)

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)
	require.Equal(t, 1, n.Number)

	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)
	require.Len(t, r.calls, 1, "re-notification before interval elapses should be suppressed")
}

func TestDispatch_PausedForHASkipsNotification(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})
	e.IsPausedForHA = func(c *checkable.Checkable) bool { return true }

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Empty(t, r.calls)
}

func TestDispatch_FiresSentCallbacks(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})

	var sentToUser, sentToAll int
	e.OnNotificationSentToUser = func(c *checkable.Checkable, n *Notification, u *User) { sentToUser++ }
	e.OnNotificationSentToAllUsers = func(c *checkable.Checkable, n *Notification, typ Type) { sentToAll++ }

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.Equal(t, 1, sentToUser)
	require.Equal(t, 1, sentToAll)
}

func TestDispatch_RunnerErrorDoesNotMarkSent(t *testing.T) {
	e, r := newTestEngine(t)
	r.err = require.AnError
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	n := &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}}
	e.AttachNotification("h1!http", n)

	svc := criticalService()
	e.Dispatch(svc, TypeProblem, &checkable.CheckResult{State: checkable.ServiceCritical}, "", "", false)

	require.False(t, n.SentToUser["admin"])
	require.Equal(t, 0, n.Number)
}

func TestHandleStateMachineEvent_Translates(t *testing.T) {
	e, r := newTestEngine(t)
	e.RegisterUser(&User{Name: "admin", Enabled: true})
	e.AttachNotification("h1!http", &Notification{Name: "n1", CommandName: "notify-svc", Users: []string{"admin"}})

	svc := criticalService()
	e.HandleStateMachineEvent(svc, checkable.NotificationRecovery, &checkable.CheckResult{State: checkable.ServiceOK}, "", "", false)

	require.Equal(t, []string{"notify-svc"}, r.calls)
}

func TestInEscalationRange(t *testing.T) {
	n := &Notification{Begin: 2, End: 5}
	require.False(t, inEscalationRange(n, 1))
	require.True(t, inEscalationRange(n, 2))
	require.True(t, inEscalationRange(n, 5))
	require.False(t, inEscalationRange(n, 6))

	unbounded := &Notification{}
	require.True(t, inEscalationRange(unbounded, 1))
	require.True(t, inEscalationRange(unbounded, 999))
}

func TestExpandMacros(t *testing.T) {
	out := ExpandMacros("ping $HOST$ at $PORT$", map[string]string{"HOST": "10.0.0.1", "PORT": "443"})
	require.Equal(t, "ping 10.0.0.1 at 443", out)
}

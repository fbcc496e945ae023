package registry

import (
	"testing"

	"github.com/icinga-go/gogiod/internal/errkind"
	"github.com/stretchr/testify/require"
)

type fakeObj struct {
	kind, name string
}

func (f *fakeObj) ObjectKind() string { return f.kind }
func (f *fakeObj) ObjectName() string { return f.name }

func TestRegisterAndGetByName(t *testing.T) {
	r := New("host")
	h := &fakeObj{kind: "host", name: "web1"}
	require.NoError(t, r.Register(h))

	got, ok := r.GetByName("host", "web1")
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := New("host")
	require.NoError(t, r.Register(&fakeObj{kind: "host", name: "web1"}))
	err := r.Register(&fakeObj{kind: "host", name: "web1"})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.DuplicateName))
}

func TestRegisterUnknownKindFails(t *testing.T) {
	r := New("host")
	err := r.Register(&fakeObj{kind: "service", name: "http"})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.UnknownType))
}

func TestActivationLifecycle(t *testing.T) {
	r := New("host")
	h := &fakeObj{kind: "host", name: "web1"}
	require.NoError(t, r.Register(h))

	state, ok := r.State("host", "web1")
	require.True(t, ok)
	require.Equal(t, Inactive, state)

	require.NoError(t, r.SetState("host", "web1", Active))
	state, _ = r.State("host", "web1")
	require.Equal(t, Active, state)
}

func TestGetObjectsByTypeFiltersByKindAndType(t *testing.T) {
	r := New("host", "service")
	h1 := &fakeObj{kind: "host", name: "web1"}
	h2 := &fakeObj{kind: "host", name: "web2"}
	s1 := &fakeObj{kind: "service", name: "http"}
	require.NoError(t, r.Register(h1))
	require.NoError(t, r.Register(h2))
	require.NoError(t, r.Register(s1))

	hosts := GetObjectsByType[*fakeObj](r, "host")
	require.Len(t, hosts, 2)
}

func TestActiveObjectsByTypeExcludesInactive(t *testing.T) {
	r := New("host")
	h1 := &fakeObj{kind: "host", name: "web1"}
	h2 := &fakeObj{kind: "host", name: "web2"}
	require.NoError(t, r.Register(h1))
	require.NoError(t, r.Register(h2))
	require.NoError(t, r.SetState("host", "web1", Active))

	active := ActiveObjectsByType[*fakeObj](r, "host")
	require.Len(t, active, 1)
	require.Equal(t, "web1", active[0].ObjectName())
}

func TestUnregisterRemovesObject(t *testing.T) {
	r := New("host")
	h := &fakeObj{kind: "host", name: "web1"}
	require.NoError(t, r.Register(h))
	r.Unregister("host", "web1")

	_, ok := r.GetByName("host", "web1")
	require.False(t, ok)
	require.Empty(t, GetObjectsByType[*fakeObj](r, "host"))
}

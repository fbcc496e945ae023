package dependency

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// status builds a ParentStatus from a map of parent -> (reachable, available).
func status(m map[string][2]bool) ParentStatus {
	return func(parent string) (bool, bool) {
		v, ok := m[parent]
		if !ok {
			return true, true
		}
		return v[0], v[1]
	}
}

func TestNoDependenciesIsOk(t *testing.T) {
	reg := NewRegistry()
	require.Equal(t, 0, reg.Size())
	require.True(t, IsReachable(nil, "svc", status(nil), 0))
}

func TestNonRedundantRequiresAllParents(t *testing.T) {
	reg := NewRegistry()
	d1 := &Dependency{Parent: "host1", Child: "svc", StateFilter: 1}
	d2 := &Dependency{Parent: "host2", Child: "svc", StateFilter: 1}
	reg.Register(d1)
	reg.Register(d2)

	groups := reg.GroupsForChild("svc")
	require.Len(t, groups, 1, "svc is the sole member of its group so far, so both edges share it")

	allOk := status(map[string][2]bool{
		"host1": {true, true},
		"host2": {true, true},
	})
	require.True(t, IsReachable(groups, "svc", allOk, 0))

	oneDown := status(map[string][2]bool{
		"host1": {true, false},
		"host2": {true, true},
	})
	require.False(t, IsReachable(groups, "svc", oneDown, 0))
}

func TestRedundancyGroupOkIfAnyParentAvailable(t *testing.T) {
	reg := NewRegistry()
	d1 := &Dependency{Parent: "master1", Child: "svc", RedundancyGroup: "db-cluster"}
	d2 := &Dependency{Parent: "master2", Child: "svc", RedundancyGroup: "db-cluster"}
	reg.Register(d1)
	reg.Register(d2)

	groups := reg.GroupsForChild("svc")
	require.Len(t, groups, 1, "named redundancy group coalesces into one shared Group")
	require.True(t, groups[0].IsRedundancyGroup())

	oneAvailable := status(map[string][2]bool{
		"master1": {true, false},
		"master2": {true, true},
	})
	require.Equal(t, Ok, GetState(groups[0], "svc", oneAvailable))

	noneReachable := status(map[string][2]bool{
		"master1": {false, false},
		"master2": {false, false},
	})
	require.Equal(t, Unreachable, GetState(groups[0], "svc", noneReachable))

	reachableButDown := status(map[string][2]bool{
		"master1": {true, false},
		"master2": {true, false},
	})
	require.Equal(t, Failed, GetState(groups[0], "svc", reachableButDown))
}

func TestRedundancyGroupSharedAcrossChildren(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Dependency{Parent: "master1", Child: "svcA", RedundancyGroup: "db-cluster"})
	reg.Register(&Dependency{Parent: "master1", Child: "svcB", RedundancyGroup: "db-cluster"})
	require.Equal(t, 1, reg.Size())

	groupsA := reg.GroupsForChild("svcA")
	groupsB := reg.GroupsForChild("svcB")
	require.Same(t, groupsA[0], groupsB[0])
}

// TestUnregisterSplitsDivergentChild covers the "now registry has two
// groups; c keeps the original" scenario: c and d start out sharing one
// redundancy-group Group with identical edge sets {A,B,E}; unregistering
// just d's edge to E makes d's remaining edges {A,B} diverge from c's,
// so d must be split into its own Group while c's stays put.
func TestUnregisterSplitsDivergentChild(t *testing.T) {
	reg := NewRegistry()
	depA_c := &Dependency{Parent: "A", Child: "c", RedundancyGroup: "R"}
	depB_c := &Dependency{Parent: "B", Child: "c", RedundancyGroup: "R"}
	depE_c := &Dependency{Parent: "E", Child: "c", RedundancyGroup: "R"}
	depA_d := &Dependency{Parent: "A", Child: "d", RedundancyGroup: "R"}
	depB_d := &Dependency{Parent: "B", Child: "d", RedundancyGroup: "R"}
	depE_d := &Dependency{Parent: "E", Child: "d", RedundancyGroup: "R"}

	for _, d := range []*Dependency{depA_c, depB_c, depE_c, depA_d, depB_d, depE_d} {
		reg.Register(d)
	}
	require.Equal(t, 1, reg.Size())

	original := reg.GroupsForChild("c")[0]
	require.Same(t, original, reg.GroupsForChild("d")[0])

	reg.Unregister(depE_d)

	require.Equal(t, 2, reg.Size(), "d's diverging edge set must split off into its own group")

	groupsC := reg.GroupsForChild("c")
	require.Len(t, groupsC, 1)
	require.Same(t, original, groupsC[0], "c keeps the original group")
	require.Len(t, groupsC[0].DependenciesForChild("c"), 3)

	groupsD := reg.GroupsForChild("d")
	require.Len(t, groupsD, 1)
	require.NotSame(t, original, groupsD[0], "d moves to a new, distinct group")
	require.Len(t, groupsD[0].DependenciesForChild("d"), 2)
}

func TestUnregisterPrunesEmptyGroup(t *testing.T) {
	reg := NewRegistry()
	d := &Dependency{Parent: "host1", Child: "svc"}
	reg.Register(d)
	require.Equal(t, 1, reg.Size())

	reg.Unregister(d)
	require.Equal(t, 0, reg.Size())
	require.Empty(t, reg.GroupsForChild("svc"))
}

func TestIsReachableRecursionGuard(t *testing.T) {
	reg := NewRegistry()
	d := &Dependency{Parent: "host1", Child: "svc"}
	reg.Register(d)
	groups := reg.GroupsForChild("svc")

	allOk := status(nil)
	require.False(t, IsReachable(groups, "svc", allOk, MaxRecursionLevel+1))
}

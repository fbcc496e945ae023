// Package dependency implements the dependency graph: directed edges
// from a child checkable to one or more parents, coalesced into shared
// Group objects so identical dependency structures across children
// share one evaluation, the way the legacy dependency-group registry
// coalesces redundancy groups.
package dependency

import (
	"fmt"
	"sort"
	"sync"
)

// MaxRecursionLevel bounds IsReachable's recursion through chained
// dependencies.
const MaxRecursionLevel = 256

// Dependency is an edge: Child depends on Parent, gated by an optional
// time period, a state-filter bitmask, and redundancy-group membership.
type Dependency struct {
	Parent               string
	Child                string
	Period               string // empty means "always"
	StateFilter          uint32
	IgnoreSoftStates     bool
	RedundancyGroup      string // empty means non-redundant
	DisableNotifications bool
}

// CompositeKey is the set of properties that determine whether two
// dependencies can share a Group member slot: same parent, same
// period, same state filter, same soft-state handling.
type CompositeKey struct {
	Parent           string
	Period           string
	StateFilter      uint32
	IgnoreSoftStates bool
}

func compositeKeyFor(d *Dependency) CompositeKey {
	return CompositeKey{
		Parent:           d.Parent,
		Period:           d.Period,
		StateFilter:      d.StateFilter,
		IgnoreSoftStates: d.IgnoreSoftStates,
	}
}

// State is the outcome of evaluating a Group for one child.
type State int

const (
	Ok State = iota
	Failed
	Unreachable
)

func (s State) String() string {
	switch s {
	case Ok:
		return "Ok"
	case Failed:
		return "Failed"
	case Unreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// Group holds every Dependency sharing one redundancy-group name. A
// group with RedundancyGroupName == "" is non-redundant: it holds
// exactly one composite key per child (an ordinary single-parent
// dependency, or duplicate config entries for the same edge).
type Group struct {
	mu                  sync.Mutex
	RedundancyGroupName string
	members             map[CompositeKey]map[string]*Dependency // compositeKey -> child -> Dependency
}

// IsRedundancyGroup reports whether this group represents an explicit
// named redundancy group (vs. a plain dependency edge).
func (g *Group) IsRedundancyGroup() bool {
	return g.RedundancyGroupName != ""
}

// IsEmpty reports whether the group has no members left.
func (g *Group) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members) == 0
}

// DependenciesForChild returns every Dependency in the group that the
// given child checkable depends on.
func (g *Group) DependenciesForChild(child string) []*Dependency {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Dependency
	for _, byChild := range g.members {
		if d, ok := byChild[child]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (g *Group) addDependency(d *Dependency) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ck := compositeKeyFor(d)
	if g.members == nil {
		g.members = make(map[CompositeKey]map[string]*Dependency)
	}
	byChild, ok := g.members[ck]
	if !ok {
		byChild = make(map[string]*Dependency)
		g.members[ck] = byChild
	}
	byChild[d.Child] = d
}

func (g *Group) removeDependency(d *Dependency) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ck := compositeKeyFor(d)
	byChild, ok := g.members[ck]
	if !ok {
		return
	}
	delete(byChild, d.Child)
	if len(byChild) == 0 {
		delete(g.members, ck)
	}
}

// hasParentWithConfig reports whether some member of g already shares
// d's composite key, regardless of which child it belongs to.
func (g *Group) hasParentWithConfig(d *Dependency) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[compositeKeyFor(d)]
	return ok
}

// dependenciesCount returns the total number of Dependency entries held
// across every composite key and every child.
func (g *Group) dependenciesCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, byChild := range g.members {
		n += len(byChild)
	}
	return n
}

// registryKey is the deterministic string a Group registers under: the
// redundancy-group name plus the sorted set of member composite keys,
// so two groups built independently but covering the same edges land
// under the same key.
func (g *Group) registryKey() string {
	g.mu.Lock()
	keys := make([]CompositeKey, 0, len(g.members))
	for ck := range g.members {
		keys = append(keys, ck)
	}
	g.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Parent != keys[j].Parent {
			return keys[i].Parent < keys[j].Parent
		}
		if keys[i].Period != keys[j].Period {
			return keys[i].Period < keys[j].Period
		}
		if keys[i].StateFilter != keys[j].StateFilter {
			return keys[i].StateFilter < keys[j].StateFilter
		}
		return !keys[i].IgnoreSoftStates && keys[j].IgnoreSoftStates
	})

	s := g.RedundancyGroupName
	for _, ck := range keys {
		s += fmt.Sprintf("|%s,%s,%d,%v", ck.Parent, ck.Period, ck.StateFilter, ck.IgnoreSoftStates)
	}
	return s
}

// Registry is the global table mapping a Group's deterministic
// registry key to the Group object, so that any two children with
// identical outgoing edge sets are coalesced into one shared Group,
// and every checkable with a named redundancy group shares that
// group's single Group object.
type Registry struct {
	mu             sync.Mutex
	groups         map[string]*Group
	groupsByChild  map[string]map[*Group]bool
	groupsByRedund map[string]map[*Group]bool
}

// NewRegistry returns an empty dependency-group registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:         make(map[string]*Group),
		groupsByChild:  make(map[string]map[*Group]bool),
		groupsByRedund: make(map[string]map[*Group]bool),
	}
}

// Size returns the number of distinct Group objects currently held.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// GroupsForChild returns every Group the given child checkable
// currently references.
func (r *Registry) GroupsForChild(child string) []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Group
	for g := range r.groupsByChild[child] {
		out = append(out, g)
	}
	return out
}

// Register adds d to the dependency-group registry, following the
// same detach/rebuild/merge-or-create sequence as Unregister (see
// refreshRegistryLocked).
func (r *Registry) Register(d *Dependency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshRegistryLocked(d, false)
}

// Unregister removes d from whatever group it belongs to, following
// the same detach/rebuild/merge-or-create sequence as Register (see
// refreshRegistryLocked).
func (r *Registry) Unregister(d *Dependency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshRegistryLocked(d, true)
}

// refreshRegistryLocked registers or unregisters d against whichever
// existing Group (among those sharing d's redundancy-group name) d's
// child already has edges in. A named redundancy group keeps every
// member on one shared Group only as long as their edge sets stay
// identical: once a child's edges in a group diverge from the rest of
// the group's members, that child's remaining edges are split off into
// a replacement Group, which is merged back into another pre-existing
// Group if one already has the same edge set. A child with no existing
// group gets a fresh one.
//
// This mirrors the legacy DependencyGroup::RefreshRegistry detach/
// build-replacement-group/reattach-or-merge sequence, generalized to
// work the same way for both named redundancy groups and ordinary
// (RedundancyGroup == "") dependencies.
func (r *Registry) refreshRegistryLocked(d *Dependency, unregister bool) {
	for g := range r.groupsByRedund[d.RedundancyGroup] {
		dependencies := g.DependenciesForChild(d.Child)
		if len(dependencies) == 0 {
			continue
		}

		// g's member set is about to change; drop its stale registry-key
		// entry so it can be re-registered under an updated key below.
		r.deindexGroupLocked(g)

		if unregister {
			g.removeDependency(d)
			if g.IsEmpty() || len(dependencies) == 1 {
				r.detachChildLocked(g, d.Child)
			}
		}

		total := g.dependenciesCount()
		switch {
		case !unregister && (g.hasParentWithConfig(d) || total == len(dependencies)):
			// d either matches an edge already present in g, or d.Child
			// is currently g's only member: grow g in place.
			g.addDependency(d)
		case !unregister || (len(dependencies) > 1 && total >= len(dependencies)):
			// d.Child's edge set in g no longer matches the rest of g's
			// members (or, on register, didn't trivially fit): split
			// d.Child's remaining edges into a replacement group.
			r.detachChildLocked(g, d.Child)

			var replacement *Group
			if !unregister {
				replacement = &Group{RedundancyGroupName: g.RedundancyGroupName}
				replacement.addDependency(d)
			}
			for _, existing := range dependencies {
				if existing == d {
					continue
				}
				g.removeDependency(existing)
				if replacement == nil {
					replacement = &Group{RedundancyGroupName: g.RedundancyGroupName}
				}
				replacement.addDependency(existing)
			}

			if replacement != nil {
				r.attachChildLocked(replacement, d.Child)
				r.registerGroupLocked(replacement)
			}
		}

		if g.IsEmpty() {
			r.deregisterGroupLocked(g)
		} else {
			r.registerGroupLocked(g)
		}
		return
	}

	if !unregister {
		newGroup := &Group{RedundancyGroupName: d.RedundancyGroup}
		newGroup.addDependency(d)
		r.attachChildLocked(newGroup, d.Child)
		r.registerGroupLocked(newGroup)
	}
}

// deindexGroupLocked removes g's current entry from r.groups (keyed by
// its now-stale registryKey), without touching child or
// redundancy-name indexing.
func (r *Registry) deindexGroupLocked(g *Group) {
	for key, existing := range r.groups {
		if existing == g {
			delete(r.groups, key)
			return
		}
	}
}

// registerGroupLocked (re)inserts g into r.groups under its current
// registryKey. If a distinct Group is already registered under that
// key — meaning g's member set now exactly matches an existing group's
// — g's members are merged into it instead, and every child attached
// to g is repointed onto the pre-existing group.
func (r *Registry) registerGroupLocked(g *Group) {
	key := g.registryKey()
	if existing, ok := r.groups[key]; ok && existing != g {
		r.mergeGroupLocked(g, existing)
		return
	}

	r.groups[key] = g
	if r.groupsByRedund[g.RedundancyGroupName] == nil {
		r.groupsByRedund[g.RedundancyGroupName] = make(map[*Group]bool)
	}
	r.groupsByRedund[g.RedundancyGroupName][g] = true
}

// mergeGroupLocked moves every member of src into dest and repoints
// every child attached to src onto dest, then drops src from the
// registry entirely.
func (r *Registry) mergeGroupLocked(src, dest *Group) {
	src.mu.Lock()
	members := src.members
	src.mu.Unlock()

	moved := make(map[string]bool)
	for _, byChild := range members {
		for child, d := range byChild {
			dest.addDependency(d)
			if !moved[child] {
				r.detachChildLocked(src, child)
				r.attachChildLocked(dest, child)
				moved[child] = true
			}
		}
	}
	delete(r.groupsByRedund[src.RedundancyGroupName], src)
}

// deregisterGroupLocked removes an empty group from the registry
// entirely: its (already stale-deindexed) registry-key entry and its
// redundancy-name index entry.
func (r *Registry) deregisterGroupLocked(g *Group) {
	delete(r.groupsByRedund[g.RedundancyGroupName], g)
	if len(r.groupsByRedund[g.RedundancyGroupName]) == 0 {
		delete(r.groupsByRedund, g.RedundancyGroupName)
	}
}

func (r *Registry) attachChildLocked(g *Group, child string) {
	if r.groupsByChild[child] == nil {
		r.groupsByChild[child] = make(map[*Group]bool)
	}
	r.groupsByChild[child][g] = true
}

func (r *Registry) detachChildLocked(g *Group, child string) {
	delete(r.groupsByChild[child], g)
	if len(r.groupsByChild[child]) == 0 {
		delete(r.groupsByChild, child)
	}
}

// ParentStatus reports whether a parent checkable is currently
// reachable and, separately, whether its state counts as "available"
// (not matching the dependency's failure state filter). The process
// entrypoint (cmd/gogiod) supplies this by consulting live checkable
// state; this package only evaluates the graph shape.
type ParentStatus func(parent string) (reachable bool, available bool)

// GetState evaluates group's availability for the given child, per the
// legacy dependency-state rule: a redundancy group is Ok if at least
// one parent is reachable and available; a non-redundant group (an
// ordinary dependency, or duplicate config entries for one edge)
// requires every one of its members to be reachable and available.
func GetState(g *Group, child string, status ParentStatus) State {
	deps := g.DependenciesForChild(child)
	var reachable, available int
	for _, d := range deps {
		r, a := status(d.Parent)
		if r {
			reachable++
			if a {
				available++
			}
		}
	}

	if g.IsRedundancyGroup() {
		switch {
		case reachable == 0:
			return Unreachable
		case available == 0:
			return Failed
		default:
			return Ok
		}
	}

	switch {
	case reachable < len(deps):
		return Unreachable
	case available < len(deps):
		return Failed
	default:
		return Ok
	}
}

// IsReachable reports whether a checkable is reachable: every Group it
// references must evaluate Ok against status. rstack tracks recursion
// depth through chained dependencies (status itself typically recurses
// into IsReachable for each parent); exceeding MaxRecursionLevel fails
// closed rather than looping forever on a misconfigured cycle.
func IsReachable(groups []*Group, child string, status ParentStatus, rstack int) bool {
	if rstack > MaxRecursionLevel {
		return false
	}
	for _, g := range groups {
		if GetState(g, child, status) != Ok {
			return false
		}
	}
	return true
}

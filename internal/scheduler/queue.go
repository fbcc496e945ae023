package scheduler

import (
	ck "github.com/icinga-go/gogiod/internal/checkable"
)

// checkQueue is a container/heap.Interface min-heap of Active
// checkables ordered by NextCheck: a priority queue keyed by next check
// time. Kept as gogios's EventQueue idiom — a plain heap.Interface
// slice — generalized from a queue of generic Events to a queue of
// Checkables directly, since this engine has exactly one kind of
// scheduled work (a check), not Nagios's many event types.
type checkQueue []*ck.Checkable

func (q checkQueue) Len() int { return len(q) }

func (q checkQueue) Less(i, j int) bool {
	return q[i].NextCheck.Before(q[j].NextCheck)
}

func (q checkQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *checkQueue) Push(x any) {
	*q = append(*q, x.(*ck.Checkable))
}

func (q *checkQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

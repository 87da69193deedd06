// Package idalloc implements the dense smallest-available-integer
// allocator shared by every subsystem that needs one: PIDs, TIDs, port
// numbers, and per-port response IDs (spec.md 3, "Unique process ID
// (dense, allocated via gap-tree)"; §4.4, "Allocate a response ID... a
// gap-allocated integer"). Grounded on the original implementation's
// lib/idtree.c, which keeps allocated ids in a tree whose nodes carry
// the size of the free run following each id, aggregated bottom-up so
// that a subtree known to contain no gap can be skipped entirely.
package idalloc

import (
	"defs"
	"rbtree"
)

type gap struct {
	// self is the number of free ids strictly between this node's key
	// and its in-order successor's key (or maxID, if it has none).
	self int
	// max is the largest self value anywhere in this node's subtree,
	// including itself.
	max int
}

// / Alloc is a dense id allocator over [0, maxID]. Construct with New.
type Alloc[V any] struct {
	tree  *rbtree.Tree[int, V, gap]
	maxID int
}

// / New returns an allocator handing out ids in [0, maxID].
func New[V any](maxID int) *Alloc[V] {
	a := &Alloc[V]{maxID: maxID}
	a.tree = rbtree.New[int, V, gap](
		func(x, y int) bool { return x < y },
		func(n *rbtree.Node[int, V, gap], left, right *rbtree.Node[int, V, gap]) {
			m := n.Aug.self
			if left != nil && left.Aug.max > m {
				m = left.Aug.max
			}
			if right != nil && right.Aug.max > m {
				m = right.Aug.max
			}
			n.Aug.max = m
		},
	)
	return a
}

func (a *Alloc[V]) gapAfter(key int) int {
	n := a.tree.Find(key)
	if n == nil {
		panic("idalloc: gapAfter of unknown key")
	}
	if succ := rbtree.Next(n); succ != nil {
		return succ.Key - key - 1
	}
	return a.maxID - key
}

// fixupNeighbor recomputes n's self gap from its current successor and
// propagates the change to the root. Called after n gains or loses a
// successor.
func (a *Alloc[V]) fixupNeighbor(n *rbtree.Node[int, V, gap]) {
	n.Aug.self = a.gapAfter(n.Key)
	a.tree.Recompute(n)
}

// / Alloc returns the smallest id >= min not currently held, inserts it
// / bound to value, and returns it. Returns -ENOMEM if [min, maxID] is
// / exhausted.
func (a *Alloc[V]) Alloc(min int, value V) (int, defs.Err_t) {
	if min < 0 || min > a.maxID {
		return 0, defs.ENOMEM
	}
	id, ok := a.firstFree(min)
	if !ok {
		return 0, defs.ENOMEM
	}

	z := a.tree.Insert(id, value)
	pred := rbtree.Prev(z)
	if pred != nil {
		a.fixupNeighbor(pred)
	}
	a.fixupNeighbor(z)
	return id, 0
}

// firstFree finds the smallest free id >= min without allocating it.
func (a *Alloc[V]) firstFree(min int) (int, bool) {
	if a.tree.Find(min) == nil {
		return min, true
	}
	// min is occupied; the answer lies at (some node with key >= min
	// and a nonzero self-gap) + 1. Search in-order starting from the
	// smallest such node, pruning subtrees whose aggregate gap is zero.
	var search func(n *rbtree.Node[int, V, gap]) (int, bool)
	search = func(n *rbtree.Node[int, V, gap]) (int, bool) {
		if n == nil || n.Aug.max == 0 {
			return 0, false
		}
		if n.Key < min {
			return search(n.Right())
		}
		if n.Left() != nil {
			if id, ok := search(n.Left()); ok {
				return id, true
			}
		}
		if n.Aug.self > 0 {
			return n.Key + 1, true
		}
		return search(n.Right())
	}
	id, ok := search(a.tree.Root())
	if !ok || id > a.maxID {
		return 0, false
	}
	return id, true
}

// / Get returns the value stored under id and whether it was present.
func (a *Alloc[V]) Get(id int) (V, bool) {
	n := a.tree.Find(id)
	if n == nil {
		var zero V
		return zero, false
	}
	return n.Value, true
}

// / Free releases id, making it available for reuse by a future Alloc.
func (a *Alloc[V]) Free(id int) {
	n := a.tree.Find(id)
	if n == nil {
		panic("idalloc: free of unallocated id")
	}
	pred := rbtree.Prev(n)
	a.tree.Delete(n)
	if pred != nil {
		a.fixupNeighbor(pred)
	}
}

// / Len reports the number of currently allocated ids.
func (a *Alloc[V]) Len() int { return a.tree.Len() }

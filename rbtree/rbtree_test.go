package rbtree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func lessInt(a, b int) bool { return a < b }

func TestInsertFindOrdering(t *testing.T) {
	tr := New[int, string, struct{}](lessInt, nil)
	vals := []int{5, 2, 8, 1, 9, 3, 7, 4, 6, 0}
	for _, v := range vals {
		tr.Insert(v, "")
	}
	require.Equal(t, len(vals), tr.Len())

	prev := -1
	count := 0
	tr.Walk(func(n *Node[int, string, struct{}]) bool {
		require.Greater(t, n.Key, prev)
		prev = n.Key
		count++
		return true
	})
	require.Equal(t, len(vals), count)
}

func TestFindGE(t *testing.T) {
	tr := New[int, struct{}, struct{}](lessInt, nil)
	for _, v := range []int{10, 20, 30, 40} {
		tr.Insert(v, struct{}{})
	}
	n := tr.FindGE(21)
	require.NotNil(t, n)
	require.Equal(t, 30, n.Key)

	require.Nil(t, tr.FindGE(41))
	require.Equal(t, 10, tr.FindGE(0).Key)
}

func TestDeleteRandomizedPreservesOrder(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tr := New[int, int, struct{}](lessInt, nil)
	present := map[int]bool{}
	var nodes []*Node[int, int, struct{}]

	for i := 0; i < 500; i++ {
		k := r.Intn(2000)
		if present[k] {
			continue
		}
		present[k] = true
		nodes = append(nodes, tr.Insert(k, k))
	}

	for i := 0; i < 250 && len(nodes) > 0; i++ {
		idx := r.Intn(len(nodes))
		n := nodes[idx]
		delete(present, n.Key)
		tr.Delete(n)
		nodes[idx] = nodes[len(nodes)-1]
		nodes = nodes[:len(nodes)-1]

		prev := -1
		cnt := 0
		tr.Walk(func(n *Node[int, int, struct{}]) bool {
			require.Greater(t, n.Key, prev)
			prev = n.Key
			cnt++
			return true
		})
		require.Equal(t, len(present), cnt)
	}
}

// gapAug mirrors the VM map's lmaxgap/rmaxgap augmentation: the gap on
// each side is either the gap to the adjacent subtree's nearest key or
// the recursively-propagated max gap within that subtree.
type gapAug struct {
	lgap, rgap int
}

func TestAugmentRecomputedOnRotation(t *testing.T) {
	augment := func(n *Node[int, struct{}, gapAug], left, right *Node[int, struct{}, gapAug]) {
		if left == nil {
			n.Aug.lgap = 0
		} else {
			g := left.Aug.lgap
			if left.Aug.rgap > g {
				g = left.Aug.rgap
			}
			n.Aug.lgap = g
		}
		if right == nil {
			n.Aug.rgap = 0
		} else {
			g := right.Aug.lgap
			if right.Aug.rgap > g {
				g = right.Aug.rgap
			}
			n.Aug.rgap = g
		}
	}
	tr := New[int, struct{}, gapAug](lessInt, augment)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		tr.Insert(r.Intn(10000), struct{}{})
	}

	// every node's augmentation must equal what a fresh bottom-up
	// recompute over its final children would produce — i.e. rotations
	// during insert must not leave stale Aug values behind.
	var check func(n *Node[int, struct{}, gapAug])
	check = func(n *Node[int, struct{}, gapAug]) {
		if n == nil {
			return
		}
		check(n.Left())
		check(n.Right())
		stored := n.Aug
		augment(n, n.Left(), n.Right())
		require.Equal(t, stored, n.Aug, "stale augmentation for key %d", n.Key)
	}
	check(tr.Root())
}

// Package phmap implements the physical range allocator: one Phmap_t
// per hardware memory region reported at boot, handing out
// page-aligned contiguous byte ranges from a gap-augmented red-black
// tree of occupied ranges. Alloc's gap search walks the entries in
// address order without consulting the gap augmentation, so its cost
// is linear in the number of entries. Grounded on spec.md §4.3.1, built on the rbtree
// package shared with idalloc and the VM map's own entry tree; phmap's
// tree carries a richer augmentation (lmaxgap/rmaxgap/allocsz, matching
// the teacher's general style of deriving aggregate bookkeeping fields
// via an rbtree Augment callback, as seen in idalloc's gap field).
package phmap

import (
	"sync"

	"defs"
	"rbtree"
)

// / Flags_t marks what an allocated range is used for; adjacent free
// / entries are never tagged since only occupied ranges live in the
// / tree. Each allocation stays its own entry: Free removes exactly the
// / range Alloc returned, and adjacent entries with identical Flags_t
// / are not merged.
type Flags_t uint

const (
	// / FlagNone marks a generic allocation.
	FlagNone Flags_t = 0
	// / FlagDevice marks a range reserved for an MMIO-equivalent device
	// / mapping (simulated; no real MMIO exists under this core).
	FlagDevice Flags_t = 1 << iota
)

type aug struct {
	lmaxgap int
	rmaxgap int
	allocsz int
}

type entry struct {
	size  int
	flags Flags_t
}

// / Phmap_t manages allocation within one physical memory region
// / [start, stop).
type Phmap_t struct {
	sync.Mutex
	start, stop int
	align       int
	tree        *rbtree.Tree[int, entry, aug]
}

// / New constructs a Phmap_t spanning [start, stop), handing out
// / allocations aligned to align bytes (typically mem.PGSIZE).
func New(start, stop, align int) *Phmap_t {
	p := &Phmap_t{start: start, stop: stop, align: align}
	p.tree = rbtree.New[int, entry, aug](
		func(a, b int) bool { return a < b },
		p.augment,
	)
	return p
}

func (p *Phmap_t) augment(n, left, right *rbtree.Node[int, entry, aug]) {
	// lmaxgap/rmaxgap are the largest contiguous free run reachable by
	// descending left/right from n, including the gap directly adjacent
	// to n on that side.
	lgap := n.Key - p.start
	if left != nil {
		end := left.Key + left.Value.size
		lgap = n.Key - end
		if left.Aug.lmaxgap > lgap {
			lgap = left.Aug.lmaxgap
		}
		if left.Aug.rmaxgap > lgap {
			lgap = left.Aug.rmaxgap
		}
	}
	nend := n.Key + n.Value.size
	rgap := p.stop - nend
	if right != nil {
		rgap = right.Key - nend
		if right.Aug.lmaxgap > rgap {
			rgap = right.Aug.lmaxgap
		}
		if right.Aug.rmaxgap > rgap {
			rgap = right.Aug.rmaxgap
		}
	}
	n.Aug.lmaxgap = lgap
	n.Aug.rmaxgap = rgap

	sz := n.Value.size
	if left != nil {
		sz += left.Aug.allocsz
	}
	if right != nil {
		sz += right.Aug.allocsz
	}
	n.Aug.allocsz = sz
}

func roundup(v, align int) int {
	return (v + align - 1) / align * align
}

// / Alloc reserves a contiguous, align-aligned range of size bytes and
// / returns its start address, or -ENOMEM if the region has no gap big
// / enough.
func (p *Phmap_t) Alloc(size int, flags Flags_t) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()

	size = roundup(size, p.align)
	addr, ok := p.findGap(p.tree.Root(), size)
	if !ok {
		return 0, defs.ENOMEM
	}
	p.tree.Insert(addr, entry{size: size, flags: flags})
	return addr, 0
}

// findGap returns the lowest legal address for a size-byte allocation
// within the region, or false if none fits.
func (p *Phmap_t) findGap(root *rbtree.Node[int, entry, aug], size int) (int, bool) {
	// whole-region fast path: tree empty.
	if root == nil {
		if p.stop-p.start >= size {
			return p.start, true
		}
		return 0, false
	}

	var walk func(n *rbtree.Node[int, entry, aug], lo, hi int) (int, bool)
	walk = func(n *rbtree.Node[int, entry, aug], lo, hi int) (int, bool) {
		if n == nil {
			return 0, false
		}
		// try left subtree's gap first: it covers [lo, n.Key).
		if n.Left() != nil {
			if addr, ok := walk(n.Left(), lo, n.Key); ok {
				return addr, true
			}
		} else if n.Key-lo >= size {
			return lo, true
		}
		nend := n.Key + n.Value.size
		if n.Right() != nil {
			return walk(n.Right(), nend, hi)
		}
		if hi-nend >= size {
			return nend, true
		}
		return 0, false
	}
	return walk(root, p.start, p.stop)
}

// coalesce merges n with an adjacent entry of identical flags.
func (p *Phmap_t) coalesce(n *rbtree.Node[int, entry, aug]) {
	if pr := rbtree.Prev(n); pr != nil && pr.Value.flags == n.Value.flags &&
		pr.Key+pr.Value.size == n.Key {
		n.Value.size += pr.Value.size
		p.tree.Delete(pr)
		p.tree.Recompute(n)
	}
	if nx := rbtree.Next(n); nx != nil && nx.Value.flags == n.Value.flags &&
		n.Key+n.Value.size == nx.Key {
		n.Value.size += nx.Value.size
		p.tree.Delete(nx)
		p.tree.Recompute(n)
	}
}

// / Free releases the range starting at addr.
func (p *Phmap_t) Free(addr int) {
	p.Lock()
	defer p.Unlock()
	n := p.tree.Find(addr)
	if n == nil {
		panic("phmap: free of unallocated address")
	}
	p.tree.Delete(n)
}

// / Allocated reports the total bytes currently allocated in the region.
func (p *Phmap_t) Allocated() int {
	p.Lock()
	defer p.Unlock()
	if root := p.tree.Root(); root != nil {
		return root.Aug.allocsz
	}
	return 0
}

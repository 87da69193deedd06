// Package vm implements the per-process virtual memory map: an
// augmented rbtree of entries over [start, stop), mmap/munmap/mprotect,
// and the page-fault handler that resolves a fault through an entry's
// amap or vm object. Grounded on spec.md §4.3.3 and on the teacher's
// vm/as.go for the general shape of a per-process address-space type
// (a lock-guarded struct with Lock_pmap/Unlock_pmap-style access),
// though as.go's actual machinery (real page tables, TLB shootdown,
// resource-accounted user-copy loops) has no home here: nothing in
// this core runs user-mode instructions against a real MMU, so a
// "page fault" is simulated as an explicit Force call rather than a
// hardware trap, and "installing a PTE" is simulated by recording the
// chosen physical frame in the entry's resident map instead of
// programming real page-table bits.
package vm

import (
	"sync"

	"amap"
	"defs"
	"mem"
	"rbtree"
	"vmobj"
)

type aug struct {
	lmaxgap int
	rmaxgap int
}

// / Entry_t is one mapped range of a process's address space.
type Entry_t struct {
	vaddr, size int
	prot        defs.Prot_t
	protOrig    defs.Prot_t
	flags       defs.MapFlags_t

	obj     *vmobj.Object_t
	objOffs int64

	am    *amap.Amap_t
	aoffs int // page index into am, for an entry that doesn't start at am's slot 0

	// resident simulates installed PTEs: vaddr (page-aligned) -> frame.
	resident map[int]mem.Pa_t
}

func (e *Entry_t) end() int { return e.vaddr + e.size }

// compatible reports whether e and a candidate neighbor can be merged:
// same object identity with contiguous offset, same flags/prot, and
// amap-sharing compatible (both nil, or the same amap with contiguous
// aoffs).
func (e *Entry_t) compatible(o *Entry_t, contiguousAfter bool) bool {
	if e.flags != o.flags || e.prot != o.prot || e.protOrig != o.protOrig {
		return false
	}
	if e.obj != o.obj {
		return false
	}
	if e.obj != nil {
		wantOffs := e.objOffs + int64(e.size)
		if !contiguousAfter {
			wantOffs = o.objOffs + int64(o.size)
		}
		if contiguousAfter && wantOffs != o.objOffs {
			return false
		}
		if !contiguousAfter && wantOffs != e.objOffs {
			return false
		}
	}
	if e.am != o.am {
		return false
	}
	if e.am != nil {
		wantAoffs := e.aoffs + e.size/mem.PGSIZE
		if contiguousAfter && wantAoffs != o.aoffs {
			return false
		}
		if !contiguousAfter && o.aoffs+o.size/mem.PGSIZE != e.aoffs {
			return false
		}
	}
	return true
}

// / Map_t is a process's virtual address space: start/stop bounds plus
// / the rbtree of entries keyed by vaddr.
type Map_t struct {
	sync.Mutex
	start, stop int
	phys        *mem.Physmem_t
	objs        *vmobj.Cache
	tree        *rbtree.Tree[int, *Entry_t, aug]
}

// / Bounds reports the address range m was constructed with, for a
// / caller (e.g. proc, constructing a child's or a fresh exec'd map)
// / that needs to mirror it.
func (m *Map_t) Bounds() (int, int) { return m.start, m.stop }

// / New constructs an empty map over [start, stop).
func New(start, stop int, phys *mem.Physmem_t, objs *vmobj.Cache) *Map_t {
	m := &Map_t{start: start, stop: stop, phys: phys, objs: objs}
	m.tree = rbtree.New[int, *Entry_t, aug](
		func(a, b int) bool { return a < b },
		m.augment,
	)
	return m
}

func (m *Map_t) augment(n, left, right *rbtree.Node[int, *Entry_t, aug]) {
	lgap := n.Key - m.start
	if left != nil {
		end := left.Value.end()
		lgap = n.Key - end
		if left.Aug.lmaxgap > lgap {
			lgap = left.Aug.lmaxgap
		}
		if left.Aug.rmaxgap > lgap {
			lgap = left.Aug.rmaxgap
		}
	}
	rgap := m.stop - n.Value.end()
	if right != nil {
		rgap = right.Key - n.Value.end()
		if right.Aug.lmaxgap > rgap {
			rgap = right.Aug.lmaxgap
		}
		if right.Aug.rmaxgap > rgap {
			rgap = right.Aug.rmaxgap
		}
	}
	n.Aug.lmaxgap = lgap
	n.Aug.rmaxgap = rgap
}

func pgroundup(v int) int { return (v + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1) }

// / Find returns the lowest address >= hint such that [addr, addr+size)
// / fits in a free gap, or false if none exists.
func (m *Map_t) Find(hint, size int) (int, bool) {
	if hint < m.start {
		hint = m.start
	}
	var walk func(n *rbtree.Node[int, *Entry_t, aug], lo, hi int) (int, bool)
	walk = func(n *rbtree.Node[int, *Entry_t, aug], lo, hi int) (int, bool) {
		if n == nil {
			return 0, false
		}
		if n.Left() != nil {
			if addr, ok := walk(n.Left(), lo, n.Key); ok {
				return addr, true
			}
		} else if start := max(lo, hint); n.Key-start >= size {
			return start, true
		}
		nend := n.Value.end()
		if n.Right() != nil {
			return walk(n.Right(), nend, hi)
		}
		if start := max(nend, hint); hi-start >= size {
			return start, true
		}
		return 0, false
	}
	root := m.tree.Root()
	if root == nil {
		if m.stop-hint >= size {
			return hint, true
		}
		return 0, false
	}
	return walk(root, m.start, m.stop)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// findEntry returns the entry covering vaddr, or nil.
func (m *Map_t) findEntry(vaddr int) *Entry_t {
	n := m.tree.Root()
	for n != nil {
		e := n.Value
		if vaddr < e.vaddr {
			n = n.Left()
		} else if vaddr >= e.end() {
			n = n.Right()
		} else {
			return e
		}
	}
	return nil
}

// / Belongs reports whether the whole [vaddr, vaddr+size) range lies
// / inside entries of m that grant at least access, matching
// / vm_mapBelongs: the syscall-entry pointer-validation check spec.md
// / §5 requires before the kernel dereferences any user-supplied
// / pointer. A range spanning a gap, or whose entries are missing a bit
// / of access, does not belong.
func (m *Map_t) Belongs(vaddr, size int, access defs.Prot_t) bool {
	if size <= 0 {
		return false
	}
	m.Lock()
	defer m.Unlock()

	end := vaddr + size
	for cur := vaddr; cur < end; {
		e := m.findEntry(cur)
		if e == nil || e.prot&access != access {
			return false
		}
		cur = e.end()
	}
	return true
}

// / Mmap finds space (or uses hint verbatim if MAP_FIXED) for a size-byte
// / mapping, inserts the entry (merging with an adjacent compatible
// / entry when possible), and returns its base address.
func (m *Map_t) Mmap(hint, size int, prot defs.Prot_t, flags defs.MapFlags_t, obj *vmobj.Object_t, objOffs int64) (int, defs.Err_t) {
	m.Lock()
	defer m.Unlock()

	size = pgroundup(size)
	var addr int
	if flags&defs.MAP_FIXED != 0 {
		addr = hint
	} else {
		a, ok := m.Find(hint, size)
		if !ok {
			return 0, defs.ENOMEM
		}
		addr = a
	}

	ne := &Entry_t{
		vaddr: addr, size: size, prot: prot, protOrig: prot, flags: flags,
		obj: obj, objOffs: objOffs,
	}
	if flags&defs.MAP_ANONYMOUS != 0 {
		ne.am = amap.New(m.phys, size/mem.PGSIZE)
	}

	if pred := m.predecessor(addr); pred != nil && pred.end() == addr && pred.compatible(ne, true) {
		pred.size += size
		return addr, 0
	}
	if succ := m.successor(addr); succ != nil && addr+size == succ.vaddr && ne.compatible(succ, true) {
		m.tree.Delete(m.tree.Find(succ.vaddr))
		ne.size += succ.size
		m.tree.Insert(addr, ne)
		return addr, 0
	}

	m.tree.Insert(addr, ne)
	return addr, 0
}

func (m *Map_t) predecessor(vaddr int) *Entry_t {
	n := m.tree.Root()
	var best *rbtree.Node[int, *Entry_t, aug]
	for n != nil {
		if n.Key < vaddr {
			best = n
			n = n.Right()
		} else {
			n = n.Left()
		}
	}
	if best == nil {
		return nil
	}
	return best.Value
}

func (m *Map_t) successor(vaddr int) *Entry_t {
	n := m.tree.Root()
	var best *rbtree.Node[int, *Entry_t, aug]
	for n != nil {
		if n.Key > vaddr {
			best = n
			n = n.Left()
		} else {
			n = n.Right()
		}
	}
	if best == nil {
		return nil
	}
	return best.Value
}

// / Munmap removes [vaddr, vaddr+size) from the map, splitting any
// / entry that only partially overlaps the range and dropping amap
// / anons for the removed portion.
func (m *Map_t) Munmap(vaddr, size int) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	size = pgroundup(size)
	end := vaddr + size

	for {
		e := m.findEntry(vaddr)
		if e == nil {
			e = m.successor(vaddr)
			if e == nil || e.vaddr >= end {
				break
			}
		}
		lo, hi := e.vaddr, e.end()
		if lo >= end || hi <= vaddr {
			break
		}
		cutlo, cuthi := max(lo, vaddr), min(hi, end)

		if e.am != nil {
			e.am.Clear(e.aoffs+(cutlo-lo)/mem.PGSIZE, (cuthi-cutlo)/mem.PGSIZE)
		}
		for pg := cutlo; pg < cuthi; pg += mem.PGSIZE {
			delete(e.resident, pg)
		}

		n := m.tree.Find(e.vaddr)
		m.tree.Delete(n)

		if cutlo == lo && cuthi == hi {
			if e.am != nil {
				e.am.Put()
			}
			if e.obj != nil {
				m.objs.Put(e.obj)
			}
		}

		if cutlo > lo {
			left := &Entry_t{vaddr: lo, size: cutlo - lo, prot: e.prot, protOrig: e.protOrig, flags: e.flags, obj: e.obj, objOffs: e.objOffs, am: e.am, aoffs: e.aoffs}
			m.tree.Insert(left.vaddr, left)
		}
		if cuthi < hi {
			aoffs := e.aoffs
			if e.am != nil {
				aoffs += (cuthi - lo) / mem.PGSIZE
			}
			objOffs := e.objOffs
			if e.obj != nil {
				objOffs += int64(cuthi - lo)
			}
			right := &Entry_t{vaddr: cuthi, size: hi - cuthi, prot: e.prot, protOrig: e.protOrig, flags: e.flags, obj: e.obj, objOffs: objOffs, am: e.am, aoffs: aoffs}
			m.tree.Insert(right.vaddr, right)
		}
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// / Mprotect changes the enforced protection of [vaddr, vaddr+size) to
// / prot, which must be a subset of every covering entry's protOrig.
func (m *Map_t) Mprotect(vaddr, size int, prot defs.Prot_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	size = pgroundup(size)
	end := vaddr + size
	for v := vaddr; v < end; {
		e := m.findEntry(v)
		if e == nil {
			return defs.EINVAL
		}
		if prot&^e.protOrig != 0 {
			return defs.EACCES
		}
		e.prot = prot
		v = e.end()
	}
	return 0
}

// / Force resolves a fault at vaddr requesting faultProt, installing a
// / resident translation on success.
func (m *Map_t) Force(vaddr int, faultProt defs.Prot_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	e := m.findEntry(vaddr)
	if e == nil {
		return defs.EFAULT
	}
	if faultProt&^e.prot != 0 {
		return defs.EFAULT
	}

	write := faultProt&defs.PROT_WRITE != 0
	if write && (e.flags&defs.MAP_NEEDSCOPY != 0 || (e.am == nil && e.flags&defs.MAP_ANONYMOUS != 0)) {
		old := e.am
		e.am = amap.Create(old, m.phys, e.aoffs, e.size/mem.PGSIZE)
		if e.am != old {
			e.aoffs = 0
		}
		e.flags &^= defs.MAP_NEEDSCOPY
		e.prot = e.protOrig
	}

	pgaddr := vaddr &^ (mem.PGSIZE - 1)
	idx := (pgaddr - e.vaddr) / mem.PGSIZE

	var pa mem.Pa_t
	if e.am != nil {
		p, ferr := e.am.Page(e.aoffs+idx, write, func() (mem.Pa_t, error) {
			return m.fetchInitial(e, idx, write)
		})
		if ferr != nil {
			if fe, ok := ferr.(fetchFault); ok {
				return defs.Err_t(fe)
			}
			return defs.ENOMEM
		}
		pa = p
	} else if e.obj != nil {
		p, err := m.objs.Page(e.obj, e.objOffs+int64(idx)*int64(mem.PGSIZE))
		if err != 0 {
			return err
		}
		pa = p
	} else {
		return defs.EFAULT
	}

	if e.resident == nil {
		e.resident = make(map[int]mem.Pa_t)
	}
	e.resident[pgaddr] = pa
	return 0
}

// fetchInitial supplies an amap slot's first-ever page: a zero page
// for pure anonymous memory, or the backing object's page when the
// entry is MAP_NEEDSCOPY over an object.
func (m *Map_t) fetchInitial(e *Entry_t, idx int, write bool) (mem.Pa_t, error) {
	if e.obj != nil {
		pa, err := m.objs.Page(e.obj, e.objOffs+int64(idx)*int64(mem.PGSIZE))
		if err != 0 {
			return 0, fetchFault(err)
		}
		if !write {
			return pa, nil
		}
		newpg, newpa, ok := m.phys.Refpg_new_nozero()
		if !ok {
			return 0, fetchFault(defs.ENOMEM)
		}
		copy(mem.Pg2bytes(newpg)[:], m.phys.Dmap8(pa))
		return newpa, nil
	}
	_, newpa, ok := m.phys.Refpg_new()
	if !ok {
		return 0, fetchFault(defs.ENOMEM)
	}
	return newpa, nil
}

type fetchFault defs.Err_t

func (e fetchFault) Error() string { return "vm: page fetch failed" }

// / Resolve returns the physical frame currently installed at vaddr, or
// / false if no fault has resolved it yet.
func (m *Map_t) Resolve(vaddr int) (mem.Pa_t, bool) {
	m.Lock()
	defer m.Unlock()
	e := m.findEntry(vaddr)
	if e == nil || e.resident == nil {
		return 0, false
	}
	pa, ok := e.resident[vaddr&^(mem.PGSIZE-1)]
	return pa, ok
}

// / Destroy unmaps every entry in m, releasing every amap and vm object
// / reference it holds. Grounded on process_execve's vm_mapDestroy call
// / when an already-independent process re-execs, and on proc_kill's
// / final teardown of a zombie's map.
func (m *Map_t) Destroy() {
	m.Munmap(m.start, m.stop-m.start)
}

// / ForkCopy populates child (a freshly-constructed, empty Map_t) with
// / one entry per entry of m, sharing each private anonymous region
// / copy-on-write rather than duplicating pages up front: both m's
// / entry and the child's get MAP_NEEDSCOPY set and the same amap
// / (refcounted via Dup), so the first write on either side splits off
// / a private copy via Force. Object-backed (MAP_DEVICE/file) entries
// / are shared outright, matching process_copy's vm_mapCopy. Grounded
// / on the original's process_copy/vm_mapCopy pair in process.c.
func (m *Map_t) ForkCopy(child *Map_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	for n := m.tree.Min(); n != nil; n = rbtree.Next(n) {
		e := n.Value
		ce := &Entry_t{
			vaddr: e.vaddr, size: e.size, prot: e.prot, protOrig: e.protOrig,
			flags: e.flags, obj: e.obj, objOffs: e.objOffs,
		}
		if e.am != nil {
			if e.flags&defs.MAP_NOINHERIT != 0 {
				continue
			}
			old := e.am
			e.am = amap.Create(old, m.phys, e.aoffs, e.size/mem.PGSIZE)
			if e.am != old {
				// Create sliced off a fresh array starting at the old
				// aoffs; the new array's own slot 0 is that offset now.
				e.aoffs = 0
			}
			e.flags |= defs.MAP_NEEDSCOPY
			e.prot = defs.PROT_READ
			if e.protOrig&defs.PROT_EXEC != 0 {
				e.prot |= defs.PROT_EXEC
			}
			e.resident = nil

			ce.am = e.am.Dup()
			ce.aoffs = e.aoffs
			ce.flags = e.flags
			ce.prot = e.prot
		}
		if e.obj != nil {
			m.objs.Get(e.obj.Key(), e.obj.Size())
		}
		child.tree.Insert(ce.vaddr, ce)
	}
	return 0
}

// Package amap implements the anonymous-map / anon copy-on-write
// overlay a VM map entry optionally carries, grounded on
// original_source/vm/amap.c. An Amap_t is an array of anon slots, one
// per page of the entry it backs; an Anon_t is a single refcounted
// physical page. Fork shares an Amap_t by pointer (bumping its
// refcount) rather than copying it; a write to a shared anon splits
// that one slot into a private copy without touching the rest of the
// array, per spec.md §4.3.4.
package amap

import (
	"sync"

	"mem"
)

// / Anon_t is a single anonymous page, possibly shared by more than
// / one amap slot across forked processes.
type Anon_t struct {
	sync.Mutex
	refs int32
	pa   mem.Pa_t
}

func newAnon(pa mem.Pa_t) *Anon_t {
	return &Anon_t{refs: 1, pa: pa}
}

// / Amap_t overlays an entry's anonymous pages. Dup (used on fork)
// / shares the same slot array across both processes until a write
// / fault forces amap_create-style privatization at the map layer;
// / Amap_t itself never copies its own slot array — that split is the
// / caller's job via Create.
type Amap_t struct {
	sync.Mutex
	phys  *mem.Physmem_t
	anons []*Anon_t
	refs  int32
}

// / New allocates an amap with npages empty slots.
func New(phys *mem.Physmem_t, npages int) *Amap_t {
	return &Amap_t{phys: phys, anons: make([]*Anon_t, npages), refs: 1}
}

// / Dup increments the amap's sharer count and returns it, for a fork
// / that inherits the entry by reference (MAP_NEEDSCOPY).
func (a *Amap_t) Dup() *Amap_t {
	a.Lock()
	a.refs++
	a.Unlock()
	return a
}

// / Create returns a, unchanged, if a has no other sharer; otherwise
// / it drops a's refcount and returns a fresh amap of npages slots
// / covering [offset, offset+npages), each slot sharing the
// / corresponding anon from a (its refcount bumped) if a is non-nil.
// / This is the private-copy step fork/mprotect need before either
// / side may write through MAP_NEEDSCOPY.
func Create(a *Amap_t, phys *mem.Physmem_t, offset, npages int) *Amap_t {
	if a == nil {
		return New(phys, npages)
	}
	a.Lock()
	if a.refs == 1 {
		a.Unlock()
		return a
	}
	a.refs--
	fresh := make([]*Anon_t, npages)
	for i := 0; i < npages; i++ {
		src := a.anons[offset+i]
		if src != nil {
			src.Lock()
			src.refs++
			src.Unlock()
		}
		fresh[i] = src
	}
	a.Unlock()
	return &Amap_t{phys: phys, anons: fresh, refs: 1}
}

// / Len reports the number of page slots in a.
func (a *Amap_t) Len() int { return len(a.anons) }

// / Page resolves the anon page at page index idx (0-based into a's
// / slot array). If no anon occupies the slot yet, fetch supplies the
// / initial page content (a zero page for pure-anonymous memory, or an
// / object's page for a MAP_NEEDSCOPY-over-object entry); fetch's
// / result becomes the slot's sole owner. If the slot holds a shared
// / anon and write is true, a private copy is made and the old anon's
// / reference count is dropped. The returned page is always safe for
// / the caller to install at the requested protection.
func (a *Amap_t) Page(idx int, write bool, fetch func() (mem.Pa_t, error)) (mem.Pa_t, error) {
	a.Lock()
	defer a.Unlock()

	an := a.anons[idx]
	if an == nil {
		pa, err := fetch()
		if err != nil {
			return 0, err
		}
		a.anons[idx] = newAnon(pa)
		return pa, nil
	}

	an.Lock()
	if !write || an.refs == 1 {
		pa := an.pa
		an.Unlock()
		return pa, nil
	}

	// Shared anon, write access: split off a private copy and drop our
	// reference to the old one.
	an.refs--
	oldpa := an.pa
	an.Unlock()

	newpg, newpa, ok := a.phys.Refpg_new_nozero()
	if !ok {
		return 0, errOOM
	}
	src := a.phys.Dmap8(oldpa)
	dst := mem.Pg2bytes(newpg)[:]
	copy(dst, src)

	fresh := newAnon(newpa)
	a.anons[idx] = fresh
	return newpa, nil
}

// / Clear drops every anon reference in [offset, offset+npages) and
// / empties those slots, used when munmap removes part of an entry.
func (a *Amap_t) Clear(offset, npages int) {
	a.Lock()
	defer a.Unlock()
	for i := offset; i < offset+npages; i++ {
		a.putAnonLocked(a.anons[i])
		a.anons[i] = nil
	}
}

func (a *Amap_t) putAnonLocked(an *Anon_t) {
	if an == nil {
		return
	}
	an.Lock()
	an.refs--
	dead := an.refs == 0
	pa := an.pa
	an.Unlock()
	if dead {
		a.phys.Refdown(pa)
	}
}

// / Put drops a's own reference, freeing every anon slot once a has no
// / remaining sharer.
func (a *Amap_t) Put() {
	a.Lock()
	a.refs--
	dead := a.refs == 0
	a.Unlock()
	if !dead {
		return
	}
	a.Clear(0, len(a.anons))
}

var errOOM = amapError("amap: out of physical memory")

type amapError string

func (e amapError) Error() string { return string(e) }

package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pbnjay/memory"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

// / Pa_t is a dense, synthetic physical frame number. This core runs as
// / an ordinary Go process with no MMU to hand out real frames from, so
// / physical memory is simulated as a pool of Go-allocated pages indexed
// / by Pa_t rather than a real direct-mapped address; everything above
// / this layer (phmap, kheap, vm) only ever deals in Pa_t and Pg_t; the
// / simulation is invisible to them.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page, interpreted by the hal package.
type Pmap_t [512]Pa_t

/// Unpin_i allows unpinning of physical pages.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Page_i abstracts physical page allocation. vm, kheap and amap take
/// a *Physmem_t directly rather than a Page_i.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes reinterprets a page as a byte array.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	var pm Pmap_t
	for i := range pm {
		pm[i] = Pa_t(pg[i])
	}
	return &pm
}

type physpg_t struct {
	refcnt int32
	// index into pgs of next page on free list
	nexti uint32
	page  Pg_t
}

/// Physmem_t is the global simulated physical memory pool: a flat array
/// of pages plus a singly-linked free list threaded through unused
/// slots, same invariant as the teacher's Physmem_t minus the per-CPU
/// free-list sharding, which existed to avoid cross-core cacheline
/// contention on real SMP hardware; a simulated pool behind a Go mutex
/// has no such hardware to amortize against.
type Physmem_t struct {
	sync.Mutex
	pgs     []physpg_t
	freei   uint32
	freelen int32
	pmaps   []physpg_t
	pmapsFree uint32
	pmapsLen  int32
}

const nilIdx = ^uint32(0)

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Zeropg is a global zero-filled page used for allocations.
var Zeropg *Pg_t

/// Phys_init initializes the global physical memory allocator. npages
/// pages are reserved; if npages <= 0, a size proportional to host
/// available memory is chosen via github.com/pbnjay/memory rather than
/// the teacher's hardcoded page count, since a simulated kernel has no
/// fixed physical installation to detect.
func Phys_init(npages int) *Physmem_t {
	if npages <= 0 {
		avail := memory.TotalMemory()
		npages = int(avail / uint64(PGSIZE) / 64)
		if npages < 1<<14 {
			npages = 1 << 14
		}
	}
	phys := Physmem
	phys.pgs = make([]physpg_t, npages)
	for i := range phys.pgs {
		if i == len(phys.pgs)-1 {
			phys.pgs[i].nexti = nilIdx
		} else {
			phys.pgs[i].nexti = uint32(i + 1)
		}
	}
	phys.freei = 0
	phys.freelen = int32(npages)

	npmaps := npages / 16
	if npmaps < 256 {
		npmaps = 256
	}
	phys.pmaps = make([]physpg_t, npmaps)
	for i := range phys.pmaps {
		if i == len(phys.pmaps)-1 {
			phys.pmaps[i].nexti = nilIdx
		} else {
			phys.pmaps[i].nexti = uint32(i + 1)
		}
	}
	phys.pmapsFree = 0
	phys.pmapsLen = int32(npmaps)

	Zeropg = &Pg_t{}
	return phys
}

/// Refaddr returns the refcount pointer for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) *int32 {
	idx := uint32(p_pg)
	return &phys.pgs[idx].refcnt
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p_pg)))
}

/// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p_pg), 1)
	if c <= 0 {
		panic("mem: refup of dead page")
	}
}

/// Refdown decrements the reference count of a page.
/// It returns true when the page is freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	c := atomic.AddInt32(phys.Refaddr(p_pg), -1)
	if c < 0 {
		panic("mem: refdown below zero")
	}
	if c != 0 {
		return false
	}
	idx := uint32(p_pg)
	phys.Lock()
	phys.pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	phys.Unlock()
	return true
}

func (phys *Physmem_t) alloc() (Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	if phys.freei == nilIdx {
		return 0, false
	}
	idx := phys.freei
	phys.freei = phys.pgs[idx].nexti
	phys.freelen--
	if phys.pgs[idx].refcnt != 0 {
		panic("mem: free page has nonzero refcount")
	}
	phys.pgs[idx].refcnt = 1
	return Pa_t(idx), true
}

/// Refpg_new allocates a zeroed page and returns its mapping and address.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	p_pg, ok := phys.alloc()
	if !ok {
		return nil, 0, false
	}
	pg := &phys.pgs[p_pg].page
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialised page, for callers about
/// to overwrite the whole page (e.g. copy-on-write).
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	p_pg, ok := phys.alloc()
	if !ok {
		return nil, 0, false
	}
	return &phys.pgs[p_pg].page, p_pg, true
}

/// Pmap_new allocates a new page map, from its own pool so that
/// page-table pages don't compete with data pages for frames.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	phys.Lock()
	if phys.pmapsFree == nilIdx {
		phys.Unlock()
		return nil, 0, false
	}
	idx := phys.pmapsFree
	phys.pmapsFree = phys.pmaps[idx].nexti
	phys.pmapsLen--
	phys.pmaps[idx].refcnt = 1
	phys.Unlock()
	pg := &phys.pmaps[idx].page
	*pg = Pg_t{}
	return pg2pmap(pg), Pa_t(idx), true
}

/// Dec_pmap decreases the reference count of a pmap and frees it once
/// unreferenced.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	idx := uint32(p_pmap)
	c := atomic.AddInt32(&phys.pmaps[idx].refcnt, -1)
	if c < 0 {
		panic("mem: pmap refdown below zero")
	}
	if c != 0 {
		return
	}
	phys.Lock()
	phys.pmaps[idx].nexti = phys.pmapsFree
	phys.pmapsFree = idx
	phys.pmapsLen++
	phys.Unlock()
}

/// Dmap returns the page backing frame p. Named for parity with the
/// direct-map accessor it replaces; this pool has no virtual aliasing
/// to perform, so it is a plain slice index.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	return &phys.pgs[p].page
}

/// Dmap8 returns a byte slice view of the page backing frame p.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	bpg := Pg2bytes(pg)
	return bpg[:]
}

/// Pgcount reports free data pages and free pmap pages remaining.
func (phys *Physmem_t) Pgcount() (int, int) {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen), int(phys.pmapsLen)
}

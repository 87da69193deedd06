// Package kheap is the kernel's fine-grained allocator: a set of
// power-of-two zones backed by whole pages drawn from mem.Physmem_t,
// grounded on original_source/vm/kmalloc.c's sizes[] array of
// free-block lists (one per size class from 16 bytes up to a page).
// Where the original carves blocks out of raw virtual memory with
// hand-rolled pointer arithmetic, this rewrite slices a []byte per
// page and keeps free blocks as slice headers, since nothing here can
// (or needs to) fake real pointers.
package kheap

import (
	"sync"

	"mem"
	"oommsg"
)

// nclasses mirrors kmalloc.c's sizes[] array of free-block lists,
// bounded at page size: class i holds blocks of size 1<<i bytes, from
// minsz through a full page. Requests larger than a page are refused
// (Alloc returns nil), since a zone spanning
// multiple pages needs contiguous multi-page allocation that the
// original's vm_pageAlloc provided and this simulated pool does not.
const nclasses = 13

const minsz = 16

// / Heap_t is a kernel allocator instance bound to one physical page
// / pool. A kernel normally has exactly one, but tests can build
// / private ones.
type Heap_t struct {
	mu      sync.Mutex
	phys    *mem.Physmem_t
	classes [nclasses][][]byte
	allocsz int64
}

// / New constructs a kheap drawing pages from phys.
func New(phys *mem.Physmem_t) *Heap_t {
	return &Heap_t{phys: phys}
}

func classOf(size int) int {
	if size < minsz {
		size = minsz
	}
	size--
	idx := 0
	for size > 0 {
		size >>= 1
		idx++
	}
	return idx
}

// / Alloc returns a zeroed block of at least size bytes, or nil if the
// / request cannot be satisfied even after giving a registered
// / reclaimer (via oommsg) a chance to free pages.
func (h *Heap_t) Alloc(size int) []byte {
	idx := classOf(size)
	if idx >= nclasses {
		return nil
	}
	blocksz := 1 << idx

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.classes[idx]) == 0 {
		if !h.growClass(idx, blocksz) {
			return nil
		}
	}
	n := len(h.classes[idx])
	b := h.classes[idx][n-1]
	h.classes[idx] = h.classes[idx][:n-1]
	h.allocsz += int64(blocksz)
	return b[:size]
}

// growClass carves a fresh page into blocksz chunks and appends them
// to classes[idx], reclaiming via oommsg if the page pool is dry.
func (h *Heap_t) growClass(idx, blocksz int) bool {
	pg, _, ok := h.phys.Refpg_new()
	if !ok {
		resume := make(chan bool)
		select {
		case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1, Resume: resume}:
			if !<-resume {
				return false
			}
		default:
			return false
		}
		pg, _, ok = h.phys.Refpg_new()
		if !ok {
			return false
		}
	}
	raw := mem.Pg2bytes(pg)[:]
	nblocks := len(raw) / blocksz
	if nblocks == 0 {
		nblocks = 1
	}
	for i := 0; i < nblocks; i++ {
		h.classes[idx] = append(h.classes[idx], raw[i*blocksz:(i+1)*blocksz:(i+1)*blocksz])
	}
	return true
}

// / Free returns b, previously obtained from Alloc, to its size class.
// / b's length must be unchanged from what Alloc returned; kheap uses
// / cap(b) to recover the original block (and hence its class).
func (h *Heap_t) Free(b []byte) {
	if b == nil {
		return
	}
	idx := classOf(cap(b))
	if idx >= nclasses {
		panic("kheap: free of oversized block")
	}
	full := b[:cap(b)]

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range full {
		full[i] = 0
	}
	h.classes[idx] = append(h.classes[idx], full)
	h.allocsz -= int64(1 << idx)
}

// / Stats reports the total bytes currently handed out across all
// / classes.
func (h *Heap_t) Stats() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocsz
}

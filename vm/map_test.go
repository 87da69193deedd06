package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"mem"
	"vmobj"
)

func newTestMap(t *testing.T) (*Map_t, *mem.Physmem_t) {
	phys := mem.Phys_init(256)
	objs := vmobj.New(phys, func(k vmobj.Key, idx uint64) (mem.Pa_t, defs.Err_t) {
		t.Fatal("unexpected object fetch in anon-only test")
		return 0, 0
	})
	return New(0x10000, 0x1000000, phys, objs), phys
}

func TestMmapFindsGapAndAnonFaultZeroes(t *testing.T) {
	m, phys := newTestMap(t)
	addr, err := m.Mmap(0, 0x2000, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, err)
	require.GreaterOrEqual(t, addr, 0x10000)

	require.EqualValues(t, 0, m.Force(addr, defs.PROT_READ))
	pa, ok := m.Resolve(addr)
	require.True(t, ok)

	page := phys.Dmap8(pa)
	for _, b := range page[:16] {
		require.EqualValues(t, 0, b)
	}
}

func TestMunmapSplitsEntry(t *testing.T) {
	m, _ := newTestMap(t)
	base, err := m.Mmap(0, 0x3000, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, m.Munmap(base+mem.PGSIZE, mem.PGSIZE))

	require.NotNil(t, m.findEntry(base))
	require.Nil(t, m.findEntry(base+mem.PGSIZE))
	require.NotNil(t, m.findEntry(base+2*mem.PGSIZE))
}

func TestMprotectRejectsEscalation(t *testing.T) {
	m, _ := newTestMap(t)
	base, err := m.Mmap(0, 0x1000, defs.PROT_READ, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, defs.EACCES, m.Mprotect(base, 0x1000, defs.PROT_READ|defs.PROT_WRITE))
}

func TestForceRejectsUnmappedAddress(t *testing.T) {
	m, _ := newTestMap(t)
	require.EqualValues(t, defs.EFAULT, m.Force(0x500000, defs.PROT_READ))
}

func TestCowWriteOnSharedAnonAllocatesPrivatePage(t *testing.T) {
	m, _ := newTestMap(t)
	addr, err := m.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS|defs.MAP_NEEDSCOPY, nil, 0)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, m.Force(addr, defs.PROT_WRITE))
	_, ok := m.Resolve(addr)
	require.True(t, ok)
}

// TestForkAfterPartialMunmapPreservesAmapOffset covers a right-split
// entry (nonzero aoffs into a still-shared amap) surviving ForkCopy:
// both sides must keep reading the page that was actually at that
// offset, not slot 0 of the amap.
func TestForkAfterPartialMunmapPreservesAmapOffset(t *testing.T) {
	m, phys := newTestMap(t)
	base, err := m.Mmap(0, 3*mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, err)

	pages := [3]int{base, base + mem.PGSIZE, base + 2*mem.PGSIZE}
	markers := [3]byte{0xAA, 0xBB, 0xCC}
	for i, pg := range pages {
		require.EqualValues(t, 0, m.Force(pg, defs.PROT_WRITE))
		pa, ok := m.Resolve(pg)
		require.True(t, ok)
		phys.Dmap8(pa)[0] = markers[i]
	}

	// Drop the first page, leaving a right-split entry at [base+PGSIZE,
	// base+3*PGSIZE) whose aoffs is 1 into the original 3-slot amap.
	require.EqualValues(t, 0, m.Munmap(base, mem.PGSIZE))

	objs := vmobj.New(phys, func(k vmobj.Key, idx uint64) (mem.Pa_t, defs.Err_t) {
		t.Fatal("unexpected object fetch in anon-only test")
		return 0, 0
	})
	child := New(m.start, m.stop, phys, objs)
	require.EqualValues(t, 0, m.ForkCopy(child))

	for i, pg := range pages[1:] {
		want := markers[i+1]

		require.EqualValues(t, 0, m.Force(pg, defs.PROT_READ))
		pa, ok := m.Resolve(pg)
		require.True(t, ok)
		require.Equal(t, want, phys.Dmap8(pa)[0], "parent page at %#x", pg)

		require.EqualValues(t, 0, child.Force(pg, defs.PROT_READ))
		cpa, ok := child.Resolve(pg)
		require.True(t, ok)
		require.Equal(t, want, phys.Dmap8(cpa)[0], "child page at %#x", pg)
	}

	// A write on the child's side must split off a private copy rather
	// than corrupting the parent's still-shared page.
	require.EqualValues(t, 0, child.Force(pages[1], defs.PROT_WRITE))
	cpa, ok := child.Resolve(pages[1])
	require.True(t, ok)
	phys.Dmap8(cpa)[0] = 0xEE

	ppa, ok := m.Resolve(pages[1])
	require.True(t, ok)
	require.EqualValues(t, markers[1], phys.Dmap8(ppa)[0])
}

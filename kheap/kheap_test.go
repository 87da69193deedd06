package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mem"
)

func TestAllocZeroedAndSized(t *testing.T) {
	phys := mem.Phys_init(64)
	h := New(phys)
	b := h.Alloc(40)
	require.NotNil(t, b)
	require.Len(t, b, 40)
	for _, v := range b {
		require.EqualValues(t, 0, v)
	}
}

func TestFreeReusesBlock(t *testing.T) {
	phys := mem.Phys_init(64)
	h := New(phys)
	before := h.Stats()
	b := h.Alloc(16)
	b[0] = 0xff
	h.Free(b)
	require.Equal(t, before, h.Stats())

	b2 := h.Alloc(16)
	require.EqualValues(t, 0, b2[0], "freed block must be rezeroed before reuse")
}

func TestAllocGrowsAcrossPages(t *testing.T) {
	phys := mem.Phys_init(4)
	h := New(phys)
	var blocks [][]byte
	for i := 0; i < 200; i++ {
		b := h.Alloc(32)
		require.NotNil(t, b)
		blocks = append(blocks, b)
	}
	require.Equal(t, int64(200*32), h.Stats())
}

func TestAllocExhaustionReturnsNil(t *testing.T) {
	phys := mem.Phys_init(2)
	h := New(phys)
	reached := false
	for i := 0; i < 100000; i++ {
		if h.Alloc(4096) == nil {
			reached = true
			break
		}
	}
	require.True(t, reached, "allocator should eventually exhaust a 2-page pool")
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	phys := mem.Phys_init(4)
	h := New(phys)
	require.Nil(t, h.Alloc(1<<20))
}

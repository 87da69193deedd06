package amap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mem"
)

func TestPageFetchesOnFirstAccess(t *testing.T) {
	phys := mem.Phys_init(64)
	a := New(phys, 4)
	called := 0
	pa, err := a.Page(0, false, func() (mem.Pa_t, error) {
		called++
		pg, pa, _ := phys.Refpg_new()
		_ = pg
		return pa, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, called)

	pa2, err := a.Page(0, false, func() (mem.Pa_t, error) {
		called++
		return 0, nil
	})
	require.NoError(t, err)
	require.Equal(t, pa, pa2)
	require.Equal(t, 1, called, "second read must reuse the cached anon, not refetch")
}

func TestSharedWriteSplitsPrivateCopy(t *testing.T) {
	phys := mem.Phys_init(64)
	a := New(phys, 4)
	pa, _ := a.Page(0, false, func() (mem.Pa_t, error) {
		_, pa, _ := phys.Refpg_new()
		return pa, nil
	})

	// simulate a fork: a second sharer of the same anon slot.
	b := Create(a.Dup(), phys, 0, 4)
	require.NotSame(t, a, b)

	writepa, err := b.Page(0, true, func() (mem.Pa_t, error) {
		t.Fatal("fetch must not be called when an anon already exists")
		return 0, nil
	})
	require.NoError(t, err)
	require.NotEqual(t, pa, writepa, "write to a shared anon must allocate a private page")
}

func TestCreateReturnsSameAmapWhenUnshared(t *testing.T) {
	phys := mem.Phys_init(64)
	a := New(phys, 4)
	require.Same(t, a, Create(a, phys, 0, 4))
}

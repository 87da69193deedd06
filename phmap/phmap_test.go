package phmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
)

func TestAllocIsLowestFit(t *testing.T) {
	p := New(0, 0x10000, 0x1000)
	a1, err := p.Alloc(0x1000, FlagNone)
	require.EqualValues(t, 0, err)
	require.Equal(t, 0, a1)

	a2, err := p.Alloc(0x2000, FlagNone)
	require.EqualValues(t, 0, err)
	require.Equal(t, 0x1000, a2)
}

func TestFreeReleasesRangeForReuse(t *testing.T) {
	p := New(0, 0x10000, 0x1000)
	a1, _ := p.Alloc(0x1000, FlagNone)
	a2, _ := p.Alloc(0x1000, FlagNone)
	p.Free(a1)
	require.Equal(t, 0x1000, p.Allocated())

	a3, err := p.Alloc(0x1000, FlagNone)
	require.EqualValues(t, 0, err)
	require.Equal(t, a1, a3)
	_ = a2
}

func TestExhaustion(t *testing.T) {
	p := New(0, 0x2000, 0x1000)
	_, err := p.Alloc(0x1000, FlagNone)
	require.EqualValues(t, 0, err)
	_, err = p.Alloc(0x1000, FlagNone)
	require.EqualValues(t, 0, err)
	_, err = p.Alloc(0x1000, FlagNone)
	require.EqualValues(t, defs.ENOMEM, err)
}

func TestAllocRoundsUpToAlignment(t *testing.T) {
	p := New(0, 0x10000, 0x1000)
	a, err := p.Alloc(1, FlagNone)
	require.EqualValues(t, 0, err)
	require.Equal(t, 0, a)
	next, _ := p.Alloc(1, FlagNone)
	require.Equal(t, 0x1000, next)
}

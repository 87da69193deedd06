package idalloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
)

func TestAllocIsSmallestFree(t *testing.T) {
	a := New[string](1000)

	id0, err := a.Alloc(0, "a")
	require.EqualValues(t, 0, err)
	require.Equal(t, 0, id0)

	id1, err := a.Alloc(0, "b")
	require.EqualValues(t, 0, err)
	require.Equal(t, 1, id1)

	a.Free(id0)

	id2, err := a.Alloc(0, "c")
	require.EqualValues(t, 0, err)
	require.Equal(t, 0, id2, "freed id should be reused before allocating a new one")
}

func TestAllocRespectsMin(t *testing.T) {
	a := New[int](1000)
	for i := 0; i < 5; i++ {
		_, err := a.Alloc(0, i)
		require.EqualValues(t, 0, err)
	}
	id, err := a.Alloc(10, 99)
	require.EqualValues(t, 0, err)
	require.Equal(t, 10, id)
}

func TestAllocExhaustion(t *testing.T) {
	a := New[int](3)
	for i := 0; i < 4; i++ {
		_, err := a.Alloc(0, i)
		require.EqualValues(t, 0, err)
	}
	_, err := a.Alloc(0, 99)
	require.Equal(t, defs.ENOMEM, err)
}

func TestRandomizedAllocFreeAlwaysDense(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	a := New[int](5000)
	live := map[int]bool{}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && r.Intn(3) == 0 {
			// free a random live id
			target := -1
			n := r.Intn(len(live))
			j := 0
			for k := range live {
				if j == n {
					target = k
					break
				}
				j++
			}
			a.Free(target)
			delete(live, target)
			continue
		}
		id, err := a.Alloc(0, i)
		require.EqualValues(t, 0, err)
		require.False(t, live[id], "allocated an id already in use: %d", id)
		live[id] = true
	}

	for id := range live {
		_, ok := a.Get(id)
		require.True(t, ok)
	}
	require.Equal(t, len(live), a.Len())
}

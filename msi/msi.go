// Package msi allocates interrupt vectors from a fixed pool. userintr
// hands one of these vectors to each registered handler; the pool
// itself doesn't know what a vector means, only that it is either held
// or free. Grounded on the teacher's msi.go, generalized from a
// hardcoded 56-63 MSI range to an Init-configured range so userintr can
// size it to the simulated platform instead of a fixed PCI MSI budget.
package msi

import "sync"

// / Vec_t identifies an interrupt vector.
type Vec_t uint

type vecpool_t struct {
	sync.Mutex
	avail map[Vec_t]bool
}

var pool = vecpool_t{}

// / Init sizes the vector pool to [low, high).
func Init(low, high Vec_t) {
	pool.Lock()
	defer pool.Unlock()
	pool.avail = make(map[Vec_t]bool, high-low)
	for v := low; v < high; v++ {
		pool.avail[v] = true
	}
}

// / Alloc allocates an available vector, panicking if the pool is
// / exhausted (vector exhaustion is a boot-time sizing bug, not a
// / recoverable runtime condition).
func Alloc() Vec_t {
	pool.Lock()
	defer pool.Unlock()
	for v := range pool.avail {
		delete(pool.avail, v)
		return v
	}
	panic("msi: no more vectors")
}

// / Free releases a previously allocated vector.
func Free(v Vec_t) {
	pool.Lock()
	defer pool.Unlock()
	if pool.avail[v] {
		panic("msi: double free")
	}
	pool.avail[v] = true
}

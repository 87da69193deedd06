// Package oommsg carries memory-pressure notifications from kheap to
// whatever is willing to shed cache under pressure. kheap sends on
// OomCh when a kmalloc zone can't grow and waits on Resume before
// retrying, giving a registered reclaimer a chance to free pages first.
// Grounded on the teacher's oommsg.go channel shape, kept unchanged:
// the mechanism already matches kheap's pressure-signaling need as
// described in the expanded spec (reclaim must run in its own
// goroutine, decoupled from the allocator that hit the wall).
package oommsg

// / OomCh is notified when a kmalloc zone cannot satisfy a request.
var OomCh chan Oommsg_t = make(chan Oommsg_t)

// / Oommsg_t is sent on OomCh when memory is exhausted. Need is the
// / number of additional pages the allocator is trying to obtain;
// / Resume is signaled by the reclaimer once it has freed what it can
// / (true) or given up (false).
type Oommsg_t struct {
	Need   int
	Resume chan bool
}

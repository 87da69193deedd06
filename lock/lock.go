// Package lock implements the kernel's sleep mutex, condition variable,
// and futex table (spec.md §4.2) on top of sched's WaitQ/ThreadWait
// primitives. Grounded on the teacher's caller.go-style diagnostic
// pattern (used here for errorcheck self-deadlock detection) and on the
// rest of the pack's deadlock-aware locking convention: every sleep
// lock embeds github.com/sasha-s/go-deadlock instead of sync.Mutex for
// its own internal spinlock, so a lock-ordering bug surfaces as a
// reported cycle instead of a silent hang.
package lock

import (
	"fmt"
	"os"

	deadlock "github.com/sasha-s/go-deadlock"

	"caller"
	"defs"
	"sched"
)

// / selfDeadlocks dedups ERRORCHECK self-deadlock reports by call stack,
// / so a caller that hits the same self-lock bug in a hot path logs it
// / once instead of flooding stderr on every retry.
var selfDeadlocks = caller.Distinct_caller_t{Enabled: true}

// / reportSelfDeadlock logs stack to stderr the first time this exact
// / call chain self-deadlocks an ERRORCHECK mutex, and stays silent on
// / every later occurrence of the same chain.
func reportSelfDeadlock() {
	if novel, stack := selfDeadlocks.Distinct(); novel {
		fmt.Fprintf(os.Stderr, "lock: ERRORCHECK self-deadlock\n%s", stack)
	}
}

// / Attr_t selects a mutex's re-entrancy semantics.
type Attr_t int

const (
	NORMAL Attr_t = iota
	RECURSIVE
	ERRORCHECK
)

// / Mutex_t is a sleep mutex: blocked waiters park on a FIFO sched.WaitQ
// / instead of spinning.
type Mutex_t struct {
	spin  deadlock.Mutex
	q     sched.WaitQ
	attr  Attr_t
	owner *sched.Thread_t
	depth int
}

// / New constructs a mutex with the given re-entrancy attribute.
func New(attr Attr_t) *Mutex_t {
	return &Mutex_t{attr: attr}
}

// / Set acquires m, blocking the calling thread t until it is free.
// / Recursive mutexes bump depth on re-acquisition by the owner;
// / errorcheck mutexes return -EDEADLK on self-lock instead of
// / deadlocking.
func (m *Mutex_t) Set(t *sched.Thread_t) defs.Err_t {
	m.spin.Lock()
	for {
		if m.owner == nil {
			m.owner = t
			m.depth = 1
			m.spin.Unlock()
			return 0
		}
		if m.owner == t {
			switch m.attr {
			case RECURSIVE:
				m.depth++
				m.spin.Unlock()
				return 0
			case ERRORCHECK:
				m.spin.Unlock()
				reportSelfDeadlock()
				return defs.EDEADLK
			default:
				panic("lock: self-deadlock on NORMAL mutex")
			}
		}
		sched.ThreadWait(t, &m.q, &m.spin, 0)
	}
}

// / SetInterruptible is Set but returns -EINTR if a signal targeting t
// / is posted during the wait.
func (m *Mutex_t) SetInterruptible(t *sched.Thread_t) defs.Err_t {
	m.spin.Lock()
	for {
		if m.owner == nil {
			m.owner = t
			m.depth = 1
			m.spin.Unlock()
			return 0
		}
		if m.owner == t {
			switch m.attr {
			case RECURSIVE:
				m.depth++
				m.spin.Unlock()
				return 0
			case ERRORCHECK:
				m.spin.Unlock()
				reportSelfDeadlock()
				return defs.EDEADLK
			default:
				panic("lock: self-deadlock on NORMAL mutex")
			}
		}
		if err := sched.ThreadWaitInterruptible(t, &m.q, &m.spin, 0); err != 0 {
			m.spin.Unlock()
			return err
		}
	}
}

// / Try acquires m without blocking, returning false if it is held.
func (m *Mutex_t) Try(t *sched.Thread_t) bool {
	m.spin.Lock()
	defer m.spin.Unlock()
	if m.owner == nil {
		m.owner = t
		m.depth = 1
		return true
	}
	if m.owner == t && m.attr == RECURSIVE {
		m.depth++
		return true
	}
	return false
}

// / Clear releases m, waking the longest-waiting blocked thread, if
// / any. For recursive mutexes this only actually releases ownership
// / once depth reaches zero.
func (m *Mutex_t) Clear() {
	m.spin.Lock()
	if m.owner == nil {
		m.spin.Unlock()
		panic("lock: clear of unheld mutex")
	}
	m.depth--
	if m.depth > 0 {
		m.spin.Unlock()
		return
	}
	m.owner = nil
	m.spin.Unlock()
	sched.ThreadWakeup(&m.q)
}

// / Cond_t is a condition variable. It records the clock given at
// / creation, but Wait does not consult it: a Wait timeout is always a
// / relative duration in microseconds.
type Cond_t struct {
	q     sched.WaitQ
	clock defs.Clock_t
}

// / NewCond constructs a condition variable bound to clock for the rest
// / of its lifetime.
func NewCond(clock defs.Clock_t) *Cond_t {
	return &Cond_t{clock: clock}
}

// / Wait atomically releases m, sleeps on c until signaled, woken by
// / timeoutUs microseconds elapsing (0 = forever), or interrupted by a
// / signal, then reacquires m.
func (c *Cond_t) Wait(t *sched.Thread_t, m *Mutex_t, timeoutUs int64) defs.Err_t {
	return sched.ThreadWaitInterruptible(t, &c.q, condLocker{m, t}, timeoutUs)
}

// condLocker adapts Mutex_t's per-thread Set/Clear to sched.Locker so
// ThreadWait can release and reacquire the caller's specific ownership
// instead of a bare mutual-exclusion lock.
type condLocker struct {
	m *Mutex_t
	t *sched.Thread_t
}

func (c condLocker) Lock()   { c.m.Set(c.t) }
func (c condLocker) Unlock() { c.m.Clear() }

// / Signal wakes one waiter on c.
func (c *Cond_t) Signal() { sched.ThreadWakeup(&c.q) }

// / Broadcast wakes every waiter on c.
func (c *Cond_t) Broadcast() { sched.ThreadBroadcast(&c.q) }

// / futexBuckets is the number of linear-probe buckets in a process's
// / futex hash table, per spec.md's "fixed hash table of 64 sleep
// / queues".
const futexBuckets = 64

// / Futex_t is a per-process futex table: 64 buckets, hashed on the
// / user virtual address shifted right by 3 bits with linear probing,
// / exactly as spec.md specifies.
type Futex_t struct {
	buckets [futexBuckets]futexBucket_t
}

type futexBucket_t struct {
	mu deadlock.Mutex
	q  sched.WaitQ
}

func (f *Futex_t) bucket(addr uintptr) *futexBucket_t {
	idx := (addr >> 3) % futexBuckets
	return &f.buckets[idx]
}

// / Wait atomically checks that *addr == expected and, if so, sleeps on
// / addr's bucket until woken, timeoutUs elapses (0 = forever), or a
// / signal interrupts the wait. check is the caller-supplied atomic
// / read of *addr, taken under the bucket lock so it races neither a
// / concurrent Wake nor a concurrent store.
func (f *Futex_t) Wait(t *sched.Thread_t, addr uintptr, check func() bool, timeoutUs int64, clock defs.Clock_t) defs.Err_t {
	b := f.bucket(addr)
	b.mu.Lock()
	if !check() {
		b.mu.Unlock()
		return defs.EAGAIN
	}
	err := sched.ThreadWaitInterruptible(t, &b.q, &b.mu, timeoutUs)
	b.mu.Unlock()
	return err
}

// / ALL requests that Wake dequeue every waiter in the bucket.
const ALL = -1

// / Wake dequeues up to n threads waiting on addr (ALL for all of
// / them) and returns how many were woken.
func (f *Futex_t) Wake(addr uintptr, n int) int {
	b := f.bucket(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == ALL {
		woken := b.q.Len()
		sched.ThreadBroadcast(&b.q)
		return woken
	}
	woken := 0
	for ; woken < n; woken++ {
		if b.q.Len() == 0 {
			break
		}
		sched.ThreadWakeup(&b.q)
	}
	return woken
}

// Package sched implements the kernel thread scheduler: creation,
// termination, priority-ordered run queues, a sleep-tree of timed
// wakeups, and the wait/wakeup primitives lock and proc build mutexes,
// condvars, and message queues out of (spec.md §4.1). Grounded on the
// teacher's overall process/thread bookkeeping style (tinfo.Tnote_t,
// accnt.Accnt_t) generalized to a standalone scheduler package; the
// teacher itself has no scheduler package of its own (biscuit pins each
// kernel thread to a real goroutine and lets its patched Go runtime's
// own scheduler do the multiplexing) so the run-queue/sleep-tree data
// structures here are modeled directly from spec.md's algorithm
// description rather than ported from a teacher file.
//
// Like biscuit, each Thread_t is backed by exactly one goroutine for
// its lifetime; unlike biscuit, nothing here patches the Go runtime to
// get a real preemptive context switch, so "pop the run queue and
// resume" is represented as channel-based parking rather than a literal
// register save/restore. The per-priority run queues record each live
// thread from ThreadCreate until it ends, but nothing dispatches from
// them: goroutines run in whatever order Go's own scheduler picks, so
// no round-robin order within a priority is enforced. The sleep tree
// is ordered by (wakeup, tid), and TimerTick wakes expired sleepers
// earliest deadline first.
package sched

import (
	"sync"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"

	"accnt"
	"defs"
	"rbtree"
	"tinfo"
)

// / NPRIO is the number of distinct run-queue priorities.
const NPRIO = 8

// / State_t is a thread's scheduling state.
type State_t int

const (
	READY State_t = iota
	RUNNING
	SLEEPING
	GHOST
)

// / Thread_t is one schedulable thread of control.
type Thread_t struct {
	Tid      defs.Tid_t
	Pid      defs.Pid_t
	Priority int
	Accnt    accnt.Accnt_t
	Note     *tinfo.Tnote_t

	mu       sync.Mutex
	state    State_t
	parkch   chan struct{}
	wakeup   int64 // unix nanos; 0 if not in sleep tree
	sigpend  uint64
	lastTime int64 // unix nanos t started (or resumed) RUNNING

	// set by ThreadWaitInterruptible when parked on a WaitQ so a racing
	// ThreadSigpost can dequeue it without the queue's own lock.
	onQueue *WaitQ
}

type sleepKey struct {
	wakeup int64
	tid    defs.Tid_t
}

type sched_t struct {
	deadlock.Mutex
	runq    [NPRIO][]*Thread_t
	sleep   *rbtree.Tree[sleepKey, *Thread_t, struct{}]
	ghosts  []*Thread_t
	reapCh  chan struct{}
	nextTid defs.Tid_t
}

var sc = newSched()

func newSched() *sched_t {
	s := &sched_t{reapCh: make(chan struct{}, 1)}
	less := func(a, b sleepKey) bool {
		if a.wakeup != b.wakeup {
			return a.wakeup < b.wakeup
		}
		return a.tid < b.tid
	}
	s.sleep = rbtree.New[sleepKey, *Thread_t, struct{}](less, nil)
	return s
}

// / ReaperNotify returns the channel a process reaper can range over to
// / learn that a thread has become a GHOST.
func ReaperNotify() <-chan struct{} { return sc.reapCh }

// / ThreadCreate allocates a thread bound to pid, enqueues it READY at
// / priority, and starts entry(arg) running on a fresh goroutine.
// / kstacksz is accepted for API parity with the teacher's signature but
// / unused: goroutine stacks grow dynamically, so there is no fixed
// / kernel stack to size.
func ThreadCreate(pid defs.Pid_t, priority int, kstacksz int, entry func(arg any), arg any) *Thread_t {
	if priority < 0 || priority >= NPRIO {
		panic("sched: bad priority")
	}
	sc.Lock()
	sc.nextTid++
	tid := sc.nextTid
	sc.Unlock()

	t := &Thread_t{
		Tid:      tid,
		Pid:      pid,
		Priority: priority,
		state:    READY,
		parkch:   make(chan struct{}, 1),
		Note:     &tinfo.Tnote_t{Alive: true},
	}

	sc.Lock()
	sc.runq[priority] = append(sc.runq[priority], t)
	sc.Unlock()

	go func() {
		tinfo.SetCurrent(t.Note)
		t.mu.Lock()
		t.state = RUNNING
		t.lastTime = time.Now().UnixNano()
		t.mu.Unlock()
		entry(arg)
		threadEndInternal(t)
	}()

	return t
}

// / chargeCPU adds the time t has spent RUNNING since its lastTime
// / timestamp to its accounting, per spec.md §4.1 step 5 ("delta = now
// / - lastTime is added to the outgoing thread"). Called on every
// / transition out of RUNNING.
func chargeCPU(t *Thread_t) {
	t.mu.Lock()
	since := t.lastTime
	t.mu.Unlock()
	if since != 0 {
		t.Accnt.Utadd(int(time.Now().UnixNano() - since))
	}
}

// / ThreadEnd marks t GHOST and wakes the reaper. Mirrors the teacher's
// / convention that the caller's own goroutine performs any final
// / cleanup before returning; unlike a real kernel, nothing here
// / prevents the goroutine from returning normally afterward (it is
// / about to anyway).
func ThreadEnd(t *Thread_t) {
	threadEndInternal(t)
}

func threadEndInternal(t *Thread_t) {
	chargeCPU(t)

	t.mu.Lock()
	t.state = GHOST
	t.Note.Alive = false
	t.mu.Unlock()

	sc.Lock()
	rq := sc.runq[t.Priority]
	for i, o := range rq {
		if o == t {
			sc.runq[t.Priority] = append(rq[:i], rq[i+1:]...)
			break
		}
	}
	sc.ghosts = append(sc.ghosts, t)
	sc.Unlock()

	tinfo.ClearCurrent()

	select {
	case sc.reapCh <- struct{}{}:
	default:
	}
}

// / ThreadSleep suspends the calling thread for us microseconds,
// / inserting it into the sleep tree keyed by (wakeup, tid) as spec.md
// / describes, and returns -ETIME if it ran to completion (it always
// / does: nothing but a signal can interrupt ThreadSleep's interruptible
// / sibling).
func ThreadSleep(t *Thread_t, us int64) defs.Err_t {
	return sleepFor(t, time.Duration(us)*time.Microsecond, false)
}

// / ThreadSleepInterruptible is ThreadSleep but returns -EINTR early if
// / a signal is posted to t during the wait.
func ThreadSleepInterruptible(t *Thread_t, us int64) defs.Err_t {
	return sleepFor(t, time.Duration(us)*time.Microsecond, true)
}

func sleepFor(t *Thread_t, d time.Duration, interruptible bool) defs.Err_t {
	chargeCPU(t)

	wk := time.Now().Add(d).UnixNano()
	key := sleepKey{wakeup: wk, tid: t.Tid}

	sc.Lock()
	t.mu.Lock()
	t.state = SLEEPING
	t.wakeup = wk
	t.mu.Unlock()
	sc.sleep.Insert(key, t)
	sc.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	drainSleepEntry := func() {
		sc.Lock()
		if n := sc.sleep.Find(key); n != nil {
			sc.sleep.Delete(n)
		}
		sc.Unlock()
	}

	for {
		select {
		case <-timer.C:
			drainSleepEntry()
			markReady(t)
			return defs.ETIME
		case <-t.parkch:
			if time.Now().UnixNano() >= wk {
				// woken by TimerTick after the deadline passed
				drainSleepEntry()
				markReady(t)
				return defs.ETIME
			}
			if !interruptible {
				continue
			}
			drainSleepEntry()
			markReady(t)
			if t.Note.Killed {
				return defs.EINTR
			}
			return 0
		}
	}
}

func markReady(t *Thread_t) {
	t.mu.Lock()
	if t.state != GHOST {
		t.state = RUNNING
		t.lastTime = time.Now().UnixNano()
	}
	t.wakeup = 0
	t.mu.Unlock()
}

// / WaitQ is a FIFO wait queue: the suspension point shared by condvars,
// / futex buckets, and port send/receive queues.
type WaitQ struct {
	mu      sync.Mutex
	waiters []*Thread_t
}

// / Locker is the minimal interface ThreadWait needs from the caller's
// / own lock so it can be released across the sleep and reacquired
// / afterward, matching condWait's atomic unlock-sleep-relock contract.
type Locker interface {
	Lock()
	Unlock()
}

// / ThreadWait parks the calling thread on q, releasing l for the
// / duration of the wait and reacquiring it before returning, with an
// / optional timeout in microseconds (0 means wait forever). Returns 0
// / on a real wakeup or -ETIME on timeout.
func ThreadWait(t *Thread_t, q *WaitQ, l Locker, timeoutUs int64) defs.Err_t {
	return waitOn(t, q, l, timeoutUs, false)
}

// / ThreadWaitInterruptible is ThreadWait but returns -EINTR if a signal
// / targeting t is posted during the wait.
func ThreadWaitInterruptible(t *Thread_t, q *WaitQ, l Locker, timeoutUs int64) defs.Err_t {
	return waitOn(t, q, l, timeoutUs, true)
}

func waitOn(t *Thread_t, q *WaitQ, l Locker, timeoutUs int64, interruptible bool) defs.Err_t {
	chargeCPU(t)

	q.mu.Lock()
	q.waiters = append(q.waiters, t)
	if interruptible {
		t.mu.Lock()
		t.onQueue = q
		t.mu.Unlock()
	}
	q.mu.Unlock()

	t.mu.Lock()
	t.state = SLEEPING
	t.mu.Unlock()

	if l != nil {
		l.Unlock()
	}

	var timerC <-chan time.Time
	if timeoutUs > 0 {
		timer := time.NewTimer(time.Duration(timeoutUs) * time.Microsecond)
		defer timer.Stop()
		timerC = timer.C
	}

	var ret defs.Err_t
	select {
	case <-t.parkch:
		if interruptible && t.Note.Killed {
			ret = defs.EINTR
		}
	case <-timerC:
		dequeue(q, t)
		ret = defs.ETIME
	}

	t.mu.Lock()
	t.onQueue = nil
	t.mu.Unlock()
	markReady(t)

	if l != nil {
		l.Lock()
	}
	return ret
}

// / Len reports the number of threads currently parked on q.
func (q *WaitQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func dequeue(q *WaitQ, t *Thread_t) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, o := range q.waiters {
		if o == t {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func wake(t *Thread_t) {
	select {
	case t.parkch <- struct{}{}:
	default:
	}
}

// / ThreadWakeup wakes the single longest-waiting thread on q, FIFO.
func ThreadWakeup(q *WaitQ) {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return
	}
	t := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()
	wake(t)
}

// / ThreadBroadcast wakes every thread currently waiting on q.
func ThreadBroadcast(q *WaitQ) {
	q.mu.Lock()
	ws := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, t := range ws {
		wake(t)
	}
}

// / ThreadSigpost posts sig to t. If t is parked in an interruptible
// / wait (a WaitQ or the sleep tree), it is forcibly woken so it can
// / observe -EINTR, per spec.md's "dequeue it with -EINTR" rule.
func ThreadSigpost(t *Thread_t, sig uint64) {
	t.mu.Lock()
	t.sigpend |= sig
	t.Note.Killed = true
	q := t.onQueue
	wk := t.wakeup
	tid := t.Tid
	t.mu.Unlock()

	if q != nil {
		if dequeue(q, t) {
			wake(t)
			return
		}
	}
	if wk != 0 {
		sc.Lock()
		if n := sc.sleep.Find(sleepKey{wakeup: wk, tid: tid}); n != nil {
			sc.sleep.Delete(n)
		}
		sc.Unlock()
		wake(t)
	}
}

// / TimerTick dequeues every sleep-tree entry whose wakeup has passed,
// / as spec.md's "timer IRQ" step describes, and returns the duration
// / until the next scheduled wakeup (or 0 if the tree is empty). A real
// / per-CPU timer interrupt has no analog in a hosted Go process, so
// / callers (e.g. a cmd/kernelsim harness) drive this from a ticker
// / instead of a hardware IRQ.
func TimerTick() time.Duration {
	now := time.Now().UnixNano()
	sc.Lock()
	var expired []*Thread_t
	for {
		n := sc.sleep.Min()
		if n == nil || n.Key.wakeup > now {
			break
		}
		expired = append(expired, n.Value)
		sc.sleep.Delete(n)
	}
	var next time.Duration
	if n := sc.sleep.Min(); n != nil {
		next = time.Duration(n.Key.wakeup-now) * time.Nanosecond
	}
	sc.Unlock()

	for _, t := range expired {
		wake(t)
	}
	return next
}

// / State returns t's current scheduling state.
func (t *Thread_t) State() State_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

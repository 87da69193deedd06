// Package port implements numbered message ports: creation/destruction,
// the per-port kmsg FIFO, and the blocking send/recv/respond protocol,
// grounded on spec.md §4.4. Response matching uses idalloc, the same
// dense id allocator the port table and proc's pid space use, keeping
// the "dense gap-allocated id" idiom consistent across subsystems.
package port

import (
	"sync"

	deadlock "github.com/sasha-s/go-deadlock"

	"defs"
	"idalloc"
	"msg"
	"sched"
)

const maxPorts = 1 << 16
const maxRids = 1 << 20

// / Port_t is a numbered message endpoint owned by a process (owner
// / zero for a kernel port).
type Port_t struct {
	deadlock.Mutex
	id      defs.Portid_t
	owner   defs.Pid_t
	refs    int32
	closed  bool
	fifo    []*msg.Kmsg_t
	readyQ  sched.WaitQ
	rids    *idalloc.Alloc[*msg.Kmsg_t]
}

// / Table is the global port registry: a dense id space shared by every
// / process, matching spec.md's "Numbered integer handle (dense)".
type Table struct {
	mu    sync.Mutex
	ids   *idalloc.Alloc[*Port_t]
}

// / NewTable constructs an empty port table.
func NewTable() *Table {
	return &Table{ids: idalloc.New[*Port_t](maxPorts)}
}

// / Create allocates a port owned by owner and registers it in t.
func (t *Table) Create(owner defs.Pid_t) (*Port_t, defs.Err_t) {
	p := &Port_t{owner: owner, refs: 1, rids: idalloc.New[*msg.Kmsg_t](maxRids)}
	t.mu.Lock()
	id, err := t.ids.Alloc(0, p)
	t.mu.Unlock()
	if err != 0 {
		return nil, err
	}
	p.id = defs.Portid_t(id)
	return p, 0
}

// / Lookup returns the port registered under id, if any.
func (t *Table) Lookup(id defs.Portid_t) (*Port_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ids.Get(int(id))
}

// / Destroy marks p closed, rejects every sender and receiver so they
// / observe -EINVAL, and drops t's reference to it.
func (t *Table) Destroy(p *Port_t) {
	p.Lock()
	p.closed = true
	for _, km := range p.fifo {
		km.State = msg.Rejected
		sched.ThreadBroadcast(&km.Waiters)
	}
	p.fifo = nil
	sched.ThreadBroadcast(&p.readyQ)
	p.Unlock()

	t.mu.Lock()
	t.ids.Free(int(p.id))
	t.mu.Unlock()
}

// / Id returns p's dense port id, the value a caller elsewhere in the
// / system addresses it by (e.g. after a name cache lookup).
func (p *Port_t) Id() defs.Portid_t { return p.id }

// / Send enqueues m on p and blocks the calling thread t until the
// / message is responded to (returning 0), rejected (-EINVAL), or a
// / signal targeting self interrupts the wait (-EINTR, dequeuing the
// / kmsg if it has not yet been received).
func (p *Port_t) Send(self *sched.Thread_t, m *msg.Msg_t) defs.Err_t {
	p.Lock()
	if p.closed {
		p.Unlock()
		return defs.EINVAL
	}
	km := msg.NewKmsg(m, self.Pid)
	p.fifo = append(p.fifo, km)
	sched.ThreadWakeup(&p.readyQ)

	// p is held across each ThreadWaitInterruptible call below: it
	// releases the lock for the sleep and reacquires it before
	// returning, so the invariant "p held at top of loop" holds
	// without a separate Lock call.
	locker := portLocker{p}
	for {
		err := sched.ThreadWaitInterruptible(self, &km.Waiters, locker, 0)
		switch km.State {
		case msg.Responded:
			p.Unlock()
			return 0
		case msg.Rejected:
			p.Unlock()
			return defs.EINVAL
		}
		if err != 0 && km.State == msg.Waiting {
			// Interrupted before the message was received: withdraw it.
			p.removeFifoLocked(km)
			p.Unlock()
			return err
		}
		// Interrupted after receipt, or a spurious wake: keep waiting
		// for a response or rejection, p still held.
	}
}

func (p *Port_t) removeFifoLocked(km *msg.Kmsg_t) {
	for i, c := range p.fifo {
		if c == km {
			p.fifo = append(p.fifo[:i], p.fifo[i+1:]...)
			return
		}
	}
}

// / Recv blocks until p has a queued message or is closed, dequeues it,
// / assigns it a response id, and returns the message plus that id.
func (p *Port_t) Recv(self *sched.Thread_t) (*msg.Msg_t, defs.Rid_t, defs.Err_t) {
	locker := portLocker{p}
	p.Lock()
	for len(p.fifo) == 0 && !p.closed {
		// ThreadWait releases p for the sleep and reacquires it before
		// returning.
		sched.ThreadWait(self, &p.readyQ, locker, 0)
	}
	if p.closed {
		p.Unlock()
		return nil, 0, defs.EINVAL
	}
	km := p.fifo[0]
	p.fifo = p.fifo[1:]
	km.State = msg.Received

	rid, err := p.rids.Alloc(0, km)
	if err != 0 {
		p.Unlock()
		return nil, 0, err
	}
	km.Rid = defs.Rid_t(rid)
	p.Unlock()
	return km.Msg, km.Rid, 0
}

// / Respond matches rid back to its kmsg, copies out into the
// / original message's Out half, marks it responded, and wakes the
// / sender.
func (p *Port_t) Respond(rid defs.Rid_t, out msg.Out_t) defs.Err_t {
	p.Lock()
	km, ok := p.rids.Get(int(rid))
	if !ok {
		p.Unlock()
		return defs.ENOENT
	}
	p.rids.Free(int(rid))
	km.Msg.Out = out
	km.State = msg.Responded
	sched.ThreadWakeup(&km.Waiters)
	p.Unlock()
	return 0
}

// portLocker adapts Port_t's embedded deadlock.Mutex to sched.Locker.
type portLocker struct{ p *Port_t }

func (l portLocker) Lock()   { l.p.Mutex.Lock() }
func (l portLocker) Unlock() { l.p.Mutex.Unlock() }

var _ sched.Locker = portLocker{}

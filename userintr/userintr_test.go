package userintr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"defs"
	"mem"
	"port"
	"proc"
	"sched"
	"vmobj"
)

func newProcess(t *testing.T) (*proc.Table, *proc.Process_t, *mem.Physmem_t) {
	phys := mem.Phys_init(512)
	objs := vmobj.New(phys, func(key vmobj.Key, idx uint64) (mem.Pa_t, defs.Err_t) {
		t.Fatal("unexpected vm object fetch in a userintr test with no object-backed mappings")
		return 0, defs.EFAULT
	})
	tbl := proc.NewTable(phys, objs, port.NewTable())
	p, err := tbl.Start("/sbin/irqd", 0, func(arg any) {}, nil)
	require.EqualValues(t, 0, err)
	return tbl, p, phys
}

func newThread(prio int) *sched.Thread_t {
	ch := make(chan *sched.Thread_t, 1)
	th := sched.ThreadCreate(1, prio, 0, func(arg any) { <-ch }, nil)
	ch <- th
	return th
}

func TestSetHandlerFiresOnMatchingIRQ(t *testing.T) {
	_, p, phys := newProcess(t)
	ui := New(phys)

	fired := make(chan uint, 1)
	id, err := ui.SetHandler(p, 7, func(irq uint, arg any) int {
		fired <- irq
		return 0
	}, nil, 0)
	require.EqualValues(t, 0, err)
	require.NotZero(t, id)

	ui.Fire(7)
	select {
	case irq := <-fired:
		require.EqualValues(t, 7, irq)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestFireOnlyRunsHandlersForThatIRQ(t *testing.T) {
	_, p, phys := newProcess(t)
	ui := New(phys)

	ran := false
	_, err := ui.SetHandler(p, 3, func(irq uint, arg any) int {
		ran = true
		return 0
	}, nil, 0)
	require.EqualValues(t, 0, err)

	ui.Fire(4)
	require.False(t, ran, "handler on irq 3 must not run for irq 4")
}

func TestFireWakesCondFutex(t *testing.T) {
	tbl, p, phys := newProcess(t)
	_ = tbl
	ui := New(phys)

	addr, merr := p.Map.Mmap(0x700000, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_FIXED|defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)
	require.EqualValues(t, 0, p.Map.Force(addr, defs.PROT_WRITE))

	self := newThread(0)
	woken := make(chan struct{}, 1)
	go func() {
		p.Futex.Wait(self, uintptr(addr), func() bool { return true }, 0, defs.CLOCK_RELATIVE)
		woken <- struct{}{}
	}()
	// give the waiter a chance to park before Fire wakes it.
	time.Sleep(20 * time.Millisecond)

	_, err := ui.SetHandler(p, 9, func(irq uint, arg any) int { return 0 }, nil, uintptr(addr))
	require.EqualValues(t, 0, err)
	ui.Fire(9)

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("futex waiter never woke after Fire")
	}
}

func TestRemoveUnchainsHandler(t *testing.T) {
	_, p, phys := newProcess(t)
	ui := New(phys)

	ran := false
	id, err := ui.SetHandler(p, 1, func(irq uint, arg any) int {
		ran = true
		return 0
	}, nil, 0)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, ui.Remove(id))
	ui.Fire(1)
	require.False(t, ran, "removed handler must not fire")
}

func TestRemoveUnknownIDReturnsEINVAL(t *testing.T) {
	_, _, phys := newProcess(t)
	ui := New(phys)
	require.EqualValues(t, defs.EINVAL, ui.Remove(999))
}

func TestDupKeepsHandlerAliveUntilBothRemoved(t *testing.T) {
	_, p, phys := newProcess(t)
	ui := New(phys)

	ran := false
	id, err := ui.SetHandler(p, 2, func(irq uint, arg any) int {
		ran = true
		return 0
	}, nil, 0)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, ui.Dup(id))

	require.EqualValues(t, 0, ui.Remove(id))
	ui.Fire(2)
	require.True(t, ran, "handler must still be chained after only one of two references is removed")

	require.EqualValues(t, 0, ui.Remove(id))
	ran = false
	ui.Fire(2)
	require.False(t, ran, "handler must be unchained once both references are removed")
}

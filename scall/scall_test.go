package scall

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"mem"
	"port"
	"proc"
	"sched"
	"userintr"
	"vmobj"
)

func newTableAndProc(t *testing.T) (*Table, *proc.Process_t, *sched.Thread_t) {
	phys := mem.Phys_init(512)
	objs := vmobj.New(phys, func(key vmobj.Key, idx uint64) (mem.Pa_t, defs.Err_t) {
		t.Fatal("unexpected vm object fetch in a scall test with no object-backed mappings")
		return 0, defs.EFAULT
	})
	ports := port.NewTable()
	procs := proc.NewTable(phys, objs, ports)
	uintrs := userintr.New(phys)

	st := New(procs, ports, uintrs, phys)

	p, err := procs.Start("/sbin/init", 0, func(arg any) {}, nil)
	require.EqualValues(t, 0, err)

	self := newThread(0)
	return st, p, self
}

func newThread(prio int) *sched.Thread_t {
	ch := make(chan *sched.Thread_t, 1)
	th := sched.ThreadCreate(1, prio, 0, func(arg any) { <-ch }, nil)
	ch <- th
	return th
}

func TestDispatchUnknownNumberReturnsENOSYS(t *testing.T) {
	st, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self}
	require.EqualValues(t, defs.ENOSYS, st.Dispatch(ctx, Num(9999)))
}

func TestMmapMprotectMunmapRoundTrip(t *testing.T) {
	st, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self}

	ctx.Args = Args_t{0, uintptr(mem.PGSIZE), uintptr(defs.PROT_READ | defs.PROT_WRITE), uintptr(defs.MAP_ANONYMOUS)}
	ret := st.Dispatch(ctx, SysMmap)
	require.True(t, ret >= 0)
	addr := uintptr(ret)

	ctx.Args = Args_t{addr, uintptr(mem.PGSIZE), uintptr(defs.PROT_READ)}
	require.EqualValues(t, 0, st.Dispatch(ctx, SysMprotect))

	ctx.Args = Args_t{addr, uintptr(mem.PGSIZE)}
	require.EqualValues(t, 0, st.Dispatch(ctx, SysMunmap))
}

func TestCheckUserRejectsPointerOutsideAnyMapping(t *testing.T) {
	_, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self}
	require.EqualValues(t, defs.EFAULT, CheckUser(ctx, 0x41414141, 8, defs.PROT_READ))
}

func TestWaitpidRejectsUnknownOptionBits(t *testing.T) {
	st, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self, Args: Args_t{0, 0, 1 << 7}}
	require.EqualValues(t, defs.EINVAL, st.Dispatch(ctx, SysWaitpid))
}

func TestWaitpidWritesExitCodeToStatPointer(t *testing.T) {
	st, p, self := newTableAndProc(t)

	child, err := st.procs.Fork(p, 0, func(child *proc.Process_t) {})
	require.EqualValues(t, 0, err)

	childProc, ok := st.procs.Find(child)
	require.True(t, ok)
	st.procs.Exit(childProc, 7)

	statCtx := &Context_t{Proc: p, Thread: self}
	addr, merr := p.Map.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)

	statCtx.Args = Args_t{uintptr(child), uintptr(addr), uintptr(WNOHANG)}
	ret := st.Dispatch(statCtx, SysWaitpid)
	require.EqualValues(t, child, ret)

	buf, rerr := readUserBytes(statCtx, uintptr(addr), 4)
	require.EqualValues(t, 0, rerr)
	require.EqualValues(t, 7, binary.LittleEndian.Uint32(buf))
}

func TestMutexCreateLockTryUnlock(t *testing.T) {
	st, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self}

	ctx.Args = Args_t{uintptr(0)}
	h := st.Dispatch(ctx, MutexCreate)
	require.True(t, h >= 0)

	ctx.Args = Args_t{uintptr(h)}
	require.EqualValues(t, 0, st.Dispatch(ctx, MutexLock))

	other := newThread(0)
	otherCtx := &Context_t{Proc: p, Thread: other, Args: Args_t{uintptr(h)}}
	require.EqualValues(t, defs.EBUSY, st.Dispatch(otherCtx, MutexTry))

	require.EqualValues(t, 0, st.Dispatch(ctx, MutexUnlock))
	require.EqualValues(t, 0, st.Dispatch(otherCtx, MutexTry))
}

func TestUnknownMutexHandleReturnsEINVAL(t *testing.T) {
	st, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self, Args: Args_t{999}}
	require.EqualValues(t, defs.EINVAL, st.Dispatch(ctx, MutexLock))
}

func TestCondCreateSignalWait(t *testing.T) {
	st, p, self := newTableAndProc(t)

	mCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{0}}
	h := st.Dispatch(mCtx, MutexCreate)
	require.True(t, h >= 0)

	cCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{0}}
	c := st.Dispatch(cCtx, CondCreate)
	require.True(t, c >= 0)

	// Signal/Broadcast on a cond nobody waits on is a no-op, not an error.
	sigCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{uintptr(c)}}
	require.EqualValues(t, 0, st.Dispatch(sigCtx, CondSignal))
	require.EqualValues(t, 0, st.Dispatch(sigCtx, CondBroadcast))
}

func TestCondWaitWokenBySignal(t *testing.T) {
	st, p, self := newTableAndProc(t)

	mCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{0}}
	h := st.Dispatch(mCtx, MutexCreate)
	require.True(t, h >= 0)
	cCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{0}}
	c := st.Dispatch(cCtx, CondCreate)
	require.True(t, c >= 0)

	waiter := newThread(0)
	lockCtx := &Context_t{Proc: p, Thread: waiter, Args: Args_t{uintptr(h)}}
	require.EqualValues(t, 0, st.Dispatch(lockCtx, MutexLock))

	woken := make(chan int64, 1)
	go func() {
		waitCtx := &Context_t{Proc: p, Thread: waiter, Args: Args_t{uintptr(c), uintptr(h), 0}}
		woken <- st.Dispatch(waitCtx, CondWait)
	}()

	sigCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{uintptr(c)}}
	require.EqualValues(t, 0, st.Dispatch(sigCtx, CondSignal))

	require.EqualValues(t, 0, <-woken)
}

func TestPortCreateDestroy(t *testing.T) {
	st, p, self := newTableAndProc(t)
	ctx := &Context_t{Proc: p, Thread: self}

	portRet := st.Dispatch(ctx, PortCreate)
	require.True(t, portRet >= 0)

	ctx.Args = Args_t{uintptr(portRet)}
	require.EqualValues(t, 0, st.Dispatch(ctx, PortDestroy))
	require.EqualValues(t, defs.EINVAL, st.Dispatch(ctx, PortDestroy))
}

func TestMsgSendRecvRespondRoundTrip(t *testing.T) {
	st, p, self := newTableAndProc(t)
	serverThread := newThread(0)

	createCtx := &Context_t{Proc: p, Thread: self}
	portRet := st.Dispatch(createCtx, PortCreate)
	require.True(t, portRet >= 0)
	portid := uintptr(portRet)

	rawInAddr, merr := p.Map.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)
	rawOutAddr, merr := p.Map.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)
	recvRawAddr, merr := p.Map.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)

	require.EqualValues(t, 0, writeUserBytes(&Context_t{Proc: p}, uintptr(rawInAddr), []byte("hello")))

	done := make(chan int64, 1)
	go func() {
		sendCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{
			portid, uintptr(defs.MtOpen), uintptr(rawInAddr), 0, 0, uintptr(rawOutAddr),
		}}
		done <- st.Dispatch(sendCtx, MsgSend)
	}()

	recvCtx := &Context_t{Proc: p, Thread: serverThread, Args: Args_t{portid, uintptr(recvRawAddr), 0, 0}}
	rid := st.Dispatch(recvCtx, MsgRecv)
	require.True(t, rid >= 0)

	gotRaw, rerr := readUserBytes(recvCtx, uintptr(recvRawAddr), 5)
	require.EqualValues(t, 0, rerr)
	require.Equal(t, "hello", string(gotRaw))

	respondCtx := &Context_t{Proc: p, Thread: serverThread, Args: Args_t{portid, uintptr(rid), uintptr(rawInAddr), 0}}
	require.EqualValues(t, 0, st.Dispatch(respondCtx, MsgRespond))

	require.EqualValues(t, 0, <-done)
}

func TestPortRegisterAndLookup(t *testing.T) {
	st, p, self := newTableAndProc(t)

	nameAddr, merr := p.Map.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)
	name := []byte("/srv/example")
	require.EqualValues(t, 0, writeUserBytes(&Context_t{Proc: p}, uintptr(nameAddr), name))

	createCtx := &Context_t{Proc: p, Thread: self}
	portRet := st.Dispatch(createCtx, PortCreate)
	require.True(t, portRet >= 0)

	regCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{uintptr(nameAddr), uintptr(len(name)), uintptr(portRet)}}
	require.EqualValues(t, 0, st.Dispatch(regCtx, PortRegister))

	lookupCtx := &Context_t{Proc: p, Thread: self, Args: Args_t{uintptr(nameAddr), uintptr(len(name))}}
	require.EqualValues(t, portRet, st.Dispatch(lookupCtx, Lookup))
}

func TestLookupMissReturnsENOENT(t *testing.T) {
	st, p, self := newTableAndProc(t)
	nameAddr, merr := p.Map.Mmap(0, mem.PGSIZE, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	require.EqualValues(t, 0, merr)
	name := []byte("/nope")
	require.EqualValues(t, 0, writeUserBytes(&Context_t{Proc: p}, uintptr(nameAddr), name))

	ctx := &Context_t{Proc: p, Thread: self, Args: Args_t{uintptr(nameAddr), uintptr(len(name))}}
	require.EqualValues(t, defs.ENOENT, st.Dispatch(ctx, Lookup))
}

func TestSignalMaskReturnsPreviousMask(t *testing.T) {
	st, p, self := newTableAndProc(t)

	ctx := &Context_t{Proc: p, Thread: self, Args: Args_t{0x3, 1}}
	require.EqualValues(t, 0, st.Dispatch(ctx, SignalMask))

	ctx.Args = Args_t{0x7, 1}
	require.EqualValues(t, 0x3, st.Dispatch(ctx, SignalMask))

	ctx.Args = Args_t{0, 0}
	require.EqualValues(t, 0x7, st.Dispatch(ctx, SignalMask))
}

func TestSignalPostReachesThread(t *testing.T) {
	st, p, self := newTableAndProc(t)
	_ = self

	ctx := &Context_t{Proc: p, Thread: self, Args: Args_t{uintptr(p.Pid), 1 << 2}}
	require.EqualValues(t, 0, st.Dispatch(ctx, SignalPost))
}

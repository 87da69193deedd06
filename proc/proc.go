// Package proc implements process lifecycle: the kernel-thread-only
// processes proc_start creates, fork/vfork/exec/exit, zombie reaping
// via waitpid, and signal posting, grounded on spec.md §4.5 and on the
// original implementation's proc/process.c (proc_vfork/proc_fork/
// proc_execve/proc_exit/proc_sigpost).
//
// The original's vfork/fork pair relies on sharing one physical kernel
// stack between parent and child until they diverge — a jmp/longjmp
// dance that lets the child "resume" at the parent's vfork call site.
// Every thread here already runs its own goroutine with its own Go
// stack, so that machinery has no counterpart: vfork instead shares
// the parent's *vm.Map_t pointer directly until the child execs or
// exits (exactly the hazard the original's blocking existed to
// prevent), and fork's vm_mapCopy runs synchronously on the parent's
// own goroutine before the child thread is even started, which rules
// out the same race without needing to suspend anyone.
package proc

import (
	"debug/elf"
	"io"
	"sync"

	"defs"
	"idalloc"
	"limits"
	"lock"
	"mem"
	"port"
	"sched"
	"vm"
	"vmobj"
)

// / UserVaMax bounds the address space every process's Map_t spans.
// / This core has no HAL to report a real architecture's canonical
// / user/kernel split, so it fixes one generous range for all of them.
const UserVaMax = 1 << 46

// / MaxPID is the largest pid this kernel will hand out.
const MaxPID = 1 << 20

// / State_t is a process's lifecycle state.
type State_t int

const (
	Alive State_t = iota
	Zombie
)

// / Process_t is one process: a VM map, the threads running in it, the
// / ports it owns, and the bookkeeping fork/vfork/exec/exit/waitpid
// / need. Mirrors process_t, trimmed of the HAL/pmap/TLS/syspage
// / fields this core has no use for.
type Process_t struct {
	sync.Mutex

	Pid  defs.Pid_t
	Path string
	Argv []string
	Envp []string

	Map *vm.Map_t

	// Entry and StackTop are the values an exec'd ELF image loaded:
	// the entry point and the top of the stack region exec built.
	// Nothing here actually jumps to them — executing loaded machine
	// code is out of scope for this core — but they are recorded as
	// process_t's own state so a caller that does drive execution
	// (e.g. a test harness standing in for user mode) has them.
	Entry    uint64
	StackTop int

	parent   *Process_t
	children map[defs.Pid_t]*Process_t

	threads []*sched.Thread_t
	ports   []*port.Port_t

	// Futex is this process's futex hash table, shared by every thread
	// running in it; userintr wakes a handler's condFutex through it.
	Futex lock.Futex_t

	sigmask uint64
	sigpend uint64

	state    State_t
	exitCode int

	// vforked is true from the moment Vfork creates this process until
	// its first Exec or its Exit: while true, Map is the parent's own
	// map pointer, not a privately owned one.
	vforked bool
	// vforkWake is signaled by Exec or Exit once vforked has cleared,
	// waking the parent thread Vfork parked.
	vforkWake sched.WaitQ

	// deadCh is signaled whenever a direct child becomes a zombie,
	// waking a thread blocked in Waitpid.
	deadCh sched.WaitQ
}

// / Table is the global process table: a dense pid space plus the
// / shared VM plumbing (the physical page pool and vm object cache)
// / every process's Map_t draws on.
type Table struct {
	mu    sync.Mutex
	ids   *idalloc.Alloc[*Process_t]
	phys  *mem.Physmem_t
	objs  *vmobj.Cache
	ports *port.Table
}

// / NewTable constructs an empty process table.
func NewTable(phys *mem.Physmem_t, objs *vmobj.Cache, ports *port.Table) *Table {
	return &Table{ids: idalloc.New[*Process_t](MaxPID), phys: phys, objs: objs, ports: ports}
}

// / Find returns the process registered under pid, if any.
func (t *Table) Find(pid defs.Pid_t) (*Process_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ids.Get(int(pid))
}

func (t *Table) alloc(parent *Process_t, path string) (*Process_t, defs.Err_t) {
	if !limits.Syslimit.Sysprocs.Take() {
		return nil, defs.ENOMEM
	}
	p := &Process_t{Path: path, parent: parent, children: make(map[defs.Pid_t]*Process_t)}
	if parent != nil {
		parent.Lock()
		p.sigmask = parent.sigmask
		parent.Unlock()
	}

	t.mu.Lock()
	id, err := t.ids.Alloc(1, p)
	t.mu.Unlock()
	if err != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, err
	}
	p.Pid = defs.Pid_t(id)

	if parent != nil {
		parent.Lock()
		parent.children[p.Pid] = p
		parent.Unlock()
	}
	return p, 0
}

func (t *Table) release(p *Process_t) {
	t.mu.Lock()
	t.ids.Free(int(p.Pid))
	t.mu.Unlock()
	limits.Syslimit.Sysprocs.Give()
}

// / AddPort records that p owns pt, so p's Exit or a later independent
// / Exec tears it down. Called by the messaging layer after it creates
// / a port on p's behalf (keeps port<->proc from needing a direct
// / compile-time dependency in the other direction).
func (p *Process_t) AddPort(pt *port.Port_t) {
	p.Lock()
	p.ports = append(p.ports, pt)
	p.Unlock()
}

// / Sigmask returns p's current signal mask.
func (p *Process_t) Sigmask() uint64 {
	p.Lock()
	defer p.Unlock()
	return p.sigmask
}

// / SetSigmask installs mask as p's signal mask and returns the mask it
// / replaced, mirroring sigprocmask's "return the old mask" convention.
func (p *Process_t) SetSigmask(mask uint64) uint64 {
	p.Lock()
	defer p.Unlock()
	old := p.sigmask
	p.sigmask = mask
	return old
}

// / Start creates a kernel-thread-only process: a fresh, empty address
// / space and a single thread running entry(arg). Matches proc_start.
func (t *Table) Start(path string, priority int, entry func(arg any), arg any) (*Process_t, defs.Err_t) {
	p, err := t.alloc(nil, path)
	if err != 0 {
		return nil, err
	}
	p.Map = vm.New(0, UserVaMax, t.phys, t.objs)
	th := sched.ThreadCreate(p.Pid, priority, 0, entry, arg)
	p.threads = append(p.threads, th)
	return p, 0
}

// procLocker adapts Process_t's embedded sync.Mutex to sched.Locker.
type procLocker struct{ p *Process_t }

func (l procLocker) Lock()   { l.p.Mutex.Lock() }
func (l procLocker) Unlock() { l.p.Mutex.Unlock() }

var _ sched.Locker = procLocker{}

// / Vfork creates a child of parent sharing parent's address space
// / outright (no copy), starts entry(child) running in a new thread,
// / and blocks self until the child separates from that shared map by
// / calling Exec or Exit — matching proc_vfork's "parent blocks until
// / child either execs or exits; then the parent resumes" contract,
// / minus the longjmp: there is no saved context to resume into, since
// / the parent's goroutine never actually stopped running Go code, it
// / was simply parked.
func (t *Table) Vfork(self *sched.Thread_t, parent *Process_t, priority int, entry func(child *Process_t)) (defs.Pid_t, defs.Err_t) {
	child, err := t.alloc(parent, parent.Path)
	if err != 0 {
		return 0, err
	}
	child.Map = parent.Map
	child.Argv = parent.Argv
	child.Envp = parent.Envp
	child.vforked = true

	th := sched.ThreadCreate(child.Pid, priority, 0, func(arg any) { entry(child) }, nil)
	child.threads = append(child.threads, th)

	locker := procLocker{child}
	child.Lock()
	for child.vforked {
		sched.ThreadWait(self, &child.vforkWake, locker, 0)
	}
	child.Unlock()
	return child.Pid, 0
}

// / Fork creates a child of parent with an independent, copy-on-write
// / duplicate of its address space (vm_mapCopy via Map_t.ForkCopy),
// / then starts entry(child) running in a new thread. Unlike Vfork,
// / the calling thread never blocks: the copy completes synchronously
// / on the parent's own goroutine before the child thread starts, so
// / parent and child can never race over the not-yet-split amaps.
func (t *Table) Fork(parent *Process_t, priority int, entry func(child *Process_t)) (defs.Pid_t, defs.Err_t) {
	child, err := t.alloc(parent, parent.Path)
	if err != 0 {
		return 0, err
	}
	child.Argv = parent.Argv
	child.Envp = parent.Envp

	start, stop := parent.Map.Bounds()
	child.Map = vm.New(start, stop, t.phys, t.objs)
	if cerr := parent.Map.ForkCopy(child.Map); cerr != 0 {
		t.release(child)
		return 0, cerr
	}

	th := sched.ThreadCreate(child.Pid, priority, 0, func(arg any) { entry(child) }, nil)
	child.threads = append(child.threads, th)
	return child.Pid, 0
}

// / Exec tears down p's previous address space (unless it was still
// / sharing its vfork parent's, which must be left untouched) and its
// / own ports (skipped for the same reason: a vfork child that has
// / never owned any), parses image as an ELF executable, maps its
// / PT_LOAD segments into a fresh map, builds an initial stack, records
// / the entry point, and — if p was vfork-spawned — wakes its blocked
// / parent. Grounded on proc_execve/process_execve; relocation,
// / dynamic linking, and TLS template setup are a Non-goal here.
func (t *Table) Exec(p *Process_t, path string, argv, envp []string, image io.ReaderAt) defs.Err_t {
	ef, ferr := elf.NewFile(image)
	if ferr != nil {
		return defs.ENOEXEC
	}

	start, stop := p.Map.Bounds()
	nm := vm.New(start, stop, t.phys, t.objs)

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		vaddr := int(prog.Vaddr)
		base := vaddr &^ (mem.PGSIZE - 1)
		size := int(prog.Memsz) + (vaddr - base)

		prot := defs.PROT_READ
		if prog.Flags&elf.PF_X != 0 {
			prot |= defs.PROT_EXEC
		}
		writable := prog.Flags&elf.PF_W != 0

		if _, merr := nm.Mmap(base, size, prot|defs.PROT_WRITE, defs.MAP_FIXED|defs.MAP_ANONYMOUS, nil, 0); merr != 0 {
			return merr
		}

		if prog.Filesz > 0 {
			buf := make([]byte, prog.Filesz)
			if _, err := io.ReadFull(io.NewSectionReader(image, int64(prog.Off), int64(prog.Filesz)), buf); err != nil {
				return defs.EIO
			}
			var ub vm.Userbuf_t
			ub.UbInit(nm, vaddr, len(buf))
			if _, werr := ub.Uiowrite(buf); werr != 0 {
				return werr
			}
		}

		if !writable {
			if merr := nm.Mprotect(base, size, prot); merr != 0 {
				return merr
			}
		}
	}

	const stackPages = 8
	stackSize := stackPages * mem.PGSIZE
	stackBase, serr := nm.Mmap(stop-stackSize, stackSize, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_ANONYMOUS, nil, 0)
	if serr != 0 {
		return serr
	}

	p.Lock()
	oldMap := p.Map
	wasVforked := p.vforked
	p.Map = nm
	p.vforked = false
	p.Path = path
	p.Argv = argv
	p.Envp = envp
	p.Entry = ef.Entry
	p.StackTop = stackBase + stackSize
	p.sigpend = 0
	ports := p.ports
	if !wasVforked {
		p.ports = nil
	}
	p.Unlock()

	if !wasVforked {
		t.destroyPorts(ports)
		if oldMap != nil {
			oldMap.Destroy()
		}
	}
	if wasVforked {
		sched.ThreadWakeup(&p.vforkWake)
	}
	return 0
}

// / Exit marks p's exit code, ends every one of its threads, tears
// / down its ports and (if independently owned) its address space, and
// / moves it onto its parent's zombie set for a future Waitpid to
// / reap. If p was still sharing a vfork parent's map, wakes that
// / blocked parent instead of tearing anything down. Orphaned children
// / keep their dead parent pointer: this core has no pid-1 convention
// / to reparent them to. Grounded on proc_exit/proc_kill.
func (t *Table) Exit(p *Process_t, code int) {
	p.Lock()
	threads := append([]*sched.Thread_t(nil), p.threads...)
	p.Unlock()
	for _, th := range threads {
		sched.ThreadEnd(th)
	}

	p.Lock()
	p.exitCode = code
	p.state = Zombie
	wasVforked := p.vforked
	p.vforked = false
	m := p.Map
	ports := p.ports
	p.ports = nil
	parent := p.parent
	p.Unlock()

	t.destroyPorts(ports)
	if !wasVforked && m != nil {
		m.Destroy()
	}
	if wasVforked {
		sched.ThreadWakeup(&p.vforkWake)
	}
	if parent != nil {
		sched.ThreadWakeup(&parent.deadCh)
	}
}

func (t *Table) destroyPorts(ports []*port.Port_t) {
	for _, pt := range ports {
		t.ports.Destroy(pt)
	}
}

// / Waitpid blocks self until a child of parent matching pid (any
// / child, if pid <= 0) becomes a zombie, then reaps it: removes it
// / from the process table, frees its pid, and returns (its pid, its
// / exit code, 0). nohang requests -EAGAIN instead of blocking when no
// / child has exited yet; scall's sys_waitpid sets it from the WNOHANG
// / bit of options alone. Returns -ECHILD if
// / parent has no children matching pid at all.
func (t *Table) Waitpid(self *sched.Thread_t, parent *Process_t, pid defs.Pid_t, nohang bool) (defs.Pid_t, int, defs.Err_t) {
	locker := procLocker{parent}
	parent.Lock()
	for {
		var zombie *Process_t
		hasChild := false
		for cpid, c := range parent.children {
			if pid > 0 && cpid != pid {
				continue
			}
			hasChild = true
			c.Lock()
			dead := c.state == Zombie
			c.Unlock()
			if dead {
				zombie = c
				break
			}
		}
		if !hasChild {
			parent.Unlock()
			return 0, 0, defs.ECHILD
		}
		if zombie != nil {
			delete(parent.children, zombie.Pid)
			parent.Unlock()

			zombie.Lock()
			code := zombie.exitCode
			zombie.Unlock()
			t.release(zombie)
			return zombie.Pid, code, 0
		}
		if nohang {
			parent.Unlock()
			return 0, 0, defs.EAGAIN
		}
		sched.ThreadWait(self, &parent.deadCh, locker, 0)
	}
}

// / Sigpost posts sig to every thread of the process registered under
// / pid, matching proc_sigpost + threads_sigpost.
func (t *Table) Sigpost(pid defs.Pid_t, sig uint64) defs.Err_t {
	p, ok := t.Find(pid)
	if !ok {
		return defs.ESRCH
	}
	p.Lock()
	p.sigpend |= sig
	threads := append([]*sched.Thread_t(nil), p.threads...)
	p.Unlock()
	for _, th := range threads {
		sched.ThreadSigpost(th, sig)
	}
	return 0
}

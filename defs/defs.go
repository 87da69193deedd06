// Package defs holds the handle types and error codes shared by every
// kernel subsystem. It exists so that sched, lock, vm, port, and proc can
// refer to "a thread", "a process", or "an error" without importing each
// other.
package defs

import "syscall"

// / Err_t is a kernel error code: zero is success, negative is -errno.
type Err_t int

// / Pid_t identifies a process. Dense, allocated via idalloc.
type Pid_t int

// / Tid_t identifies a thread. Dense, allocated via idalloc.
type Tid_t int

// / Portid_t identifies a port, dense per spec.md's port numbering.
type Portid_t int

// / Rid_t identifies an in-flight message response on a port.
type Rid_t int

// / errno catalog. Values mirror the standard library's syscall.Errno so
// / that a Err_t can be round tripped through a real errno if ever needed
// / (e.g. when the syscall-dispatch layer returns to a POSIX personality).
var (
	EPERM    = Err_t(-int(syscall.EPERM))
	ENOENT   = Err_t(-int(syscall.ENOENT))
	ESRCH    = Err_t(-int(syscall.ESRCH))
	EINTR    = Err_t(-int(syscall.EINTR))
	EIO      = Err_t(-int(syscall.EIO))
	EAGAIN   = Err_t(-int(syscall.EAGAIN))
	ENOMEM   = Err_t(-int(syscall.ENOMEM))
	EACCES   = Err_t(-int(syscall.EACCES))
	EFAULT   = Err_t(-int(syscall.EFAULT))
	EEXIST   = Err_t(-int(syscall.EEXIST))
	ENOTDIR  = Err_t(-int(syscall.ENOTDIR))
	EISDIR   = Err_t(-int(syscall.EISDIR))
	EINVAL   = Err_t(-int(syscall.EINVAL))
	EMFILE   = Err_t(-int(syscall.EMFILE))
	ENFILE   = Err_t(-int(syscall.ENFILE))
	ENOTTY   = Err_t(-int(syscall.ENOTTY))
	EPIPE    = Err_t(-int(syscall.EPIPE))
	ENAMETOOLONG = Err_t(-int(syscall.ENAMETOOLONG))
	ENOSYS   = Err_t(-int(syscall.ENOSYS))
	ECHILD   = Err_t(-int(syscall.ECHILD))
	EBUSY    = Err_t(-int(syscall.EBUSY))
	EDEADLK  = Err_t(-int(syscall.EDEADLK))
	EWOULDBLOCK = Err_t(-int(syscall.EWOULDBLOCK))
	EPROTOTYPE  = Err_t(-int(syscall.EPROTOTYPE))
	EAFNOSUPPORT = Err_t(-int(syscall.EAFNOSUPPORT))
	EBADF    = Err_t(-int(syscall.EBADF))
	ENOEXEC  = Err_t(-int(syscall.ENOEXEC))
)

// / ETIME has no POSIX errno.Errno mapping on every GOOS, so it is assigned
// / the same numeric value phoenix-rtos's own headers use.
const ETIME = Err_t(-62)

// / Clock_t selects which clock a condvar or futex timeout is measured
// / against, fixed at creation and immutable afterward (spec.md 4.2).
type Clock_t int

const (
	CLOCK_RELATIVE Clock_t = iota
	CLOCK_MONOTONIC
	CLOCK_REALTIME
)

// / Mtype_t is the message type code carried in a msg_t (spec.md 6).
type Mtype_t int

const (
	MtOpen Mtype_t = iota
	MtClose
	MtRead
	MtWrite
	MtCreate
	MtLookup
	MtLink
	MtUnlink
	MtReaddir
	MtGetAttr
	MtSetAttr
	MtDevCtl
	MtTruncate
)

// / MapFlags_t are the mmap-style flags attached to a map entry (spec.md 3).
type MapFlags_t uint

const (
	MAP_FIXED MapFlags_t = 1 << iota
	MAP_NEEDSCOPY
	MAP_NOINHERIT
	MAP_DEVICE
	MAP_UNCACHED
	MAP_ANONYMOUS
	MAP_CONTIGUOUS
	MAP_PHYSMEM
)

// / Prot_t is a page-protection bitmask, independent of any HAL PTE
// / encoding (the HAL translates Prot_t into its own PTE bits).
type Prot_t uint

const (
	PROT_READ Prot_t = 1 << iota
	PROT_WRITE
	PROT_EXEC
)

// Package msg defines the wire format the kernel transports between
// processes: msg_t plus the kernel-side kmsg wrapper a port queues
// while a message is in flight. Grounded on spec.md §6 "Message wire
// format" and §3 "Kernel message (kmsg)". The kernel only transports;
// protocol semantics belong to the server on the receiving port.
package msg

import (
	"defs"
	"sched"
)

// / rawsz is the size of each small argument union, matching spec.md's
// / i.raw[64]/o.raw[64].
const rawsz = 64

// / In_t is the sender-supplied half of a message.
type In_t struct {
	Raw  [rawsz]byte
	Data []byte
}

// / Out_t is the receiver-filled half of a message, copied back to the
// / sender on respond.
type Out_t struct {
	Raw  [rawsz]byte
	Data []byte
	Err  defs.Err_t
}

// / Oid_t identifies the object a message concerns, the same (port, id)
// / pair vmobj.Key uses.
type Oid_t struct {
	Port defs.Portid_t
	Id   uint64
}

// / Msg_t is one message, copied (this core has no MMU to map shadow
// / pages across, so In.Data/Out.Data are ordinary Go byte slices
// / rather than user-pointer descriptors) between sender and receiver.
type Msg_t struct {
	Type defs.Mtype_t
	Pid  defs.Pid_t
	Oid  Oid_t
	In   In_t
	Out  Out_t
}

// / State_t is a kmsg's lifecycle state.
type State_t int

const (
	Waiting State_t = iota
	Received
	Responded
	Rejected
)

// / Kmsg_t is the kernel-side wrapper a port queues for one in-flight
// / message; Rid is assigned by the receiver on dequeue and is the key
// / a respond call must present to match back to this kmsg.
type Kmsg_t struct {
	Msg   *Msg_t
	Src   defs.Pid_t
	State State_t
	Rid   defs.Rid_t
	// Waiters holds the sender blocked in proc_send, woken by
	// proc_respond (or by port teardown, which rejects it).
	Waiters sched.WaitQ
}

// / NewKmsg wraps m for transport, ready to be queued on a port.
func NewKmsg(m *Msg_t, src defs.Pid_t) *Kmsg_t {
	return &Kmsg_t{Msg: m, Src: src, State: Waiting}
}

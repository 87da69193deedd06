// Package circbuf implements a fixed-size circular byte buffer. It backs
// klog's crash-time ring: the last N bytes of log output kept in memory
// so a panic handler can dump recent history even after the structured
// log sink itself has stopped accepting writes. Grounded on the
// teacher's circbuf.go head/tail wraparound arithmetic, stripped of its
// physical-page backing and fdops.Userio_i zero-copy path: those existed
// to hand a buffer to a userspace reader via a file descriptor, which
// this kernel-internal ring never does.
package circbuf

import "sync"

// / Circbuf_t is a fixed-capacity circular buffer of bytes. Safe for
// / concurrent use: klog may be written to from any goroutine.
type Circbuf_t struct {
	sync.Mutex
	buf  []uint8
	head int
	tail int
}

// / Init allocates a buffer of the given capacity in bytes.
func (cb *Circbuf_t) Init(sz int) {
	cb.buf = make([]uint8, sz)
	cb.head, cb.tail = 0, 0
}

// / Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int { return len(cb.buf) }

// / Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool { return cb.head-cb.tail == len(cb.buf) }

// / Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }

// / Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int { return cb.head - cb.tail }

// / Write appends p to the buffer, overwriting the oldest bytes first
// / once the buffer is full (a ring never blocks or fails writers).
func (cb *Circbuf_t) Write(p []uint8) (int, error) {
	cb.Lock()
	defer cb.Unlock()
	bufsz := len(cb.buf)
	for _, b := range p {
		cb.buf[cb.head%bufsz] = b
		cb.head++
		if cb.Used() > bufsz {
			cb.tail = cb.head - bufsz
		}
	}
	return len(p), nil
}

// / Tail returns a copy of the buffer's current contents in write order,
// / oldest byte first.
func (cb *Circbuf_t) Tail() []uint8 {
	cb.Lock()
	defer cb.Unlock()
	n := cb.Used()
	out := make([]uint8, n)
	bufsz := len(cb.buf)
	for i := 0; i < n; i++ {
		out[i] = cb.buf[(cb.tail+i)%bufsz]
	}
	return out
}

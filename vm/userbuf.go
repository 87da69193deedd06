package vm

import (
	"defs"
	"mem"
)

// / Userbuf_t copies bytes to or from a contiguous range of a process's
// / address space, faulting in pages as needed via the owning Map_t.
// / Grounded on the teacher's userbuf.go API shape (ub_init/Uioread/
// / Uiowrite/Remain/Totalsz), rewritten against Map_t/Resolve instead
// / of a real pmap since no MMU backs this core.
type Userbuf_t struct {
	m      *Map_t
	userva int
	len    int
	off    int
}

// / UbInit initializes ub to read/write len bytes starting at uva
// / within m.
func (ub *Userbuf_t) UbInit(m *Map_t, uva, len int) {
	if len < 0 {
		panic("vm: negative userbuf length")
	}
	ub.m = m
	ub.userva = uva
	ub.len = len
	ub.off = 0
}

// / Remain returns the number of bytes left to transfer.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// / Totalsz returns the buffer's total length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// / Uioread copies from the user range into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return ub.tx(dst, false) }

// / Uiowrite copies src into the user range.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return ub.tx(src, true) }

func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.userva + ub.off
		prot := defs.PROT_READ
		if write {
			prot = defs.PROT_WRITE
		}
		if _, ok := ub.m.Resolve(va); !ok {
			if err := ub.m.Force(va, prot); err != 0 {
				return ret, err
			}
		}
		pa, _ := ub.m.Resolve(va)
		pgoff := va & (mem.PGSIZE - 1)
		page := ub.m.phys.Dmap8(pa)[pgoff:]

		n := len(buf)
		if avail := mem.PGSIZE - pgoff; n > avail {
			n = avail
		}
		if rem := ub.len - ub.off; n > rem {
			n = rem
		}

		if write {
			copy(page[:n], buf[:n])
		} else {
			copy(buf[:n], page[:n])
		}
		buf = buf[n:]
		ub.off += n
		ret += n
	}
	return ret, 0
}

type iove_t struct {
	uva uint
	sz  int
}

// / Useriovec_t represents a sequence of user buffers, as described by
// / an iovec array already read out of user memory by the caller (the
// / syscall layer owns parsing the raw array; this type only drives
// / the resulting transfers).
type Useriovec_t struct {
	iovs []iove_t
	tsz  int
	m    *Map_t
}

// / IovInit initializes iov to describe the given (uva, size) pairs.
func (iov *Useriovec_t) IovInit(m *Map_t, bufs []struct {
	Uva uint
	Sz  int
}) {
	iov.m = m
	iov.iovs = make([]iove_t, len(bufs))
	iov.tsz = 0
	for i, b := range bufs {
		iov.iovs[i] = iove_t{uva: b.Uva, sz: b.Sz}
		iov.tsz += b.Sz
	}
}

// / Remain returns the number of bytes remaining across all iovecs.
func (iov *Useriovec_t) Remain() int {
	ret := 0
	for _, e := range iov.iovs {
		ret += e.sz
	}
	return ret
}

// / Totalsz returns the total number of bytes described by the iovec
// / array.
func (iov *Useriovec_t) Totalsz() int { return iov.tsz }

func (iov *Useriovec_t) tx(buf []uint8, touser bool) (int, defs.Err_t) {
	var ub Userbuf_t
	did := 0
	for len(buf) > 0 && len(iov.iovs) > 0 {
		cur := &iov.iovs[0]
		ub.UbInit(iov.m, int(cur.uva), cur.sz)
		var c int
		var err defs.Err_t
		if touser {
			c, err = ub.tx(buf, true)
		} else {
			c, err = ub.tx(buf, false)
		}
		cur.uva += uint(c)
		cur.sz -= c
		if cur.sz == 0 {
			iov.iovs = iov.iovs[1:]
		}
		buf = buf[c:]
		did += c
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

// / Uioread reads into dst from the set of user buffers.
func (iov *Useriovec_t) Uioread(dst []uint8) (int, defs.Err_t) { return iov.tx(dst, false) }

// / Uiowrite writes src to the user buffers.
func (iov *Useriovec_t) Uiowrite(src []uint8) (int, defs.Err_t) { return iov.tx(src, true) }

// / Fakeubuf_t implements the same interface as Userbuf_t but operates
// / on a plain kernel buffer, for code paths that treat internal
// / memory like a user buffer (e.g. the loopback path in tests).
type Fakeubuf_t struct {
	buf []uint8
	len int
}

// / FakeInit sets up the fake buffer over buf.
func (fb *Fakeubuf_t) FakeInit(buf []uint8) {
	fb.buf = buf
	fb.len = len(buf)
}

// / Remain returns the number of bytes left in the fake buffer.
func (fb *Fakeubuf_t) Remain() int { return len(fb.buf) }

// / Totalsz returns the fake buffer's total length.
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

func (fb *Fakeubuf_t) tx(buf []uint8, tobuf bool) (int, defs.Err_t) {
	var c int
	if tobuf {
		c = copy(fb.buf, buf)
	} else {
		c = copy(buf, fb.buf)
	}
	fb.buf = fb.buf[c:]
	return c, 0
}

// / Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return fb.tx(dst, false) }

// / Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb.tx(src, true) }

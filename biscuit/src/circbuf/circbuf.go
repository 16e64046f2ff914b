// Package circbuf implements a page-backed circular buffer. The IPC core
// (kernel/biscuit/src/ipc) uses one as the Stdio interface's debug sink:
// the Stdio Write method appends bytes to it and Core_t.Drain empties
// it; the Stdio Flush method does not touch it. Unlike the teacher's
// Circbuf_t — shaped for TCP send/receive windows with raw offset-based
// peek/advance operations — this version only needs append/drain, so the
// TCP-specific Rawwrite/Rawread/Advhead/Advtail machinery is dropped.
package circbuf

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/mem"

// Circbuf_t is not safe for concurrent use; callers serialize access (the
// Stdio interface's sink is protected by the owning IPC call path).
type Circbuf_t struct {
	mem   mem.Page_i
	buf   []uint8
	bufsz int
	head  int
	tail  int
	p_pg  mem.Pa_t
}

// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

// Cb_init records the desired size and page allocator; the backing page is
// allocated lazily on first use so construction cannot fail.
func (cb *Circbuf_t) Cb_init(sz int, m mem.Page_i) {
	if sz <= 0 || sz > mem.PGSIZE {
		panic("bad circbuf size")
	}
	cb.mem = m
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
}

// Cb_release drops the reference to the backing page.
func (cb *Circbuf_t) Cb_release() {
	if cb.buf == nil {
		return
	}
	cb.mem.Refdown(cb.p_pg)
	cb.p_pg = 0
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

func (cb *Circbuf_t) ensure() defs.Err_t {
	if cb.buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	pg, p_pg, ok := cb.mem.Refpg_new_nozero()
	if !ok {
		return defs.EOOM
	}
	cb.mem.Refup(p_pg)
	bpg := mem.Pg2bytes(pg)[:]
	cb.buf = bpg[:cb.bufsz]
	cb.p_pg = p_pg
	return 0
}

// Full returns true when the buffer cannot accept more data.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

// Used returns the current number of bytes in the buffer.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

// Write appends all of src, dropping the oldest unread bytes to make
// room rather than blocking — the debug sink never blocks a
// caller, matching spec.md's "IPC calls never block" rule for its only
// caller, the Stdio Write method.
func (cb *Circbuf_t) Write(src []uint8) defs.Err_t {
	if err := cb.ensure(); err != 0 {
		return err
	}
	for _, b := range src {
		if cb.Full() {
			cb.tail++
		}
		cb.buf[cb.head%cb.bufsz] = b
		cb.head++
	}
	return 0
}

// Drain removes and returns every byte currently buffered.
func (cb *Circbuf_t) Drain() []uint8 {
	if cb.buf == nil || cb.Empty() {
		return nil
	}
	n := cb.Used()
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		out[i] = cb.buf[(cb.tail+i)%cb.bufsz]
	}
	cb.tail = cb.head
	return out
}

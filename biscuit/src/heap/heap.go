// Package heap implements the kernel's single global heap arena: a
// doubly-linked list of blocks with inline headers, growing lazily by
// asking vm/mem for one fresh page at a time. No teacher package
// implements anything like malloc — biscuit's kernel code runs under the
// patched Go runtime's own allocator — so this is new code written in
// the teacher's idiom: a struct wrapping the arena's VA bounds, inline
// headers read and written via unsafe.Pointer the same way mem.Pg2bytes
// and util.Readn/Writen reinterpret raw memory elsewhere in this kernel.
package heap

import "unsafe"

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/mem"
import "kernel/biscuit/src/vm"

// hdr_t is the inline header preceding every block, free or used.
type hdr_t struct {
	used bool
	size uintptr // total block size, including this header
	prev uintptr // VA of the previous block's header, 0 if none
	next uintptr // VA of the next block's header, 0 if none
}

const hdrsz = unsafe.Sizeof(hdr_t{})

func hdrAt(va uintptr) *hdr_t {
	return (*hdr_t)(unsafe.Pointer(va))
}

// Heap_t is not safe for concurrent use: callers that can race hold the
// task lock, per spec.
type Heap_t struct {
	as   *vm.Vm_t
	phys *mem.Physmem_t

	base uintptr // lower bound, fixed at construction
	end  uintptr // current upper bound (exclusive); grows by one page

	head uintptr // VA of the first block's header, 0 if arena is empty
	tail uintptr // VA of the last block's header, 0 if arena is empty
}

// New reserves a heap arena starting at base. base is chosen by boot
// after every bootloader-owned region (initrd, framebuffer) so the
// arena never collides with them.
func New(as *vm.Vm_t, phys *mem.Physmem_t, base uintptr) *Heap_t {
	return &Heap_t{as: as, phys: phys, base: base, end: base}
}

// expand obtains one fresh frame from the PFA, maps it at the current
// arena end with KERNEL_WRITE, and turns it into a trailing free block,
// merged with the previous tail if that tail is already free.
func (h *Heap_t) expand() defs.Err_t {
	_, p, ok := h.phys.Refpg_new()
	if !ok {
		return defs.EOOM
	}
	if err := h.as.Map(h.end, p, vm.WRITE); err != 0 {
		return err
	}

	grown := h.end
	h.end += uintptr(mem.PGSIZE)

	if h.tail != 0 && !hdrAt(h.tail).used {
		hdrAt(h.tail).size += uintptr(mem.PGSIZE)
		return 0
	}

	nh := hdrAt(grown)
	nh.used = false
	nh.size = uintptr(mem.PGSIZE)
	nh.prev = h.tail
	nh.next = 0
	if h.tail != 0 {
		hdrAt(h.tail).next = grown
	} else {
		h.head = grown
	}
	h.tail = grown
	return 0
}

// split carves a used block of exactly need bytes out of the front of
// the free block at va, leaving the remainder as a new free block, when
// the remainder is large enough to host a header plus at least one byte
// of payload.
func (h *Heap_t) split(va uintptr, need uintptr) {
	b := hdrAt(va)
	if b.size <= need+hdrsz {
		return
	}
	rest := va + need
	r := hdrAt(rest)
	r.used = false
	r.size = b.size - need
	r.prev = va
	r.next = b.next
	if b.next != 0 {
		hdrAt(b.next).prev = rest
	} else {
		h.tail = rest
	}
	b.next = rest
	b.size = need
}

// Malloc returns a pointer to an n-byte block via first-fit forward
// scan, splitting the chosen block in place when it has room to spare,
// and expanding the arena by a page at a time when no free block fits.
func (h *Heap_t) Malloc(n int) (uintptr, defs.Err_t) {
	if n <= 0 {
		panic("bad malloc size")
	}
	need := hdrsz + uintptr(n)
	for {
		for cur := h.head; cur != 0; cur = hdrAt(cur).next {
			b := hdrAt(cur)
			if b.used || b.size < need {
				continue
			}
			h.split(cur, need)
			b.used = true
			return cur + hdrsz, 0
		}
		if err := h.expand(); err != 0 {
			return 0, err
		}
	}
}

// merge absorbs the block at other into the block at va if other is
// free, returning whether a merge happened.
func (h *Heap_t) merge(va, other uintptr) bool {
	if other == 0 || hdrAt(other).used {
		return false
	}
	a, b := hdrAt(va), hdrAt(other)
	a.size += b.size
	a.next = b.next
	if b.next != 0 {
		hdrAt(b.next).prev = va
	} else {
		h.tail = va
	}
	return true
}

// Free marks the block preceding p as free and merges it with each
// immediate neighbour that is also free. Freeing a pointer outside the
// arena is a no-op.
func (h *Heap_t) Free(p uintptr) {
	if p < h.base+hdrsz || p > h.end {
		return
	}
	va := p - hdrsz
	b := hdrAt(va)
	b.used = false

	if b.next != 0 {
		h.merge(va, b.next)
	}
	if b.prev != 0 {
		h.merge(b.prev, va)
	}
}

// Package vm implements the per-process virtual memory manager: a 4-level
// radix page-table tree, copy-on-write fork, and the COW page-fault
// handler. It exposes an architecture-neutral {WRITE, USER, COW} flag set;
// only TLB invalidation and installing the active address space are
// actually architecture-specific, so those two operations are the only
// ones delegated through ArchPTE_i (implemented by the arch package's
// amd64 and arm64 adapters). This collapses the teacher's as.go, which
// additionally supported file-backed and shared mmap regions via an
// fdops.Fdops_i abstraction (Vmregion_t, Vminfo_t, Mfile_t) the spec has
// no use for — a microkernel backed only by a RAMFS-loaded ELF binary and
// anonymous memory never needs a VMA list, only a page-table walk.
package vm

import "sync"

import "kernel/biscuit/src/caller"
import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/kprint"
import "kernel/biscuit/src/mem"

// Flag_t is the architecture-neutral leaf permission/attribute set.
type Flag_t uint

const (
	WRITE Flag_t = 1 << iota
	USER
	COW
)

// ArchPTE_i is the seam between vm's portable page-table logic and the
// two real page-table bit layouts. The neutral flag set is translated to
// and from leaf bits inside this package (flagsToPTE/pteToFlags, using
// mem.PTE_W/PTE_U/PTE_COW as the canonical encoding, which is the
// teacher's own x86_64 layout); Invalidate and SetRoot are genuinely
// hardware-specific and have no portable implementation at all.
type ArchPTE_i interface {
	Invalidate(va uintptr)
	SetRoot(root mem.Pa_t)
}

// kernelSplit is the top-level table index at which user space begins;
// indices below it are shared kernel mappings installed once and copied
// into every address space by CloneHigherHalf. It mirrors the teacher's
// VUSER top-level slot (biscuit's old mem/dmap.go).
const kernelSplit = 0x59

// Vm_t is one process's address space.
type Vm_t struct {
	sync.Mutex

	Arch ArchPTE_i
	Phys *mem.Physmem_t

	Root   *mem.Pmap_t
	P_root mem.Pa_t
}

// NewVm allocates a fresh top-level table for a new address space.
func NewVm(phys *mem.Physmem_t, arch ArchPTE_i) (*Vm_t, defs.Err_t) {
	root, p_root, ok := create_table(phys)
	if !ok {
		return nil, defs.EOOM
	}
	phys.Refup(p_root)
	return &Vm_t{Phys: phys, Arch: arch, Root: root, P_root: p_root}, 0
}

// create_table acquires one free frame, zeroes it, and returns its
// address, reporting false on exhaustion ("none" in spec terms).
func create_table(phys *mem.Physmem_t) (*mem.Pmap_t, mem.Pa_t, bool) {
	return phys.Pmap_new()
}

func idxOf(v uintptr, level int) uint {
	shift := uint(12 + 9*(3-level))
	return uint(v>>shift) & 0x1ff
}

func flagsToPTE(f Flag_t) mem.Pa_t {
	var p mem.Pa_t
	if f&USER != 0 {
		p |= mem.PTE_U
	}
	if f&WRITE != 0 {
		p |= mem.PTE_W
	}
	if f&COW != 0 {
		p |= mem.PTE_COW
	}
	return p
}

func pteToFlags(pte mem.Pa_t) Flag_t {
	var f Flag_t
	if pte&mem.PTE_W != 0 {
		f |= WRITE
	}
	if pte&mem.PTE_U != 0 {
		f |= USER
	}
	if pte&mem.PTE_COW != 0 {
		f |= COW
	}
	return f
}

// walk descends root to the leaf entry for v, creating intermediate
// tables along the way when create is true. Interior entries are always
// present|write|user: the leaf alone carries the real restriction.
func (as *Vm_t) walk(root *mem.Pmap_t, v uintptr, create bool) (*mem.Pa_t, bool) {
	cur := root
	for level := 0; level < 3; level++ {
		i := idxOf(v, level)
		entry := &cur[i]
		if *entry&mem.PTE_P == 0 {
			if !create {
				return nil, false
			}
			_, p, ok := as.Phys.Pmap_new()
			if !ok {
				return nil, false
			}
			*entry = p | mem.PTE_P | mem.PTE_W | mem.PTE_U
			as.Phys.Refup(p)
		}
		childpa := *entry & mem.PTE_ADDR
		cur = mem.Pg2pmap(as.Phys.Dmap(childpa))
	}
	i := idxOf(v, 3)
	return &cur[i], true
}

// Map walks/creates intermediate tables down to the leaf for v and
// installs p with flags. If the leaf was already present, the old
// frame's reference is dropped before the new one is installed
// (idempotent replacement).
func (as *Vm_t) Map(v uintptr, p mem.Pa_t, flags Flag_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.walk(as.Root, v, true)
	if !ok {
		return defs.EOOM
	}
	if *pte&mem.PTE_P != 0 {
		old := *pte & mem.PTE_ADDR
		as.Phys.Refdown(old)
	}
	frame := p &^ mem.PGOFFSET
	*pte = frame | flagsToPTE(flags) | mem.PTE_P
	as.Phys.Refup(frame)
	return 0
}

// Unmap clears the leaf for v if present, drops the outgoing frame's
// reference, and invalidates the TLB entry for v.
func (as *Vm_t) Unmap(v uintptr) {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.walk(as.Root, v, false)
	if !ok || *pte&mem.PTE_P == 0 {
		return
	}
	old := *pte & mem.PTE_ADDR
	*pte = 0
	as.Phys.Refdown(old)
	as.Arch.Invalidate(v)
}

// CloneHigherHalf shares every kernel top-level entry of as with dst, so
// kernel mappings appear identically in every process. Called exactly
// once, right after dst's address space is created.
func (as *Vm_t) CloneHigherHalf(dst *Vm_t) {
	as.Lock()
	defer as.Unlock()
	for i := 0; i < kernelSplit; i++ {
		dst.Root[i] = as.Root[i]
	}
}

// ForkCOW deep-copies the user portion of as into dst: every present
// leaf with WRITE has WRITE cleared and COW set on both sides, and the
// frame's refcount is incremented; non-writable leaves are mirrored
// as-is, also with an incremented refcount. The kernel half is left to
// the prior CloneHigherHalf call.
func (as *Vm_t) ForkCOW(dst *Vm_t) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.forkLevel(as.Root, dst.Root, 0)
}

func (as *Vm_t) forkLevel(src, dstTab *mem.Pmap_t, level int) defs.Err_t {
	lo, hi := 0, 512
	if level == 0 {
		lo = kernelSplit
	}
	for i := lo; i < hi; i++ {
		se := src[i]
		if se&mem.PTE_P == 0 {
			continue
		}
		if level == 3 {
			frame := se & mem.PTE_ADDR
			attrs := se &^ mem.PTE_ADDR
			if attrs&mem.PTE_W != 0 {
				attrs = (attrs &^ mem.PTE_W) | mem.PTE_COW
				src[i] = frame | attrs
			}
			dstTab[i] = frame | attrs
			as.Phys.Refup(frame)
			continue
		}
		childpa := se & mem.PTE_ADDR
		childtab := mem.Pg2pmap(as.Phys.Dmap(childpa))
		_, dstchildpa, ok := as.Phys.Pmap_new()
		if !ok {
			return defs.EOOM
		}
		dstchildtab := mem.Pg2pmap(as.Phys.Dmap(dstchildpa))
		dstTab[i] = dstchildpa | (se &^ mem.PTE_ADDR)
		as.Phys.Refup(dstchildpa)
		if err := as.forkLevel(childtab, dstchildtab, level+1); err != 0 {
			return err
		}
	}
	return 0
}

// SetCurrent installs as's root as the active address space.
func (as *Vm_t) SetCurrent() {
	as.Arch.SetRoot(as.P_root)
}

// fatalFaultDedup rate-limits the non-COW-fault-is-fatal dump below so a
// user thread spinning on the same bad access doesn't flood the console
// with an identical call stack on every fault.
var fatalFaultDedup = caller.Distinct_caller_t{Enabled: true}

// fatalFault dumps the kernel call stack that led to an unresolved page
// fault and halts, per the non-COW-fault-is-fatal policy: a present
// page-table leaf isn't a promise this kernel can keep if its COW
// invariant has somehow been violated, and an absent one means v was
// never mapped at all.
func fatalFault(v uintptr, write bool) {
	if isNew, _ := fatalFaultDedup.Distinct(); isNew {
		kprint.Printf("fatal page fault: va=%#x write=%v\n%s", v, write, caller.Callerdump(3))
	}
	panic("unresolved page fault")
}

// PageFault resolves a fault at virtual address v. Only a write fault to
// a COW leaf is resolvable: a fresh frame is allocated, the faulting
// page's contents copied into it, the new frame mapped with WRITE set
// and COW cleared, and the old frame's reference dropped (which may free
// it). Every other fault is fatal.
func (as *Vm_t) PageFault(v uintptr, write bool) defs.Err_t {
	as.Lock()
	defer as.Unlock()

	pte, ok := as.walk(as.Root, v, false)
	if !ok || *pte&mem.PTE_P == 0 {
		fatalFault(v, write)
	}
	if !write || *pte&mem.PTE_COW == 0 {
		fatalFault(v, write)
	}

	old := *pte & mem.PTE_ADDR
	newpg, newpa, ok := as.Phys.Refpg_new_nozero()
	if !ok {
		return defs.EOOM
	}
	oldpg := as.Phys.Dmap(old)
	*newpg = *oldpg

	attrs := (*pte &^ mem.PTE_ADDR &^ mem.PTE_COW) | mem.PTE_W
	*pte = newpa | attrs
	as.Phys.Refup(newpa)
	as.Phys.Refdown(old)
	as.Arch.Invalidate(v)
	return 0
}

// Free walks the user portion of the address space, decrementing
// refcounts on every mapped frame and freeing every intermediate table,
// then frees the root itself. Called by task_delete_process once every
// thread in the process is gone.
func (as *Vm_t) Free() {
	as.Lock()
	defer as.Unlock()
	as.freeLevel(as.Root, 0)
	as.Phys.Refdown(as.P_root)
}

func (as *Vm_t) freeLevel(tab *mem.Pmap_t, level int) {
	lo, hi := 0, 512
	if level == 0 {
		lo = kernelSplit
	}
	for i := lo; i < hi; i++ {
		e := tab[i]
		if e&mem.PTE_P == 0 {
			continue
		}
		child := e & mem.PTE_ADDR
		if level < 3 {
			childtab := mem.Pg2pmap(as.Phys.Dmap(child))
			as.freeLevel(childtab, level+1)
		}
		as.Phys.Refdown(child)
		tab[i] = 0
	}
}

// CopyIn copies len(dst) bytes from user virtual address uva into dst.
// CopyOut copies src into user virtual address uva. Both are used by the
// IPC core's PUSH/PEEK/POP syscalls to move argument bytes across the
// user/kernel boundary; unlike the teacher's Userdmap8_inner, a fault
// here is never auto-resolved — the caller's page must already be
// mapped, since IPC argument pages are wired down for the call's
// duration (spec §4.7).
func (as *Vm_t) CopyIn(uva uintptr, dst []uint8) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	off := 0
	for off < len(dst) {
		va := uva + uintptr(off)
		pte, ok := as.walk(as.Root, va, false)
		if !ok || *pte&mem.PTE_P == 0 {
			return defs.EFAULT
		}
		frame := *pte & mem.PTE_ADDR
		pg := mem.Pg2bytes(as.Phys.Dmap(frame))
		pgoff := int(va & uintptr(mem.PGOFFSET))
		n := copy(dst[off:], pg[pgoff:])
		off += n
	}
	return 0
}

// CopyOut writes src into user virtual address uva.
func (as *Vm_t) CopyOut(uva uintptr, src []uint8) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	off := 0
	for off < len(src) {
		va := uva + uintptr(off)
		pte, ok := as.walk(as.Root, va, false)
		if !ok || *pte&mem.PTE_P == 0 {
			return defs.EFAULT
		}
		if *pte&mem.PTE_W == 0 {
			return defs.EPERM
		}
		frame := *pte & mem.PTE_ADDR
		pg := mem.Pg2bytes(as.Phys.Dmap(frame))
		pgoff := int(va & uintptr(mem.PGOFFSET))
		n := copy(pg[pgoff:], src[off:])
		off += n
	}
	return 0
}

// Lookup translates a user virtual address to its current leaf flags,
// for the ELF loader and tests that assert mapping state directly.
func (as *Vm_t) Lookup(v uintptr) (mem.Pa_t, Flag_t, bool) {
	as.Lock()
	defer as.Unlock()
	pte, ok := as.walk(as.Root, v, false)
	if !ok || *pte&mem.PTE_P == 0 {
		return 0, 0, false
	}
	return *pte & mem.PTE_ADDR, pteToFlags(*pte), true
}

// IsKernelVA reports whether v falls in the shared kernel half of every
// address space (top-level index below kernelSplit). The IPC core uses
// this to reject PUSH/PEEK/POP pointers that reach into kernel memory.
func IsKernelVA(v uintptr) bool {
	return idxOf(v, 0) < kernelSplit
}

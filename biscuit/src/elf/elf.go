// Package elf implements the in-kernel ELF loader: validate a 64-bit
// little-endian static executable and map its PT_LOAD segments into a
// destination address space, per §4.5. Unlike cmd/chentry (a host tool
// that can import debug/elf against an os.File), the kernel only ever
// sees a fs.Handle_t backed by the already-mapped initrd image, so this
// package parses the ELF header and program header table by hand, the
// same way fs/tar.go hand-parses USTAR headers instead of reaching for
// archive/tar in-kernel.
package elf

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/fs"
import "kernel/biscuit/src/mem"
import "kernel/biscuit/src/util"
import "kernel/biscuit/src/vm"

// Mach_t values match the standard library's debug/elf.Machine
// encoding, so cmd/chentry's validation and this package's agree on
// what a given kernel image's e_machine field means.
type Mach_t uint16

const (
	MachX86_64  Mach_t = 62
	MachAArch64 Mach_t = 183
)

const (
	ehSize    = 64
	etExec    = 2
	ptLoad    = 1
	elfclass64 = 2
	elfdata2lsb = 1
)

// Image_t is the process's loaded-ELF record set on success, per §4.5.
type Image_t struct {
	Refcount  int
	Entry     uintptr
	Phentsize int
	Phnum     int
	PhdrCopy  []uint8
}

func validHeader(hdr []uint8, want Mach_t) bool {
	if hdr[0] != 0x7f || hdr[1] != 'E' || hdr[2] != 'L' || hdr[3] != 'F' {
		return false
	}
	if hdr[4] != elfclass64 || hdr[5] != elfdata2lsb {
		return false
	}
	if hdr[7] != 0 { // ABI byte, System V
		return false
	}
	typ := util.Readn(hdr, 2, 16)
	if typ != etExec {
		return false
	}
	mach := util.Readn(hdr, 2, 18)
	if Mach_t(mach) != want {
		return false
	}
	return true
}

// Load reads the ELF executable referenced by h and maps every PT_LOAD
// segment into dst, using phys to obtain fresh frames. want identifies
// the machine this boot's architecture requires (elf.MachX86_64 or
// elf.MachAArch64); a mismatched image fails InvalidElf.
//
// Per §4.5 the reference loader copies each segment's payload by
// mirror-mapping the destination frames into the caller's own address
// space, because user pages are otherwise invisible to the kernel. This
// kernel's mem.Physmem_t already maintains a direct map over all of
// physical memory (the same one vm.Vm_t.PageFault uses to copy a COW
// page), so Load reaches frames with phys.Dmap instead of installing
// and tearing down a temporary self-mapping; the observable effect —
// the segment's bytes land at vaddr in dst — is identical.
func Load(h *fs.Handle_t, dst *vm.Vm_t, phys *mem.Physmem_t, want Mach_t) (*Image_t, defs.Err_t) {
	hdr := make([]uint8, ehSize)
	if n, err := h.Read(hdr, 0, ehSize); err != 0 || n != ehSize {
		return nil, defs.EELF
	}
	if !validHeader(hdr, want) {
		return nil, defs.EELF
	}

	entry := uintptr(util.Readn(hdr, 8, 24))
	phoff := util.Readn(hdr, 8, 32)
	phentsize := util.Readn(hdr, 2, 54)
	phnum := util.Readn(hdr, 2, 56)
	if phentsize <= 0 || phnum < 0 {
		return nil, defs.EELF
	}

	phdrs := make([]uint8, phentsize*phnum)
	if len(phdrs) > 0 {
		if n, err := h.Read(phdrs, phoff, len(phdrs)); err != 0 || n != len(phdrs) {
			return nil, defs.EELF
		}
	}

	for i := 0; i < phnum; i++ {
		ph := phdrs[i*phentsize : (i+1)*phentsize]
		if util.Readn(ph, 4, 0) != ptLoad {
			continue
		}
		foff := util.Readn(ph, 8, 8)
		vaddr := uintptr(util.Readn(ph, 8, 16))
		filesz := util.Readn(ph, 8, 32)
		memsz := util.Readn(ph, 8, 40)

		if vaddr%uintptr(mem.PGSIZE) != 0 || filesz > memsz || filesz < 0 || memsz < 0 {
			return nil, defs.EINVAL
		}
		if err := loadSegment(h, dst, phys, foff, vaddr, filesz, memsz); err != 0 {
			return nil, err
		}
	}

	return &Image_t{
		Refcount:  1,
		Entry:     entry,
		Phentsize: phentsize,
		Phnum:     phnum,
		PhdrCopy:  phdrs,
	}, 0
}

func loadSegment(h *fs.Handle_t, dst *vm.Vm_t, phys *mem.Physmem_t, foff int, vaddr uintptr, filesz, memsz int) defs.Err_t {
	npages := util.Roundup(memsz, mem.PGSIZE) / mem.PGSIZE
	if npages == 0 {
		npages = 1
	}
	frames := make([]mem.Pa_t, npages)
	for p := 0; p < npages; p++ {
		_, pa, ok := phys.Refpg_new()
		if !ok {
			return defs.EOOM
		}
		va := vaddr + uintptr(p*mem.PGSIZE)
		if err := dst.Map(va, pa, vm.WRITE|vm.USER); err != 0 {
			return err
		}
		frames[p] = pa
	}

	if filesz == 0 {
		return 0
	}
	filebuf := make([]uint8, filesz)
	if n, err := h.Read(filebuf, foff, filesz); err != 0 || n != filesz {
		return defs.EELF
	}
	copied := 0
	for p := 0; p < npages && copied < filesz; p++ {
		bpg := mem.Pg2bytes(phys.Dmap(frames[p]))[:]
		n := mem.PGSIZE
		if filesz-copied < n {
			n = filesz - copied
		}
		copy(bpg[:n], filebuf[copied:copied+n])
		copied += n
	}
	return 0
}

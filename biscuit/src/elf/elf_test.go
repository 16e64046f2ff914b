package elf

import "testing"
import "unsafe"

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/fs"
import "kernel/biscuit/src/mem"
import "kernel/biscuit/src/ustr"
import "kernel/biscuit/src/util"
import "kernel/biscuit/src/vm"

type fakeArch struct{}

func (fakeArch) Invalidate(va uintptr) {}
func (fakeArch) SetRoot(root mem.Pa_t) {}

func newTestVm(t *testing.T, nframes uint64) (*vm.Vm_t, *mem.Physmem_t) {
	t.Helper()
	backing := make([]byte, nframes*uint64(mem.PGSIZE))
	mmap := []mem.MMapEntry_t{
		{Type: mem.TypeConventional, PhysicalStart: 0, NumberOfPages: nframes},
	}
	dmapbase := uintptr(unsafe.Pointer(&backing[0]))
	phys := mem.NewPhysmem(mmap, dmapbase, true)
	as, err := vm.NewVm(phys, fakeArch{})
	if err != 0 {
		t.Fatalf("NewVm failed: %d", err)
	}
	return as, phys
}

// buildElf assembles a minimal 64-bit little-endian ET_EXEC image with one
// PT_LOAD segment, laid out exactly the way loadSegment expects to parse
// it: a 64-byte ELF header followed immediately by one 56-byte program
// header, followed by the segment's file-backed payload.
func buildElf(entry, vaddr uintptr, payload []uint8, memsz int) []uint8 {
	const phoff = ehSize
	const phentsize = 56
	const phnum = 1
	foff := phoff + phentsize*phnum

	buf := make([]uint8, foff+len(payload))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = elfclass64
	buf[5] = elfdata2lsb
	buf[7] = 0
	util.Writen(buf, 2, 16, etExec)
	util.Writen(buf, 2, 18, int(MachX86_64))
	util.Writen(buf, 8, 24, int(entry))
	util.Writen(buf, 8, 32, phoff)
	util.Writen(buf, 2, 54, phentsize)
	util.Writen(buf, 2, 56, phnum)

	ph := buf[phoff : phoff+phentsize]
	util.Writen(ph, 4, 0, ptLoad)
	util.Writen(ph, 8, 8, foff)
	util.Writen(ph, 8, 16, int(vaddr))
	util.Writen(ph, 8, 32, len(payload))
	util.Writen(ph, 8, 40, memsz)

	copy(buf[foff:], payload)
	return buf
}

func handleFor(t *testing.T, image []uint8) *fs.Handle_t {
	t.Helper()
	root := fs.NewRoot()
	root.Mkfile(ustr.Ustr("init"), image)
	h, err := root.FindNode(ustr.Ustr("init"))
	if err != 0 {
		t.Fatalf("FindNode failed: %d", err)
	}
	return h
}

func TestLoadMapsAndCopiesSegment(t *testing.T) {
	as, phys := newTestVm(t, 64)
	payload := []uint8("hello, kernel\x00\x00\x00")
	vaddr := uintptr(0x400000)
	image := buildElf(vaddr+4, vaddr, payload, mem.PGSIZE)
	h := handleFor(t, image)

	img, err := Load(h, as, phys, MachX86_64)
	if err != 0 {
		t.Fatalf("Load failed: %d", err)
	}
	if img.Entry != vaddr+4 {
		t.Fatalf("entry = %#x, want %#x", img.Entry, vaddr+4)
	}
	if img.Refcount != 1 {
		t.Fatalf("refcount = %d, want 1", img.Refcount)
	}

	frame, flags, ok := as.Lookup(vaddr)
	if !ok {
		t.Fatal("segment's page should be mapped")
	}
	if flags&vm.WRITE == 0 || flags&vm.USER == 0 {
		t.Fatalf("flags = %v, want USER_WRITE", flags)
	}
	got := phys.Dmap(frame)
	gotBytes := mem.Pg2bytes(got)[:len(payload)]
	if string(gotBytes) != string(payload) {
		t.Fatalf("copied bytes = %q, want %q", gotBytes, payload)
	}
}

func TestLoadZeroesBeyondFilesz(t *testing.T) {
	as, phys := newTestVm(t, 64)
	payload := []uint8("abc")
	vaddr := uintptr(0x400000)
	image := buildElf(vaddr, vaddr, payload, mem.PGSIZE)
	h := handleFor(t, image)

	_, err := Load(h, as, phys, MachX86_64)
	if err != 0 {
		t.Fatalf("Load failed: %d", err)
	}
	frame, _, _ := as.Lookup(vaddr)
	pg := mem.Pg2bytes(phys.Dmap(frame))
	if pg[len(payload)] != 0 {
		t.Fatal("bytes beyond filesz must be zero")
	}
}

func TestLoadTwoSegments(t *testing.T) {
	as, phys := newTestVm(t, 64)
	// hand-build a two-segment image since buildElf only emits one phdr.
	const phoff = ehSize
	const phentsize = 56
	const phnum = 2
	foff := phoff + phentsize*phnum
	p1 := []uint8("segment one")
	p2 := []uint8("segment two")

	buf := make([]uint8, foff+len(p1)+len(p2))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5] = elfclass64, elfdata2lsb
	util.Writen(buf, 2, 16, etExec)
	util.Writen(buf, 2, 18, int(MachX86_64))
	util.Writen(buf, 8, 24, 0x400000)
	util.Writen(buf, 8, 32, phoff)
	util.Writen(buf, 2, 54, phentsize)
	util.Writen(buf, 2, 56, phnum)

	ph0 := buf[phoff : phoff+phentsize]
	util.Writen(ph0, 4, 0, ptLoad)
	util.Writen(ph0, 8, 8, foff)
	util.Writen(ph0, 8, 16, 0x400000)
	util.Writen(ph0, 8, 32, len(p1))
	util.Writen(ph0, 8, 40, mem.PGSIZE)

	ph1 := buf[phoff+phentsize : phoff+2*phentsize]
	util.Writen(ph1, 4, 0, ptLoad)
	util.Writen(ph1, 8, 8, foff+len(p1))
	util.Writen(ph1, 8, 16, 0x600000)
	util.Writen(ph1, 8, 32, len(p2))
	util.Writen(ph1, 8, 40, mem.PGSIZE)

	copy(buf[foff:], p1)
	copy(buf[foff+len(p1):], p2)

	h := handleFor(t, buf)
	_, err := Load(h, as, phys, MachX86_64)
	if err != 0 {
		t.Fatalf("Load failed: %d", err)
	}
	if _, _, ok := as.Lookup(0x400000); !ok {
		t.Fatal("first segment should be mapped")
	}
	if _, _, ok := as.Lookup(0x600000); !ok {
		t.Fatal("second segment should be mapped")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	as, phys := newTestVm(t, 64)
	image := buildElf(0x400000, 0x400000, []uint8("x"), mem.PGSIZE)
	image[0] = 0
	h := handleFor(t, image)
	if _, err := Load(h, as, phys, MachX86_64); err != defs.EELF {
		t.Fatalf("err = %d, want EELF", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	as, phys := newTestVm(t, 64)
	image := buildElf(0x400000, 0x400000, []uint8("x"), mem.PGSIZE)
	h := handleFor(t, image)
	if _, err := Load(h, as, phys, MachAArch64); err != defs.EELF {
		t.Fatalf("err = %d, want EELF", err)
	}
}

package boot

import (
	"testing"
	"unsafe"

	"kernel/biscuit/src/elf"
	"kernel/biscuit/src/mem"
	"kernel/biscuit/src/util"
)

type fakeBackend struct {
	setupCalls   []int
	apsStarted   []int
	interrupts   bool
}

func (b *fakeBackend) Invalidate(va uintptr)        {}
func (b *fakeBackend) SetRoot(root mem.Pa_t)        {}
func (b *fakeBackend) CoreBase() unsafe.Pointer     { return nil }
func (b *fakeBackend) SetCoreBase(p unsafe.Pointer) {}
func (b *fakeBackend) EnableInterrupts()            { b.interrupts = true }
func (b *fakeBackend) DisableInterrupts()           { b.interrupts = false }
func (b *fakeBackend) Halt()                        {}
func (b *fakeBackend) SetupDescriptors(coreID int) {
	b.setupCalls = append(b.setupCalls, coreID)
}
func (b *fakeBackend) EnableLocalInterruptController() {}
func (b *fakeBackend) StartTimer(hz int)               {}

// buildUstar assembles a minimal single-entry USTAR archive, mirroring
// fs_test.go's helper of the same name.
func buildUstar(name string, contents []uint8) []uint8 {
	hdr := make([]uint8, 512)
	copy(hdr[0:100], []uint8(name))
	octal := func(n int) string {
		s := ""
		if n == 0 {
			s = "0"
		}
		for n > 0 {
			s = string(rune('0'+n%8)) + s
			n /= 8
		}
		for len(s) < 11 {
			s = "0" + s
		}
		return s + "\x00"
	}
	copy(hdr[124:136], []uint8(octal(len(contents))))
	hdr[156] = '0'
	copy(hdr[257:263], []uint8("ustar\x00"))

	blocks := (len(contents) + 511) / 512
	buf := make([]uint8, 512+blocks*512)
	copy(buf, hdr)
	copy(buf[512:], contents)
	return buf
}

func buildElf(entry, vaddr uintptr, payload []uint8, memsz int) []uint8 {
	const ehSize = 64
	const phoff = ehSize
	const phentsize = 56
	const phnum = 1
	foff := phoff + phentsize*phnum

	buf := make([]uint8, foff+len(payload))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4], buf[5] = 2, 1
	util.Writen(buf, 2, 16, 2)
	util.Writen(buf, 2, 18, int(elf.MachX86_64))
	util.Writen(buf, 8, 24, int(entry))
	util.Writen(buf, 8, 32, phoff)
	util.Writen(buf, 2, 54, phentsize)
	util.Writen(buf, 2, 56, phnum)
	ph := buf[phoff : phoff+phentsize]
	util.Writen(ph, 4, 0, 1)
	util.Writen(ph, 8, 8, foff)
	util.Writen(ph, 8, 16, int(vaddr))
	util.Writen(ph, 8, 32, len(payload))
	util.Writen(ph, 8, 40, memsz)
	copy(buf[foff:], payload)
	return buf
}

func testInfo(t *testing.T, nframes uint64) Info {
	t.Helper()
	backing := make([]byte, nframes*uint64(mem.PGSIZE))
	dmapbase := uintptr(unsafe.Pointer(&backing[0]))

	initElf := buildElf(0x400000, 0x400000, []uint8("\x90\x90\x90\x90"), mem.PGSIZE)
	initrd := buildUstar("init", initElf)

	return Info{
		MemMap: []mem.MMapEntry_t{
			{Type: mem.TypeConventional, PhysicalStart: 0, NumberOfPages: nframes},
		},
		DmapBase: dmapbase,
		Initrd:   initrd,
	}
}

func TestBootBringsUpSchedulerWithInitRunnable(t *testing.T) {
	b := &fakeBackend{}
	k, err := Boot(testInfo(t, 512), b, elf.MachX86_64, 3, func(coreID int) {
		b.apsStarted = append(b.apsStarted, coreID)
	})
	if err != 0 {
		t.Fatalf("Boot failed: %d", err)
	}
	if !b.interrupts {
		t.Fatal("Boot should enable interrupts as part of SMP bring-up handoff")
	}
	if len(b.setupCalls) != 1 || b.setupCalls[0] != 0 {
		t.Fatalf("boot processor descriptor setup = %v, want [0]", b.setupCalls)
	}
	if len(b.apsStarted) != 3 {
		t.Fatalf("apsStarted = %v, want 3 cores started", b.apsStarted)
	}
	if !k.Sched.Enabled() {
		t.Fatal("scheduler should be enabled after Boot")
	}
	if len(k.Sched.Procs()) != 1 {
		t.Fatalf("Procs() = %d, want 1 (init)", len(k.Sched.Procs()))
	}
}

func TestBootWithZeroApsStartsNone(t *testing.T) {
	b := &fakeBackend{}
	_, err := Boot(testInfo(t, 512), b, elf.MachX86_64, 0, func(coreID int) {
		b.apsStarted = append(b.apsStarted, coreID)
	})
	if err != 0 {
		t.Fatalf("Boot failed: %d", err)
	}
	if len(b.apsStarted) != 0 {
		t.Fatalf("apsStarted = %v, want none", b.apsStarted)
	}
}

func TestBootFailsOnMissingInit(t *testing.T) {
	info := testInfo(t, 512)
	info.Initrd = buildUstar("not-init", []uint8("x"))

	b := &fakeBackend{}
	if _, err := Boot(info, b, elf.MachX86_64, 0, nil); err == 0 {
		t.Fatal("Boot should fail when the initrd has no /init")
	}
}

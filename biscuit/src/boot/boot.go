// Package boot sequences a freshly-entered kernel into a running
// scheduler, per spec §2's row H: "Bring PFA→Heap→VFS→Arch→SMP→
// Scheduler up in order." No teacher package does this end to end —
// biscuit's own kmain lives in kernel/chentry.go's sibling files, none
// of which this retrieval pulled in — so Boot is new code that simply
// calls, in the mandated order, the constructors every other package
// in this module already exposes.
package boot

import (
	"kernel/biscuit/src/arch"
	"kernel/biscuit/src/defs"
	"kernel/biscuit/src/elf"
	"kernel/biscuit/src/fs"
	"kernel/biscuit/src/heap"
	"kernel/biscuit/src/ipc"
	"kernel/biscuit/src/kprint"
	"kernel/biscuit/src/mem"
	"kernel/biscuit/src/proc"
	"kernel/biscuit/src/ustr"
	"kernel/biscuit/src/vm"
)

// FramebufferInfo mirrors the boot-info record's framebuffer fields
// (spec §6): base, size, and geometry. The core never draws to it —
// no display driver is in scope (§1 Non-goals) — it is carried through
// purely so a future console driver has somewhere to read it from.
type FramebufferInfo struct {
	Base   uintptr
	Size   uintptr
	Width  int
	Height int
	Pitch  int
}

// ACPIInfo mirrors the boot-info record's ACPI/EFI configuration-table
// fields (spec §6): base and count. Parsing the table itself (MADT,
// to discover how many application processors exist) is bootloader
// protocol the core treats as an external interface.
type ACPIInfo struct {
	ConfigTableBase  uintptr
	ConfigTableCount int
}

// Info is the boot-info record the bootloader hands the kernel at
// entry (spec §6). MemMap and Initrd are already-decoded slices rather
// than raw bootloader bytes: decoding UEFI's own memory-map and
// configuration-table wire formats is the bootloader-protocol Non-goal
// named in spec §1, external to this core.
type Info struct {
	Framebuffer FramebufferInfo
	ACPI        ACPIInfo

	MemMap   []mem.MMapEntry_t
	DmapBase uintptr

	Initrd []byte
}

// kernelHeapBase is the virtual address the kernel's single global
// heap arena grows from: a fixed slot in the shared kernel half (the
// same top-level index vm's own CloneHigherHalf tests use for a
// generic kernel mapping), chosen once and never revisited per process.
const kernelHeapBase = uintptr(0x10) << 39

// Kernel_t is everything Boot hands back: the live PFA, the kernel
// template address space every process's higher half is cloned from,
// the kernel heap arena, the mounted filesystem, the scheduler, and
// the IPC core bound to it.
type Kernel_t struct {
	Phys   *mem.Physmem_t
	Kernel *vm.Vm_t
	Heap   *heap.Heap_t
	Vfs    *fs.Vfs_t
	Sched  *proc.Sched_t
	IPC    *ipc.Core_t
}

// Boot brings a kernel up to a running scheduler with /init's first
// thread enqueued. backend is this architecture's arch.Backend_i;
// mach picks which ELF machine task_init and task_exec will accept;
// apCount is how many application processors to bring up (core 0, the
// boot processor, is always running — discovering how many more exist
// from ACPI's MADT is bootloader-protocol territory out of scope
// here). startAP is called once per AP with its core id and is
// expected to eventually have that core call arch.TestAP; a nil
// startAP is a no-op, which is what a single-core boot or a test
// wants.
func Boot(info Info, backend arch.Backend_i, mach elf.Mach_t, apCount int, startAP func(coreID int)) (*Kernel_t, defs.Err_t) {
	kprint.Printf("Hello world from %s!\n", archName(mach))

	// PFA
	phys := mem.NewPhysmem(info.MemMap, info.DmapBase, true)
	kprint.Printf("pfa: tracking %d memory-map entries\n", len(info.MemMap))

	kern, err := vm.NewVm(phys, backend)
	if err != 0 {
		return nil, err
	}

	// Heap
	h := heap.New(kern, phys, kernelHeapBase)
	kprint.Println("heap: kernel arena reserved")

	// VFS
	vfs := fs.NewVfs()
	root := fs.NewRoot()
	if err := fs.Ingest(root, info.Initrd); err != 0 {
		return nil, err
	}
	vfs.Mount(ustr.MkUstrRoot(), root)
	kprint.Printf("vfs: ingested initrd (%d bytes)\n", len(info.Initrd))

	// Arch: the boot processor's own descriptor tables go up before
	// any AP is started or the scheduler is enabled.
	backend.SetupDescriptors(0)
	kprint.Println("arch: boot processor descriptor tables installed")

	// SMP
	for core := 1; core <= apCount; core++ {
		if startAP != nil {
			startAP(core)
		}
	}
	kprint.Printf("smp: %d application processor(s) started\n", apCount)

	// Scheduler
	sched := proc.NewSched(phys, backend, vfs, mach, kern)
	if _, err := sched.TaskInit(ustr.Ustr("/init")); err != 0 {
		return nil, err
	}
	ic := ipc.NewCore(sched, phys)
	sched.Enable()
	backend.EnableInterrupts()
	kprint.Println("scheduler: enabled, /init runnable")

	return &Kernel_t{
		Phys:   phys,
		Kernel: kern,
		Heap:   h,
		Vfs:    vfs,
		Sched:  sched,
		IPC:    ic,
	}, 0
}

func archName(mach elf.Mach_t) string {
	switch mach {
	case elf.MachX86_64:
		return "amd64"
	case elf.MachAArch64:
		return "arm64"
	default:
		return "unknown"
	}
}

// Package arch is the contract boundary the core assumes of its
// architecture backend (spec §4.8): a way to find the running core's
// CoreBase_t in O(1), TLB invalidation and address-space switching for
// vm.ArchPTE_i, a periodic timer that drives task_switch, and
// application-processor bring-up ending in TestAP. The actual
// descriptor-table layout, MSR/TTBR programming, and AP trampoline
// bytes are architecture-specific and live in the amd64 and arm64
// subpackages — this package only states what the core requires from
// them and drives the bring-up sequence common to both.
package arch

import "unsafe"

import "kernel/biscuit/src/mem"

// TimerHz is the recommended periodic-timer frequency from spec §4.8.
const TimerHz = 100

// Backend_i is what an architecture subpackage (amd64, arm64) must
// supply. vm.ArchPTE_i's Invalidate/SetRoot are embedded directly so a
// Backend_i can be handed to vm.NewVm without an adapter.
type Backend_i interface {
	Invalidate(va uintptr)
	SetRoot(root mem.Pa_t)

	// CoreBase returns the pointer installed by the last SetCoreBase
	// on this core, via whichever register survives the
	// swapgs/TTBR-swap boundary (GS base on amd64, TPIDR_EL1 on
	// arm64).
	CoreBase() unsafe.Pointer
	SetCoreBase(p unsafe.Pointer)

	// EnableInterrupts, DisableInterrupts and Halt are the three
	// primitive interrupt-control operations every kernel entry and
	// exit path needs.
	EnableInterrupts()
	DisableInterrupts()
	Halt()

	// SetupDescriptors installs this core's GDT/IDT (amd64) or
	// exception vector table (arm64) — out of scope for this core
	// beyond the fact that it must happen before interrupts are
	// enabled.
	SetupDescriptors(coreID int)

	// EnableLocalInterruptController turns on the per-core interrupt
	// controller (local APIC on amd64, GICv3 redistributor on arm64).
	EnableLocalInterruptController()

	// StartTimer arms the periodic timer at hz so it starts
	// delivering the tick that drives task_switch.
	StartTimer(hz int)
}

// bringUp runs the one-time half of the AP bring-up sequence: install
// per-core descriptor tables, enable the local interrupt controller,
// start the timer, enable interrupts. Split out of TestAP so it can be
// driven in isolation by a fake Backend_i in tests — the halt loop
// below it never returns on real hardware.
func bringUp(coreID int, b Backend_i) {
	b.SetupDescriptors(coreID)
	b.EnableLocalInterruptController()
	b.StartTimer(TimerHz)
	b.EnableInterrupts()
}

// TestAP runs the application-processor bring-up sequence spec §4.8
// requires every core to finish with, then halts pending the first
// scheduling decision. It never returns — the timer interrupt is what
// gets a core out of its halt loop and into the scheduler; idle is
// called after every halt to give the caller a chance to check for
// pending work (the scheduler's own ready-queue poll).
func TestAP(coreID int, b Backend_i, idle func()) {
	bringUp(coreID, b)
	for {
		b.Halt()
		idle()
	}
}

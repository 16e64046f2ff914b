//go:build arm64

// Package arm64 implements arch.Backend_i for AArch64: TTBR0_EL1/TLBI
// for the address-space half of vm.ArchPTE_i, TPIDR_EL1 for the
// per-core CoreBase_t pointer, and the DAIF/WFI primitives every
// kernel entry and exit needs. Exception-vector-table construction and
// GICv3 redistributor programming are out of scope here (spec §1
// Non-goals) beyond the point where they hand control back to the
// portable arch.TestAP sequence.
package arm64

import "unsafe"

import "kernel/biscuit/src/mem"

// Backend_t is the arm64 arch.Backend_i. The zero value is ready to use.
type Backend_t struct{}

// Invalidate issues a TLBI VAE1IS for va, per spec §4.3's
// architecture-specific TLB invalidation requirement.
func (Backend_t) Invalidate(va uintptr) { tlbiVAE1IS(va) }

// SetRoot loads TTBR0_EL1 with root, switching the active address
// space.
func (Backend_t) SetRoot(root mem.Pa_t) { writeTTBR0(uintptr(root)) }

// CoreBase returns the pointer stashed in this core's TPIDR_EL1.
func (Backend_t) CoreBase() unsafe.Pointer {
	return unsafe.Pointer(readTPIDR())
}

// SetCoreBase stashes p in this core's TPIDR_EL1.
func (Backend_t) SetCoreBase(p unsafe.Pointer) {
	writeTPIDR(uintptr(p))
}

func (Backend_t) EnableInterrupts()  { daifClr() }
func (Backend_t) DisableInterrupts() { daifSet() }
func (Backend_t) Halt()              { wfi() }

// SetupDescriptors installs coreID's exception vector table. The
// table contents themselves are boot-time trampoline glue this core
// treats as an external interface (spec §1); this is the hook the
// portable bring-up sequence calls once that table is ready to load.
func (Backend_t) SetupDescriptors(coreID int) {
	loadVBAR(coreID)
}

// EnableLocalInterruptController turns on this core's GICv3
// redistributor in its default configuration.
func (Backend_t) EnableLocalInterruptController() {
	enableRedistributor()
}

// StartTimer arms the generic timer (CNTP_EL0) at hz.
func (Backend_t) StartTimer(hz int) {
	startGenericTimer(hz)
}

// tlbiVAE1IS, writeTTBR0, readTPIDR, writeTPIDR, daifClr, daifSet, wfi,
// loadVBAR, enableRedistributor and startGenericTimer are implemented
// in arm64.s; there is no portable Go body for any of them.
func tlbiVAE1IS(va uintptr)
func writeTTBR0(root uintptr)
func readTPIDR() uintptr
func writeTPIDR(v uintptr)
func daifClr()
func daifSet()
func wfi()
func loadVBAR(coreID int)
func enableRedistributor()
func startGenericTimer(hz int)

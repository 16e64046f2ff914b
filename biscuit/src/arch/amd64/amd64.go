//go:build amd64

// Package amd64 implements arch.Backend_i for x86_64: CR3/INVLPG for
// the address-space half of vm.ArchPTE_i, GS-base for the per-core
// CoreBase_t pointer (readable after swapgs without touching memory),
// and the STI/CLI/HLT primitives every kernel entry and exit needs.
// GDT/IDT construction and local-APIC programming are out of scope
// here (spec §1 Non-goals) beyond the point where they hand control
// back to the portable arch.TestAP sequence.
package amd64

import "unsafe"

import "kernel/biscuit/src/mem"

// Backend_t is the amd64 arch.Backend_i. The zero value is ready to use.
type Backend_t struct{}

// Invalidate issues INVLPG for va, per spec §4.3's
// architecture-specific TLB invalidation requirement.
func (Backend_t) Invalidate(va uintptr) { invlpg(va) }

// SetRoot loads CR3 with root, switching the active address space.
func (Backend_t) SetRoot(root mem.Pa_t) { writeCR3(uintptr(root)) }

// CoreBase returns the pointer stashed in this core's GS base.
func (Backend_t) CoreBase() unsafe.Pointer {
	return unsafe.Pointer(readGSBase())
}

// SetCoreBase stashes p in this core's GS base.
func (Backend_t) SetCoreBase(p unsafe.Pointer) {
	writeGSBase(uintptr(p))
}

func (Backend_t) EnableInterrupts()  { sti() }
func (Backend_t) DisableInterrupts() { cli() }
func (Backend_t) Halt()              { hlt() }

// SetupDescriptors installs coreID's GDT and IDT. Building the table
// contents themselves is boot-time trampoline glue this core treats as
// an external interface (spec §1); this is the hook the portable
// bring-up sequence calls once that table is ready to load.
func (Backend_t) SetupDescriptors(coreID int) {
	loadGDT(coreID)
	loadIDT(coreID)
}

// EnableLocalInterruptController turns on this core's local APIC in
// its default, flat-model configuration.
func (Backend_t) EnableLocalInterruptController() {
	enableLocalAPIC()
}

// StartTimer arms the local APIC timer at hz.
func (Backend_t) StartTimer(hz int) {
	startAPICTimer(hz)
}

// invlpg, writeCR3, readGSBase, writeGSBase, sti, cli, hlt, loadGDT,
// loadIDT, enableLocalAPIC and startAPICTimer are implemented in
// amd64.s; there is no portable Go body for any of them.
func invlpg(va uintptr)
func writeCR3(root uintptr)
func readGSBase() uintptr
func writeGSBase(v uintptr)
func sti()
func cli()
func hlt()
func loadGDT(coreID int)
func loadIDT(coreID int)
func enableLocalAPIC()
func startAPICTimer(hz int)

package arch

import (
	"testing"
	"unsafe"

	"kernel/biscuit/src/mem"
)

type fakeBackend struct {
	calls []string
	base  unsafe.Pointer
}

func (f *fakeBackend) Invalidate(va uintptr)      { f.calls = append(f.calls, "invalidate") }
func (f *fakeBackend) SetRoot(root mem.Pa_t)      { f.calls = append(f.calls, "setroot") }
func (f *fakeBackend) CoreBase() unsafe.Pointer { return f.base }
func (f *fakeBackend) SetCoreBase(p unsafe.Pointer) {
	f.calls = append(f.calls, "setcorebase")
	f.base = p
}
func (f *fakeBackend) EnableInterrupts()  { f.calls = append(f.calls, "enableints") }
func (f *fakeBackend) DisableInterrupts() { f.calls = append(f.calls, "disableints") }
func (f *fakeBackend) Halt()              { f.calls = append(f.calls, "halt") }
func (f *fakeBackend) SetupDescriptors(coreID int) {
	f.calls = append(f.calls, "setupdesc")
}
func (f *fakeBackend) EnableLocalInterruptController() {
	f.calls = append(f.calls, "enablelocalint")
}
func (f *fakeBackend) StartTimer(hz int) {
	f.calls = append(f.calls, "starttimer")
}

func TestBringUpOrdersSetupBeforeInterrupts(t *testing.T) {
	f := &fakeBackend{}
	bringUp(0, f)

	want := []string{"setupdesc", "enablelocalint", "starttimer", "enableints"}
	if len(f.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", f.calls, want)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", f.calls, want)
		}
	}
}

func TestCoreBaseRoundtrip(t *testing.T) {
	f := &fakeBackend{}
	var x int
	p := unsafe.Pointer(&x)
	f.SetCoreBase(p)
	if f.CoreBase() != p {
		t.Fatal("CoreBase should return the last SetCoreBase pointer")
	}
}

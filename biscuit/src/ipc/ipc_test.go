package ipc

import "testing"
import "unsafe"

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/elf"
import "kernel/biscuit/src/fs"
import "kernel/biscuit/src/mem"
import "kernel/biscuit/src/proc"
import "kernel/biscuit/src/ustr"
import "kernel/biscuit/src/util"
import "kernel/biscuit/src/vm"

type fakeArch struct{}

func (fakeArch) Invalidate(va uintptr) {}
func (fakeArch) SetRoot(root mem.Pa_t) {}

func buildElf(entry, vaddr uintptr, memsz int) []uint8 {
	const ehSize = 64
	const phoff = ehSize
	const phentsize = 56
	const phnum = 1
	foff := phoff + phentsize*phnum
	payload := []uint8("\x90\x90\x90\x90")

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

func newTestCore(t *testing.T, nframes uint64) (*Core_t, *proc.Sched_t, *mem.Physmem_t) {
	t.Helper()
	backing := make([]byte, nframes*uint64(mem.PGSIZE))
	mmap := []mem.MMapEntry_t{
		{Type: mem.TypeConventional, PhysicalStart: 0, NumberOfPages: nframes},
	}
	dmapbase := uintptr(unsafe.Pointer(&backing[0]))
	phys := mem.NewPhysmem(mmap, dmapbase, true)
	kern, err := vm.NewVm(phys, fakeArch{})
	if err != 0 {
		t.Fatalf("NewVm failed: %d", err)
	}
	vfs := fs.NewVfs()
	root := fs.NewRoot()
	root.Mkfile(ustr.Ustr("init"), buildElf(0x400000, 0x400000, mem.PGSIZE))
	vfs.Mount(ustr.Ustr("/"), root)
	sched := proc.NewSched(phys, fakeArch{}, vfs, elf.MachX86_64, kern)
	return NewCore(sched, phys), sched, phys
}

func mkProc(t *testing.T, sched *proc.Sched_t) *proc.Process_t {
	t.Helper()
	p, err := sched.TaskInit(ustr.Ustr("/init"))
	if err != 0 {
		t.Fatalf("TaskInit failed: %d", err)
	}
	return p
}

func TestPushPopPrimitiveRoundtrip(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	if err := c.Push(th, p.As, RawParam_t{Kind: Primitive, Prim: 42}); err != 0 {
		t.Fatalf("Push failed: %d", err)
	}
	got, err := c.Pop(th, p.As, 0)
	if err != 0 {
		t.Fatalf("Pop failed: %d", err)
	}
	if got.Kind != Primitive || got.Prim != 42 {
		t.Fatalf("got %+v, want Primitive 42", got)
	}
	if !stackOf(th).peekEmpty() {
		t.Fatal("stack should be empty after pop")
	}
}

// peekEmpty is a tiny test helper added to Stack_t's surface via the
// package-private peek, exercised here through a thin wrapper.
func (s *Stack_t) peekEmpty() bool {
	_, ok := s.peek()
	return !ok
}

func TestPushRejectsKernelHalfArrayPointer(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	kernelPtr := uintptr(0x10) << 39
	if err := c.Push(th, p.As, RawParam_t{Kind: Array, UserPtr: kernelPtr, Len: 8}); err != defs.EPERM {
		t.Fatalf("err = %d, want EPERM", err)
	}
}

func TestPushArrayCopiesUserBytes(t *testing.T) {
	c, sched, phys := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	uva := uintptr(0x500000)
	_, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("Refpg_new failed")
	}
	if err := p.As.Map(uva, pa, vm.WRITE|vm.USER); err != 0 {
		t.Fatalf("Map failed: %d", err)
	}
	if err := p.As.CopyOut(uva, []uint8("hello")); err != 0 {
		t.Fatalf("seed CopyOut failed: %d", err)
	}

	if err := c.Push(th, p.As, RawParam_t{Kind: Array, UserPtr: uva, Len: 5}); err != 0 {
		t.Fatalf("Push failed: %d", err)
	}
	got, err := c.Peek(th, p.As, 0)
	if err != 0 {
		t.Fatalf("Peek failed: %d", err)
	}
	if string(got.Bytes) != "hello" {
		t.Fatalf("got %q, want %q", got.Bytes, "hello")
	}
}

func TestMethodMovesStackAndSetsArgRegisters(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	caller := mkProc(t, sched)
	callee := mkProc(t, sched)
	callee.IPCEntryPoint = 0x400000
	callee.HasIPCEntry = true

	callerThread := caller.Threads[0]
	if err := c.Push(callerThread, caller.As, RawParam_t{Kind: Primitive, Prim: 7}); err != 0 {
		t.Fatalf("Push failed: %d", err)
	}

	ret, err := c.Method(callerThread, caller.As, callee.Pid, 1, 2)
	if err != 0 {
		t.Fatalf("Method failed: %d", err)
	}
	if ret != 0 {
		t.Fatalf("ret = %d, want 0", ret)
	}

	if len(callee.Threads) != 2 {
		t.Fatalf("callee should have a handler thread, len(Threads) = %d", len(callee.Threads))
	}
	handler := callee.Threads[len(callee.Threads)-1]
	if !handler.IsIPCHandler {
		t.Fatal("spawned thread should be marked an IPC handler")
	}
	if handler.Frame.Arg0 != 1 || handler.Frame.Arg1 != 2 || handler.Frame.Arg2 != uintptr(caller.Pid) {
		t.Fatalf("arg regs = %v/%v/%v, want 1/2/%v", handler.Frame.Arg0, handler.Frame.Arg1, handler.Frame.Arg2, caller.Pid)
	}
	hs, ok := handler.IPCStack.(*Stack_t)
	if !ok || len(hs.params) != 1 || hs.params[0].Prim != 7 {
		t.Fatal("handler should receive the caller's moved stack")
	}
	if !stackOf(callerThread).peekEmpty() {
		t.Fatal("caller's stack should be empty after METHOD moves it away")
	}
}

func TestMethodUnknownTargetFails(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	caller := mkProc(t, sched)
	if _, err := c.Method(caller.Threads[0], caller.As, defs.Pid_t(999), 0, 0); err != defs.ENOENT {
		t.Fatalf("err = %d, want ENOENT", err)
	}
}

func TestSignalCopiesStackToEveryOtherRecipient(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	sender := mkProc(t, sched)
	r1 := mkProc(t, sched)
	r2 := mkProc(t, sched)
	r1.IPCEntryPoint, r1.HasIPCEntry = 0x400000, true
	r2.IPCEntryPoint, r2.HasIPCEntry = 0x400000, true

	senderThread := sender.Threads[0]
	c.Push(senderThread, sender.As, RawParam_t{Kind: Primitive, Prim: 99})

	if err := c.Signal(senderThread, 3, 4); err != 0 {
		t.Fatalf("Signal failed: %d", err)
	}
	for _, r := range []*proc.Process_t{r1, r2} {
		if len(r.Threads) != 2 {
			t.Fatalf("recipient should have a handler thread, got %d", len(r.Threads))
		}
		h := r.Threads[len(r.Threads)-1]
		hs, ok := h.IPCStack.(*Stack_t)
		if !ok || len(hs.params) != 1 || hs.params[0].Prim != 99 {
			t.Fatal("recipient handler should get a copy of the sender's stack")
		}
	}
	// sender's own argument stack must be untouched by SIGNAL (copy, not move).
	if stackOf(senderThread).peekEmpty() {
		t.Fatal("sender's stack should survive SIGNAL")
	}
}

func TestGlobalNameServiceRegisterAndFind(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	// build the two arguments directly on the stack without going through
	// user memory, since RegisterDestination's args are (Array name,
	// Primitive entry) and only the Array variant needs CopyIn.
	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("svc")})
	stackOf(th).push(Param_t{Kind: Primitive, Prim: 0x77})

	ret, err := c.Method(th, p.As, 0, iidGlobalNameService, midGNSRegisterDestination)
	if err != 0 {
		t.Fatalf("RegisterDestination failed: %d", err)
	}
	if ret != int64(p.Pid) {
		t.Fatalf("RegisterDestination returned %d, want pid %d", ret, p.Pid)
	}
	if !p.HasIPCEntry || p.IPCEntryPoint != 0x77 {
		t.Fatal("RegisterDestination should set the calling process's ipc_entry_point")
	}

	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("svc")})
	found, err := c.Method(th, p.As, 0, iidGlobalNameService, midGNSFindDestination)
	if err != 0 {
		t.Fatalf("FindDestination failed: %d", err)
	}
	if found != int64(p.Pid) {
		t.Fatalf("FindDestination = %d, want %d", found, p.Pid)
	}
}

func TestGlobalNameServiceReRegisterDropsOldName(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("svc-a")})
	stackOf(th).push(Param_t{Kind: Primitive, Prim: 0x77})
	if _, err := c.Method(th, p.As, 0, iidGlobalNameService, midGNSRegisterDestination); err != 0 {
		t.Fatalf("first RegisterDestination failed: %d", err)
	}

	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("svc-b")})
	stackOf(th).push(Param_t{Kind: Primitive, Prim: 0x88})
	if _, err := c.Method(th, p.As, 0, iidGlobalNameService, midGNSRegisterDestination); err != 0 {
		t.Fatalf("second RegisterDestination failed: %d", err)
	}

	// §8.4: registering under a new name must move the pid's row, not
	// add a second one — the old name must no longer resolve.
	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("svc-a")})
	if found, err := c.Method(th, p.As, 0, iidGlobalNameService, midGNSFindDestination); err != 0 || found != -1 {
		t.Fatalf("FindDestination(svc-a) = %d/%d, want -1/0 once re-registered under svc-b", found, err)
	}

	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("svc-b")})
	if found, err := c.Method(th, p.As, 0, iidGlobalNameService, midGNSFindDestination); err != 0 || found != int64(p.Pid) {
		t.Fatalf("FindDestination(svc-b) = %d/%d, want %d/0", found, err, p.Pid)
	}
}

func TestLocalNameServiceFindInterfaceAndMethod(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("Stdio")})
	id, err := c.Method(th, p.As, 0, iidLocalNameService, midLNSFindInterface)
	if err != 0 || id != iidStdio {
		t.Fatalf("FindInterface = (%d, %d), want (%d, 0)", id, err, iidStdio)
	}

	stackOf(th).push(Param_t{Kind: Primitive, Prim: uint64(iidStdio)})
	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("Write")})
	mid, err := c.Method(th, p.As, 0, iidLocalNameService, midLNSFindMethod)
	if err != 0 || mid != midStdioWrite {
		t.Fatalf("FindMethod = (%d, %d), want (%d, 0)", mid, err, midStdioWrite)
	}
}

func TestStdioWriteAppendsToDebugSink(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]

	stackOf(th).push(Param_t{Kind: Array, Bytes: []uint8("hi")})
	ret, err := c.Method(th, p.As, 0, iidStdio, midStdioWrite)
	if err != 0 || ret != 0 {
		t.Fatalf("Stdio Write = (%d, %d), want (0, 0)", ret, err)
	}
	if string(c.Drain()) != "hi" {
		t.Fatalf("Drain() = %q, want %q", c.Drain(), "hi")
	}
}

func TestPushAttachesStackAndFreeDropsParams(t *testing.T) {
	c, sched, _ := newTestCore(t, 512)
	p := mkProc(t, sched)
	th := p.Threads[0]
	c.Push(th, p.As, RawParam_t{Kind: Primitive, Prim: 1})
	if th.IPCStack == nil {
		t.Fatal("pushing should lazily attach a Stack_t")
	}
	th.IPCStack.Free()
	if !stackOf(th).peekEmpty() {
		t.Fatal("Free should drop every held param")
	}
}

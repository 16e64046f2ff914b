// Package proc implements the scheduler core described in §4.6:
// processes, threads, a FIFO ready queue, and the task_init/switch/
// fork/exec/exit lifecycle. No teacher package implements any of this —
// the retrieved `proc` directory is an empty go.mod stub — so the shape
// is new code grounded in the idioms the rest of this kernel already
// established: a struct embedding sync.Mutex as the single "task lock"
// (mem.Physmem_t, vm.Vm_t), thread liveness tracked by a small flag set
// the way `tinfo.Tnote_t` tracked Alive/Killed (minus its
// patched-runtime Gptr/Setgptr current-goroutine lookup, which this
// kernel replaces with an explicit *CoreBase_t argument per §4.8's
// "CoreBase reachable in O(1)" contract), and a container/list-backed
// queue the same way the teacher's fs.BlkList_t wraps container/list for
// block lists.
package proc

import "container/list"
import "sync"

import "kernel/biscuit/src/accnt"
import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/elf"
import "kernel/biscuit/src/fs"
import "kernel/biscuit/src/limits"
import "kernel/biscuit/src/mem"
import "kernel/biscuit/src/ustr"
import "kernel/biscuit/src/vm"

// InterruptFrame_t is the architecture-neutral register snapshot
// task_switch saves and restores. The real register file an interrupt
// or syscall entry saves is architecture-specific (§4.8); Arg0..Arg2
// are the three argument registers a handler thread's entry sees, per
// §4.7's METHOD/SIGNAL "first three argument registers are {iid, mid,
// caller_pid}".
type InterruptFrame_t struct {
	IP, SP, Flags      uintptr
	Arg0, Arg1, Arg2   uintptr
}

// CoreBase_t is the per-core scratch structure reachable in O(1) from
// any kernel entry, per §4.8's glossary definition. Its arch-specific
// half (kernel stack pointer, GDT/IDT pointers) lives in the arch
// package; Cur is all the scheduler itself needs.
type CoreBase_t struct {
	Cur *Thread_t
}

// ArgStack_i is implemented by ipc.Stack_t. proc never constructs one —
// a fresh thread's IPCStack starts nil, meaning "empty" — but
// task_delete_thread must release any kernel Array buffers it holds
// without proc importing ipc (ipc already imports proc, to create
// handler threads; see DESIGN.md).
type ArgStack_i interface {
	Free()
}

// Thread_t is one schedulable unit of execution.
type Thread_t struct {
	Tid   defs.Tid_t
	Proc  *Process_t
	Frame InterruptFrame_t
	Accnt accnt.Accnt_t

	IsIPCHandler bool
	IPCStack     ArgStack_i

	exiting    bool
	stackBase  uintptr
	stackPages int
}

// Exiting reports whether task_exit has marked this thread for reaping.
func (t *Thread_t) Exiting() bool { return t.exiting }

// Process_t groups the threads sharing one address space.
type Process_t struct {
	Pid  defs.Pid_t
	As   *vm.Vm_t
	Image *elf.Image_t

	IPCEntryPoint uintptr
	HasIPCEntry   bool

	Parent   *Process_t
	Children []*Process_t
	Threads  []*Thread_t
	nextTid  defs.Tid_t
}

// user stack layout: each thread gets a fixed-size slot, stacked
// downward from a high user address so distinct threads in the same
// process never collide.
const userStackTop = uintptr(0x0000700000000000)
const userStackSlot = uintptr(16 * 1024 * 1024)

func stackTopFor(tid defs.Tid_t) uintptr {
	return userStackTop - uintptr(tid)*userStackSlot
}

// Sched_t is the scheduler's global state: the ready queue, the process
// table, and the task lock guarding both plus every address-space
// mutation, per §5's "Resources mutated under the task lock" list.
type Sched_t struct {
	sync.Mutex
	ready   *list.List // of *Thread_t
	procs   map[defs.Pid_t]*Process_t
	nextPid defs.Pid_t
	enabled bool

	Phys  *mem.Physmem_t
	Arch  vm.ArchPTE_i
	Vfs   *fs.Vfs_t
	Mach  elf.Mach_t

	// kernelTemplate supplies every new process's higher-half page-table
	// entries (CloneHigherHalf), so a freshly created address space can
	// still service interrupts and syscalls the instant it's installed.
	kernelTemplate *vm.Vm_t

	idleFrame InterruptFrame_t
}

// NewSched creates an empty scheduler bound to phys/arch/vfs and a
// kernel address-space template every new process clones its higher
// half from.
func NewSched(phys *mem.Physmem_t, arch vm.ArchPTE_i, vfs *fs.Vfs_t, mach elf.Mach_t, kernelTemplate *vm.Vm_t) *Sched_t {
	return &Sched_t{
		ready:          list.New(),
		procs:          make(map[defs.Pid_t]*Process_t),
		nextPid:        1,
		Phys:           phys,
		Arch:           arch,
		Vfs:            vfs,
		Mach:           mach,
		kernelTemplate: kernelTemplate,
	}
}

// Enable flips the scheduler-enabled flag; per §4.6 the first timer
// interrupt after this call triggers the first context switch.
func (s *Sched_t) Enable() { s.enabled = true }
func (s *Sched_t) Enabled() bool { return s.enabled }

func (s *Sched_t) newAddrSpace() (*vm.Vm_t, defs.Err_t) {
	as, err := vm.NewVm(s.Phys, s.Arch)
	if err != 0 {
		return nil, err
	}
	if s.kernelTemplate != nil {
		s.kernelTemplate.CloneHigherHalf(as)
	}
	return as, 0
}

// Proc looks up a process by pid. The IPC core uses this to resolve a
// METHOD/SIGNAL's target_pid; callers must hold the task lock.
func (s *Sched_t) Proc(pid defs.Pid_t) (*Process_t, bool) {
	p, ok := s.procs[pid]
	return p, ok
}

// Procs returns every live process, for SIGNAL's broadcast. Callers
// must hold the task lock.
func (s *Sched_t) Procs() []*Process_t {
	out := make([]*Process_t, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

// mapStack maps UserStackPages fresh, zeroed frames for tid into as,
// returning the stack's top (the initial sp, since the stack grows
// down) and base (the lowest mapped address, used later to unmap).
func (s *Sched_t) mapStack(as *vm.Vm_t, tid defs.Tid_t) (top, base uintptr, err defs.Err_t) {
	n := limits.Syslimit.UserStackPages
	top = stackTopFor(tid)
	base = top - uintptr(n*mem.PGSIZE)
	for i := 0; i < n; i++ {
		_, pa, ok := s.Phys.Refpg_new()
		if !ok {
			return 0, 0, defs.EOOM
		}
		va := base + uintptr(i*mem.PGSIZE)
		if e := as.Map(va, pa, vm.WRITE|vm.USER); e != 0 {
			return 0, 0, e
		}
	}
	return top, base, 0
}

func (s *Sched_t) unmapStack(t *Thread_t) {
	for i := 0; i < t.stackPages; i++ {
		va := t.stackBase + uintptr(i*mem.PGSIZE)
		t.Proc.As.Unmap(va)
	}
}

// newThread allocates a thread id, a user stack, and a fresh interrupt
// frame landing at entry, per §4.6's task_new_thread. It does not lock
// the task lock itself — every call site already holds it.
func (s *Sched_t) newThread(p *Process_t, entry uintptr, isHandler bool) (*Thread_t, defs.Err_t) {
	tid := p.nextTid
	p.nextTid++

	top, base, err := s.mapStack(p.As, tid)
	if err != 0 {
		return nil, err
	}

	t := &Thread_t{
		Tid:  tid,
		Proc: p,
		Frame: InterruptFrame_t{
			IP: entry,
			SP: top,
		},
		IsIPCHandler: isHandler,
		stackBase:    base,
		stackPages:   limits.Syslimit.UserStackPages,
	}
	p.Threads = append(p.Threads, t)
	s.ready.PushBack(t)
	return t, 0
}

// NewThread is the exported form of task_new_thread (§4.6), used by the
// IPC core to spin up a handler thread for METHOD/SIGNAL. Callers must
// hold the task lock (s.Lock()) for the duration of the IPC operation
// that creates it, per §5.
func (s *Sched_t) NewThread(p *Process_t, entry uintptr, isHandler bool) (*Thread_t, defs.Err_t) {
	return s.newThread(p, entry, isHandler)
}

func removeThreadFromProc(p *Process_t, t *Thread_t) {
	for i, o := range p.Threads {
		if o == t {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			return
		}
	}
}

func (s *Sched_t) removeFromReady(t *Thread_t) {
	for e := s.ready.Front(); e != nil; e = e.Next() {
		if e.Value.(*Thread_t) == t {
			s.ready.Remove(e)
			return
		}
	}
}

// deleteThread implements task_delete_thread (§4.6). Callers must hold
// the task lock.
func (s *Sched_t) deleteThread(t *Thread_t) {
	s.removeFromReady(t)
	removeThreadFromProc(t.Proc, t)
	s.unmapStack(t)
	if !t.IsIPCHandler && t.IPCStack != nil {
		t.IPCStack.Free()
	}
}

// deleteProcess implements task_delete_process (§4.6): every thread is
// deleted, every child process is deleted recursively, and finally the
// user portion of the address space is torn down by vm.Vm_t.Free.
// Callers must hold the task lock.
func (s *Sched_t) deleteProcess(p *Process_t) {
	for _, t := range append([]*Thread_t{}, p.Threads...) {
		s.deleteThread(t)
	}
	for _, c := range append([]*Process_t{}, p.Children...) {
		s.deleteProcess(c)
	}
	p.As.Free()
	delete(s.procs, p.Pid)
}

// TaskInit loads initPath from vfs into a fresh process's address
// space, constructs its first thread, and enqueues it, per §4.6. The
// scheduler-enabled flag is left untouched — the caller flips it once
// boot is otherwise complete.
func (s *Sched_t) TaskInit(initPath ustr.Ustr) (*Process_t, defs.Err_t) {
	s.Lock()
	defer s.Unlock()

	h, err := s.Vfs.FindNode(initPath)
	if err != 0 {
		return nil, err
	}
	as, err := s.newAddrSpace()
	if err != 0 {
		return nil, err
	}
	img, err := elf.Load(h, as, s.Phys, s.Mach)
	if err != 0 {
		as.Free()
		return nil, err
	}

	pid := s.nextPid
	s.nextPid++
	p := &Process_t{Pid: pid, As: as, Image: img, nextTid: 1}
	s.procs[pid] = p

	if _, err := s.newThread(p, img.Entry, false); err != 0 {
		s.deleteProcess(p)
		return nil, err
	}
	return p, 0
}

// TaskSwitch implements §4.6's task_switch: it is invoked on every
// timer interrupt and on explicit yield.
func (s *Sched_t) TaskSwitch(core *CoreBase_t, frame *InterruptFrame_t) {
	s.Lock()
	defer s.Unlock()

	cur := core.Cur
	if cur != nil && cur.exiting {
		s.deleteThread(cur)
		core.Cur = nil
		cur = nil
	}

	if s.ready.Len() == 0 {
		if cur == nil {
			*frame = s.idleFrame
			core.Cur = nil
		}
		return
	}

	if cur != nil {
		cur.Frame = *frame
		cur.Accnt.Stop()
		s.ready.PushBack(cur)
	}

	e := s.ready.Front()
	s.ready.Remove(e)
	next := e.Value.(*Thread_t)
	next.Proc.As.SetCurrent()
	*frame = next.Frame
	next.Accnt.Start()
	core.Cur = next
}

// TaskExit implements task_exit: it marks t exiting; the next scheduler
// tick on the core running t reaps it via TaskSwitch.
func (s *Sched_t) TaskExit(t *Thread_t) {
	s.Lock()
	t.exiting = true
	s.Unlock()
}

// TaskFork implements task_fork (§4.6): a new process is created
// sharing the parent's kernel half and copy-on-write over its user
// half, with t mirrored as the child's sole thread (tid 1, the same
// saved context, its stack inherited as COW, an empty IPC stack).
func (s *Sched_t) TaskFork(t *Thread_t) (*Process_t, defs.Err_t) {
	s.Lock()
	defer s.Unlock()

	parent := t.Proc
	childAs, err := vm.NewVm(s.Phys, s.Arch)
	if err != 0 {
		return nil, err
	}
	parent.As.CloneHigherHalf(childAs)
	if err := parent.As.ForkCOW(childAs); err != 0 {
		childAs.Free()
		return nil, err
	}

	pid := s.nextPid
	s.nextPid++
	child := &Process_t{Pid: pid, As: childAs, Image: parent.Image, Parent: parent, nextTid: 2}

	childThread := &Thread_t{
		Tid:        1,
		Proc:       child,
		Frame:      t.Frame,
		stackBase:  t.stackBase,
		stackPages: t.stackPages,
	}
	child.Threads = append(child.Threads, childThread)
	parent.Children = append(parent.Children, child)
	s.procs[pid] = child
	s.ready.PushBack(childThread)
	return child, 0
}

// TaskExec implements task_exec (§4.6). It validates and loads the new
// image into a fresh address space before mutating any of the calling
// process's existing state, so a NotFound or InvalidElf failure leaves
// the process exactly as it was.
func (s *Sched_t) TaskExec(t *Thread_t, path ustr.Ustr) defs.Err_t {
	h, err := s.Vfs.FindNode(path)
	if err != 0 {
		return err
	}

	s.Lock()
	defer s.Unlock()

	p := t.Proc
	newAs, err := s.newAddrSpace()
	if err != 0 {
		return err
	}
	img, err := elf.Load(h, newAs, s.Phys, s.Mach)
	if err != 0 {
		newAs.Free()
		return err
	}

	for _, other := range append([]*Thread_t{}, p.Threads...) {
		if other != t {
			s.deleteThread(other)
		}
	}
	if t.IPCStack != nil {
		t.IPCStack.Free()
		t.IPCStack = nil
	}
	s.unmapStack(t)

	oldAs := p.As
	p.As = newAs
	p.Image = img
	p.nextTid = 1
	oldAs.Free()

	top, base, err := s.mapStack(newAs, 1)
	if err != 0 {
		return err
	}
	t.Tid = 1
	p.nextTid = 2
	t.stackBase = base
	t.stackPages = limits.Syslimit.UserStackPages
	t.Frame = InterruptFrame_t{IP: img.Entry, SP: top}
	t.IsIPCHandler = false
	newAs.SetCurrent()
	return 0
}

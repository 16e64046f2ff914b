// Package ipc implements the kernel's only communication primitive: a
// per-thread argument stack plus METHOD/SIGNAL/TARGETED_SIGNAL dispatch
// between processes, per §4.7. No teacher package implements anything
// like this — biscuit's own IPC is a Unix-shaped syscall table
// (open/read/write/fork/exec) with no argument-stack or handler-thread
// concept — so the shape here is new code grounded in the idioms the
// rest of this kernel already established: a hashtable-backed service
// table the same way the teacher's fs/super.go block cache reaches for a generic
// collection type instead of hand-rolling one, and handler-thread
// creation delegated straight to proc.Sched_t.NewThread the same way
// the scheduler itself is the only thing that knows how to build a
// runnable thread.
package ipc

import "kernel/biscuit/src/circbuf"
import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/hashtable"
import "kernel/biscuit/src/mem"
import "kernel/biscuit/src/proc"
import "kernel/biscuit/src/ustr"
import "kernel/biscuit/src/vm"

// Kind_t tags an IPC argument as the spec's Primitive/Array variant.
type Kind_t int

const (
	Primitive Kind_t = iota
	Array
)

// Param_t is one entry of a thread's IPC argument stack. The kernel
// owns Bytes for the lifetime of an Array entry — it is a private copy
// made at PUSH time, never an alias of user memory.
type Param_t struct {
	Kind  Kind_t
	Prim  uint64
	Bytes []uint8
}

// RawParam_t is what PUSH receives before it has touched the caller's
// address space: for Array, UserPtr/Len describe where to CopyIn from.
type RawParam_t struct {
	Kind    Kind_t
	Prim    uint64
	UserPtr uintptr
	Len     int
}

// Stack_t is the concrete per-thread IPC argument stack. It implements
// proc.ArgStack_i so proc.Sched_t can release it on thread teardown
// without this package's types ever crossing into proc.
type Stack_t struct {
	params []Param_t
}

// Free drops every reference this stack holds. Called by
// task_delete_thread for a non-handler thread's own stack.
func (s *Stack_t) Free() { s.params = nil }

func (s *Stack_t) push(p Param_t) { s.params = append(s.params, p) }

func (s *Stack_t) peek() (Param_t, bool) {
	if len(s.params) == 0 {
		return Param_t{}, false
	}
	return s.params[len(s.params)-1], true
}

func (s *Stack_t) pop() (Param_t, bool) {
	p, ok := s.peek()
	if ok {
		s.params = s.params[:len(s.params)-1]
	}
	return p, ok
}

// snapshot deep-copies the stack, giving each SIGNAL recipient its own
// Array buffers per §4.7 ("the kernel allocates its own array buffers
// per recipient").
func (s *Stack_t) snapshot() *Stack_t {
	out := make([]Param_t, len(s.params))
	for i, p := range s.params {
		np := p
		if p.Kind == Array {
			np.Bytes = append([]uint8(nil), p.Bytes...)
		}
		out[i] = np
	}
	return &Stack_t{params: out}
}

func stackOf(t *proc.Thread_t) *Stack_t {
	if s, ok := t.IPCStack.(*Stack_t); ok {
		return s
	}
	s := &Stack_t{}
	t.IPCStack = s
	return s
}

func popArray(t *proc.Thread_t) ([]uint8, bool) {
	p, ok := stackOf(t).pop()
	if !ok || p.Kind != Array {
		return nil, false
	}
	return p.Bytes, true
}

func popPrim(t *proc.Thread_t) (uint64, bool) {
	p, ok := stackOf(t).pop()
	if !ok || p.Kind != Primitive {
		return 0, false
	}
	return p.Prim, true
}

// serviceEntry_t is one row of the GlobalNameService table.
type serviceEntry_t struct {
	pid   defs.Pid_t
	entry uintptr
}

const (
	iidLocalNameService  = 0
	iidGlobalNameService = 1
	iidStdio             = 2

	midLNSFindInterface = 0
	midLNSFindMethod    = 1

	midGNSFindDestination       = 0
	midGNSRegisterDestination   = 1
	midGNSUnregisterDestination = 2

	midStdioRead  = 0
	midStdioWrite = 1
	midStdioFlush = 2
)

var interfaceNames = map[string]int{
	"LocalNameService":  iidLocalNameService,
	"GlobalNameService": iidGlobalNameService,
	"Stdio":             iidStdio,
}

var methodNames = map[int]map[string]int{
	iidLocalNameService: {
		"FindInterface": midLNSFindInterface,
		"FindMethod":    midLNSFindMethod,
	},
	iidGlobalNameService: {
		"FindDestination":       midGNSFindDestination,
		"RegisterDestination":   midGNSRegisterDestination,
		"UnregisterDestination": midGNSUnregisterDestination,
	},
	iidStdio: {
		"Read":  midStdioRead,
		"Write": midStdioWrite,
		"Flush": midStdioFlush,
	},
}

// Core_t is the IPC core: the scheduler it spins up handler threads
// through, the GlobalNameService's service table, and the Stdio debug
// sink.
type Core_t struct {
	sched    *proc.Sched_t
	services *hashtable.Hashtable_t // ustr.Ustr name -> serviceEntry_t
	stdio    *circbuf.Circbuf_t
}

// NewCore creates an IPC core bound to sched, with phys supplying the
// Stdio sink's backing page.
func NewCore(sched *proc.Sched_t, phys mem.Page_i) *Core_t {
	sink := &circbuf.Circbuf_t{}
	sink.Cb_init(mem.PGSIZE, phys)
	return &Core_t{
		sched:    sched,
		services: hashtable.MkHash(64),
		stdio:    sink,
	}
}

// Push implements PUSH (§4.7): it rejects an Array pointer in the
// kernel half, copies the bytes in, and appends the parameter to t's
// IPC argument stack.
func (c *Core_t) Push(t *proc.Thread_t, as *vm.Vm_t, p RawParam_t) defs.Err_t {
	if p.Kind == Primitive {
		stackOf(t).push(Param_t{Kind: Primitive, Prim: p.Prim})
		return 0
	}
	if vm.IsKernelVA(p.UserPtr) {
		return defs.EPERM
	}
	buf := make([]uint8, p.Len)
	if err := as.CopyIn(p.UserPtr, buf); err != 0 {
		return err
	}
	stackOf(t).push(Param_t{Kind: Array, Bytes: buf})
	return 0
}

func (c *Core_t) copyOutIfArray(as *vm.Vm_t, p Param_t, userOut uintptr) defs.Err_t {
	if p.Kind != Array || userOut == 0 {
		return 0
	}
	if vm.IsKernelVA(userOut) {
		return defs.EPERM
	}
	return as.CopyOut(userOut, p.Bytes)
}

// Peek implements PEEK (§4.7): returns the top of t's IPC argument
// stack, optionally copying an Array's bytes out to userOut.
func (c *Core_t) Peek(t *proc.Thread_t, as *vm.Vm_t, userOut uintptr) (Param_t, defs.Err_t) {
	p, ok := stackOf(t).peek()
	if !ok {
		return Param_t{}, defs.EINVAL
	}
	if err := c.copyOutIfArray(as, p, userOut); err != 0 {
		return Param_t{}, err
	}
	return p, 0
}

// Pop implements POP (§4.7): as Peek, but removes the entry on success.
func (c *Core_t) Pop(t *proc.Thread_t, as *vm.Vm_t, userOut uintptr) (Param_t, defs.Err_t) {
	p, ok := stackOf(t).peek()
	if !ok {
		return Param_t{}, defs.EINVAL
	}
	if err := c.copyOutIfArray(as, p, userOut); err != 0 {
		return Param_t{}, err
	}
	stackOf(t).pop()
	return p, 0
}

// spawnHandler creates a handler thread in target, landing at entry
// with {iid, mid, caller_pid} in its first three argument registers,
// and installs stack as its IPC argument stack. Callers must hold the
// scheduler's task lock.
func (c *Core_t) spawnHandler(target *proc.Process_t, entry uintptr, iid, mid int, callerPid defs.Pid_t, stack *Stack_t) defs.Err_t {
	ht, err := c.sched.NewThread(target, entry, true)
	if err != 0 {
		return err
	}
	ht.Frame.Arg0 = uintptr(iid)
	ht.Frame.Arg1 = uintptr(mid)
	ht.Frame.Arg2 = uintptr(callerPid)
	ht.IPCStack = stack
	return 0
}

// Method implements METHOD (§4.7). target_pid == 0 dispatches to the
// in-kernel interfaces; otherwise the caller's IPC argument stack is
// moved (not copied) into a freshly spawned handler thread in the
// target process, and Method returns immediately.
func (c *Core_t) Method(caller *proc.Thread_t, as *vm.Vm_t, targetPid defs.Pid_t, iid, mid int) (int64, defs.Err_t) {
	if targetPid == 0 {
		return c.dispatchKernel(caller, as, iid, mid)
	}

	c.sched.Lock()
	defer c.sched.Unlock()

	target, ok := c.sched.Proc(targetPid)
	if !ok || !target.HasIPCEntry {
		return -1, defs.ENOENT
	}
	callerStack := stackOf(caller)
	if err := c.spawnHandler(target, target.IPCEntryPoint, iid, mid, caller.Proc.Pid, callerStack); err != 0 {
		return -1, err
	}
	caller.IPCStack = nil
	return 0, 0
}

// broadcastSignal is shared by SIGNAL and TARGETED_SIGNAL: it creates
// one handler thread per recipient, each with its own copy of the
// sender's argument stack.
func (c *Core_t) broadcastSignal(caller *proc.Thread_t, recipients []*proc.Process_t, iid, sid int) defs.Err_t {
	c.sched.Lock()
	defer c.sched.Unlock()

	callerStack := stackOf(caller)
	for _, target := range recipients {
		if target == caller.Proc || !target.HasIPCEntry {
			continue
		}
		if err := c.spawnHandler(target, target.IPCEntryPoint, iid, sid, caller.Proc.Pid, callerStack.snapshot()); err != 0 {
			return err
		}
	}
	return 0
}

// Signal implements SIGNAL (§4.7): every process with a registered IPC
// entry point except the sender receives a handler thread.
func (c *Core_t) Signal(caller *proc.Thread_t, iid, sid int) defs.Err_t {
	c.sched.Lock()
	all := c.sched.Procs()
	c.sched.Unlock()
	return c.broadcastSignal(caller, all, iid, sid)
}

// TargetedSignal implements TARGETED_SIGNAL (§4.7): as Signal, but to
// exactly one process.
func (c *Core_t) TargetedSignal(caller *proc.Thread_t, targetPid defs.Pid_t, iid, sid int) defs.Err_t {
	c.sched.Lock()
	target, ok := c.sched.Proc(targetPid)
	c.sched.Unlock()
	if !ok {
		return defs.ENOENT
	}
	return c.broadcastSignal(caller, []*proc.Process_t{target}, iid, sid)
}

// Exit implements EXIT (§4.7): marks the calling (handler) thread
// exiting and lets the next scheduler tick reap it.
func (c *Core_t) Exit(t *proc.Thread_t) {
	c.sched.TaskExit(t)
}

// dispatchKernel handles target_pid == 0: LocalNameService,
// GlobalNameService, and Stdio, per §4.7's kernel interface table. The
// in-kernel handler pops its own arguments straight off the caller's
// IPC argument stack — there is no handler thread to hand them to — in
// the reverse of the order §4.7 lists them (the last-listed argument
// was PUSHed last, so it's on top).
func (c *Core_t) dispatchKernel(caller *proc.Thread_t, as *vm.Vm_t, iid, mid int) (int64, defs.Err_t) {
	switch iid {
	case iidLocalNameService:
		return c.localNameService(caller, mid)
	case iidGlobalNameService:
		return c.globalNameService(caller, mid)
	case iidStdio:
		return c.stdioService(caller, mid)
	}
	return -1, 0
}

func (c *Core_t) localNameService(caller *proc.Thread_t, mid int) (int64, defs.Err_t) {
	switch mid {
	case midLNSFindInterface:
		name, ok := popArray(caller)
		if !ok {
			return -1, 0
		}
		id, ok := interfaceNames[string(name)]
		if !ok {
			return -1, 0
		}
		return int64(id), 0
	case midLNSFindMethod:
		name, ok := popArray(caller)
		if !ok {
			return -1, 0
		}
		iidArg, ok := popPrim(caller)
		if !ok {
			return -1, 0
		}
		methods, ok := methodNames[int(iidArg)]
		if !ok {
			return -1, 0
		}
		id, ok := methods[string(name)]
		if !ok {
			return -1, 0
		}
		return int64(id), 0
	}
	return -1, 0
}

func (c *Core_t) globalNameService(caller *proc.Thread_t, mid int) (int64, defs.Err_t) {
	switch mid {
	case midGNSFindDestination:
		name, ok := popArray(caller)
		if !ok {
			return -1, 0
		}
		v, ok := c.services.Get(ustr.Ustr(name))
		if !ok {
			return -1, 0
		}
		return int64(v.(serviceEntry_t).pid), 0
	case midGNSRegisterDestination:
		entry, ok := popPrim(caller)
		if !ok {
			return -1, 0
		}
		name, ok := popArray(caller)
		if !ok {
			return -1, 0
		}
		pid := caller.Proc.Pid
		key := ustr.Ustr(append([]uint8(nil), name...))
		row := serviceEntry_t{pid: pid, entry: uintptr(entry)}
		// §8.4: exactly one row may point at pid. Drop any row already
		// registered under a different name before inserting the new
		// one, so re-registering under a new name moves the row
		// instead of leaving the old name pointing at this pid too.
		for _, pair := range c.services.Elems() {
			if pair.Value.(serviceEntry_t).pid == pid {
				c.services.Del(pair.Key)
			}
		}
		c.services.Set(key, row)
		caller.Proc.IPCEntryPoint = uintptr(entry)
		caller.Proc.HasIPCEntry = true
		return int64(pid), 0
	case midGNSUnregisterDestination:
		name, ok := popArray(caller)
		if !ok {
			return -1, 0
		}
		key := ustr.Ustr(name)
		if _, existed := c.services.Get(key); !existed {
			return -1, 0
		}
		c.services.Del(key)
		return 0, 0
	}
	return -1, 0
}

func (c *Core_t) stdioService(caller *proc.Thread_t, mid int) (int64, defs.Err_t) {
	switch mid {
	case midStdioRead:
		return -1, 0
	case midStdioWrite:
		bytes, ok := popArray(caller)
		if !ok {
			return -1, 0
		}
		if err := c.stdio.Write(bytes); err != 0 {
			return -1, err
		}
		return 0, 0
	case midStdioFlush:
		return 0, 0
	}
	return -1, 0
}

// Drain exposes the Stdio sink's buffered bytes to the boot console
// writer; it is not part of the IPC syscall surface.
func (c *Core_t) Drain() []uint8 {
	return c.stdio.Drain()
}

// Package limits holds the kernel's static configuration: the handful of
// resource ceilings that bound scheduler and IPC behaviour. It is a
// narrowed version of the teacher's Syslimit_t, which additionally tracked
// per-subsystem limits (sockets, futexes, routing table entries, on-disk
// blocks) that have no counterpart in a microkernel with no network stack
// and no on-disk filesystem.
package limits

import "sync/atomic"
import "unsafe"

// Syslimit_t tracks system-wide resource limits. Only UserStackPages is
// read by kernel code (proc's user-stack mapping); the other fields are
// configured values that nothing checks or consumes.
type Syslimit_t struct {
	// Procs bounds the number of live processes (spec.md §4.6), protected
	// by the scheduler's task lock.
	Procs Sysatomic_t
	// ThreadsPerProc bounds a single process's thread list.
	ThreadsPerProc int
	// IPCStackDepth bounds the depth of a single thread's IPC argument
	// stack (spec.md §4.7).
	IPCStackDepth int
	// IPCArrayBytes bounds the size of a single Array IPC argument; see
	// spec.md invariant 8 (4 KiB).
	IPCArrayBytes int
	// UserStackPages is the fixed number of pages mapped for a new
	// thread's user stack (spec.md §4.6).
	UserStackPages int
	// HeapInitialPages is a configured initial heap size in pages; heap.New
	// does not read it, and the arena starts empty and grows a page at a
	// time (spec.md §4.3).
	HeapInitialPages int
}

// Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Procs:            4096,
		ThreadsPerProc:   256,
		IPCStackDepth:    64,
		IPCArrayBytes:    4096,
		UserStackPages:   4,
		HeapInitialPages: 16,
	}
}

// Sysatomic_t is a numeric limit that can be atomically updated.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	atomic.AddInt64(s._aptr(), n)
}

// Taken tries to decrement the limit by the provided amount.
// It returns true on success.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

// Take decrements the limit and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// Package accnt tracks per-thread CPU time. The scheduler (proc) stops the
// outgoing thread's clock and starts the incoming thread's clock on every
// task_switch, so a thread's Accnt_t always reflects time actually spent
// running on a core, not time spent ready or exiting-and-awaiting-reap.
package accnt

import "sync"
import "sync/atomic"
import "time"

import "kernel/biscuit/src/util"

// Accnt_t accumulates CPU time for one thread. Userns/Sysns are
// nanoseconds; the embedded mutex lets callers take a consistent snapshot
// when exporting usage.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
	running  bool
	lastswap int64
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Start marks this thread as having just been scheduled onto a core.
func (a *Accnt_t) Start() {
	a.Lock()
	a.running = true
	a.lastswap = a.Now()
	a.Unlock()
}

// Stop marks this thread as having just been taken off a core, crediting
// the elapsed time to Sysns. task_switch calls Stop on the outgoing thread
// and Start on the incoming one in the same critical section.
func (a *Accnt_t) Stop() {
	a.Lock()
	if a.running {
		a.Systadd(int(a.Now() - a.lastswap))
		a.running = false
	}
	a.Unlock()
}

// Add merges another accounting record into this one (e.g. a reaped
// child's time folded into its parent).
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	a.Unlock()
}

// Fetch returns a consistent {userns, sysns} snapshot encoded as two
// timeval-shaped 16-byte records, suitable for the Stdio debug interface
// to report scheduler health without a dedicated syscall.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	defer a.Unlock()
	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}

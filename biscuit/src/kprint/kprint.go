// Package kprint is the kernel's boot-progress and panic-dump printer:
// the code that puts lines on the debug console — boot's per-stage
// progress lines (including its PFA summary) and the VMM's fatal
// page-fault dump — calls Printf/Println here rather than writing to a
// device directly. It is grounded on gopher-os's
// kernel/kfmt early-formatted-print style by name only: that package's
// allocation-free hand-rolled verb parser exists to run before the Go
// runtime's allocator is up, a constraint this module's host-Go build
// doesn't share, so Printf here is a thin, ordinary fmt.Sprintf wrapper
// around a defs.ConsoleSink the concrete serial/VGA driver (§1
// Non-goals) would otherwise own.
package kprint

import (
	"fmt"
	"sync"

	"kernel/biscuit/src/defs"
)

var (
	mu   sync.Mutex
	sink defs.ConsoleSink
)

// SetSink installs s as the console every subsequent Printf/Println
// writes to. Passing nil silently drops output, which is what every
// call site sees before boot installs the real console (or a test
// installs a capture buffer).
func SetSink(s defs.ConsoleSink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

// Printf formats according to format and writes the result to the
// installed console.
func Printf(format string, args ...interface{}) {
	write(fmt.Sprintf(format, args...))
}

// Println formats args with a trailing newline, the same as
// fmt.Sprintln, and writes the result to the installed console.
func Println(args ...interface{}) {
	write(fmt.Sprintln(args...))
}

func write(s string) {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return
	}
	sink.Write([]byte(s))
}

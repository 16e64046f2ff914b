// Package defs holds the identifier and error types shared across every
// kernel subsystem so that none of them need to import one another just to
// agree on what a process id or a failure code looks like.
package defs

// Err_t is the kernel-wide error return type. Every fallible kernel entry
// point returns an Err_t: 0 means success, a negative value identifies the
// failure. Entry points that produce an identifier on success (e.g. a pid)
// return that identifier (>= 0) directly instead.
type Err_t int

// Named error kinds from the error handling design.
const (
	EOOM   Err_t = -1 // OutOfMemory
	ERANGE Err_t = -2 // OutOfRange
	ENOENT Err_t = -3 // NotFound
	EINVAL Err_t = -4 // InvalidArgument
	EELF   Err_t = -5 // InvalidElf
	EPERM  Err_t = -6 // PermissionDenied (pointer into kernel half from user space)
	EEXIST Err_t = -7 // AlreadyExists
	ENOSYS Err_t = -8 // Unsupported
	EFAULT Err_t = -9 // BadAddress (unmapped or non-present user page)
)

// Pid_t identifies a process. The first process ever created has Pid_t(1);
// Pid_t(0) is reserved to mean "the kernel itself" in IPC target fields.
type Pid_t int

// Tid_t identifies a thread, unique only within its owning process.
type Tid_t int

// Iid_t and Mid_t/Sid_t identify, respectively, an IPC interface and the
// method or signal id within it (spec.md §4.7).
type Iid_t int
type Mid_t int
type Sid_t int

// Device ids. The only device this kernel has is the debug console; unlike
// the teacher's Unix-shaped device table (sockets, raw disk, /dev/null) this
// kernel exposes devices exclusively through the Stdio IPC interface, not
// through file descriptors.
const (
	D_CONSOLE int = 1
)

// ConsoleSink is the boot-console output target kprint writes through.
// Any io.Writer satisfies it; the concrete serial/VGA driver behind it
// is out of scope (§1 Non-goals) — tests supply a bytes.Buffer instead.
type ConsoleSink interface {
	Write(p []byte) (int, error)
}

// Package stat describes the metadata fs.Stat returns for a RAMFS node.
// It is a deliberately narrowed version of the teacher's Unix-shaped
// Stat_t: this kernel has no uid/gid, no on-disk device, and no block
// allocation, so only kind and size survive.
package stat

import "unsafe"

// Stat_t mirrors a RAMFS node's metadata.
type Stat_t struct {
	_mode uint
	_size uint
}

// Wmode records the file kind (see fs.FILE/DIR).
func (st *Stat_t) Wmode(v uint) {
	st._mode = v
}

// Wsize records the file size.
func (st *Stat_t) Wsize(v uint) {
	st._size = v
}

// Mode returns the stored kind.
func (st *Stat_t) Mode() uint {
	return st._mode
}

// Size returns the stored size.
func (st *Stat_t) Size() uint {
	return st._size
}

// Bytes exposes the raw bytes of the structure, e.g. to hand back to a
// caller via IPC without a separate marshalling step.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._mode))
	return sl[:]
}

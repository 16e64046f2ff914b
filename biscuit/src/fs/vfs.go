package fs

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/stat"
import "kernel/biscuit/src/ustr"

// mount_t records one mounted RAMFS tree under the path prefix it owns.
// A real VFS would hold a driver interface here rather than a concrete
// *RamfsNode_t, but this kernel never grows a second driver kind, so
// the mount list stays this narrow rather than carrying an unused
// abstraction.
type mount_t struct {
	prefix ustr.Ustr
	root   *RamfsNode_t
}

// Vfs_t is the mount list described by §4.4, held as a slice: Mount
// appends new entries, and lookups walk the list picking whichever
// mount's prefix shares the longest run of leading characters with the
// requested path.
type Vfs_t struct {
	mounts []mount_t
}

// NewVfs creates an empty mount table.
func NewVfs() *Vfs_t {
	return &Vfs_t{}
}

// Mount adds a RAMFS tree at prefix. The first mount should use "/" so
// every path resolves to at least one candidate.
func (v *Vfs_t) Mount(prefix ustr.Ustr, root *RamfsNode_t) {
	v.mounts = append(v.mounts, mount_t{prefix: prefix, root: root})
}

func commonPrefixLen(a, b ustr.Ustr) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// mountFor returns the mount whose prefix shares the longest common run
// of characters with path, per §4.4.
func (v *Vfs_t) mountFor(path ustr.Ustr) (*mount_t, bool) {
	best := -1
	bestLen := -1
	for i := range v.mounts {
		l := commonPrefixLen(v.mounts[i].prefix, path)
		if l > bestLen {
			bestLen = l
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	return &v.mounts[best], true
}

// FindNode dispatches path to the owning mount's driver with the path
// suffix past that mount's prefix.
func (v *Vfs_t) FindNode(path ustr.Ustr) (*Handle_t, defs.Err_t) {
	m, ok := v.mountFor(path)
	if !ok {
		return nil, defs.ENOENT
	}
	suffix := path[len(m.prefix):]
	return m.root.FindNode(suffix)
}

// Stat resolves path and returns its metadata.
func (v *Vfs_t) Stat(path ustr.Ustr) (stat.Stat_t, defs.Err_t) {
	h, err := v.FindNode(path)
	if err != 0 {
		return stat.Stat_t{}, err
	}
	return h.Stat(), 0
}

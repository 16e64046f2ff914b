package fs

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/stat"
import "kernel/biscuit/src/ustr"

// Kind_t enumerates the RAMFS node kinds this kernel supports. There is
// no symlink or device node: everything the initrd can carry is either
// a directory or a regular file.
type Kind_t uint

const (
	FILE Kind_t = iota
	DIR
)

// RamfsNode_t is one node of the in-memory filesystem tree built by the
// tar ingest at boot. A FILE node's data slice aims directly into the
// initrd image — no copy is made — so the tree is read-only for the
// lifetime of the kernel.
type RamfsNode_t struct {
	name     ustr.Ustr
	kind     Kind_t
	data     []uint8
	children []*RamfsNode_t
	parent   *RamfsNode_t
}

// NewRoot creates an empty root directory, per §4.4 "whose root has the
// empty path".
func NewRoot() *RamfsNode_t {
	return &RamfsNode_t{name: ustr.MkUstr(), kind: DIR}
}

func (n *RamfsNode_t) lookupChild(name ustr.Ustr) (*RamfsNode_t, bool) {
	for _, c := range n.children {
		if c.name.Eq(name) {
			return c, true
		}
	}
	return nil, false
}

// Mkdir appends a new, empty subdirectory named name to parent's
// children. It does not check for an existing child with the same name:
// tar ingest only calls it once per missing intermediate directory.
func (n *RamfsNode_t) Mkdir(name ustr.Ustr) *RamfsNode_t {
	c := &RamfsNode_t{name: name, kind: DIR, parent: n}
	n.children = append(n.children, c)
	return c
}

// Mkfile appends a new regular file named name, backed by data, to
// parent's children.
func (n *RamfsNode_t) Mkfile(name ustr.Ustr, data []uint8) *RamfsNode_t {
	c := &RamfsNode_t{name: name, kind: FILE, data: data, parent: n}
	n.children = append(n.children, c)
	return c
}

// MkdirAll walks (creating as needed) each intermediate directory named
// by toks, returning the final directory node. It never creates a
// duplicate: an existing child with the right name and DIR kind is
// reused.
func (n *RamfsNode_t) MkdirAll(toks []ustr.Ustr) (*RamfsNode_t, defs.Err_t) {
	cur := n
	for _, t := range toks {
		if t.Isdot() {
			continue
		}
		if c, ok := cur.lookupChild(t); ok {
			if c.kind != DIR {
				return nil, defs.EINVAL
			}
			cur = c
			continue
		}
		cur = cur.Mkdir(t)
	}
	return cur, 0
}

// Handle_t is a resolved reference to a RAMFS node, returned by
// find_node with cursor reset to 0 and size set to the file's length,
// per §4.4.
type Handle_t struct {
	node   *RamfsNode_t
	Cursor int
	Size   int
}

// FindNode tokenizes suffix on "/" and walks the tree from n, failing
// with NotFound as soon as a component is missing.
func (n *RamfsNode_t) FindNode(suffix ustr.Ustr) (*Handle_t, defs.Err_t) {
	cur := n
	for _, tok := range suffix.Tokenize() {
		if tok.Isdot() {
			continue
		}
		if tok.Isdotdot() {
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}
		child, ok := cur.lookupChild(tok)
		if !ok {
			return nil, defs.ENOENT
		}
		cur = child
	}
	return &Handle_t{node: cur, Cursor: 0, Size: len(cur.data)}, 0
}

// Read copies up to n bytes starting at cursor into dst, failing if the
// request would read past the file's length, per §4.4. Reading a
// directory handle always fails.
func (h *Handle_t) Read(dst []uint8, cursor, n int) (int, defs.Err_t) {
	if h.node.kind != FILE {
		return 0, defs.EINVAL
	}
	if cursor < 0 || n < 0 || cursor+n > h.Size {
		return 0, defs.EINVAL
	}
	c := copy(dst, h.node.data[cursor:cursor+n])
	return c, 0
}

// Stat fills out a stat.Stat_t describing the handle's node.
func (h *Handle_t) Stat() stat.Stat_t {
	var st stat.Stat_t
	if h.node.kind == DIR {
		st.Wmode(uint(DIR))
	} else {
		st.Wmode(uint(FILE))
	}
	st.Wsize(uint(h.Size))
	return st
}

// Children lists the names of a directory handle's immediate entries.
func (h *Handle_t) Children() []ustr.Ustr {
	if h.node.kind != DIR {
		return nil
	}
	names := make([]ustr.Ustr, len(h.node.children))
	for i, c := range h.node.children {
		names[i] = c.name
	}
	return names
}

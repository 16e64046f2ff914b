package fs

import "kernel/biscuit/src/defs"
import "kernel/biscuit/src/ustr"

// USTAR header layout (all kernel decode needs): name at [0:100], size
// as ASCII octal at [124:136], typeflag at [156], magic at [257:263].
const (
	tarBlock     = 512
	tarNameOff   = 0
	tarNameLen   = 100
	tarSizeOff   = 124
	tarSizeLen   = 12
	tarTypeOff   = 156
	tarMagicOff  = 257
	tarMagicLen  = 6
	tarRegular   = '0'
	tarRegularAlt = 0
)

func tarIsUstar(hdr []uint8) bool {
	m := hdr[tarMagicOff : tarMagicOff+tarMagicLen]
	return string(m) == "ustar\x00" || string(m) == "ustar "
}

func tarName(hdr []uint8) ustr.Ustr {
	return ustr.MkUstrSlice(hdr[tarNameOff : tarNameOff+tarNameLen])
}

func tarOctal(f []uint8) int {
	n := 0
	for _, c := range f {
		if c < '0' || c > '7' {
			break
		}
		n = n*8 + int(c-'0')
	}
	return n
}

func tarSize(hdr []uint8) int {
	return tarOctal(hdr[tarSizeOff : tarSizeOff+tarSizeLen])
}

func roundUp(n, to int) int {
	if n%to == 0 {
		return n
	}
	return n + (to - n%to)
}

// Ingest parses image as a USTAR archive and populates root with a
// directory for every intermediate path component and a file for every
// regular-file entry, per §4.4. A regular-file entry whose path ends
// in "/" is malformed and fails the whole ingest with InvalidArgument,
// per the Open Question resolution recorded in DESIGN.md.
func Ingest(root *RamfsNode_t, image []uint8) defs.Err_t {
	off := 0
	for off+tarBlock <= len(image) {
		hdr := image[off : off+tarBlock]
		if !tarIsUstar(hdr) {
			break
		}
		typeflag := hdr[tarTypeOff]
		size := tarSize(hdr)
		name := tarName(hdr)
		off += tarBlock

		if off+size > len(image) {
			return defs.EINVAL
		}
		data := image[off : off+size]
		off += roundUp(size, tarBlock)

		if typeflag != tarRegular && typeflag != tarRegularAlt {
			continue
		}
		if len(name) > 0 && name[len(name)-1] == '/' {
			return defs.EINVAL
		}
		toks := name.Tokenize()
		if len(toks) == 0 {
			return defs.EINVAL
		}
		dir, err := root.MkdirAll(toks[:len(toks)-1])
		if err != 0 {
			return err
		}
		dir.Mkfile(toks[len(toks)-1], data)
	}
	return 0
}

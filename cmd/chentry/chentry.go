// Command chentry modifies the entry address of a kernel ELF binary
// before the bootloader hands control to it. It supports both the
// amd64 and arm64 kernel images this kernel builds, unlike the
// single-architecture tool it's descended from.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"golang.org/x/arch/x86/x86asm"
)

// usage prints a small help message and terminates the program.
func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// chkELF validates the ELF file header to ensure we are modifying the correct
// type of binary.  It exits the program if any of the checks fail.
func chkELF(eh *elf.FileHeader) {
	// Verify the magic bytes at the start of the file.
	if eh.Ident[0] != 0x7f || string(eh.Ident[1:4]) != "ELF" {
		log.Fatal("not an elf")
	}
	if eh.Ident[elf.EI_DATA] != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_X86_64 && eh.Machine != elf.EM_AARCH64 {
		log.Fatal("not a supported 64 bit kernel image")
	}
}

// sanityDisasm decodes the first instruction at the kernel's current
// entry point, on amd64 images only, so an obviously corrupt image
// (wrong architecture, truncated segment) is caught before its entry
// is rewritten instead of after the bootloader jumps into garbage.
func sanityDisasm(ef *elf.File) {
	if ef.Machine != elf.EM_X86_64 {
		return
	}
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if ef.Entry < prog.Vaddr || ef.Entry >= prog.Vaddr+prog.Filesz {
			continue
		}
		off := ef.Entry - prog.Vaddr
		buf := make([]byte, 16)
		sr := prog.Open()
		if _, err := sr.ReadAt(buf, int64(off)); err != nil {
			return
		}
		if _, err := x86asm.Decode(buf, 64); err != nil {
			log.Fatalf("entry point does not decode as a valid instruction: %v", err)
		}
		return
	}
}

// main drives the entry point update.  It expects a filename and an address
// value on the command line and rewrites the ELF header accordingly.
func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry is 64bit pointer; bootloader will perish")
	}
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)
	sanityDisasm(ef)

	fmt.Printf("using address 0x%x\n", addr)
	ef.FileHeader.Entry = addr

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, &ef.FileHeader); err != nil {
		log.Fatal(err)
	}
}

// parseAddr converts the supplied string into a uint64 address.  The syntax
// matches that of C's strtoul with a base of 0, allowing both decimal and
// hexadecimal numbers.
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}

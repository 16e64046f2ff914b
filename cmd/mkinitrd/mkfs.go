// Command mkinitrd builds the USTAR initrd archive the kernel's
// fs.Ingest parses at boot (spec §4.4/§6). It walks a skeleton
// directory on the host exactly the way the teacher's own mkfs walked
// one to populate a UFS disk image — addfiles below is that same
// filepath.WalkDir structure — but instead of writing inode blocks
// into a ufs.Ufs_t it appends a tar header+body pair per regular file
// to an archive/tar.Writer, since this kernel boots from a tar-backed
// RAMFS rather than a block-addressed on-disk filesystem.
package main

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// addfiles walks skeldir on the host and writes one USTAR entry per
// regular file into tw, using the path relative to skeldir (with the
// host's separator normalized to "/") as the tar entry name.
func addfiles(tw *tar.Writer, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access %q: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}

		rel := strings.TrimPrefix(path, skeldir)
		rel = strings.TrimPrefix(rel, string(filepath.Separator))
		rel = filepath.ToSlash(rel)
		if rel == "" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %q: %w", path, err)
		}

		hdr := &tar.Header{
			Name:     rel,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     info.Size(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %q: %w", rel, err)
		}

		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %q: %w", path, err)
		}
		defer src.Close()

		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("failed to copy %q into archive: %w", path, err)
		}
		return nil
	})
}

// main is the entry point for mkinitrd. It produces a USTAR archive at
// <output> containing every regular file under <skel dir>.
func main() {
	if len(os.Args) != 3 {
		fmt.Printf("Usage: mkinitrd <output archive> <skel dir>\n")
		os.Exit(1)
	}
	outPath, skeldir := os.Args[1], os.Args[2]

	out, err := os.Create(outPath)
	if err != nil {
		fmt.Printf("failed to create %q: %v\n", outPath, err)
		os.Exit(1)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	if err := addfiles(tw, skeldir); err != nil {
		fmt.Printf("error building initrd: %v\n", err)
		os.Exit(1)
	}
	if err := tw.Close(); err != nil {
		fmt.Printf("failed to finalize archive: %v\n", err)
		os.Exit(1)
	}
}

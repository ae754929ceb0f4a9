// Package archive bundles job artifacts into a single deflate-compressed ZIP.
// Entries are streamed from disk and the writer switches to ZIP64 records
// on its own when an entry or the archive outgrows the classic limits.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
)

// Entry is one file to add; Name is the path inside the archive.
type Entry struct {
	Name string
	Path string
}

// FromPaths builds entries named after the base name of each path.
func FromPaths(paths ...string) []Entry {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, Entry{Name: filepath.Base(p), Path: p})
	}
	return entries
}

// Pack writes entries to dst. The archive is built next to dst and renamed
// into place, so dst is either complete or untouched.
func Pack(dst string, entries []Entry) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := Write(bw, entries); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("publish archive: %w", err)
	}
	return nil
}

// Write streams entries as a ZIP archive to w.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return fmt.Errorf("duplicate archive entry %q", e.Name)
		}
		seen[e.Name] = true
		if err := addFile(zw, e); err != nil {
			return fmt.Errorf("add %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, e Entry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = e.Name
	hdr.Method = zip.Deflate
	hdr.Modified = info.ModTime().UTC().Truncate(time.Second)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

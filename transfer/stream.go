package transfer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"time"
)

// openAt opens a file positioned at offset.
func openAt(path string, offset int64) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("seek %q to %d: %w", path, offset, err)
		}
	}
	return file, nil
}

// zipStreamSize computes the exact body length of the streamed archive by
// dry-running the container with zero-filled content: the structure depends
// on names, sizes, and flags but not on the content bytes themselves.
func zipStreamSize(files []FileEntry) (int64, error) {
	var counter countingWriter
	if err := writeZipInto(&counter, files, true); err != nil {
		return 0, err
	}
	return counter.n, nil
}

// openZipAt streams the archive through a pipe, discarding the first offset
// bytes for range resumes.
func openZipAt(files []FileEntry, offset int64) (io.Reader, func(), error) {
	pr, pw := io.Pipe()

	go func() {
		err := writeZipInto(pw, files, false)
		_ = pw.CloseWithError(err)
	}()

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, pr, offset); err != nil {
			_ = pr.Close()
			return nil, nil, fmt.Errorf("skip to zip offset %d: %w", offset, err)
		}
	}
	return pr, func() { _ = pr.Close() }, nil
}

// writeZipInto assembles the multi-file body: STORE method (no compression)
// with the UTF-8 filename flag. In dry mode the file contents are substituted
// with zeros of equal length, which preserves the stream length exactly.
func writeZipInto(w io.Writer, files []FileEntry, dry bool) error {
	archive := zip.NewWriter(w)

	for _, entry := range files {
		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Store,
			Modified: time.UnixMilli(entry.ModifiedTime),
		}
		// Bit 11 marks UTF-8 names; archive/zip only sets it for non-ASCII
		// names but mobile receivers expect it unconditionally.
		header.Flags |= 0x800

		dest, err := archive.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip entry %q: %w", entry.Name, err)
		}

		if dry {
			if _, err := io.CopyN(dest, zeroReader{}, entry.Size); err != nil {
				return fmt.Errorf("size zip entry %q: %w", entry.Name, err)
			}
			continue
		}

		source, err := os.Open(entry.Path)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}
		if _, err := io.CopyBuffer(dest, source, make([]byte, ChunkSize)); err != nil {
			_ = source.Close()
			return fmt.Errorf("stream %q into zip: %w", entry.Name, err)
		}
		if err := source.Close(); err != nil {
			return fmt.Errorf("close %q: %w", entry.Path, err)
		}
	}

	if err := archive.Close(); err != nil {
		return fmt.Errorf("finish zip stream: %w", err)
	}
	return nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

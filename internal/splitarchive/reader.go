// Package splitarchive decodes a tar archive that was split into several
// part files, without reassembling it on disk.
//
// The parts are presented as one forward-only byte stream, so an entry
// may begin in one part and end in the next. Entries are produced lazily
// and are not restartable: a new Reader must be created to read again.
package splitarchive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptArchive is returned when the tar container cannot be decoded.
var ErrCorruptArchive = errors.New("corrupt archive")

// Entry is one file of the archive. Its content can be read once, and only
// until the next call to Reader.Next.
type Entry struct {
	Path    string
	Size    int64
	Regular bool // false for directories, links, and other special entries

	r *Reader
}

func (e *Entry) Read(p []byte) (int, error) {
	n, err := e.r.tr.Read(p)
	if err != nil && err != io.EOF {
		return n, e.r.wrap(err)
	}
	return n, err
}

// Reader iterates the entries of a split archive.
type Reader struct {
	cat *concatReader
	tr  *tar.Reader
}

// NewReader returns a Reader over the parts of src. No part is opened
// until the first call to Next.
func NewReader(ctx context.Context, src Source) *Reader {
	cat := &concatReader{ctx: ctx, src: src}
	return &Reader{cat: cat, tr: tar.NewReader(cat)}
}

// Next advances to the next entry, skipping any unread content and
// padding of the current one. It returns io.EOF after the end-of-archive
// marker or at the end of the last part.
func (r *Reader) Next() (*Entry, error) {
	hdr, err := r.tr.Next()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, r.wrap(err)
	}
	return &Entry{
		Path:    hdr.Name,
		Size:    hdr.Size,
		Regular: hdr.Typeflag == tar.TypeReg,
		r:       r,
	}, nil
}

// PartsOpened returns how many parts have been opened so far.
func (r *Reader) PartsOpened() int {
	return r.cat.opened
}

// Close releases the part currently open, if any.
func (r *Reader) Close() error {
	return r.cat.Close()
}

// wrap classifies a read failure: part failures pass through unchanged,
// anything else means the container itself is malformed.
func (r *Reader) wrap(err error) error {
	if errors.Is(err, ErrPartUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCorruptArchive, err)
}

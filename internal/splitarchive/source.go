package splitarchive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"adsb_pings/internal/models"
)

// ErrPartUnavailable wraps failures to obtain a part (fetch or open),
// as opposed to failures decoding its bytes.
var ErrPartUnavailable = errors.New("archive part unavailable")

// Source supplies the parts of one split archive in concatenation order.
type Source interface {
	// Len returns the number of parts.
	Len() int
	// Open blocks until part i is complete locally and opens it.
	Open(ctx context.Context, i int) (io.ReadCloser, error)
}

// Files is a Source over part files already complete on disk.
type Files []models.LocalPart

func (f Files) Len() int { return len(f) }

func (f Files) Open(ctx context.Context, i int) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f[i].Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open part: %w", err)
	}
	return file, nil
}

// concatReader reads the parts of a Source back to back as one stream.
// Parts are opened lazily, one at a time, when the previous part is exhausted.
type concatReader struct {
	ctx    context.Context
	src    Source
	next   int
	cur    io.ReadCloser
	opened int
	err    error // sticky part failure
}

func (c *concatReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	for {
		if c.cur == nil {
			if c.next >= c.src.Len() {
				return 0, io.EOF
			}
			rc, err := c.src.Open(c.ctx, c.next)
			if err != nil {
				c.err = fmt.Errorf("%w: part %d: %w", ErrPartUnavailable, c.next, err)
				return 0, c.err
			}
			c.cur = rc
			c.opened++
		}

		n, err := c.cur.Read(p)
		if err == io.EOF {
			c.cur.Close()
			c.cur = nil
			c.next++
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.err = fmt.Errorf("%w: part %d: %w", ErrPartUnavailable, c.next, err)
			return n, c.err
		}
		return n, nil
	}
}

func (c *concatReader) Close() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	return err
}

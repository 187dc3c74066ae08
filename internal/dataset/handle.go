package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"

	atomicfile "github.com/natefinch/atomic"
)

// Handle gives access to the dataset file while the gate is held.
// It must not be retained past the function it was passed to.
type Handle struct {
	path   string
	closed atomic.Bool
}

// Path returns the dataset file path, for collaborators that open the
// file with their own driver. The file must be closed again before the
// mutation returns.
func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) check() error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	return nil
}

// Exists reports whether the dataset file is present.
func (h *Handle) Exists() (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	_, err := os.Stat(h.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("dataset: stat: %w", err)
}

// Size returns the dataset file size in bytes.
func (h *Handle) Size() (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	fi, err := os.Stat(h.path)
	if err != nil {
		return 0, fmt.Errorf("dataset: stat: %w", err)
	}
	return fi.Size(), nil
}

// ReadFile returns the full dataset contents.
func (h *Handle) ReadFile() ([]byte, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read: %w", err)
	}
	return data, nil
}

// WriteFile replaces the dataset contents. The new file is written to a
// temporary sibling and renamed into place, so readers never see a
// partial write.
func (h *Handle) WriteFile(data []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	if err := atomicfile.WriteFile(h.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("dataset: write: %w", err)
	}
	return nil
}

// CopyTo copies the dataset to dst. dst appears complete or not at all.
// It returns the number of bytes copied.
func (h *Handle) CopyTo(dst string) (int64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	src, err := os.Open(h.path)
	if err != nil {
		return 0, fmt.Errorf("dataset: open source: %w", err)
	}
	defer src.Close()

	cr := &countingReader{r: src}
	if err := atomicfile.WriteFile(dst, cr); err != nil {
		return 0, fmt.Errorf("dataset: copy to %s: %w", dst, err)
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

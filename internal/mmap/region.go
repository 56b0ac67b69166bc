package mmap

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrReleased is returned by reads after Release.
var ErrReleased = errors.New("mmap: region released")

// maxRegion bounds a single mapping; segment files are far smaller.
const maxRegion = 1 << 36

// Region is a read-only view of a whole file.
type Region struct {
	mu       sync.RWMutex
	data     []byte
	size     int
	unmap    func([]byte) error
	released bool
}

// Map maps the file at path.
func Map(path string) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size > maxRegion {
		return nil, errors.New("mmap: file too large: " + path)
	}
	if size == 0 {
		return &Region{}, nil
	}

	data, unmap, err := mapFile(f, int(size))
	if err != nil {
		return nil, err
	}
	return &Region{data: data, size: len(data), unmap: unmap}, nil
}

// Len returns the file size. It stays valid after Release.
func (r *Region) Len() int { return r.size }

// Bytes returns the mapped contents. The slice must not be used after
// Release.
func (r *Region) Bytes() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return nil, ErrReleased
	}
	return r.data, nil
}

// ReadAt copies from the mapping with io.ReaderAt semantics.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return 0, ErrReleased
	}
	if off < 0 {
		return 0, errors.New("mmap: negative offset")
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Release drops the pages and unmaps the file. Later calls are no-ops.
func (r *Region) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	data := r.data
	r.data = nil
	if len(data) == 0 || r.unmap == nil {
		return nil
	}
	return r.unmap(data)
}

package pmbackend

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// FileRegion is a file-backed Region. golang.org/x/exp/mmap only exposes
// a read-only ReaderAt, which is exactly what it's good for here: a fast
// bulk load of an existing region into memory at open time. All
// subsequent reads and writes go against that in-memory copy; Sync pushes
// it back out with a plain os.File.WriteAt.
type FileRegion struct {
	path  string
	file  *os.File
	bytes []byte
}

// CreateFile allocates a new region file of the given size, zero-filled,
// and opens it.
func CreateFile(path string, size int64) (*FileRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pmbackend: create region file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "pmbackend: truncate region file")
	}
	return &FileRegion{path: path, file: f, bytes: make([]byte, size)}, nil
}

// OpenFile loads an existing region file into memory via a read-only mmap
// pass, then keeps the file open for Sync.
func OpenFile(path string) (*FileRegion, error) {
	ro, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "pmbackend: mmap open region file")
	}
	defer ro.Close()

	size := ro.Len()
	buf := make([]byte, size)
	if _, err := ro.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "pmbackend: read region file")
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pmbackend: reopen region file for writing")
	}

	return &FileRegion{path: path, file: f, bytes: buf}, nil
}

func (r *FileRegion) Bytes() []byte { return r.bytes }
func (r *FileRegion) Size() int64   { return int64(len(r.bytes)) }

// Sync writes the in-memory region back to the file and fsyncs it.
func (r *FileRegion) Sync() error {
	if _, err := r.file.WriteAt(r.bytes, 0); err != nil {
		return errors.Wrap(err, "pmbackend: write region back to file")
	}
	return errors.Wrap(r.file.Sync(), "pmbackend: fsync region file")
}

func (r *FileRegion) Close() error {
	return r.file.Close()
}

// MemRegion is a pure in-memory Region, for tests that don't want real
// file I/O in the loop.
type MemRegion struct {
	bytes []byte
}

// NewMemRegion allocates a zero-filled in-memory region.
func NewMemRegion(size int64) *MemRegion {
	return &MemRegion{bytes: make([]byte, size)}
}

func (r *MemRegion) Bytes() []byte { return r.bytes }
func (r *MemRegion) Size() int64   { return int64(len(r.bytes)) }
func (r *MemRegion) Sync() error   { return nil }
func (r *MemRegion) Close() error  { return nil }

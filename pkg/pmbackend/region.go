// Package pmbackend models "a contiguous PM region mapped into the
// process address space" as a Go byte slice backed by a real file, so the
// core can dereference it directly instead of issuing read/write syscalls
// per block.
package pmbackend

// Region is a byte-addressable backing store for the filesystem core. Its
// Bytes slice is read and written directly by pkg/pmfs; Sync flushes that
// slice back to stable storage.
type Region interface {
	Bytes() []byte
	Size() int64
	Sync() error
	Close() error
}

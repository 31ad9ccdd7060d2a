package sab

import "errors"

// MemoryProvider abstracts access to memory shared between the driver, its
// clients and the (simulated) device. Implementations may be backed by mmap or
// by an in-process buffer.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not 4-byte aligned")
	ErrClosed      = errors.New("memory provider closed")
)

// inBounds reports whether [offset, offset+n) lies inside a region of size.
// Computed in 64 bits so offset+n cannot wrap.
func inBounds(offset uint32, n int, size uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(size)
}

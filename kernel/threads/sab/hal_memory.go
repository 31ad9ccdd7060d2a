package sab

import (
	"sync/atomic"
	"unsafe"
)

// InMemoryProvider stores shared data in a local byte slice. It backs the
// simulated physical memory and the channel region in tests.
type InMemoryProvider struct {
	data []byte
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
// The backing slice is allocated as uint64 words so 4-byte atomics are always aligned.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	words := make([]uint64, (uint64(size)+7)/8)
	var data []byte
	if len(words) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &InMemoryProvider{data: data}
}

func (m *InMemoryProvider) Size() uint32 {
	return uint32(len(m.data))
}

func (m *InMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	if m.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, len(dest), m.Size()) {
		return ErrOutOfBounds
	}
	copy(dest, m.data[offset:offset+uint32(len(dest))])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset uint32, src []byte) error {
	if m.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, len(src), m.Size()) {
		return ErrOutOfBounds
	}
	copy(m.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (m *InMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (m *InMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (m *InMemoryProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

// Slice exposes a window of the backing memory for zero-copy CPU access.
func (m *InMemoryProvider) Slice(offset, length uint32) ([]byte, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, int(length), m.Size()) {
		return nil, ErrOutOfBounds
	}
	return m.data[offset : offset+length : offset+length], nil
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}

func (m *InMemoryProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, 4, m.Size()) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&m.data[offset]), nil
}

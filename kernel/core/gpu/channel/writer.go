package channel

import (
	"encoding/binary"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
)

// Writer is the client side of the channel. A single goroutine may write.
type Writer struct {
	ring
	scratch [MaxRecordSize]byte
}

// NewWriter attaches a producer to a formatted channel.
func NewWriter(mem sab.MemoryProvider) (*Writer, error) {
	r, err := attachRing(mem)
	if err != nil {
		return nil, err
	}
	return &Writer{ring: r}, nil
}

// Free returns how many record bytes can be written right now.
func (w *Writer) Free() uint32 {
	head, tail, err := w.positions()
	if err != nil {
		return 0
	}
	// One alignment unit stays empty so a full ring never looks empty
	return w.capacity - w.used(head, tail) - sab.ALIGNMENT_RECORD
}

// Write appends one record and publishes the new head.
func (w *Writer) Write(opcode, contextID uint32, payload []byte) error {
	if len(payload) > MaxPayload {
		return common.ErrInvalid("payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}
	size := RecordSize(uint32(len(payload)))
	head, tail, err := w.positions()
	if err != nil {
		return err
	}
	if size+sab.ALIGNMENT_RECORD > w.capacity-w.used(head, tail) {
		return common.NewError(common.ErrCodeQueueFull, "channel full").
			WithContext("record_size", size).
			WithContext("used", w.used(head, tail))
	}

	rec := w.scratch[:size]
	binary.LittleEndian.PutUint32(rec[0:], opcode)
	binary.LittleEndian.PutUint32(rec[4:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(rec[8:], contextID)
	n := copy(rec[RecordHeaderSize:], payload)
	clear(rec[RecordHeaderSize+n:])

	if err := w.copyIn(head, rec); err != nil {
		return err
	}
	return w.mem.AtomicStore32(sab.OFFSET_HDR_HEAD, (head+size)%w.capacity)
}

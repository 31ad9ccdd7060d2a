package testutil

import (
	"encoding/binary"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/cmdproc"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
)

// ChannelBuilder formats an in-memory command channel and appends records to
// it through a producer-side writer. The first error sticks; check Err.
type ChannelBuilder struct {
	mem    *sab.InMemoryProvider
	writer *channel.Writer
	err    error
}

// NewChannelBuilder creates a channel with capacity bytes of record storage.
func NewChannelBuilder(capacity uint32) *ChannelBuilder {
	b := &ChannelBuilder{mem: sab.NewInMemoryProvider(sab.RegionSize(capacity))}
	if b.err = channel.Format(b.mem, capacity); b.err != nil {
		return b
	}
	b.writer, b.err = channel.NewWriter(b.mem)
	return b
}

// Memory returns the shared region backing the channel.
func (b *ChannelBuilder) Memory() *sab.InMemoryProvider { return b.mem }

// Writer returns the producer.
func (b *ChannelBuilder) Writer() *channel.Writer { return b.writer }

// Err returns the first write error.
func (b *ChannelBuilder) Err() error { return b.err }

// Raw appends a record with an arbitrary opcode and payload.
func (b *ChannelBuilder) Raw(opcode, contextID uint32, payload []byte) *ChannelBuilder {
	if b.err != nil {
		return b
	}
	b.err = b.writer.Write(opcode, contextID, payload)
	return b
}

func (b *ChannelBuilder) Nop(contextID uint32) *ChannelBuilder {
	return b.Raw(cmdproc.OpNop, contextID, nil)
}

func (b *ChannelBuilder) Clear(contextID, color uint32) *ChannelBuilder {
	return b.Raw(cmdproc.OpClear, contextID, cmdproc.EncodeClear(color))
}

func (b *ChannelBuilder) Rect(contextID uint32, x, y int32, w, h, color uint32) *ChannelBuilder {
	return b.Raw(cmdproc.OpRect, contextID, cmdproc.EncodeRect(x, y, w, h, color))
}

func (b *ChannelBuilder) Copy(contextID, sx, sy, dx, dy, w, h uint32) *ChannelBuilder {
	return b.Raw(cmdproc.OpCopy, contextID, cmdproc.EncodeCopy(sx, sy, dx, dy, w, h))
}

func (b *ChannelBuilder) Present(contextID uint32, dx, dy int32) *ChannelBuilder {
	return b.Raw(cmdproc.OpPresent, contextID, cmdproc.EncodePresent(dx, dy))
}

func (b *ChannelBuilder) Submit(contextID, objectID uint32, priority int32) *ChannelBuilder {
	return b.Raw(cmdproc.OpSubmit, contextID, cmdproc.EncodeSubmit(objectID, priority))
}

// CorruptHeader writes a record header claiming payloadBytes of payload
// straight into the ring, bypassing the writer's bounds check, and publishes
// one minimal record's worth of head movement.
func (b *ChannelBuilder) CorruptHeader(opcode, contextID, payloadBytes uint32) *ChannelBuilder {
	if b.err != nil {
		return b
	}
	head, err := b.mem.AtomicLoad32(sab.OFFSET_HDR_HEAD)
	if err != nil {
		b.err = err
		return b
	}
	capacity, err := b.mem.AtomicLoad32(sab.OFFSET_HDR_CAPACITY)
	if err != nil {
		b.err = err
		return b
	}
	hdr := make([]byte, channel.RecordSize(0))
	binary.LittleEndian.PutUint32(hdr[0:], opcode)
	binary.LittleEndian.PutUint32(hdr[4:], payloadBytes)
	binary.LittleEndian.PutUint32(hdr[8:], contextID)
	if b.err = b.mem.WriteAt(sab.OFFSET_CHANNEL_DATA+head, hdr); b.err != nil {
		return b
	}
	b.err = b.mem.AtomicStore32(sab.OFFSET_HDR_HEAD, (head+uint32(len(hdr)))%capacity)
	return b
}

// busy reports whether records are still pending in the ring.
func (b *ChannelBuilder) busy() bool {
	head, _ := b.mem.AtomicLoad32(sab.OFFSET_HDR_HEAD)
	tail, _ := b.mem.AtomicLoad32(sab.OFFSET_HDR_TAIL)
	return head != tail
}

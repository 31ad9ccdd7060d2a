// Package channel implements the client -> driver command ring: a fixed-capacity,
// single-producer/single-consumer byte ring of variable-length records living in
// shared memory.
package channel

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
)

// Record framing
const (
	RecordHeaderSize = 12
	MaxPayload       = 4096
	MaxRecordSize    = (RecordHeaderSize + MaxPayload + sab.ALIGNMENT_RECORD - 1) &^ (sab.ALIGNMENT_RECORD - 1)
)

// RecordSize returns the aligned ring footprint of a record with payloadBytes.
func RecordSize(payloadBytes uint32) uint32 {
	return sab.AlignOffset(RecordHeaderSize+payloadBytes, sab.ALIGNMENT_RECORD)
}

// Record is one decoded command record. Payload aliases the consumer's local
// buffer and is only valid until the next ReadNext.
type Record struct {
	Opcode    uint32
	ContextID uint32
	Payload   []byte
	Size      uint32 // aligned bytes to pass to Advance
}

// Stats tracks consumer activity.
type Stats struct {
	Records        uint64
	Bytes          uint64
	ProtocolErrors uint64
}

// Consumer is the driver side of the channel.
type Consumer struct {
	ring
	buf [MaxRecordSize]byte

	records        atomic.Uint64
	bytes          atomic.Uint64
	protocolErrors atomic.Uint64
}

// ring holds what both ends need to address the shared region.
type ring struct {
	mem      sab.MemoryProvider
	capacity uint32
}

// Attach validates the header in mem and returns a consumer for it.
func Attach(mem sab.MemoryProvider) (*Consumer, error) {
	r, err := attachRing(mem)
	if err != nil {
		return nil, err
	}
	return &Consumer{ring: r}, nil
}

func attachRing(mem sab.MemoryProvider) (ring, error) {
	if mem.Size() < sab.SIZE_CHANNEL_HEADER {
		return ring{}, common.ErrProtocolf("shared region of %d bytes has no channel header", mem.Size())
	}
	magic, err := mem.AtomicLoad32(sab.OFFSET_HDR_MAGIC)
	if err != nil {
		return ring{}, err
	}
	if magic != sab.CHANNEL_MAGIC {
		return ring{}, common.ErrProtocolf("bad channel magic %#x", magic)
	}
	version, err := mem.AtomicLoad32(sab.OFFSET_HDR_VERSION)
	if err != nil {
		return ring{}, err
	}
	if version != sab.CHANNEL_VERSION {
		return ring{}, common.ErrProtocolf("unsupported channel version %d", version)
	}
	capacity, err := mem.AtomicLoad32(sab.OFFSET_HDR_CAPACITY)
	if err != nil {
		return ring{}, err
	}
	if err := sab.ValidateMemoryLayout(mem.Size(), capacity); err != nil {
		return ring{}, common.WrapError(common.ErrCodeProtocol, "channel layout", err)
	}
	r := ring{mem: mem, capacity: capacity}
	if _, _, err := r.positions(); err != nil {
		return ring{}, err
	}
	return r, nil
}

// Format initializes an empty channel of capacity bytes in mem.
func Format(mem sab.MemoryProvider, capacity uint32) error {
	if err := sab.ValidateMemoryLayout(mem.Size(), capacity); err != nil {
		return common.WrapError(common.ErrCodeInvalidArgument, "channel layout", err)
	}
	hdr := make([]byte, sab.SIZE_CHANNEL_HEADER)
	binary.LittleEndian.PutUint32(hdr[sab.OFFSET_HDR_MAGIC:], sab.CHANNEL_MAGIC)
	binary.LittleEndian.PutUint32(hdr[sab.OFFSET_HDR_VERSION:], sab.CHANNEL_VERSION)
	binary.LittleEndian.PutUint32(hdr[sab.OFFSET_HDR_CAPACITY:], capacity)
	return mem.WriteAt(sab.OFFSET_CHANNEL_HEADER, hdr)
}

// Capacity returns the record storage size in bytes.
func (r *ring) Capacity() uint32 { return r.capacity }

// positions loads head and tail and checks the ring invariant.
func (r *ring) positions() (head, tail uint32, err error) {
	head, err = r.mem.AtomicLoad32(sab.OFFSET_HDR_HEAD)
	if err != nil {
		return 0, 0, err
	}
	tail, err = r.mem.AtomicLoad32(sab.OFFSET_HDR_TAIL)
	if err != nil {
		return 0, 0, err
	}
	if head >= r.capacity || tail >= r.capacity ||
		head%sab.ALIGNMENT_RECORD != 0 || tail%sab.ALIGNMENT_RECORD != 0 {
		return 0, 0, common.ErrProtocolf("ring pointers out of range").
			WithContext("head", head).
			WithContext("tail", tail).
			WithContext("capacity", r.capacity)
	}
	return head, tail, nil
}

// used returns the bytes between tail and head.
func (r *ring) used(head, tail uint32) uint32 {
	if head >= tail {
		return head - tail
	}
	return r.capacity - tail + head
}

// copyOut reads len(dst) bytes starting at ring position pos, splitting the
// copy at the ring boundary.
func (r *ring) copyOut(pos uint32, dst []byte) error {
	first := r.capacity - pos
	if uint32(len(dst)) <= first {
		return r.mem.ReadAt(sab.OFFSET_CHANNEL_DATA+pos, dst)
	}
	if err := r.mem.ReadAt(sab.OFFSET_CHANNEL_DATA+pos, dst[:first]); err != nil {
		return err
	}
	return r.mem.ReadAt(sab.OFFSET_CHANNEL_DATA, dst[first:])
}

func (r *ring) copyIn(pos uint32, src []byte) error {
	first := r.capacity - pos
	if uint32(len(src)) <= first {
		return r.mem.WriteAt(sab.OFFSET_CHANNEL_DATA+pos, src)
	}
	if err := r.mem.WriteAt(sab.OFFSET_CHANNEL_DATA+pos, src[:first]); err != nil {
		return err
	}
	return r.mem.WriteAt(sab.OFFSET_CHANNEL_DATA, src[first:])
}

// HasWork reports whether at least one record is pending. It never blocks.
func (c *Consumer) HasWork() bool {
	head, tail, err := c.positions()
	return err == nil && head != tail
}

// ReadNext copies the record at tail into the local buffer. It does not
// consume it; call Advance with Record.Size once the record is handled.
func (c *Consumer) ReadNext() (Record, error) {
	head, tail, err := c.positions()
	if err != nil {
		c.protocolErrors.Add(1)
		return Record{}, err
	}
	if head == tail {
		return Record{}, common.ErrNoWork
	}
	avail := c.used(head, tail)
	if avail < RecordHeaderSize {
		c.protocolErrors.Add(1)
		return Record{}, common.ErrProtocolf("truncated record header").WithContext("available", avail)
	}

	hdr := c.buf[:RecordHeaderSize]
	if err := c.copyOut(tail, hdr); err != nil {
		return Record{}, err
	}
	opcode := binary.LittleEndian.Uint32(hdr[0:])
	payloadBytes := binary.LittleEndian.Uint32(hdr[4:])
	contextID := binary.LittleEndian.Uint32(hdr[8:])

	if payloadBytes > MaxPayload || payloadBytes >= c.capacity {
		c.protocolErrors.Add(1)
		return Record{}, common.ErrProtocolf("record payload of %d bytes exceeds bound", payloadBytes).
			WithContext("opcode", opcode).
			WithContext("context_id", contextID)
	}
	size := RecordSize(payloadBytes)
	if size > avail {
		c.protocolErrors.Add(1)
		return Record{}, common.ErrProtocolf("record of %d bytes overruns head", size).
			WithContext("available", avail)
	}

	payload := c.buf[RecordHeaderSize : RecordHeaderSize+payloadBytes]
	if err := c.copyOut((tail+RecordHeaderSize)%c.capacity, payload); err != nil {
		return Record{}, err
	}
	return Record{
		Opcode:    opcode,
		ContextID: contextID,
		Payload:   payload,
		Size:      size,
	}, nil
}

// Advance publishes consumption of n bytes to the producer.
func (c *Consumer) Advance(n uint32) error {
	head, tail, err := c.positions()
	if err != nil {
		return err
	}
	if n%sab.ALIGNMENT_RECORD != 0 || n > c.used(head, tail) {
		return common.ErrProtocolf("advance of %d bytes past head", n)
	}
	if err := c.mem.AtomicStore32(sab.OFFSET_HDR_TAIL, (tail+n)%c.capacity); err != nil {
		return err
	}
	c.records.Add(1)
	c.bytes.Add(uint64(n))
	return nil
}

// Stats returns consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Records:        c.records.Load(),
		Bytes:          c.bytes.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
	}
}

// Package execlist schedules batch buffers onto a small number of hardware
// submission ports. It owns the hardware context table, the bounded software
// queue, the ports and the status buffer through which the device reports
// completion and faults.
package execlist

import (
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
)

// Capacities. These bound worst-case latency and must not grow.
const (
	MaxHWContexts = 16
	QueueCapacity = 16
	NumPorts      = 2
	BanThreshold  = 3
	StatusEntries = 16
)

// Per-context buffer sizes.
const (
	RingSize         = 16 * 1024
	ContextImageSize = 4096
	FenceSize        = 4096
)

// Context image layout (byte offsets of 32-bit fields).
const (
	ImageControl     = 0x00
	ImageRingHead    = 0x04
	ImageRingTail    = 0x08
	ImageRingStartLo = 0x0C
	ImageRingStartHi = 0x10
	ImageRingCtl     = 0x14

	ImageControlValid = 1 << 0
	RingCtlEnable     = 1 << 0
)

// Fence layout: last completed sequence number, low then high dword.
const (
	FenceSeqLo = 0x00
	FenceSeqHi = 0x04
)

// Ring commands. A batch start is always emitted as four dwords.
const (
	MINoop             uint32 = 0x00000000
	MIBatchBufferStart uint32 = 0x31<<23 | 1
)

const RingCommandBytes = 16

// Descriptor bits.
const (
	DescValid uint64 = 1 << 0
)

// Status buffer entries are {context id, status bits}; all zero means "not
// produced yet".
const StatusEntrySize = 8

const (
	StatusComplete uint32 = 1 << 0
	StatusFault    uint32 = 1 << 1
)

// Engine is the device side of the submission ports. Completion is reported
// later and asynchronously through the status buffer.
type Engine interface {
	Submit(port int, descriptor uint64) error
}

// EntryState is the lifecycle of a queued batch.
type EntryState int

const (
	EntryQueued EntryState = iota
	EntryInFlight
	EntryCompleted
	EntryFaulted
)

func (s EntryState) String() string {
	switch s {
	case EntryQueued:
		return "queued"
	case EntryInFlight:
		return "inflight"
	case EntryCompleted:
		return "completed"
	case EntryFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// hwContext is the scheduler-side execution state of a client context.
type hwContext struct {
	contextID uint32
	priority  int32
	banScore  int
	banned    bool
	inflight  bool

	ring, image, fence             *gem.Object
	ringAddr, imageAddr, fenceAddr uint64
	ringTail                       uint32
	lastSeq                        uint64
}

// HWContext is a snapshot of a hardware context.
type HWContext struct {
	ContextID uint32
	Priority  int32
	BanScore  int
	Banned    bool
	InFlight  bool
	RingAddr  uint64
	ImageAddr uint64
	FenceAddr uint64
	LastSeq   uint64
}

func (hw *hwContext) snapshot() HWContext {
	return HWContext{
		ContextID: hw.contextID,
		Priority:  hw.priority,
		BanScore:  hw.banScore,
		Banned:    hw.banned,
		InFlight:  hw.inflight,
		RingAddr:  hw.ringAddr,
		ImageAddr: hw.imageAddr,
		FenceAddr: hw.fenceAddr,
		LastSeq:   hw.lastSeq,
	}
}

// entry is one slot of the software queue.
type entry struct {
	hw        *hwContext
	batch     *gem.Object
	batchAddr uint64
	seq       uint64
	state     EntryState
	port      int
}

// Stats summarizes scheduler activity.
type Stats struct {
	Contexts       int
	BannedContexts int
	Queued         int
	InFlight       int
	Submitted      uint64
	Completed      uint64
	Faulted        uint64
	Dropped        uint64
	Kicks          uint64
	BuildFailures  uint64
	Spurious       uint64
	StatusRead     int
	Ready          bool
}

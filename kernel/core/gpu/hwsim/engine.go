// Package hwsim is a software model of the render engine behind the execlist
// ports. It fetches the context image and ring through the device address
// space, "executes" batch buffers and reports results in the status buffer.
package hwsim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/ggtt"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Batch opcodes understood by the model. A batch whose first dword is
// BatchFaultOpcode faults; anything else completes.
const (
	BatchEndOpcode   uint32 = 0x0A << 23
	BatchFaultOpcode uint32 = 0x0BADC0DE
)

// Stats counts engine activity.
type Stats struct {
	Executed uint64
	Faults   uint64
	Deferred uint64
}

type result struct {
	contextID uint32
	bits      uint32
}

// Engine implements execlist.Engine.
type Engine struct {
	mu          sync.Mutex
	gtt         *ggtt.Table
	mem         sab.MemoryProvider
	statusAddr  uint64
	statusWrite int
	latched     [execlist.NumPorts]uint64
	pending     [execlist.NumPorts]*result
	logger      *utils.Logger

	executed atomic.Uint64
	faults   atomic.Uint64
	deferred atomic.Uint64
}

// New creates an engine posting to the status buffer at statusAddr.
func New(gtt *ggtt.Table, mem sab.MemoryProvider, statusAddr uint64, logger *utils.Logger) *Engine {
	if logger == nil {
		logger = utils.DefaultLogger("hwsim")
	}
	return &Engine{gtt: gtt, mem: mem, statusAddr: statusAddr, logger: logger}
}

// Submit latches a descriptor into a port.
func (e *Engine) Submit(port int, descriptor uint64) error {
	if port < 0 || port >= execlist.NumPorts {
		return common.ErrInvalid("port %d out of range", port)
	}
	if descriptor&execlist.DescValid == 0 {
		return common.ErrInvalid("descriptor %#x is not valid", descriptor)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latched[port] != 0 || e.pending[port] != nil {
		return common.ErrBusyf("port %d is busy", port)
	}
	e.latched[port] = descriptor
	return nil
}

// Busy reports whether any port holds work.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for port := range e.latched {
		if e.latched[port] != 0 || e.pending[port] != nil {
			return true
		}
	}
	return false
}

// Step executes every latched port and posts results. A result that finds its
// status slot still occupied stays pending until a later step. It returns the
// number of status entries posted.
func (e *Engine) Step() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	for port, desc := range e.latched {
		if desc == 0 {
			continue
		}
		e.pending[port] = e.execute(desc)
		e.latched[port] = 0
	}

	posted := 0
	for port, res := range e.pending {
		if res == nil {
			continue
		}
		if !e.post(res) {
			e.deferred.Add(1)
			break
		}
		e.pending[port] = nil
		posted++
	}
	return posted
}

// Run steps every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Step()
		}
	}
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Executed: e.executed.Load(),
		Faults:   e.faults.Load(),
		Deferred: e.deferred.Load(),
	}
}

// execute walks context image -> ring -> batch for one descriptor.
func (e *Engine) execute(desc uint64) *result {
	res := &result{contextID: uint32(desc >> 32), bits: execlist.StatusComplete}
	imageAddr := desc & 0xFFFFFFFF & common.PageMask

	if err := e.runRing(imageAddr); err != nil {
		e.logger.Warn("engine fault",
			utils.Uint32("ctx", res.contextID),
			utils.Hex("desc", desc),
			utils.Err(err))
		res.bits = execlist.StatusFault
		e.faults.Add(1)
	}
	e.executed.Add(1)
	return res
}

func (e *Engine) runRing(imageAddr uint64) error {
	startLo, err := e.read32(imageAddr + execlist.ImageRingStartLo)
	if err != nil {
		return err
	}
	startHi, err := e.read32(imageAddr + execlist.ImageRingStartHi)
	if err != nil {
		return err
	}
	ctl, err := e.read32(imageAddr + execlist.ImageRingCtl)
	if err != nil {
		return err
	}
	head, err := e.read32(imageAddr + execlist.ImageRingHead)
	if err != nil {
		return err
	}
	tail, err := e.read32(imageAddr + execlist.ImageRingTail)
	if err != nil {
		return err
	}
	ringStart := uint64(startHi)<<32 | uint64(startLo)
	ringSize := ctl &^ execlist.RingCtlEnable
	if ringSize == 0 || head >= ringSize || tail >= ringSize {
		return common.ErrInvalid("ring state head=%d tail=%d size=%d", head, tail, ringSize)
	}

	var fault error
	for head != tail {
		cmd, err := e.read32(ringStart + uint64(head))
		if err != nil {
			return err
		}
		switch cmd {
		case execlist.MINoop:
			head = (head + 4) % ringSize
		case execlist.MIBatchBufferStart:
			lo, err := e.read32(ringStart + uint64((head+4)%ringSize))
			if err != nil {
				return err
			}
			hi, err := e.read32(ringStart + uint64((head+8)%ringSize))
			if err != nil {
				return err
			}
			if err := e.runBatch(uint64(hi)<<32 | uint64(lo)); err != nil && fault == nil {
				fault = err
			}
			head = (head + 12) % ringSize
		default:
			return common.ErrInvalid("unknown ring command %#x at %d", cmd, head)
		}
	}
	if err := e.write32(imageAddr+execlist.ImageRingHead, head); err != nil {
		return err
	}
	return fault
}

func (e *Engine) runBatch(addr uint64) error {
	op, err := e.read32(addr)
	if err != nil {
		return err
	}
	if op == BatchFaultOpcode {
		return common.NewError(common.ErrCodeProtocol, "batch raised a fault").WithContext("addr", addr)
	}
	return nil
}

// post writes a status entry; the bits word goes last since it marks the
// entry as produced.
func (e *Engine) post(res *result) bool {
	off := e.statusAddr + uint64(e.statusWrite*execlist.StatusEntrySize)
	bits, err := e.read32(off + 4)
	if err != nil || bits != 0 {
		return false
	}
	if err := e.write32(off, res.contextID); err != nil {
		return false
	}
	if err := e.write32(off+4, res.bits); err != nil {
		return false
	}
	e.statusWrite = (e.statusWrite + 1) % execlist.StatusEntries
	return true
}

func (e *Engine) read32(gpuAddr uint64) (uint32, error) {
	phys, err := e.gtt.Translate(gpuAddr)
	if err != nil {
		return 0, err
	}
	return e.mem.AtomicLoad32(uint32(phys))
}

func (e *Engine) write32(gpuAddr uint64, val uint32) error {
	phys, err := e.gtt.Translate(gpuAddr)
	if err != nil {
		return err
	}
	return e.mem.AtomicStore32(uint32(phys), val)
}

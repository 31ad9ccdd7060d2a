package execlist

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/ggtt"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Config tunes the scheduler. Capacities are fixed constants.
type Config struct {
	// WaitForFirmware holds all kicks until SetReady(true).
	WaitForFirmware bool
	// ErrorStateHistory bounds the number of captured fault snapshots.
	ErrorStateHistory int
}

// DefaultConfig returns a scheduler that is ready immediately.
func DefaultConfig() Config {
	return Config{ErrorStateHistory: 8}
}

// Scheduler is the execlist scheduler. One mutex covers the context table,
// queue, ports and status read index.
type Scheduler struct {
	mu     sync.Mutex
	config Config
	gem    *gem.Manager
	gtt    *ggtt.Table
	engine Engine
	logger *utils.Logger

	contexts []*hwContext // append-only
	byID     map[uint32]*hwContext

	slots   [QueueCapacity]*entry
	queued  int
	ports   [NumPorts]*entry
	nextSeq uint64

	status     *gem.Object
	statusAddr uint64
	statusRead int

	ready bool
	onBan func(contextID uint32)

	errorStates errorHistory

	submitted     uint64
	completed     uint64
	faulted       uint64
	dropped       uint64
	kicks         uint64
	buildFailures uint64
	spurious      uint64
}

// New creates a scheduler and its status buffer.
func New(config Config, mgr *gem.Manager, gtt *ggtt.Table, logger *utils.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = utils.DefaultLogger("execlist")
	}
	if config.ErrorStateHistory <= 0 {
		config.ErrorStateHistory = DefaultConfig().ErrorStateHistory
	}
	s := &Scheduler{
		config:      config,
		gem:         mgr,
		gtt:         gtt,
		logger:      logger,
		byID:        make(map[uint32]*hwContext),
		ready:       !config.WaitForFirmware,
		errorStates: errorHistory{limit: config.ErrorStateHistory},
	}
	status, addr, err := s.allocMapped(StatusEntries*StatusEntrySize, 0)
	if err != nil {
		return nil, fmt.Errorf("status buffer: %w", err)
	}
	s.status = status
	s.statusAddr = addr
	return s, nil
}

// AttachEngine connects the device side of the ports and kicks pending work.
func (s *Scheduler) AttachEngine(engine Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
	s.kickLocked()
}

// StatusAddress returns the device address of the status buffer.
func (s *Scheduler) StatusAddress() uint64 { return s.statusAddr }

// OnBan registers a hook invoked, outside the scheduler lock, when a context
// gets banned.
func (s *Scheduler) OnBan(fn func(contextID uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBan = fn
}

// SetReady opens or closes the firmware gate. Opening it kicks pending work.
func (s *Scheduler) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
	s.logger.Info("firmware gate", utils.Bool("ready", ready), utils.Int("queued", s.queued))
	if ready {
		s.kickLocked()
	}
}

// allocMapped allocates, pins and maps an object, unwinding on failure.
func (s *Scheduler) allocMapped(size uint64, flags gem.Flags) (*gem.Object, uint64, error) {
	obj, err := s.gem.Allocate(size, flags)
	if err != nil {
		return nil, 0, err
	}
	if err := obj.Pin(); err != nil {
		_ = s.gem.Free(obj.ID())
		return nil, 0, err
	}
	addr, err := s.gtt.Map(obj)
	if err != nil {
		_ = obj.Unpin()
		_ = s.gem.Free(obj.ID())
		return nil, 0, err
	}
	return obj, addr, nil
}

func (s *Scheduler) releaseMapped(obj *gem.Object) {
	if obj == nil {
		return
	}
	if err := s.gtt.UnmapObject(obj); err != nil {
		s.logger.Error("unmap", utils.Uint32("object", obj.ID()), utils.Err(err))
	}
	if err := obj.Unpin(); err != nil {
		s.logger.Error("unpin", utils.Uint32("object", obj.ID()), utils.Err(err))
	}
	if err := s.gem.Free(obj.ID()); err != nil {
		s.logger.Error("free", utils.Uint32("object", obj.ID()), utils.Err(err))
	}
}

// CreateHWContextFor returns the hardware context for contextID, creating it
// on first use. An existing context only has its priority updated.
func (s *Scheduler) CreateHWContextFor(contextID uint32, priority int32) (HWContext, error) {
	if contextID == 0 {
		return HWContext{}, common.ErrInvalid("context id 0 is invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hw, err := s.createLocked(contextID, priority)
	if err != nil {
		return HWContext{}, err
	}
	return hw.snapshot(), nil
}

func (s *Scheduler) createLocked(contextID uint32, priority int32) (*hwContext, error) {
	if hw, ok := s.byID[contextID]; ok {
		hw.priority = priority
		return hw, nil
	}
	if len(s.contexts) >= MaxHWContexts {
		return nil, common.NewError(common.ErrCodeResourceExhausted, "hardware context table full").
			WithContext("capacity", MaxHWContexts)
	}

	hw := &hwContext{contextID: contextID, priority: priority}
	var err error
	if hw.ring, hw.ringAddr, err = s.allocMapped(RingSize, 0); err != nil {
		return nil, err
	}
	if hw.image, hw.imageAddr, err = s.allocMapped(ContextImageSize, 0); err != nil {
		s.releaseMapped(hw.ring)
		return nil, err
	}
	if hw.fence, hw.fenceAddr, err = s.allocMapped(FenceSize, 0); err != nil {
		s.releaseMapped(hw.image)
		s.releaseMapped(hw.ring)
		return nil, err
	}
	if err := s.writeImage(hw); err != nil {
		s.releaseMapped(hw.fence)
		s.releaseMapped(hw.image)
		s.releaseMapped(hw.ring)
		return nil, err
	}

	s.contexts = append(s.contexts, hw)
	s.byID[contextID] = hw
	s.logger.Info("hardware context created",
		utils.Uint32("ctx", contextID),
		utils.Int("priority", int(priority)),
		utils.Hex("ring", hw.ringAddr),
		utils.Hex("image", hw.imageAddr),
		utils.Hex("fence", hw.fenceAddr))
	return hw, nil
}

func (s *Scheduler) writeImage(hw *hwContext) error {
	img := make([]byte, ImageRingCtl+4)
	binary.LittleEndian.PutUint32(img[ImageControl:], ImageControlValid)
	binary.LittleEndian.PutUint32(img[ImageRingHead:], 0)
	binary.LittleEndian.PutUint32(img[ImageRingTail:], 0)
	binary.LittleEndian.PutUint32(img[ImageRingStartLo:], uint32(hw.ringAddr))
	binary.LittleEndian.PutUint32(img[ImageRingStartHi:], uint32(hw.ringAddr>>32))
	binary.LittleEndian.PutUint32(img[ImageRingCtl:], RingSize|RingCtlEnable)
	return hw.image.WriteAt(0, img)
}

// Submit enqueues batch for contextID and kicks the scheduler. The batch is
// pinned until the entry retires. It returns the entry's sequence number.
func (s *Scheduler) Submit(contextID uint32, batch *gem.Object) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hw, ok := s.byID[contextID]
	if !ok {
		return 0, common.ErrContextNotFound(contextID)
	}
	if hw.banned {
		return 0, common.ErrContextBanned(contextID, hw.banScore)
	}
	if s.queued >= QueueCapacity {
		return 0, common.NewError(common.ErrCodeQueueFull, "execlist queue full").
			WithContext("context_id", contextID).
			WithContext("capacity", QueueCapacity)
	}
	if err := batch.Pin(); err != nil {
		return 0, err
	}

	s.nextSeq++
	e := &entry{hw: hw, batch: batch, seq: s.nextSeq, state: EntryQueued, port: -1}
	for i := range s.slots {
		if s.slots[i] == nil {
			s.slots[i] = e
			break
		}
	}
	s.queued++
	s.submitted++

	s.logger.Debug("batch queued",
		utils.Uint32("ctx", contextID),
		utils.Uint32("batch", batch.ID()),
		utils.Int64("priority", int64(hw.priority)),
		utils.Uint64("seq", e.seq))
	s.kickLocked()
	return e.seq, nil
}

// Kick fills free ports with ready work.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kickLocked()
}

func (s *Scheduler) kickLocked() {
	if !s.ready || s.engine == nil {
		return
	}
	s.kicks++
	for port := range s.ports {
		if s.ports[port] != nil {
			continue
		}
		e := s.pickNextReadyLocked()
		if e == nil {
			return
		}
		desc, err := s.buildLocked(e)
		if err != nil {
			s.buildFailures++
			s.logger.Warn("descriptor build failed, entry stays queued",
				utils.Uint32("ctx", e.hw.contextID),
				utils.Uint64("seq", e.seq),
				utils.Err(err))
			return
		}
		e.state = EntryInFlight
		e.port = port
		e.hw.inflight = true
		s.ports[port] = e
		if err := s.engine.Submit(port, desc); err != nil {
			e.state = EntryQueued
			e.port = -1
			e.hw.inflight = false
			s.ports[port] = nil
			s.rewindLocked(e.hw)
			s.logger.Warn("port write rejected", utils.Int("port", port), utils.Err(err))
			return
		}
		s.logger.Debug("port submitted",
			utils.Int("port", port),
			utils.Hex("desc", desc),
			utils.Uint64("seq", e.seq))
	}
}

// pickNextReadyLocked returns the highest-priority queued entry whose context
// is neither banned nor already occupying a port. Equal priorities go FIFO.
func (s *Scheduler) pickNextReadyLocked() *entry {
	var best *entry
	for _, e := range s.slots {
		if e == nil || e.state != EntryQueued || e.hw.banned || e.hw.inflight {
			continue
		}
		if best == nil ||
			e.hw.priority > best.hw.priority ||
			(e.hw.priority == best.hw.priority && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// buildLocked writes a batch start into the context ring, publishes the new
// tail in the context image and returns the port descriptor.
func (s *Scheduler) buildLocked(e *entry) (uint64, error) {
	hw := e.hw
	imageAddr := hw.image.GPUAddress()
	if imageAddr == 0 || hw.ring.GPUAddress() == 0 {
		return 0, common.ErrInvalid("context %d buffers are not mapped", hw.contextID)
	}
	if imageAddr>>32 != 0 {
		return 0, common.ErrInvalid("context image %#x beyond descriptor range", imageAddr)
	}
	batchAddr := e.batch.GPUAddress()
	if batchAddr == 0 {
		return 0, common.ErrInvalid("batch %d is not mapped", e.batch.ID())
	}

	cmd := make([]byte, RingCommandBytes)
	binary.LittleEndian.PutUint32(cmd[0:], MIBatchBufferStart)
	binary.LittleEndian.PutUint32(cmd[4:], uint32(batchAddr))
	binary.LittleEndian.PutUint32(cmd[8:], uint32(batchAddr>>32))
	binary.LittleEndian.PutUint32(cmd[12:], MINoop)
	if err := hw.ring.WriteAt(uint64(hw.ringTail), cmd); err != nil {
		return 0, err
	}
	tail := (hw.ringTail + RingCommandBytes) % RingSize
	if err := hw.image.Store32(ImageRingTail, tail); err != nil {
		return 0, err
	}
	hw.ringTail = tail
	e.batchAddr = batchAddr

	return uint64(hw.contextID)<<32 | imageAddr | DescValid, nil
}

// rewindLocked drops the last ring command after the port refused it.
func (s *Scheduler) rewindLocked(hw *hwContext) {
	hw.ringTail = (hw.ringTail + RingSize - RingCommandBytes) % RingSize
	if err := hw.image.Store32(ImageRingTail, hw.ringTail); err != nil {
		s.logger.Error("ring tail rewind", utils.Uint32("ctx", hw.contextID), utils.Err(err))
	}
}

// retireLocked releases an entry's slot, port and batch pin.
func (s *Scheduler) retireLocked(e *entry, state EntryState) {
	e.state = state
	if e.port >= 0 && s.ports[e.port] == e {
		s.ports[e.port] = nil
		e.hw.inflight = false
	}
	e.port = -1
	for i := range s.slots {
		if s.slots[i] == e {
			s.slots[i] = nil
			s.queued--
			break
		}
	}
	if err := e.batch.Unpin(); err != nil {
		s.logger.Error("batch unpin", utils.Uint32("batch", e.batch.ID()), utils.Err(err))
	}
}

// HWContext returns a snapshot of the hardware context for contextID.
func (s *Scheduler) HWContext(contextID uint32) (HWContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hw, ok := s.byID[contextID]
	if !ok {
		return HWContext{}, common.ErrContextNotFound(contextID)
	}
	return hw.snapshot(), nil
}

// Contexts returns snapshots in creation order.
func (s *Scheduler) Contexts() []HWContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HWContext, len(s.contexts))
	for i, hw := range s.contexts {
		out[i] = hw.snapshot()
	}
	return out
}

// Banned reports whether contextID has been banned.
func (s *Scheduler) Banned(contextID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hw, ok := s.byID[contextID]
	return ok && hw.banned
}

// FenceValue reads the last completed sequence number from the context fence.
func (s *Scheduler) FenceValue(contextID uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hw, ok := s.byID[contextID]
	if !ok {
		return 0, common.ErrContextNotFound(contextID)
	}
	// Both words are written under s.mu
	lo, err := hw.fence.Load32(FenceSeqLo)
	if err != nil {
		return 0, err
	}
	hi, err := hw.fence.Load32(FenceSeqHi)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Contexts:      len(s.contexts),
		Queued:        s.queued,
		Submitted:     s.submitted,
		Completed:     s.completed,
		Faulted:       s.faulted,
		Dropped:       s.dropped,
		Kicks:         s.kicks,
		BuildFailures: s.buildFailures,
		Spurious:      s.spurious,
		StatusRead:    s.statusRead,
		Ready:         s.ready,
	}
	for _, hw := range s.contexts {
		if hw.banned {
			st.BannedContexts++
		}
	}
	for _, e := range s.ports {
		if e != nil {
			st.InFlight++
		}
	}
	return st
}

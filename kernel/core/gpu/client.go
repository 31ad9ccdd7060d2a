package gpu

import (
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/cmdproc"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/ggtt"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/hwsim"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/registry"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Capabilities describes the device to clients.
type Capabilities struct {
	Width           uint32
	Height          uint32
	Format          common.PixelFormat
	MaxHWContexts   int
	QueueDepth      int
	Ports           int
	BanThreshold    int
	MaxPayload      int
	ChannelCapacity uint32
	PhysicalBytes   uint32
	AddressSpace    uint64
}

// BufferInfo describes a client buffer object.
type BufferInfo struct {
	ID         uint32
	Size       uint64
	GPUAddress uint64
}

// Stats aggregates every component's counters.
type Stats struct {
	State          string
	Ticks          uint64
	SkippedTicks   uint64
	Flushes        uint64
	FlushFailures  uint64
	ProtocolFaults uint64
	Contexts       int
	Buffers        int
	Channel        channel.Stats
	Processor      cmdproc.Stats
	Scheduler      execlist.Stats
	Engine         hwsim.Stats
	Memory         gem.Stats
	GGTT           ggtt.Stats
}

func (d *Device) lock() error {
	d.mu.Lock()
	if d.State() == StateStopped {
		d.mu.Unlock()
		return common.NewError(common.ErrCodeNotReady, "device stopped")
	}
	return nil
}

// Capabilities reports fixed device limits.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{
		Width:           d.config.Width,
		Height:          d.config.Height,
		Format:          common.FormatXRGB8888,
		MaxHWContexts:   execlist.MaxHWContexts,
		QueueDepth:      execlist.QueueCapacity,
		Ports:           execlist.NumPorts,
		BanThreshold:    execlist.BanThreshold,
		MaxPayload:      channel.MaxPayload,
		ChannelCapacity: d.channel.Capacity(),
		PhysicalBytes:   d.physical.Size(),
		AddressSpace:    d.config.GGTTEntries << common.PageShift,
	}
}

// CreateContext returns a new client context id.
func (d *Device) CreateContext() (uint32, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.registry.Create().ID, nil
}

// DestroyContext destroys a client context and clears its surface binding.
// Its hardware context, if any, keeps its slot.
func (d *Device) DestroyContext(id uint32) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.registry.Destroy(id)
}

// RegisterSurface registers client pixel memory and returns its handle.
func (d *Device) RegisterSurface(desc registry.SurfaceDesc, pixels []byte) (registry.SurfaceHandle, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	desc.ObjectID = 0
	return d.registry.RegisterSurface(desc, registry.Bytes(pixels))
}

// BindSurface binds a registered surface to a context.
func (d *Device) BindSurface(contextID uint32, handle registry.SurfaceHandle) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.registry.BindSurface(contextID, handle)
}

// BindObjectSurface registers a client buffer object as a surface and binds it.
func (d *Device) BindObjectSurface(contextID, objectID uint32, desc registry.SurfaceDesc) (registry.SurfaceHandle, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	obj, ok := d.buffers[objectID]
	if !ok {
		return 0, common.ErrObjectNotFound(objectID)
	}
	if _, err := d.registry.Find(contextID); err != nil {
		return 0, err
	}
	desc.ObjectID = objectID
	handle, err := d.registry.RegisterSurface(desc, obj)
	if err != nil {
		return 0, err
	}
	if err := d.registry.BindSurface(contextID, handle); err != nil {
		_ = d.registry.UnregisterSurface(handle)
		return 0, err
	}
	return handle, nil
}

// CreateBuffer allocates, pins and maps a client buffer object.
func (d *Device) CreateBuffer(size uint64, flags gem.Flags) (BufferInfo, error) {
	if err := d.lock(); err != nil {
		return BufferInfo{}, err
	}
	defer d.mu.Unlock()

	obj, err := d.gem.Allocate(size, flags)
	if err != nil {
		return BufferInfo{}, err
	}
	if err := obj.Pin(); err != nil {
		_ = d.gem.Free(obj.ID())
		return BufferInfo{}, err
	}
	addr, err := d.gtt.Map(obj)
	if err != nil {
		_ = obj.Unpin()
		_ = d.gem.Free(obj.ID())
		return BufferInfo{}, err
	}
	d.buffers[obj.ID()] = obj
	return BufferInfo{ID: obj.ID(), Size: obj.Size(), GPUAddress: addr}, nil
}

// WriteBuffer copies data into a client buffer.
func (d *Device) WriteBuffer(objectID uint32, offset uint64, data []byte) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	obj, ok := d.buffers[objectID]
	if !ok {
		return common.ErrObjectNotFound(objectID)
	}
	return obj.WriteAt(offset, data)
}

// DestroyBuffer releases a client buffer. Buffers referenced by queued or
// running batches are BUSY.
func (d *Device) DestroyBuffer(objectID uint32) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()

	obj, ok := d.buffers[objectID]
	if !ok {
		return common.ErrObjectNotFound(objectID)
	}
	if pins := obj.PinCount(); pins > 1 {
		return common.ErrBusyf("buffer %d referenced by %d submissions", objectID, pins-1)
	}
	for _, handle := range d.registry.SurfacesFor(objectID) {
		_ = d.registry.UnregisterSurface(handle)
	}
	if err := d.gtt.UnmapObject(obj); err != nil {
		return err
	}
	if err := obj.Unpin(); err != nil {
		return err
	}
	delete(d.buffers, objectID)
	return d.gem.Free(objectID)
}

// SubmitBatch queues a client buffer as a batch for contextID at priority and
// returns its sequence number.
func (d *Device) SubmitBatch(contextID, objectID uint32, priority int32) (uint64, error) {
	if err := d.lock(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.submitLocked(contextID, objectID, priority)
}

func (d *Device) submitLocked(contextID, objectID uint32, priority int32) (uint64, error) {
	ctx, err := d.registry.Find(contextID)
	if err != nil {
		return 0, err
	}
	if ctx.Banned {
		return 0, common.ErrContextBanned(contextID, execlist.BanThreshold)
	}
	obj, ok := d.buffers[objectID]
	if !ok {
		return 0, common.ErrObjectNotFound(objectID)
	}
	if _, err := d.sched.CreateHWContextFor(contextID, priority); err != nil {
		return 0, err
	}
	seq, err := d.sched.Submit(contextID, obj)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("batch submitted",
		utils.Uint32("ctx", contextID),
		utils.Uint32("batch", objectID),
		utils.Uint64("seq", seq))
	return seq, nil
}

// Flush pushes the framebuffer to the display sink now.
func (d *Device) Flush() error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	d.proc.MarkFlush()
	return d.flushLocked()
}

// Present copies the context's bound surface into the framebuffer at (dx, dy)
// and marks a flush as needed.
func (d *Device) Present(contextID uint32, dx, dy int32) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.proc.Present(contextID, dx, dy)
}

// FenceValue returns the last completed sequence number for a context.
func (d *Device) FenceValue(contextID uint32) (uint64, error) {
	if _, err := d.registry.Find(contextID); err != nil {
		return 0, err
	}
	return d.sched.FenceValue(contextID)
}

// ErrorStates returns captured fault snapshots.
func (d *Device) ErrorStates() ([]execlist.ErrorState, error) {
	return d.sched.ErrorStates()
}

// Stats returns a snapshot of every component's counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	buffers := len(d.buffers)
	d.mu.Unlock()
	return Stats{
		State:          d.State().String(),
		Ticks:          d.ticks.Load(),
		SkippedTicks:   d.skippedTicks.Load(),
		Flushes:        d.flushes.Load(),
		FlushFailures:  d.flushFailures.Load(),
		ProtocolFaults: d.protocolFaults.Load(),
		Contexts:       d.registry.Count(),
		Buffers:        buffers,
		Channel:        d.channel.Stats(),
		Processor:      d.proc.Stats(),
		Scheduler:      d.sched.Stats(),
		Engine:         d.engine.Stats(),
		Memory:         d.gem.Stats(),
		GGTT:           d.gtt.Stats(),
	}
}

// HWContexts returns the hardware context table in creation order.
func (d *Device) HWContexts() []execlist.HWContext {
	return d.sched.Contexts()
}

// Package gem manages GPU buffer objects: physically backed, pin-counted memory
// blocks that can be mapped into the device address space.
package gem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/threads/arena"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Flags describe how an object may be used.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota // mapped without the writable bit
	FlagScanout                    // may back a presentation surface
)

// Segment is a physically contiguous run of an object's backing.
type Segment struct {
	Phys   uint64
	Length uint64
}

// slicer is implemented by providers that can expose backing memory directly.
type slicer interface {
	Slice(offset, length uint32) ([]byte, error)
}

// Object is a buffer object. Size, id, flags and segments are immutable after
// allocation; pin count and GPU address are guarded by the object's lock.
type Object struct {
	id       uint32
	size     uint64
	flags    Flags
	segments []Segment
	mgr      *Manager

	mu       sync.Mutex
	pinCount int
	gpuAddr  uint64
	freed    bool
}

// ID returns the object id (never 0).
func (o *Object) ID() uint32 { return o.id }

// Size returns the page-rounded size in bytes.
func (o *Object) Size() uint64 { return o.size }

// Flags returns the allocation flags.
func (o *Object) Flags() Flags { return o.flags }

// Pages returns the number of 4KiB pages backing the object.
func (o *Object) Pages() uint64 { return o.size >> common.PageShift }

// Segments returns a copy of the physical layout.
func (o *Object) Segments() []Segment {
	out := make([]Segment, len(o.segments))
	copy(out, o.segments)
	return out
}

// Pin takes a pin reference.
func (o *Object) Pin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return common.ErrObjectNotFound(o.id)
	}
	o.pinCount++
	return nil
}

// Unpin drops a pin reference. The last pin cannot be dropped while the object
// is still mapped.
func (o *Object) Unpin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pinCount == 0 {
		return common.ErrInvalid("unpin of unpinned object %d", o.id)
	}
	if o.pinCount == 1 && o.gpuAddr != 0 {
		return common.ErrBusyf("object %d is mapped at %#x", o.id, o.gpuAddr)
	}
	o.pinCount--
	return nil
}

// PinCount returns the current pin count.
func (o *Object) PinCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pinCount
}

// GPUAddress returns the mapped device address, 0 when unmapped.
func (o *Object) GPUAddress() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gpuAddr
}

// BindGPUAddress records a mapping. The object must be pinned and unmapped.
func (o *Object) BindGPUAddress(addr uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if addr == 0 || addr&^common.PageMask != 0 {
		return common.ErrInvalid("gpu address %#x is not a mappable page address", addr)
	}
	if o.pinCount == 0 {
		return common.ErrInvalid("object %d must be pinned before mapping", o.id)
	}
	if o.gpuAddr != 0 {
		return common.ErrBusyf("object %d already mapped at %#x", o.id, o.gpuAddr)
	}
	o.gpuAddr = addr
	return nil
}

// ClearGPUAddress forgets the mapping and returns the previous address.
func (o *Object) ClearGPUAddress() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.gpuAddr
	o.gpuAddr = 0
	return prev
}

// PhysicalSegment returns the contiguous physical run that starts at offset.
func (o *Object) PhysicalSegment(offset uint64) (phys uint64, length uint64, err error) {
	if offset >= o.size {
		return 0, 0, common.ErrInvalid("offset %#x beyond object %d size %#x", offset, o.id, o.size)
	}
	for _, seg := range o.segments {
		if offset < seg.Length {
			return seg.Phys + offset, seg.Length - offset, nil
		}
		offset -= seg.Length
	}
	return 0, 0, common.ErrInvalid("object %d has no segment at offset", o.id)
}

// ReadAt copies object bytes starting at offset into p.
func (o *Object) ReadAt(offset uint64, p []byte) error {
	return o.walk(offset, len(p), func(phys uint64, lo, hi int) error {
		return o.mgr.mem.ReadAt(uint32(phys), p[lo:hi])
	})
}

// WriteAt copies p into the object starting at offset.
func (o *Object) WriteAt(offset uint64, p []byte) error {
	return o.walk(offset, len(p), func(phys uint64, lo, hi int) error {
		return o.mgr.mem.WriteAt(uint32(phys), p[lo:hi])
	})
}

// Load32 atomically reads the little-endian word at offset.
func (o *Object) Load32(offset uint64) (uint32, error) {
	phys, err := o.wordAddress(offset)
	if err != nil {
		return 0, err
	}
	return o.mgr.mem.AtomicLoad32(uint32(phys))
}

// Store32 atomically writes the word at offset.
func (o *Object) Store32(offset uint64, val uint32) error {
	phys, err := o.wordAddress(offset)
	if err != nil {
		return err
	}
	return o.mgr.mem.AtomicStore32(uint32(phys), val)
}

// CPUView exposes the backing memory of a single-segment object.
func (o *Object) CPUView() ([]byte, error) {
	s, ok := o.mgr.mem.(slicer)
	if !ok {
		return nil, common.ErrInvalid("memory provider has no direct CPU view")
	}
	if len(o.segments) != 1 {
		return nil, common.ErrInvalid("object %d spans %d segments", o.id, len(o.segments))
	}
	return s.Slice(uint32(o.segments[0].Phys), uint32(o.size))
}

func (o *Object) wordAddress(offset uint64) (uint64, error) {
	if offset%4 != 0 {
		return 0, common.ErrInvalid("word offset %#x is not 4-byte aligned", offset)
	}
	phys, length, err := o.PhysicalSegment(offset)
	if err != nil {
		return 0, err
	}
	if length < 4 {
		return 0, common.ErrInvalid("word at %#x crosses a segment boundary", offset)
	}
	return phys, nil
}

// walk splits [offset, offset+n) into per-segment pieces.
func (o *Object) walk(offset uint64, n int, fn func(phys uint64, lo, hi int) error) error {
	if offset+uint64(n) > o.size || offset+uint64(n) < offset {
		return common.ErrInvalid("range %#x+%d outside object %d", offset, n, o.id)
	}
	done := 0
	for done < n {
		phys, length, err := o.PhysicalSegment(offset + uint64(done))
		if err != nil {
			return err
		}
		chunk := n - done
		if uint64(chunk) > length {
			chunk = int(length)
		}
		if err := fn(phys, done, done+chunk); err != nil {
			return utils.WrapError(err, fmt.Sprintf("object %d access", o.id))
		}
		done += chunk
	}
	return nil
}

// Stats summarizes the manager's state.
type Stats struct {
	Objects        int
	AllocatedBytes uint64
	PhysicalBytes  uint32
	FreeBytes      uint32
}

// Manager allocates buffer objects out of a physical memory provider.
type Manager struct {
	mem    sab.MemoryProvider
	buddy  *arena.BuddyAllocator
	logger *utils.Logger

	mu      sync.RWMutex
	objects map[uint32]*Object
	nextID  atomic.Uint32
	bytes   uint64
}

// NewManager manages the whole provider except page 0, which is reserved so
// physical address 0 is never handed out.
func NewManager(mem sab.MemoryProvider, logger *utils.Logger) (*Manager, error) {
	if logger == nil {
		logger = utils.DefaultLogger("gem")
	}
	if mem.Size() <= common.PageSize {
		return nil, common.ErrInvalid("physical memory of %d bytes is too small", mem.Size())
	}
	buddy, err := arena.NewBuddyAllocator(common.PageSize, mem.Size()-common.PageSize)
	if err != nil {
		return nil, utils.WrapError(err, "physical allocator")
	}
	return &Manager{
		mem:     mem,
		buddy:   buddy,
		logger:  logger,
		objects: make(map[uint32]*Object),
	}, nil
}

// Memory returns the physical memory provider.
func (m *Manager) Memory() sab.MemoryProvider { return m.mem }

// Allocate creates a zeroed object of at least size bytes.
func (m *Manager) Allocate(size uint64, flags Flags) (*Object, error) {
	if size == 0 {
		return nil, common.ErrInvalid("zero-sized object")
	}
	if size > uint64(m.mem.Size()) {
		return nil, common.NewError(common.ErrCodeOutOfMemory, "object larger than physical memory").
			WithContext("size", size)
	}
	size = common.PagesFor(size) << common.PageShift

	segments, err := m.reserve(size)
	if err != nil {
		return nil, err
	}
	obj := &Object{
		id:       m.nextID.Add(1),
		size:     size,
		flags:    flags,
		segments: segments,
		mgr:      m,
	}
	if err := obj.zero(); err != nil {
		m.release(segments)
		return nil, err
	}

	m.mu.Lock()
	m.objects[obj.id] = obj
	m.bytes += size
	m.mu.Unlock()

	m.logger.Debug("object allocated",
		utils.Uint32("id", obj.id),
		utils.Uint64("size", size),
		utils.Int("segments", len(segments)))
	return obj, nil
}

// Lookup returns a live object by id.
func (m *Manager) Lookup(id uint32) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, common.ErrObjectNotFound(id)
	}
	return obj, nil
}

// Free releases an object's backing. Pinned or mapped objects are BUSY.
func (m *Manager) Free(id uint32) error {
	m.mu.Lock()
	obj, ok := m.objects[id]
	if !ok {
		m.mu.Unlock()
		return common.ErrObjectNotFound(id)
	}
	obj.mu.Lock()
	if obj.pinCount > 0 || obj.gpuAddr != 0 {
		pins, addr := obj.pinCount, obj.gpuAddr
		obj.mu.Unlock()
		m.mu.Unlock()
		return common.ErrBusyf("object %d still in use", id).
			WithContext("pins", pins).
			WithContext("gpu_address", addr)
	}
	obj.freed = true
	obj.mu.Unlock()
	delete(m.objects, id)
	m.bytes -= obj.size
	m.mu.Unlock()

	m.release(obj.segments)
	m.logger.Debug("object freed", utils.Uint32("id", id))
	return nil
}

// Stats returns a snapshot of allocation counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.buddy.GetStats()
	return Stats{
		Objects:        len(m.objects),
		AllocatedBytes: m.bytes,
		PhysicalBytes:  bs.TotalSize,
		FreeBytes:      bs.Free,
	}
}

// reserve backs size bytes with buddy blocks, largest first.
func (m *Manager) reserve(size uint64) ([]Segment, error) {
	var segments []Segment
	remaining := size
	for remaining > 0 {
		chunk := remaining
		if chunk > arena.MAX_BUDDY_SIZE {
			chunk = arena.MAX_BUDDY_SIZE
		}
		phys, err := m.buddy.Allocate(uint32(chunk))
		if err != nil {
			m.release(segments)
			if errors.Is(err, arena.ErrOutOfMemory) {
				return nil, common.WrapError(common.ErrCodeOutOfMemory, "physical memory exhausted", err).
					WithContext("size", size)
			}
			return nil, utils.WrapError(err, fmt.Sprintf("reserve %d bytes", chunk))
		}
		segments = append(segments, Segment{Phys: uint64(phys), Length: chunk})
		remaining -= chunk
	}
	return segments, nil
}

func (m *Manager) release(segments []Segment) {
	for _, seg := range segments {
		if err := m.buddy.Free(uint32(seg.Phys)); err != nil {
			m.logger.Error("release physical block", utils.Hex("phys", seg.Phys), utils.Err(err))
		}
	}
}

var zeroPage [common.PageSize]byte

func (o *Object) zero() error {
	for _, seg := range o.segments {
		for off := uint64(0); off < seg.Length; off += common.PageSize {
			if err := o.mgr.mem.WriteAt(uint32(seg.Phys+off), zeroPage[:]); err != nil {
				return fmt.Errorf("zero object %d: %w", o.id, err)
			}
		}
	}
	return nil
}

package gem

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/threads/arena"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

func newTestManager(t *testing.T, size uint32) *Manager {
	t.Helper()
	logger := utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Output: &bytes.Buffer{}})
	m, err := NewManager(sab.NewInMemoryProvider(size), logger)
	require.NoError(t, err)
	return m
}

func TestManager_AllocateRoundsAndZeroes(t *testing.T) {
	m := newTestManager(t, 1<<20)
	mem := m.Memory()

	// Dirty physical memory so zeroing is observable
	junk := bytes.Repeat([]byte{0xAB}, int(mem.Size())-common.PageSize)
	require.NoError(t, mem.WriteAt(common.PageSize, junk))

	obj, err := m.Allocate(100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), obj.ID())
	assert.Equal(t, uint64(common.PageSize), obj.Size())
	assert.Equal(t, uint64(0), obj.GPUAddress())

	buf := make([]byte, obj.Size())
	require.NoError(t, obj.ReadAt(0, buf))
	assert.Equal(t, make([]byte, obj.Size()), buf)

	second, err := m.Allocate(common.PageSize, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.ID())
}

func TestManager_ZeroSizeRejected(t *testing.T) {
	m := newTestManager(t, 1<<20)
	_, err := m.Allocate(0, 0)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestManager_HugeSizeRejectedBeforeRounding(t *testing.T) {
	m := newTestManager(t, 1<<20)
	for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - common.PageSize + 2, 1<<20 + 1} {
		_, err := m.Allocate(size, 0)
		assert.ErrorIs(t, err, common.ErrOutOfMemory, "size %#x", size)
	}
	assert.Zero(t, m.Stats().Objects)
}

func TestManager_OutOfMemory(t *testing.T) {
	m := newTestManager(t, 64*1024)
	_, err := m.Allocate(32*1024, 0)
	require.NoError(t, err)
	_, err = m.Allocate(32*1024, 0)
	assert.ErrorIs(t, err, common.ErrOutOfMemory)
}

func TestObject_PhysicalSegmentIsPageAligned(t *testing.T) {
	m := newTestManager(t, 1<<20)
	obj, err := m.Allocate(common.PageSize, 0)
	require.NoError(t, err)

	phys, length, err := obj.PhysicalSegment(0)
	require.NoError(t, err)
	assert.NotZero(t, phys)
	assert.Zero(t, phys%common.PageSize)
	assert.Equal(t, uint64(common.PageSize), length)

	phys2, length2, err := obj.PhysicalSegment(100)
	require.NoError(t, err)
	assert.Equal(t, phys+100, phys2)
	assert.Equal(t, uint64(common.PageSize-100), length2)

	_, _, err = obj.PhysicalSegment(common.PageSize)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestObject_ScatterGatherAcrossBlocks(t *testing.T) {
	m := newTestManager(t, 16<<20)
	size := uint64(arena.MAX_BUDDY_SIZE + 2*common.PageSize)
	obj, err := m.Allocate(size, 0)
	require.NoError(t, err)

	segs := obj.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(arena.MAX_BUDDY_SIZE), segs[0].Length)
	assert.Equal(t, uint64(2*common.PageSize), segs[1].Length)

	// A write straddling the segment boundary lands in both blocks
	payload := []byte("straddle")
	off := uint64(arena.MAX_BUDDY_SIZE - 4)
	require.NoError(t, obj.WriteAt(off, payload))
	got := make([]byte, len(payload))
	require.NoError(t, obj.ReadAt(off, got))
	assert.Equal(t, payload, got)

	phys, _, err := obj.PhysicalSegment(arena.MAX_BUDDY_SIZE)
	require.NoError(t, err)
	assert.Equal(t, segs[1].Phys, phys)

	_, err = obj.CPUView()
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestObject_PinUnpin(t *testing.T) {
	m := newTestManager(t, 1<<20)
	obj, err := m.Allocate(common.PageSize, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, obj.Unpin(), common.ErrInvalidArgument)

	require.NoError(t, obj.Pin())
	require.NoError(t, obj.Pin())
	assert.Equal(t, 2, obj.PinCount())

	require.NoError(t, obj.BindGPUAddress(0x10000))
	require.NoError(t, obj.Unpin())
	// Last pin is held by the mapping
	assert.ErrorIs(t, obj.Unpin(), common.ErrBusy)

	assert.Equal(t, uint64(0x10000), obj.ClearGPUAddress())
	require.NoError(t, obj.Unpin())
	assert.Zero(t, obj.PinCount())
}

func TestObject_BindRequiresPin(t *testing.T) {
	m := newTestManager(t, 1<<20)
	obj, err := m.Allocate(common.PageSize, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, obj.BindGPUAddress(0x1000), common.ErrInvalidArgument)
	require.NoError(t, obj.Pin())
	assert.ErrorIs(t, obj.BindGPUAddress(0x1001), common.ErrInvalidArgument)
	require.NoError(t, obj.BindGPUAddress(0x1000))
	assert.ErrorIs(t, obj.BindGPUAddress(0x2000), common.ErrBusy)
}

func TestManager_FreeBusyAndNotFound(t *testing.T) {
	m := newTestManager(t, 1<<20)
	obj, err := m.Allocate(common.PageSize, 0)
	require.NoError(t, err)

	require.NoError(t, obj.Pin())
	assert.ErrorIs(t, m.Free(obj.ID()), common.ErrBusy)
	require.NoError(t, obj.Unpin())

	before := m.Stats()
	require.NoError(t, m.Free(obj.ID()))
	after := m.Stats()
	assert.Equal(t, before.Objects-1, after.Objects)
	assert.Equal(t, before.FreeBytes+common.PageSize, after.FreeBytes)

	assert.ErrorIs(t, m.Free(obj.ID()), common.ErrNotFound)
	_, err = m.Lookup(obj.ID())
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, obj.Pin(), common.ErrNotFound)
}

func TestObject_WordAccessAndCPUView(t *testing.T) {
	m := newTestManager(t, 1<<20)
	obj, err := m.Allocate(common.PageSize, 0)
	require.NoError(t, err)

	require.NoError(t, obj.Store32(8, 0xDEADBEEF))
	v, err := obj.Load32(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)

	_, err = obj.Load32(6)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	view, err := obj.CPUView()
	require.NoError(t, err)
	require.Len(t, view, common.PageSize)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, view[8:12])
}

package ggtt

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

func quietLogger() *utils.Logger {
	return utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Output: io.Discard})
}

func setup(t *testing.T, entries uint64) (*gem.Manager, *Table) {
	t.Helper()
	mgr, err := gem.NewManager(sab.NewInMemoryProvider(2<<20), quietLogger())
	require.NoError(t, err)
	table, err := New(entries, quietLogger())
	require.NoError(t, err)
	return mgr, table
}

func pinned(t *testing.T, mgr *gem.Manager, size uint64, flags gem.Flags) *gem.Object {
	t.Helper()
	obj, err := mgr.Allocate(size, flags)
	require.NoError(t, err)
	require.NoError(t, obj.Pin())
	return obj
}

func TestMap_PageAlignedAndMatchesPhysicalSegment(t *testing.T) {
	mgr, table := setup(t, 64)
	obj := pinned(t, mgr, common.PageSize, 0)

	addr, err := table.Map(obj)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Zero(t, addr%common.PageSize)
	assert.Equal(t, addr, obj.GPUAddress())

	phys, _, err := obj.PhysicalSegment(0)
	require.NoError(t, err)
	pte := table.PTE(addr >> common.PageShift)
	assert.Equal(t, phys, pte&common.PageMask)
	assert.Equal(t, PTEPresent|PTEWritable, pte&^common.PageMask)

	got, err := table.Translate(addr + 0x24)
	require.NoError(t, err)
	assert.Equal(t, phys+0x24, got)
}

func TestMap_MultiPageEntriesFollowSegments(t *testing.T) {
	mgr, table := setup(t, 64)
	obj := pinned(t, mgr, 3*common.PageSize, gem.FlagReadOnly)

	addr, err := table.Map(obj)
	require.NoError(t, err)
	base := addr >> common.PageShift
	for page := uint64(0); page < 3; page++ {
		phys, _, err := obj.PhysicalSegment(page * common.PageSize)
		require.NoError(t, err)
		assert.Equal(t, phys|PTEPresent, table.PTE(base+page), "page %d", page)
	}
	assert.Zero(t, table.PTE(base+3))
}

func TestMap_RejectsUnpinnedAndDoubleMap(t *testing.T) {
	mgr, table := setup(t, 64)
	obj, err := mgr.Allocate(common.PageSize, 0)
	require.NoError(t, err)

	_, err = table.Map(obj)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	require.NoError(t, obj.Pin())
	_, err = table.Map(obj)
	require.NoError(t, err)
	_, err = table.Map(obj)
	assert.ErrorIs(t, err, common.ErrBusy)
}

func TestMap_ExhaustsAddressSpace(t *testing.T) {
	mgr, table := setup(t, 4)
	_, err := table.Map(pinned(t, mgr, 3*common.PageSize, 0))
	require.NoError(t, err)
	_, err = table.Map(pinned(t, mgr, common.PageSize, 0))
	assert.ErrorIs(t, err, common.ErrResourceExhausted)
}

func TestUnmap_ClearsEntriesAndCoalesces(t *testing.T) {
	mgr, table := setup(t, 16)
	a := pinned(t, mgr, common.PageSize, 0)
	b := pinned(t, mgr, 2*common.PageSize, 0)
	c := pinned(t, mgr, common.PageSize, 0)

	addrA, err := table.Map(a)
	require.NoError(t, err)
	addrB, err := table.Map(b)
	require.NoError(t, err)
	_, err = table.Map(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), table.Stats().MappedPages)

	assert.ErrorIs(t, table.Unmap(addrB, 1), common.ErrInvalidArgument)
	require.NoError(t, table.Unmap(addrB, 2))
	assert.Zero(t, b.GPUAddress())
	assert.Zero(t, table.PTE(addrB>>common.PageShift))
	_, err = table.Translate(addrB)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, table.UnmapObject(a))
	// a and b ranges merged back into one 3-page hole at the front
	big := pinned(t, mgr, 3*common.PageSize, 0)
	addrBig, err := table.Map(big)
	require.NoError(t, err)
	assert.Equal(t, addrA, addrBig)

	require.NoError(t, table.UnmapObject(a), "unmapping an unmapped object is a no-op")
}

func TestMapAt(t *testing.T) {
	mgr, table := setup(t, 16)
	obj := pinned(t, mgr, 2*common.PageSize, 0)

	_, err := table.MapAt(obj, 0)
	assert.ErrorIs(t, err, common.ErrBusy)

	addr, err := table.MapAt(obj, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5<<common.PageShift), addr)

	other := pinned(t, mgr, common.PageSize, 0)
	_, err = table.MapAt(other, 6)
	assert.ErrorIs(t, err, common.ErrBusy)

	// First fit still finds the hole before the fixed mapping
	addr, err = table.Map(other)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<common.PageShift), addr)
	assert.Equal(t, 2, table.Stats().Mappings)
}

func TestMapAt_RejectsOutOfRangeIndex(t *testing.T) {
	mgr, table := setup(t, 16)
	obj := pinned(t, mgr, 2*common.PageSize, 0)

	for _, index := range []uint64{15, 16, math.MaxUint64, math.MaxUint64 - 1} {
		_, err := table.MapAt(obj, index)
		assert.ErrorIs(t, err, common.ErrBusy, "index %d", index)
	}
	assert.Zero(t, obj.GPUAddress())
	assert.Equal(t, uint64(15), table.Stats().FreePages)

	addr, err := table.MapAt(obj, 14)
	require.NoError(t, err)
	assert.Equal(t, uint64(14<<common.PageShift), addr)
}

func TestMap_FailedHugeAllocationLeavesAddressesDistinct(t *testing.T) {
	mgr, table := setup(t, 64)
	_, err := mgr.Allocate(math.MaxUint64, 0)
	require.ErrorIs(t, err, common.ErrOutOfMemory)

	a := pinned(t, mgr, common.PageSize, 0)
	b := pinned(t, mgr, common.PageSize, 0)
	addrA, err := table.Map(a)
	require.NoError(t, err)
	addrB, err := table.Map(b)
	require.NoError(t, err)
	assert.NotEqual(t, addrA, addrB)
	assert.Equal(t, 2, table.Stats().Mappings)
}

func TestUnpinWhileMappedIsBusy(t *testing.T) {
	mgr, table := setup(t, 16)
	obj := pinned(t, mgr, common.PageSize, 0)
	_, err := table.Map(obj)
	require.NoError(t, err)

	assert.ErrorIs(t, obj.Unpin(), common.ErrBusy)
	require.NoError(t, table.UnmapObject(obj))
	require.NoError(t, obj.Unpin())
	require.NoError(t, mgr.Free(obj.ID()))
}

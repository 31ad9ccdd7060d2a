// Package ggtt implements the global device address space: a flat table of
// page entries translating device addresses to physical pages.
package ggtt

import (
	"sync"

	"github.com/google/btree"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Page table entry bits.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
)

// extent is a run of free table indices.
type extent struct {
	start uint64
	pages uint64
}

func extentLess(a, b extent) bool { return a.start < b.start }

type mapping struct {
	obj   *gem.Object
	pages uint64
}

// Stats reports table occupancy.
type Stats struct {
	Entries     uint64
	MappedPages uint64
	FreePages   uint64
	Mappings    int
}

// Table is the device address space. Index 0 is reserved so that address 0
// always means "unmapped".
type Table struct {
	mu       sync.Mutex
	entries  []uint64
	free     *btree.BTreeG[extent]
	mappings map[uint64]mapping // base index -> mapping
	logger   *utils.Logger
}

// New creates a table with the given number of entries.
func New(entries uint64, logger *utils.Logger) (*Table, error) {
	if entries < 2 {
		return nil, common.ErrInvalid("ggtt needs at least 2 entries, got %d", entries)
	}
	if logger == nil {
		logger = utils.DefaultLogger("ggtt")
	}
	t := &Table{
		entries:  make([]uint64, entries),
		free:     btree.NewG(8, extentLess),
		mappings: make(map[uint64]mapping),
		logger:   logger,
	}
	t.free.ReplaceOrInsert(extent{start: 1, pages: entries - 1})
	return t, nil
}

// Map assigns the first free range large enough for obj and maps it there.
func (t *Table) Map(obj *gem.Object) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := checkMappable(obj); err != nil {
		return 0, err
	}
	need := obj.Pages()
	var found *extent
	t.free.Ascend(func(e extent) bool {
		if e.pages >= need {
			found = &e
			return false
		}
		return true
	})
	if found == nil {
		return 0, common.NewError(common.ErrCodeResourceExhausted, "no free ggtt range").
			WithContext("pages", need)
	}
	return t.mapLocked(obj, *found, found.start)
}

// MapAt maps obj at a caller-chosen base index.
func (t *Table) MapAt(obj *gem.Object, index uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := checkMappable(obj); err != nil {
		return 0, err
	}
	need := obj.Pages()
	if index == 0 || index >= uint64(len(t.entries)) || need > uint64(len(t.entries))-index {
		return 0, common.ErrBusyf("ggtt range %d+%d is out of bounds", index, need)
	}
	var found *extent
	t.free.DescendLessOrEqual(extent{start: index}, func(e extent) bool {
		if index+need <= e.start+e.pages {
			found = &e
		}
		return false
	})
	if found == nil {
		return 0, common.ErrBusyf("ggtt range %d+%d is not free", index, need)
	}
	return t.mapLocked(obj, *found, index)
}

func checkMappable(obj *gem.Object) error {
	if obj.Pages() == 0 {
		return common.ErrInvalid("object %d has no pages", obj.ID())
	}
	if obj.PinCount() == 0 {
		return common.ErrInvalid("object %d must be pinned before mapping", obj.ID())
	}
	if addr := obj.GPUAddress(); addr != 0 {
		return common.ErrBusyf("object %d already mapped at %#x", obj.ID(), addr)
	}
	return nil
}

// mapLocked carves [index, index+pages) out of the free extent e and writes one
// entry per page from the object's physical segments.
func (t *Table) mapLocked(obj *gem.Object, e extent, index uint64) (uint64, error) {
	need := obj.Pages()
	addr := index << common.PageShift
	if err := obj.BindGPUAddress(addr); err != nil {
		return 0, err
	}

	t.free.Delete(e)
	if index > e.start {
		t.free.ReplaceOrInsert(extent{start: e.start, pages: index - e.start})
	}
	if end := index + need; end < e.start+e.pages {
		t.free.ReplaceOrInsert(extent{start: end, pages: e.start + e.pages - end})
	}

	flags := PTEPresent | PTEWritable
	if obj.Flags()&gem.FlagReadOnly != 0 {
		flags = PTEPresent
	}
	for page := uint64(0); page < need; page++ {
		phys, _, err := obj.PhysicalSegment(page << common.PageShift)
		if err != nil {
			// Segments cover the full size, so this only fires on a corrupted object
			t.clearLocked(index, page)
			t.releaseLocked(index, need)
			obj.ClearGPUAddress()
			return 0, err
		}
		t.entries[index+page] = (phys & common.PageMask) | flags
	}
	t.mappings[index] = mapping{obj: obj, pages: need}

	t.logger.Debug("mapped",
		utils.Uint32("object", obj.ID()),
		utils.Hex("addr", addr),
		utils.Uint64("pages", need))
	return addr, nil
}

// Unmap clears the entries of the mapping at addr. pages must match the
// mapping's size.
func (t *Table) Unmap(addr uint64, pages uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if addr&^common.PageMask != 0 {
		return common.ErrInvalid("unmap address %#x is not page aligned", addr)
	}
	index := addr >> common.PageShift
	m, ok := t.mappings[index]
	if !ok {
		return common.ErrInvalid("no mapping at %#x", addr)
	}
	if m.pages != pages {
		return common.ErrInvalid("unmap of %d pages at %#x, mapping has %d", pages, addr, m.pages)
	}
	t.unmapLocked(index, m)
	return nil
}

// UnmapObject removes obj's mapping, if any.
func (t *Table) UnmapObject(obj *gem.Object) error {
	addr := obj.GPUAddress()
	if addr == 0 {
		return nil
	}
	return t.Unmap(addr, obj.Pages())
}

func (t *Table) unmapLocked(index uint64, m mapping) {
	t.clearLocked(index, m.pages)
	t.releaseLocked(index, m.pages)
	delete(t.mappings, index)
	m.obj.ClearGPUAddress()
	t.logger.Debug("unmapped", utils.Uint32("object", m.obj.ID()), utils.Hex("addr", index<<common.PageShift))
}

func (t *Table) clearLocked(index, pages uint64) {
	for i := index; i < index+pages; i++ {
		t.entries[i] = 0
	}
}

// releaseLocked returns a range to the free index, merging with neighbours.
func (t *Table) releaseLocked(index, pages uint64) {
	merged := extent{start: index, pages: pages}
	t.free.DescendLessOrEqual(extent{start: index}, func(prev extent) bool {
		if prev.start+prev.pages == index {
			t.free.Delete(prev)
			merged = extent{start: prev.start, pages: prev.pages + merged.pages}
		}
		return false
	})
	if next, ok := t.free.Get(extent{start: index + pages}); ok {
		t.free.Delete(next)
		merged.pages += next.pages
	}
	t.free.ReplaceOrInsert(merged)
}

// Translate resolves a device address to a physical address.
func (t *Table) Translate(addr uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := addr >> common.PageShift
	if index >= uint64(len(t.entries)) {
		return 0, common.NewError(common.ErrCodeNotFound, "address outside ggtt").WithContext("addr", addr)
	}
	pte := t.entries[index]
	if pte&PTEPresent == 0 {
		return 0, common.NewError(common.ErrCodeNotFound, "address not mapped").WithContext("addr", addr)
	}
	return (pte & common.PageMask) | (addr &^ common.PageMask), nil
}

// PTE returns the raw entry at index.
func (t *Table) PTE(index uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= uint64(len(t.entries)) {
		return 0
	}
	return t.entries[index]
}

// Stats returns occupancy counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Entries: uint64(len(t.entries)), Mappings: len(t.mappings)}
	t.free.Ascend(func(e extent) bool {
		s.FreePages += e.pages
		return true
	})
	s.MappedPages = s.Entries - 1 - s.FreePages
	return s
}

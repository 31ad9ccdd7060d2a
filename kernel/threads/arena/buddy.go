package arena

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buddy allocator for physical pages (4KB-4MB).
// Uses power-of-2 block sizes with automatic coalescing. Blocks are naturally
// aligned to their size relative to the base address.

const (
	MIN_BUDDY_SIZE   = 4096            // 4KB, one page
	MAX_BUDDY_SIZE   = 4 * 1024 * 1024 // 4MB
	NUM_BUDDY_LEVELS = 11              // 4KB to 4MB
)

var (
	ErrOutOfMemory   = fmt.Errorf("out of memory")
	ErrInvalidFree   = fmt.Errorf("invalid free")
	ErrBlockTooLarge = fmt.Errorf("block too large")
)

type BuddyAllocator struct {
	baseOffset uint32
	totalSize  uint32

	// Free lists for each level (0=4KB, 1=8KB, ..., 10=4MB). Heads hold addresses,
	// 0 terminates a list (the base is never 0).
	freeLists [NUM_BUDDY_LEVELS]uint32

	// Next-free links, one per page, kept outside the managed memory so that
	// allocated blocks are never scribbled on.
	nextFree []uint32

	// Allocation bitmap (1 bit per 4KB block)
	bitmap []uint64

	// Level of the allocated block starting at each page, -1 when no block starts there.
	blockLevels []int8

	mu sync.RWMutex
}

// NewBuddyAllocator manages [baseOffset, baseOffset+totalSize). baseOffset must be
// a nonzero multiple of MIN_BUDDY_SIZE.
func NewBuddyAllocator(baseOffset, totalSize uint32) (*BuddyAllocator, error) {
	if baseOffset == 0 || baseOffset%MIN_BUDDY_SIZE != 0 {
		return nil, fmt.Errorf("buddy base %#x must be a nonzero page multiple", baseOffset)
	}
	if uint64(baseOffset)+uint64(totalSize) > 1<<32 {
		return nil, fmt.Errorf("buddy range %#x+%#x exceeds 32-bit addresses", baseOffset, totalSize)
	}

	numBlocks := int(totalSize / MIN_BUDDY_SIZE)

	ba := &BuddyAllocator{
		baseOffset:  baseOffset,
		totalSize:   uint32(numBlocks) * MIN_BUDDY_SIZE,
		nextFree:    make([]uint32, numBlocks),
		bitmap:      make([]uint64, (numBlocks+63)/64),
		blockLevels: make([]int8, numBlocks),
	}
	for i := range ba.blockLevels {
		ba.blockLevels[i] = -1
	}

	// Seed free lists with the largest aligned blocks that fit
	rel := uint32(0)
	for rel < ba.totalSize {
		level := NUM_BUDDY_LEVELS - 1
		for level > 0 {
			size := levelToSize(level)
			if rel%size == 0 && rel+size <= ba.totalSize {
				break
			}
			level--
		}
		ba.addToFreeList(ba.baseOffset+rel, level)
		rel += levelToSize(level)
	}

	return ba, nil
}

// Allocate allocates a block of at least the given size and returns its address.
func (ba *BuddyAllocator) Allocate(size uint32) (uint32, error) {
	if size > MAX_BUDDY_SIZE {
		return 0, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, size)
	}
	if size < MIN_BUDDY_SIZE {
		size = MIN_BUDDY_SIZE
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := sizeToLevel(size)
	offset := ba.findFreeBlock(level)
	if offset == 0 {
		return 0, ErrOutOfMemory
	}

	ba.markAllocated(offset, level)
	return offset, nil
}

// Free frees the block starting at offset. Unknown and double frees are rejected.
func (ba *BuddyAllocator) Free(offset uint32) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := ba.getBlockLevel(offset)
	if level < 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidFree, offset)
	}

	ba.markFree(offset, level)
	ba.coalesce(offset, level)

	return nil
}

// BlockSize returns the size of the allocated block starting at offset.
func (ba *BuddyAllocator) BlockSize(offset uint32) (uint32, bool) {
	ba.mu.RLock()
	defer ba.mu.RUnlock()

	level := ba.getBlockLevel(offset)
	if level < 0 {
		return 0, false
	}
	return levelToSize(level), true
}

// Base returns the lowest managed address.
func (ba *BuddyAllocator) Base() uint32 {
	return ba.baseOffset
}

// Size returns the managed size in bytes.
func (ba *BuddyAllocator) Size() uint32 {
	return ba.totalSize
}

func sizeToLevel(size uint32) int {
	pages := (size + MIN_BUDDY_SIZE - 1) / MIN_BUDDY_SIZE
	level := bits.Len32(pages - 1)
	if level >= NUM_BUDDY_LEVELS {
		level = NUM_BUDDY_LEVELS - 1
	}
	return level
}

func levelToSize(level int) uint32 {
	return MIN_BUDDY_SIZE << uint(level)
}

// Helper: Find free block at level or split larger block
func (ba *BuddyAllocator) findFreeBlock(level int) uint32 {
	if ba.freeLists[level] != 0 {
		offset := ba.freeLists[level]
		ba.freeLists[level] = ba.getNextFree(offset)
		return offset
	}

	for l := level + 1; l < NUM_BUDDY_LEVELS; l++ {
		if ba.freeLists[l] != 0 {
			return ba.splitBlock(l, level)
		}
	}

	return 0
}

// Helper: Split block from higher level to target level
func (ba *BuddyAllocator) splitBlock(fromLevel, toLevel int) uint32 {
	offset := ba.freeLists[fromLevel]
	ba.freeLists[fromLevel] = ba.getNextFree(offset)

	// The lower half is returned, upper halves go back on the free lists
	for level := fromLevel - 1; level >= toLevel; level-- {
		ba.addToFreeList(offset+levelToSize(level), level)
	}

	return offset
}

// Helper: Coalesce with buddy
func (ba *BuddyAllocator) coalesce(offset uint32, level int) {
	for level < NUM_BUDDY_LEVELS-1 {
		blockSize := levelToSize(level)
		buddyOffset := ba.baseOffset + ((offset - ba.baseOffset) ^ blockSize)

		if !ba.isFreeBlock(buddyOffset, level) {
			break
		}

		ba.removeFromFreeList(buddyOffset, level)

		if buddyOffset < offset {
			offset = buddyOffset
		}
		level++
	}

	ba.addToFreeList(offset, level)
}

// Helper: a buddy can merge only if it is a free block of exactly this level,
// i.e. it sits on the level's free list.
func (ba *BuddyAllocator) isFreeBlock(offset uint32, level int) bool {
	blockSize := levelToSize(level)
	rel := offset - ba.baseOffset
	if offset < ba.baseOffset || rel+blockSize > ba.totalSize {
		return false
	}

	for current := ba.freeLists[level]; current != 0; current = ba.getNextFree(current) {
		if current == offset {
			return true
		}
	}
	return false
}

func (ba *BuddyAllocator) pageIndex(offset uint32) int {
	return int((offset - ba.baseOffset) / MIN_BUDDY_SIZE)
}

// Helper: Mark block as allocated
func (ba *BuddyAllocator) markAllocated(offset uint32, level int) {
	first := ba.pageIndex(offset)
	numBlocks := int(levelToSize(level) / MIN_BUDDY_SIZE)

	for i := first; i < first+numBlocks; i++ {
		ba.bitmap[i/64] |= 1 << (i % 64)
	}
	ba.blockLevels[first] = int8(level)
}

// Helper: Mark block as free
func (ba *BuddyAllocator) markFree(offset uint32, level int) {
	first := ba.pageIndex(offset)
	numBlocks := int(levelToSize(level) / MIN_BUDDY_SIZE)

	for i := first; i < first+numBlocks; i++ {
		ba.bitmap[i/64] &^= 1 << (i % 64)
	}
	ba.blockLevels[first] = -1
}

// Helper: Add block to free list
func (ba *BuddyAllocator) addToFreeList(offset uint32, level int) {
	next := ba.freeLists[level]
	if next == offset {
		panic(fmt.Sprintf("buddy: free list cycle at %#x L%d", offset, level))
	}
	ba.nextFree[ba.pageIndex(offset)] = next
	ba.freeLists[level] = offset
}

// Helper: Remove block from free list
func (ba *BuddyAllocator) removeFromFreeList(offset uint32, level int) {
	if ba.freeLists[level] == offset {
		ba.freeLists[level] = ba.getNextFree(offset)
		return
	}

	current := ba.freeLists[level]
	for current != 0 {
		next := ba.getNextFree(current)
		if next == offset {
			ba.nextFree[ba.pageIndex(current)] = ba.getNextFree(offset)
			return
		}
		current = next
	}
}

func (ba *BuddyAllocator) getNextFree(offset uint32) uint32 {
	if offset == 0 || offset < ba.baseOffset || offset >= ba.baseOffset+ba.totalSize {
		return 0
	}
	return ba.nextFree[ba.pageIndex(offset)]
}

// Helper: Get level of the allocated block starting at offset
func (ba *BuddyAllocator) getBlockLevel(offset uint32) int {
	if offset < ba.baseOffset || offset%MIN_BUDDY_SIZE != 0 {
		return -1
	}
	idx := ba.pageIndex(offset)
	if idx >= len(ba.blockLevels) {
		return -1
	}
	return int(ba.blockLevels[idx])
}

// Statistics

type BuddyStats struct {
	TotalSize     uint32
	Allocated     uint32
	Free          uint32
	Fragmentation float32
	LevelStats    [NUM_BUDDY_LEVELS]LevelStats
}

type LevelStats struct {
	Level      int
	BlockSize  uint32
	FreeBlocks int
}

func (ba *BuddyAllocator) GetStats() BuddyStats {
	ba.mu.RLock()
	defer ba.mu.RUnlock()

	stats := BuddyStats{
		TotalSize: ba.totalSize,
	}

	allocatedPages := 0
	for _, word := range ba.bitmap {
		allocatedPages += bits.OnesCount64(word)
	}
	stats.Allocated = uint32(allocatedPages) * MIN_BUDDY_SIZE
	stats.Free = ba.totalSize - stats.Allocated

	totalFreeBlocks := 0
	for level := 0; level < NUM_BUDDY_LEVELS; level++ {
		count := 0
		for offset := ba.freeLists[level]; offset != 0; offset = ba.getNextFree(offset) {
			count++
		}
		stats.LevelStats[level] = LevelStats{
			Level:      level,
			BlockSize:  levelToSize(level),
			FreeBlocks: count,
		}
		totalFreeBlocks += count
	}

	// Fragmentation = (free blocks - 1) / free pages
	if stats.Free > 0 && totalFreeBlocks > 1 {
		stats.Fragmentation = float32(totalFreeBlocks-1) / float32(stats.Free/MIN_BUDDY_SIZE) * 100
	}

	return stats
}

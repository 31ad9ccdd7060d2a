package sab

// Shared region layout for the client -> driver command channel.
// Every multi-byte field is little-endian; head and tail are updated with
// 4-byte atomics and must stay 4-byte aligned.

const (
	// ========== CHANNEL HEADER (0x00 - 0x20) ==========
	CHANNEL_MAGIC   = 0x4E414843 // "CHAN"
	CHANNEL_VERSION = 1

	OFFSET_CHANNEL_HEADER = 0x000000
	SIZE_CHANNEL_HEADER   = 0x000020 // 32 bytes, 12 reserved

	// Field offsets relative to the header
	OFFSET_HDR_MAGIC    = 0x00
	OFFSET_HDR_VERSION  = 0x04
	OFFSET_HDR_CAPACITY = 0x08
	OFFSET_HDR_HEAD     = 0x0C // producer-owned
	OFFSET_HDR_TAIL     = 0x10 // consumer-owned

	// ========== RECORD STORAGE (0x20 - 0x20+capacity) ==========
	OFFSET_CHANNEL_DATA = OFFSET_CHANNEL_HEADER + SIZE_CHANNEL_HEADER

	CHANNEL_CAPACITY_DEFAULT = 64 * 1024        // 64KB
	CHANNEL_CAPACITY_MIN     = 256              // room for a few minimal records
	CHANNEL_CAPACITY_MAX     = 16 * 1024 * 1024 // 16MB

	// ========== ALIGNMENT REQUIREMENTS ==========
	ALIGNMENT_RECORD = 8
	ALIGNMENT_PAGE   = 4096
)

// MemoryRegion describes a region in the shared segment
type MemoryRegion struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
}

// RegionSize returns the bytes a shared segment needs for a channel of capacity.
func RegionSize(capacity uint32) uint32 {
	return OFFSET_CHANNEL_DATA + capacity
}

// GetAllRegions returns all regions of a segment holding a channel of capacity.
func GetAllRegions(capacity uint32) []MemoryRegion {
	return []MemoryRegion{
		{
			Name:    "ChannelHeader",
			Offset:  OFFSET_CHANNEL_HEADER,
			Size:    SIZE_CHANNEL_HEADER,
			Purpose: "Magic, version, capacity, head and tail",
		},
		{
			Name:    "ChannelData",
			Offset:  OFFSET_CHANNEL_DATA,
			Size:    capacity,
			Purpose: "Command record storage (circular)",
		},
	}
}

// ValidateMemoryLayout checks that a segment of regionSize can hold a channel of capacity.
func ValidateMemoryLayout(regionSize, capacity uint32) error {
	if capacity < CHANNEL_CAPACITY_MIN {
		return &LayoutError{
			Code:    "CHANNEL_TOO_SMALL",
			Message: "channel capacity must be at least 256 bytes",
		}
	}

	if capacity > CHANNEL_CAPACITY_MAX {
		return &LayoutError{
			Code:    "CHANNEL_TOO_LARGE",
			Message: "channel capacity must not exceed 16MB",
		}
	}

	if capacity%ALIGNMENT_RECORD != 0 {
		return &LayoutError{
			Code:    "CHANNEL_MISALIGNED",
			Message: "channel capacity must be a multiple of the record alignment",
		}
	}

	if uint64(OFFSET_CHANNEL_DATA)+uint64(capacity) > uint64(regionSize) {
		return &LayoutError{
			Code:    "REGION_TOO_SMALL",
			Message: "shared region cannot hold header and record storage",
		}
	}

	return nil
}

// GetRegionInfo returns the region containing the given offset
func GetRegionInfo(offset, capacity uint32) (*MemoryRegion, error) {
	for _, region := range GetAllRegions(capacity) {
		if offset >= region.Offset && offset < region.Offset+region.Size {
			return &region, nil
		}
	}

	return nil, &LayoutError{
		Code:    "INVALID_OFFSET",
		Message: "Offset does not belong to any region",
	}
}

// LayoutError represents a memory layout error
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

// AlignOffset aligns an offset to the specified power-of-two alignment
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

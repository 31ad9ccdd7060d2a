package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelLayout(t *testing.T) {
	require.NoError(t, ValidateMemoryLayout(RegionSize(CHANNEL_CAPACITY_DEFAULT), CHANNEL_CAPACITY_DEFAULT))

	// head and tail are updated with 4-byte atomics
	assert.Zero(t, (OFFSET_CHANNEL_HEADER+OFFSET_HDR_HEAD)%4)
	assert.Zero(t, (OFFSET_CHANNEL_HEADER+OFFSET_HDR_TAIL)%4)
	assert.GreaterOrEqual(t, OFFSET_CHANNEL_DATA, OFFSET_HDR_TAIL+4)
}

func TestValidateMemoryLayout_Rejects(t *testing.T) {
	cases := []struct {
		name       string
		regionSize uint32
		capacity   uint32
		code       string
	}{
		{"too small", 4096, 64, "CHANNEL_TOO_SMALL"},
		{"too large", ^uint32(0), CHANNEL_CAPACITY_MAX + 8, "CHANNEL_TOO_LARGE"},
		{"misaligned", 4096, 1028, "CHANNEL_MISALIGNED"},
		{"region short", 1024, 1024, "REGION_TOO_SMALL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMemoryLayout(tc.regionSize, tc.capacity)
			var layoutErr *LayoutError
			require.ErrorAs(t, err, &layoutErr)
			assert.Equal(t, tc.code, layoutErr.Code)
		})
	}
}

func TestGetRegionInfo(t *testing.T) {
	region, err := GetRegionInfo(OFFSET_CHANNEL_DATA+10, 1024)
	require.NoError(t, err)
	assert.Equal(t, "ChannelData", region.Name)

	_, err = GetRegionInfo(OFFSET_CHANNEL_DATA+1024, 1024)
	assert.Error(t, err)
}

func TestAlignOffset(t *testing.T) {
	assert.Equal(t, uint32(16), AlignOffset(13, ALIGNMENT_RECORD))
	assert.Equal(t, uint32(16), AlignOffset(16, ALIGNMENT_RECORD))
	assert.Equal(t, uint32(4096), AlignOffset(1, ALIGNMENT_PAGE))
}

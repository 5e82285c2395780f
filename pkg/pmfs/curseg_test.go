package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
)

func smallFormatOptions() FormatOptions {
	return FormatOptions{
		BlockSize:          4096,
		BlocksPerSeg:       8,
		SegmentsPerSection: 1,
		TotalSegments:      8,
	}
}

// TestFormatAllocateCheckpointRemount covers spec.md scenario 1: format a
// fresh region, write a data block, commit a checkpoint, and
// confirm a remount observes the same head state.
func TestFormatAllocateCheckpointRemount(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)

	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	addr, err := fs.CurSeg.AllocateBlock(StreamData, 42, 0, SummaryData)
	require.NoError(t, err)
	copy(l.BlockBytes(region.Bytes(), addr), []byte("hello"))
	fs.CurSeg.MarkValid(addr)

	require.NoError(t, fs.Checkpoint())
	firstVersion := fs.CM.LastInfo().Version

	require.NoError(t, fs.Unmount())

	remounted, err := Mount(region, 0, "", nil)
	require.NoError(t, err)
	defer remounted.Unmount()

	require.False(t, remounted.ReadOnly())
	require.Equal(t, firstVersion, remounted.CM.LastInfo().Version)

	idx := l.GlobalBlockIndex(addr)
	require.True(t, remounted.SSA.Get(idx).ValidBit)
	require.Equal(t, []byte("hello"), l.BlockBytes(region.Bytes(), addr)[:5])
}

func TestAllocateBlockRotatesSegmentOnFill(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	// filling the segment's last slot leaves the cursor at BlocksPerSeg;
	// the next allocation rotates and lands at offset 0 of the new segment.
	startSeg, _ := fs.CurSeg.Current(StreamData)
	for i := 0; i <= opts.BlocksPerSeg; i++ {
		_, err := fs.CurSeg.AllocateBlock(StreamData, 1, uint16(i), SummaryData)
		require.NoError(t, err)
	}
	endSeg, off := fs.CurSeg.Current(StreamData)
	require.NotEqual(t, startSeg, endSeg)
	require.Equal(t, BlockOff(1), off)
}

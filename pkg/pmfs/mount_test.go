package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
)

// TestMountHistoricalVersionIsReadOnly covers spec.md scenario 6: mounting
// with an explicit mnt_cp_version pins the view to that checkpoint and
// rejects writes, even once a later checkpoint has since been committed.
func TestMountHistoricalVersionIsReadOnly(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	firstVersion := fs.CM.LastInfo().Version

	addr, err := fs.CurSeg.AllocateBlock(StreamData, 1, 0, SummaryData)
	require.NoError(t, err)
	fs.CurSeg.MarkValid(addr)
	require.NoError(t, fs.Checkpoint())
	secondVersion := fs.CM.LastInfo().Version
	require.NotEqual(t, firstVersion, secondVersion)

	require.NoError(t, fs.Unmount())

	historical, err := Mount(region, firstVersion, "", nil)
	require.NoError(t, err)
	defer historical.Unmount()

	require.True(t, historical.ReadOnly())
	require.Equal(t, firstVersion, historical.CM.LastInfo().Version)
	require.ErrorIs(t, historical.Checkpoint(), ErrReadOnly)
}

func TestMountWithoutVersionFollowsHead(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Checkpoint())
	head := fs.CM.LastInfo().Version
	require.NoError(t, fs.Unmount())

	remounted, err := Mount(region, 0, "", nil)
	require.NoError(t, err)
	defer remounted.Unmount()

	require.False(t, remounted.ReadOnly())
	require.Equal(t, head, remounted.CM.LastInfo().Version)
}

package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
)

// TestGCRelocatesLiveBlocksOutOfVictim covers spec.md scenario 4: a segment
// mostly full of invalidated blocks is selected as victim, its few
// remaining live blocks are relocated and their owner repointed, and the
// drained segment becomes reclaimable.
func TestGCRelocatesLiveBlocksOutOfVictim(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	ownerAddr, err := fs.CurSeg.AllocateBlock(StreamNode, 1, 0, SummaryIndirect)
	require.NoError(t, err)
	fs.CurSeg.MarkValid(ownerAddr)

	victim, _ := fs.CurSeg.Current(StreamData)

	var survivors []Addr
	for i := 0; i < opts.BlocksPerSeg; i++ {
		addr, err := fs.CurSeg.AllocateBlock(StreamData, 1, uint16(i), SummaryData)
		require.NoError(t, err)
		fs.CurSeg.MarkValid(addr)
		WriteChildPtr(l.BlockBytes(region.Bytes(), ownerAddr), i, addr)
		copy(l.BlockBytes(region.Bytes(), addr), []byte{byte(i)})
		if i == opts.BlocksPerSeg-1 {
			survivors = append(survivors, addr)
			continue
		}
		fs.CurSeg.Invalidate(addr)
	}
	require.False(t, fs.SegMap.IsPrefree(victim))
	require.Equal(t, uint16(1), fs.SIT.Get(victim).ValidBlocks)

	require.NoError(t, fs.NAT.(*InMemoryNAT).Update(1, ownerAddr))

	relocated, err := fs.GC.RelocateSegment(victim)
	require.NoError(t, err)
	require.Equal(t, 1, relocated)

	newAddr := ReadChildPtr(l.BlockBytes(region.Bytes(), ownerAddr), opts.BlocksPerSeg-1)
	require.NotEqual(t, survivors[0], newAddr)
	require.Equal(t, byte(opts.BlocksPerSeg-1), l.BlockBytes(region.Bytes(), newAddr)[0])

	require.Equal(t, uint16(0), fs.SIT.Get(victim).ValidBlocks)
	require.True(t, fs.SegMap.IsPrefree(victim))
}

func TestGCSelectVictimPrefersFewestValidBlocks(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	// push the two live current segments away from the minimum so they
	// don't shadow the synthetic victim below.
	fs.SIT.Update(0, 4, nil)
	for i := 0; i < 3; i++ {
		addr, err := fs.CurSeg.AllocateBlock(StreamData, 1, uint16(i), SummaryData)
		require.NoError(t, err)
		fs.CurSeg.MarkValid(addr)
	}

	fs.SegMap.MarkInUse(5)
	fs.SIT.Update(5, 1, u32ptr(1))
	fs.SegMap.MarkInUse(6)
	fs.SIT.Update(6, 6, u32ptr(1))

	victim, err := fs.GC.SelectVictim(ModeBgGC, PolicyGreedy)
	require.NoError(t, err)
	require.Equal(t, SegNo(5), victim)
}

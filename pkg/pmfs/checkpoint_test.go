package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
)

// TestRedoCheckpointRecoversInterruptedCommit covers spec.md scenario 2: a
// crash after the new checkpoint block is written and the still-head
// checkpoint's state_arg_2 names it, but before the pointer swing and
// superblock update land. CheckState must finish the commit on the next
// mount rather than lose it.
func TestRedoCheckpointRecoversInterruptedCommit(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	head := fs.CM.LastInfo()
	require.Equal(t, uint32(1), head.Version)

	newAddr, err := fs.CurSeg.AllocateBlock(StreamNode, 0, 0, SummaryCheckpoint)
	require.NoError(t, err)

	nodeSegno, nodeOff := fs.CurSeg.Current(StreamNode)
	dataSegno, dataOff := fs.CurSeg.Current(StreamData)

	rec := &CheckpointRecord{cpHeader: cpHeader{
		State:         uint8(CPStateNone),
		CheckpointVer: 2,
		Type:          uint8(CPTypeNormal),
		PrevCPAddr:    uint64(head.Addr),
		NextCPAddr:    uint64(head.Addr),
		NatAddr:       uint64(head.NatRoot),
		CurNodeSegno:  uint32(nodeSegno),
		CurNodeBlkoff: uint16(nodeOff),
		CurDataSegno:  uint32(dataSegno),
		CurDataBlkoff: uint16(dataOff),
	}}
	b, err := rec.Encode(l.BlockSize)
	require.NoError(t, err)
	copy(l.BlockBytes(region.Bytes(), newAddr), b)

	// simulate the crash: the still-head checkpoint recorded that a commit
	// is underway and named the new block, but the pointer swing and
	// superblock update never happened.
	writeState(region.Bytes(), l, head.Addr, CPStateAddCP, 0, uint64(newAddr))

	require.NoError(t, fs.CM.CheckState())

	require.Equal(t, uint32(2), fs.CM.LastInfo().Version)
	require.Equal(t, newAddr, fs.CM.LastInfo().Addr)
	require.Equal(t, uint64(newAddr), fs.SB.CPPageAddr)

	idx := l.GlobalBlockIndex(newAddr)
	require.True(t, fs.SSA.Get(idx).ValidBit)

	reread, err := fs.CM.readAt(head.Addr)
	require.NoError(t, err)
	require.Equal(t, CPStateNone, CPState(reread.State))
}

// TestRedoCheckpointNoOpBeforeStoreChosen covers the narrower case: the
// crash happened before the new block's address was even recorded, so
// there's nothing to redo beyond clearing the stale state.
func TestRedoCheckpointNoOpBeforeStoreChosen(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	head := fs.CM.LastInfo()
	writeState(region.Bytes(), l, head.Addr, CPStateAddCP, 0, 0)

	require.NoError(t, fs.CM.CheckState())
	require.Equal(t, uint32(1), fs.CM.LastInfo().Version)
}

// TestCheckpointRingClosesWithThreeLiveCheckpoints guards the ring-insert
// fix: once a third checkpoint is live, following next_cp_addr from any
// node must still return to that node in exactly three steps, and
// following prev_cp_addr from the head must visit every version in
// strictly decreasing order.
func TestCheckpointRingClosesWithThreeLiveCheckpoints(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Checkpoint())
	require.NoError(t, fs.Checkpoint())
	require.Equal(t, uint32(3), fs.CM.LastInfo().Version)

	head := fs.CM.LastInfo().Addr

	// prev_cp_addr from the head must visit versions 3, 2, 1 and land back
	// on the head on the third step.
	addr := head
	var versions []uint32
	for i := 0; i < 3; i++ {
		rec, err := fs.CM.readAt(addr)
		require.NoError(t, err)
		versions = append(versions, rec.CheckpointVer)
		addr = Addr(rec.PrevCPAddr)
	}
	require.Equal(t, []uint32{3, 2, 1}, versions)
	require.Equal(t, head, addr)

	// next_cp_addr from the head must also return to the head in exactly
	// three steps, not degenerate into a 2-cycle excluding version 1.
	addr = head
	seen := map[Addr]bool{}
	for i := 0; i < 3; i++ {
		require.False(t, seen[addr], "next_cp_addr cycle closed early at step %d", i)
		seen[addr] = true
		rec, err := fs.CM.readAt(addr)
		require.NoError(t, err)
		addr = Addr(rec.NextCPAddr)
	}
	require.Equal(t, head, addr)
	require.Len(t, seen, 3)
}

// TestDeleteCheckpointSplicesRing covers the middle-of-ring deletion case:
// the victim must be removed from both directions of the ring and its SSA
// valid bit cleared, while the head and the remaining versions stay
// reachable.
func TestDeleteCheckpointSplicesRing(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Checkpoint())
	require.NoError(t, fs.Checkpoint())
	require.Equal(t, uint32(3), fs.CM.LastInfo().Version)

	victim, err := fs.CM.GetCheckpoint(2)
	require.NoError(t, err)

	require.NoError(t, fs.CM.DeleteCheckpoint(2))

	idx := l.GlobalBlockIndex(victim.Addr)
	require.False(t, fs.SSA.Get(idx).ValidBit)

	_, err = fs.CM.GetCheckpoint(2)
	require.Error(t, err)

	head := fs.CM.LastInfo().Addr
	addr := head
	var versions []uint32
	for i := 0; i < 2; i++ {
		rec, err := fs.CM.readAt(addr)
		require.NoError(t, err)
		versions = append(versions, rec.CheckpointVer)
		addr = Addr(rec.PrevCPAddr)
	}
	require.Equal(t, []uint32{3, 1}, versions)
	require.Equal(t, head, addr)

	require.Error(t, fs.CM.DeleteCheckpoint(3))
}

// TestRecoverGCCrashCompletesPointerSwing covers spec.md scenario 3: a
// crash between a relocated block's destination write and its owner's
// pointer update. Recovery must resolve the owner via the destination's
// own SSA summary and finish (or confirm) the swing idempotently.
func TestRecoverGCCrashCompletesPointerSwing(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	const ownerNid = uint32(9)
	ownerAddr, err := fs.CurSeg.AllocateBlock(StreamNode, 1, 0, SummaryIndirect)
	require.NoError(t, err)
	fs.CurSeg.MarkValid(ownerAddr)
	require.NoError(t, fs.NAT.(*InMemoryNAT).Update(ownerNid, ownerAddr))

	src, err := fs.CurSeg.AllocateBlock(StreamData, ownerNid, 0, SummaryData)
	require.NoError(t, err)
	fs.CurSeg.MarkValid(src)
	copy(l.BlockBytes(region.Bytes(), src), []byte("payload!"))
	WriteChildPtr(l.BlockBytes(region.Bytes(), ownerAddr), 0, src)

	dst, err := fs.CurSeg.AllocateBlock(StreamData, ownerNid, 0, SummaryData)
	require.NoError(t, err)
	dstIdx := l.GlobalBlockIndex(dst)
	fs.SSA.SetStartVersion(dstIdx, fs.SSA.Get(l.GlobalBlockIndex(src)).StartVersion)
	copy(l.BlockBytes(region.Bytes(), dst), l.BlockBytes(region.Bytes(), src))

	// simulate the crash: destination payload is written and its summary
	// exists (valid_bit still unset), but the owner's child pointer and the
	// source's invalidation never happened.
	head := fs.CM.LastInfo()
	writeState(region.Bytes(), l, head.Addr, CPStateGCData, uint64(src), uint64(dst))

	require.NoError(t, fs.CM.CheckState())

	require.Equal(t, dst, ReadChildPtr(l.BlockBytes(region.Bytes(), ownerAddr), 0))
	require.True(t, fs.SSA.Get(dstIdx).ValidBit)
	require.False(t, fs.SSA.Get(l.GlobalBlockIndex(src)).ValidBit)

	reread, err := fs.CM.readAt(head.Addr)
	require.NoError(t, err)
	require.Equal(t, CPStateNone, CPState(reread.State))
}

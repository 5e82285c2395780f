package pmfs

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
)

type fakeFreer struct {
	freed []uint32
}

func (f *fakeFreer) FreeInode(ino uint32) error {
	f.freed = append(f.freed, ino)
	return nil
}

// TestOrphanFlushAndRecover covers spec.md scenario 5: inodes unlinked
// while open are staged, packed into an orphan block by Flush, stamped
// with a checkpoint back-pointer by FinishFlush, and freed again by
// RecoverOrphans reading that block.
func TestOrphanFlushAndRecover(t *testing.T) {
	opts := smallFormatOptions()
	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	require.NoError(t, err)
	region := pmbackend.NewMemRegion(l.RegionSize)

	opts.OrphanStagingDir = t.TempDir()
	fs, err := Format(region, opts, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Orphan.Add(9))
	require.NoError(t, fs.Orphan.Add(3))
	require.NoError(t, fs.Orphan.Add(5))

	addrs, err := fs.Orphan.Flush(fs.CurSeg)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	cpAddr, err := fs.CurSeg.AllocateBlock(StreamNode, 0, 0, SummaryCheckpoint)
	require.NoError(t, err)
	require.NoError(t, fs.Orphan.FinishFlush(fs.CurSeg, addrs, cpAddr))

	var orphanAddrs [NumOrphanAddrs]uint64
	orphanAddrs[0] = uint64(addrs[0])

	freer := &fakeFreer{}
	count, err := RecoverOrphans(region.Bytes(), l, orphanAddrs, freer)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	sort.Slice(freer.freed, func(i, j int) bool { return freer.freed[i] < freer.freed[j] })
	require.Equal(t, []uint32{3, 5, 9}, freer.freed)

	block := l.BlockBytes(region.Bytes(), addrs[0])
	require.Equal(t, uint64(cpAddr), binary.LittleEndian.Uint64(block[0:8]))
}

func TestOrphanRemoveBeforeFlush(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOrphanList(dir)
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Add(1))
	require.NoError(t, o.Add(2))
	o.Remove(1)
	require.Equal(t, []uint32{2}, o.inodes)
}


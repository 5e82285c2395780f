package pmfs

import (
	"math/bits"

	"github.com/pkg/errors"
)

// NumOrphanAddrs is the number of orphan block back-pointers a checkpoint
// record carries (original_source/fs/hmfs: orphan_addrs[2]).
const NumOrphanAddrs = 2

// NULLSegNo marks "no segment selected" — the victim selector's rest state
// and its "no victim" result.
const NULLSegNo SegNo = ^SegNo(0)

// Layout derives the fixed on-media geometry of a region from its block
// size and segment size, per spec §6:
//
//	[ primary superblock | shadow superblock | NAT area | SSA | SIT | main area ]
type Layout struct {
	BlockSize          int
	BlockSizeBits      uint
	BlocksPerSeg       int
	BlocksPerSegBits   uint
	SegmentsPerSection int
	TotalSegments      int

	SuperblockPrimaryAddr Addr
	SuperblockShadowAddr  Addr
	NatAreaAddr           Addr
	SSAAreaAddr           Addr
	SITAreaAddr           Addr
	MainAreaAddr          Addr

	MainAreaBlocks int
	RegionSize     int64
}

// NewLayout computes a Layout for a region sized to hold totalSegments
// segments of blocksPerSeg blocks each. blockSize and blocksPerSeg must be
// powers of two.
func NewLayout(blockSize, blocksPerSeg, segmentsPerSection, totalSegments int) (*Layout, error) {
	if !isPow2(blockSize) {
		return nil, errors.Errorf("pmfs: block size %d is not a power of two", blockSize)
	}
	if !isPow2(blocksPerSeg) {
		return nil, errors.Errorf("pmfs: blocks per segment %d is not a power of two", blocksPerSeg)
	}
	if totalSegments <= 0 {
		return nil, errors.New("pmfs: total segments must be positive")
	}
	if segmentsPerSection <= 0 {
		segmentsPerSection = 1
	}

	l := &Layout{
		BlockSize:          blockSize,
		BlockSizeBits:      uint(bits.TrailingZeros(uint(blockSize))),
		BlocksPerSeg:       blocksPerSeg,
		BlocksPerSegBits:   uint(bits.TrailingZeros(uint(blocksPerSeg))),
		SegmentsPerSection: segmentsPerSection,
		TotalSegments:      totalSegments,
	}

	l.SuperblockPrimaryAddr = 0
	l.SuperblockShadowAddr = Addr(blockSize)

	// One bootstrap block for the NAT root, established at format time.
	// The live NAT root address travels in the checkpoint's NatAddr field
	// from the first checkpoint onward; this area only seeds it.
	l.NatAreaAddr = Addr(2 * blockSize)

	l.MainAreaBlocks = totalSegments * blocksPerSeg

	summarySize := int64(SummaryEntrySize)
	ssaBytes := int64(l.MainAreaBlocks) * summarySize
	l.SSAAreaAddr = l.NatAreaAddr + Addr(blockSize)

	sitBytes := int64(totalSegments) * int64(SitEntryOnDiskSize)
	l.SITAreaAddr = l.SSAAreaAddr + Addr(alignUp(ssaBytes, int64(blockSize)))

	mainBase := l.SITAreaAddr + Addr(alignUp(sitBytes, int64(blockSize)))
	l.MainAreaAddr = mainBase

	l.RegionSize = int64(mainBase) + int64(l.MainAreaBlocks)*int64(blockSize)

	return l, nil
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func alignUp(n, a int64) int64 {
	return (n + a - 1) / a * a
}

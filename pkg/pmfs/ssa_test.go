package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSAMakeAndValidBitLifecycle(t *testing.T) {
	ssa := NewSSA(64)
	ssa.Make(0, 7, 3, 2, SummaryData)
	require.False(t, ssa.Get(0).ValidBit)

	ssa.SetValidBit(0)
	require.True(t, ssa.Get(0).ValidBit)

	was := ssa.ClearValidBit(0)
	require.True(t, was)
	require.False(t, ssa.Get(0).ValidBit)
}

func TestSSAEncodeDecodeAreaRoundTrip(t *testing.T) {
	ssa := NewSSA(4)
	ssa.Make(0, 1, 1, 0, SummaryInode)
	ssa.Make(1, 2, 1, 1, SummaryData)
	ssa.SetValidBit(0)
	ssa.SetValidBit(1)

	area := make([]byte, 4*SummaryEntrySize)
	ssa.EncodeArea(area)

	fresh := NewSSA(4)
	fresh.DecodeArea(area)
	require.Equal(t, ssa.Get(0), fresh.Get(0))
	require.Equal(t, ssa.Get(1), fresh.Get(1))
}

func TestNatNidPacking(t *testing.T) {
	nid := EncodeNatNid(3, 12345)
	h, idx := DecodeNatNid(nid)
	require.Equal(t, uint8(3), h)
	require.Equal(t, uint32(12345), idx)
}

package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuperblockEncodeDecodeRoundTrip(t *testing.T) {
	l, err := NewLayout(4096, 64, 1, 16)
	require.NoError(t, err)

	sb := NewSuperblock(l)
	b := EncodeSuperblock(sb)
	require.LessOrEqual(t, len(b), l.BlockSize)

	got, err := DecodeSuperblock(b)
	require.NoError(t, err)
	require.Equal(t, sb.MainAreaAddr, got.MainAreaAddr)
	require.Equal(t, sb.UUID, got.UUID)
}

func TestSuperblockDetectsCorruption(t *testing.T) {
	l, err := NewLayout(4096, 64, 1, 16)
	require.NoError(t, err)
	sb := NewSuperblock(l)
	b := EncodeSuperblock(sb)
	b[10] ^= 0xFF

	_, err = DecodeSuperblock(b)
	require.Error(t, err)
}

func TestReadSuperblockRepairsShadow(t *testing.T) {
	l, err := NewLayout(4096, 64, 1, 16)
	require.NoError(t, err)
	region := make([]byte, l.RegionSize)
	sb := NewSuperblock(l)
	require.NoError(t, WriteSuperblock(region, l, sb))

	// corrupt the shadow copy only
	shadow := l.BlockBytes(region, l.SuperblockShadowAddr)
	shadow[20] ^= 0xFF

	got, err := ReadSuperblock(region, l)
	require.NoError(t, err)
	require.Equal(t, sb.MainAreaAddr, got.MainAreaAddr)

	// the repair should have rewritten the shadow from the primary
	_, err = DecodeSuperblock(l.BlockBytes(region, l.SuperblockShadowAddr))
	require.NoError(t, err)
}

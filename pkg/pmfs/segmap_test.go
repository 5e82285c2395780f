package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegMapGetNewSegmentAvoidsCurrent(t *testing.T) {
	m := NewSegMap(4)
	first, err := m.GetNewSegment(NULLSegNo)
	require.NoError(t, err)

	second, err := m.GetNewSegment(first)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestSegMapExhaustion(t *testing.T) {
	m := NewSegMap(2)
	_, err := m.GetNewSegment(NULLSegNo)
	require.NoError(t, err)
	_, err = m.GetNewSegment(NULLSegNo)
	require.NoError(t, err)
	_, err = m.GetNewSegment(NULLSegNo)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestSegMapPrefreeReclaim(t *testing.T) {
	m := NewSegMap(4)
	m.MarkInUse(1)
	m.MarkPrefree(1)
	require.True(t, m.IsPrefree(1))

	reclaimed := m.ReclaimPrefree()
	require.Equal(t, []SegNo{1}, reclaimed)
	require.True(t, m.IsFree(1))
	require.False(t, m.IsPrefree(1))
}

func TestSegMapForEachInUseSkipsPrefree(t *testing.T) {
	m := NewSegMap(4)
	m.MarkInUse(0)
	m.MarkInUse(1)
	m.MarkPrefree(1)

	var seen []SegNo
	m.ForEachInUse(func(s SegNo) { seen = append(seen, s) })
	require.Equal(t, []SegNo{0}, seen)
}

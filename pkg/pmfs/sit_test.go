package pmfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSITUpdateAndJournalRoundTrip(t *testing.T) {
	sit := NewSIT(8, 8)
	mt := uint32(100)
	sit.Update(SegNo(3), 5, &mt)
	sit.Update(SegNo(3), 2, &mt)
	require.Equal(t, uint16(7), sit.Get(SegNo(3)).ValidBlocks)

	journal := sit.FlushJournal()
	require.NotEmpty(t, journal)
	require.Empty(t, sit.DirtySegnos())

	fresh := NewSIT(8, 8)
	fresh.ApplyJournal(journal)
	require.Equal(t, sit.Get(SegNo(3)), fresh.Get(SegNo(3)))
}

func TestSITUpdatePanicsOnUnderflow(t *testing.T) {
	sit := NewSIT(4, 8)
	require.Panics(t, func() { sit.Update(SegNo(0), -3, nil) })
}

func TestSITUpdatePanicsOnOverflow(t *testing.T) {
	sit := NewSIT(4, 4)
	mt := uint32(1)
	sit.Update(SegNo(0), 4, &mt)
	require.Panics(t, func() { sit.Update(SegNo(0), 1, &mt) })
}

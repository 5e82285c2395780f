package pmfs

import (
	"encoding/binary"
	"sync"
)

// SummaryType tags what kind of block a SSA entry points back to (spec
// §4.3).
type SummaryType uint8

const (
	SummaryInode SummaryType = iota
	SummaryData
	SummaryIndirect
	SummaryNatNode
	SummaryNatData
	SummaryCheckpoint
	SummaryOrphan
	SummaryXData
)

// SummaryEntrySize is the packed size of one SSA entry: nid(4) +
// start_version(4) + ofs_in_node(2) + type(1) + valid_bit(1).
const SummaryEntrySize = 4 + 4 + 2 + 1 + 1

// SummaryEntry is the reverse pointer recorded for every block in the main
// area: which node owns it, at what checkpoint version it was first
// published, and where in the owner it's referenced from.
type SummaryEntry struct {
	Nid          uint32
	StartVersion uint32
	OfsInNode    uint16
	Type         SummaryType
	ValidBit     bool
}

func (e SummaryEntry) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.Nid)
	binary.LittleEndian.PutUint32(b[4:8], e.StartVersion)
	binary.LittleEndian.PutUint16(b[8:10], e.OfsInNode)
	b[10] = byte(e.Type)
	if e.ValidBit {
		b[11] = 1
	} else {
		b[11] = 0
	}
}

func decodeSummary(b []byte) SummaryEntry {
	return SummaryEntry{
		Nid:          binary.LittleEndian.Uint32(b[0:4]),
		StartVersion: binary.LittleEndian.Uint32(b[4:8]),
		OfsInNode:    binary.LittleEndian.Uint16(b[8:10]),
		Type:         SummaryType(b[10]),
		ValidBit:     b[11] != 0,
	}
}

// SSA is the Segment Summary Area: one SummaryEntry per block in the main
// area.
type SSA struct {
	mu      sync.RWMutex
	entries []SummaryEntry
}

// NewSSA allocates a SSA sized for mainAreaBlocks blocks.
func NewSSA(mainAreaBlocks int) *SSA {
	return &SSA{entries: make([]SummaryEntry, mainAreaBlocks)}
}

// Make stamps idx's summary entry for a freshly allocated block. The
// valid_bit starts false; MarkValid (curseg.go) sets it true once the
// caller of AllocateBlock has written the payload, per spec §4.5 step
// ordering.
func (s *SSA) Make(idx int, nid uint32, version uint32, ofsInNode uint16, typ SummaryType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idx] = SummaryEntry{Nid: nid, StartVersion: version, OfsInNode: ofsInNode, Type: typ}
}

// SetValidBit marks idx reachable.
func (s *SSA) SetValidBit(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idx].ValidBit = true
}

// ClearValidBit marks idx unreachable, returning whether it had been set.
func (s *SSA) ClearValidBit(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.entries[idx].ValidBit
	s.entries[idx].ValidBit = false
	return was
}

// SetStartVersion overrides idx's start_version — used by GC relocation to
// carry the original publish version forward onto the copy, rather than
// stamping the version of the checkpoint that happens to be running.
func (s *SSA) SetStartVersion(idx int, version uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idx].StartVersion = version
}

// Get returns a copy of idx's entry.
func (s *SSA) Get(idx int) SummaryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[idx]
}

// EncodeArea serializes the whole table into the fixed-size on-media SSA
// area, one SummaryEntrySize slot per block.
func (s *SSA) EncodeArea(area []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, e := range s.entries {
		e.encode(area[i*SummaryEntrySize : (i+1)*SummaryEntrySize])
	}
}

// DecodeArea loads the table from the on-media SSA area.
func (s *SSA) DecodeArea(area []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		s.entries[i] = decodeSummary(area[i*SummaryEntrySize : (i+1)*SummaryEntrySize])
	}
}

// EncodeNatNid packs a NAT node's tree height and subtree index into a
// single nid: the top 5 bits carry height (0-31 levels, far more than any
// real tree needs), the low 27 bits carry the subtree index.
func EncodeNatNid(height uint8, subtreeIdx uint32) uint32 {
	return uint32(height)<<27 | (subtreeIdx & 0x07FFFFFF)
}

// DecodeNatNid is EncodeNatNid's inverse.
func DecodeNatNid(nid uint32) (height uint8, subtreeIdx uint32) {
	return uint8(nid >> 27), nid & 0x07FFFFFF
}

package pmfs

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const superblockMagic uint32 = 0x484d4653 // "HMFS"

// Superblock is the on-media, double-buffered root record (spec §6). It is
// written to two fixed locations (primary, shadow) so a crash mid-write of
// one copy still leaves a readable superblock behind.
type Superblock struct {
	Magic              uint32
	UUID               [16]byte
	BlockSizeBits      uint8
	BlocksPerSegBits   uint8
	SegmentsPerSection uint32
	TotalSegments      uint32
	NatAreaAddr        uint64
	SSAAreaAddr        uint64
	SITAreaAddr        uint64
	MainAreaAddr       uint64
	UserBlockCount     uint64
	NatHeight          uint8
	_                  [3]byte
	CPPageAddr         uint64
	Checksum           uint32
}

const superblockChecksumOffset = 4 + 16 + 1 + 1 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 1 + 3 + 8

// NewSuperblock builds the superblock for a freshly formatted region.
func NewSuperblock(l *Layout) *Superblock {
	sb := &Superblock{
		Magic:              superblockMagic,
		BlockSizeBits:      uint8(l.BlockSizeBits),
		BlocksPerSegBits:   uint8(l.BlocksPerSegBits),
		SegmentsPerSection: uint32(l.SegmentsPerSection),
		TotalSegments:      uint32(l.TotalSegments),
		NatAreaAddr:        uint64(l.NatAreaAddr),
		SSAAreaAddr:        uint64(l.SSAAreaAddr),
		SITAreaAddr:        uint64(l.SITAreaAddr),
		MainAreaAddr:       uint64(l.MainAreaAddr),
		UserBlockCount:     uint64(l.MainAreaBlocks),
	}
	id := uuid.New()
	copy(sb.UUID[:], id[:])
	return sb
}

// EncodeSuperblock serializes sb, computing its checksum over every field
// but Checksum itself (the original's convention, ported bit-for-bit).
func EncodeSuperblock(sb *Superblock) []byte {
	cp := *sb
	cp.Checksum = 0
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, &cp)
	b := buf.Bytes()
	sum := crc32.ChecksumIEEE(b[:superblockChecksumOffset])
	binary.LittleEndian.PutUint32(b[superblockChecksumOffset:], sum)
	return b
}

// DecodeSuperblock deserializes and checksum-verifies a superblock.
func DecodeSuperblock(b []byte) (*Superblock, error) {
	var sb Superblock
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &sb); err != nil {
		return nil, errors.Wrap(err, "pmfs: decode superblock")
	}
	if sb.Magic != superblockMagic {
		return nil, errors.Wrap(ErrInvalid, "pmfs: bad superblock magic")
	}
	want := crc32.ChecksumIEEE(b[:superblockChecksumOffset])
	if want != sb.Checksum {
		return nil, errors.Wrap(ErrCorrupt, "pmfs: superblock checksum mismatch")
	}
	return &sb, nil
}

// ReadSuperblock reads the superblock from region, preferring the primary
// copy and falling back to the shadow. If the primary is corrupt but the
// shadow verifies, the primary is repaired in place; if the shadow is
// behind (mismatched but otherwise valid primary), the shadow is rewritten
// from the primary. This mirrors the remount behavior in spec §8 scenario 3.
func ReadSuperblock(region []byte, l *Layout) (*Superblock, error) {
	primaryBytes := l.BlockBytes(region, l.SuperblockPrimaryAddr)
	shadowBytes := l.BlockBytes(region, l.SuperblockShadowAddr)

	primary, primaryErr := DecodeSuperblock(primaryBytes)
	shadow, shadowErr := DecodeSuperblock(shadowBytes)

	switch {
	case primaryErr == nil && shadowErr == nil:
		if primary.Checksum != shadow.Checksum {
			copy(shadowBytes, primaryBytes)
		}
		return primary, nil
	case primaryErr == nil:
		copy(shadowBytes, primaryBytes)
		return primary, nil
	case shadowErr == nil:
		copy(primaryBytes, shadowBytes)
		return shadow, nil
	default:
		return nil, errors.Wrap(ErrCorrupt, "pmfs: both superblock copies are unreadable")
	}
}

// WriteSuperblock writes sb to the primary slot, then mirrors it to the
// shadow slot only after the primary's encoding is known good.
func WriteSuperblock(region []byte, l *Layout, sb *Superblock) error {
	b := EncodeSuperblock(sb)
	if len(b) > l.BlockSize {
		return errors.New("pmfs: superblock exceeds block size")
	}
	if _, err := DecodeSuperblock(b); err != nil {
		return errors.Wrap(err, "pmfs: refusing to write an unverifiable superblock")
	}
	primary := l.BlockBytes(region, l.SuperblockPrimaryAddr)
	shadow := l.BlockBytes(region, l.SuperblockShadowAddr)
	copy(primary, b)
	copy(shadow, b)
	return nil
}

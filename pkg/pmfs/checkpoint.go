package pmfs

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CPState is the small on-media state machine recorded in a checkpoint's
// state field (spec §4.6). Crucially, an in-flight commit records its
// progress in the *previous* (still-head) checkpoint, since the new one
// isn't reachable yet.
type CPState uint8

const (
	CPStateNone CPState = iota
	CPStateAddCP
	CPStateGCData
	CPStateGCNode
	CPStateCPGC
)

// CPType distinguishes an ordinary commit from one produced mid-GC-sweep
// (a "GC checkpoint"), which skips re-flushing the NAT/orphan list since
// GC doesn't touch either.
type CPType uint8

const (
	CPTypeNormal CPType = iota
	CPTypeGC
)

// cpHeader is the fixed-width, directly-marshaled portion of a checkpoint
// record. State/StateArg1/StateArg2 are placed first so they land in a
// single cache line and can be updated with one small write during crash
// bookkeeping (spec §6).
type cpHeader struct {
	State     uint8
	_         [7]byte
	StateArg1 uint64
	StateArg2 uint64

	CheckpointVer uint32
	Type          uint8
	_             [3]byte

	PrevCPAddr uint64
	NextCPAddr uint64
	NatAddr    uint64

	ValidBlockCount uint64
	ValidInodeCount uint32
	ValidNodeCount  uint32
	AllocBlockCount uint64

	CurNodeSegno  uint32
	CurNodeBlkoff uint16
	CurDataSegno  uint32
	CurDataBlkoff uint16

	NextScanNid uint32
	ElapsedTime uint64

	OrphanAddrs [NumOrphanAddrs]uint64

	Checksum uint32
}

// cpStateLineSize is the byte span of State/StateArg1/StateArg2 (plus
// padding): the leading cache line that recovery bookkeeping rewrites
// in place after the record's checksum was computed. The checksum
// deliberately does not cover this span, so writeState never needs to
// touch it.
const cpStateLineSize = 1 + 7 + 8 + 8

const cpChecksumOffset = cpStateLineSize + // state/args (excluded below)
	4 + 1 + 3 + // version/type
	8 + 8 + 8 + // prev/next/nat
	8 + 4 + 4 + 8 + // counts
	4 + 2 + 4 + 2 + // curseg positions
	4 + 8 + // scan nid / elapsed
	NumOrphanAddrs*8

// CheckpointRecord is one block: the fixed header plus a variable-length
// inline SIT journal filling the remainder of the block.
type CheckpointRecord struct {
	cpHeader
	SitJournal []byte
}

// Encode serializes the record to exactly blockSize bytes.
func (r *CheckpointRecord) Encode(blockSize int) ([]byte, error) {
	hdr := r.cpHeader
	hdr.Checksum = 0

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "pmfs: encode checkpoint header")
	}
	headerLen := buf.Len()
	if headerLen+4+len(r.SitJournal) > blockSize {
		return nil, errors.New("pmfs: sit journal too large for checkpoint block")
	}

	out := make([]byte, blockSize)
	copy(out, buf.Bytes())
	binary.LittleEndian.PutUint32(out[headerLen:], uint32(len(r.SitJournal)))
	copy(out[headerLen+4:], r.SitJournal)

	sum := crc32.ChecksumIEEE(out[cpStateLineSize:cpChecksumOffset])
	binary.LittleEndian.PutUint32(out[cpChecksumOffset:], sum)
	// the header's own Checksum field must mirror what was written, in
	// case the caller keeps using r after Encode
	r.Checksum = sum
	return out, nil
}

// DecodeCheckpointRecord deserializes and checksum-verifies a checkpoint
// block.
func DecodeCheckpointRecord(b []byte) (*CheckpointRecord, error) {
	var hdr cpHeader
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "pmfs: decode checkpoint header")
	}
	want := crc32.ChecksumIEEE(b[cpStateLineSize:cpChecksumOffset])
	if want != hdr.Checksum {
		return nil, errors.Wrap(ErrCorrupt, "pmfs: checkpoint checksum mismatch")
	}
	headerLen := binary.Size(hdr)
	journalLen := binary.LittleEndian.Uint32(b[headerLen:])
	journal := make([]byte, journalLen)
	copy(journal, b[headerLen+4:headerLen+4+int(journalLen)])
	return &CheckpointRecord{cpHeader: hdr, SitJournal: journal}, nil
}

// writeState rewrites just the state/args cache line of the checkpoint at
// addr, the single-field-group write the recovery protocol depends on.
func writeState(region []byte, l *Layout, addr Addr, state CPState, arg1, arg2 uint64) {
	b := l.BlockBytes(region, addr)
	b[0] = byte(state)
	binary.LittleEndian.PutUint64(b[8:16], arg1)
	binary.LittleEndian.PutUint64(b[16:24], arg2)
	// the state fields aren't covered by the record checksum (they're
	// mutated out-of-band from the rest of the body by design), so no
	// checksum recompute is needed here.
}

// CheckpointInfo is the in-memory, lazily-built version index entry (spec
// §4.6): just enough to locate a historical checkpoint without re-walking
// the ring.
type CheckpointInfo struct {
	Version uint32
	Addr    Addr
	NatRoot Addr
}

// Quiescer reports whether the filesystem still has dirty state that must
// drain before a checkpoint can capture a consistent view. The VFS
// adapter (out of scope) is expected to supply a real one; tests and the
// reference harness use a function that always returns false.
type Quiescer func() bool

// InodeFreer releases an inode once its orphan entry has been durably
// replayed. The real implementation lives in the (out of scope) inode
// layer; recovery and tests wire in their own.
type InodeFreer interface {
	FreeInode(ino uint32) error
}

// CheckpointManager owns the checkpoint ring, the commit protocol, and
// the version index. It is the outermost lock in the ordering of spec §5
// (cp_mutex).
type CheckpointManager struct {
	mu sync.Mutex

	layout *Layout
	region []byte

	sb     *Superblock
	sit    *SIT
	ssa    *SSA
	segmap *SegMap
	curseg *CurSegAllocator
	nat    NodeTable
	orphan *OrphanList

	quiesce Quiescer
	log     *logrus.Entry

	lastInfo    CheckpointInfo
	index       map[uint32]CheckpointInfo
	nextVersion uint32

	validBlockCount uint64
	validInodeCount uint32
	validNodeCount  uint32
	allocBlockCount uint64
}

// NewCheckpointManager wires a manager against already-open region and
// metadata structures.
func NewCheckpointManager(l *Layout, region []byte, sb *Superblock, sit *SIT, ssa *SSA, segmap *SegMap, nat NodeTable, orphan *OrphanList, log *logrus.Entry) *CheckpointManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CheckpointManager{
		layout:  l,
		region:  region,
		sb:      sb,
		sit:     sit,
		ssa:     ssa,
		segmap:  segmap,
		nat:     nat,
		orphan:  orphan,
		quiesce: func() bool { return false },
		log:     log,
		index:   make(map[uint32]CheckpointInfo),
	}
}

// SetCurSeg must be called once curseg is constructed, since curseg and
// the checkpoint manager each depend on the other (curseg needs
// CurrentVersion/IncAllocBlockCount; the manager needs curseg's stream
// positions to fill a commit's body).
func (cm *CheckpointManager) SetCurSeg(curseg *CurSegAllocator) {
	cm.curseg = curseg
}

// SetQuiescer overrides the drain check used before a commit proceeds.
func (cm *CheckpointManager) SetQuiescer(q Quiescer) {
	cm.quiesce = q
}

// CurrentVersion implements versionSource for curseg: the version that
// will be stamped on blocks allocated before the next commit lands.
func (cm *CheckpointManager) CurrentVersion() uint32 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.nextVersion
}

// IncAllocBlockCount implements versionSource.
func (cm *CheckpointManager) IncAllocBlockCount() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.allocBlockCount++
}

// IncValidInodeCount/IncValidNodeCount track the counters a real inode
// layer would otherwise maintain; the reference harness calls these
// directly since inode management itself is out of scope.
func (cm *CheckpointManager) IncValidInodeCount(delta int32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validInodeCount = uint32(int32(cm.validInodeCount) + delta)
}

func (cm *CheckpointManager) IncValidNodeCount(delta int32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validNodeCount = uint32(int32(cm.validNodeCount) + delta)
}

func (cm *CheckpointManager) IncValidBlockCount(delta int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validBlockCount = uint64(int64(cm.validBlockCount) + delta)
}

// LastInfo returns the most recently committed checkpoint's index entry.
func (cm *CheckpointManager) LastInfo() CheckpointInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lastInfo
}

// Format writes the very first checkpoint: a ring of size one, pointing
// to itself, at state None.
func (cm *CheckpointManager) Format(nodeSegno, dataSegno SegNo) (Addr, error) {
	addr := cm.layout.MainAreaAddr // first node-stream block, by construction

	rec := &CheckpointRecord{cpHeader: cpHeader{
		State:         uint8(CPStateNone),
		CheckpointVer: 1,
		Type:          uint8(CPTypeNormal),
		PrevCPAddr:    uint64(addr),
		NextCPAddr:    uint64(addr),
		NatAddr:       uint64(cm.layout.NatAreaAddr),
		CurNodeSegno:  uint32(nodeSegno),
		CurDataSegno:  uint32(dataSegno),
		CurNodeBlkoff: 1, // slot 0 is this checkpoint itself
		ElapsedTime:   0,
	}}
	b, err := rec.Encode(cm.layout.BlockSize)
	if err != nil {
		return 0, err
	}
	copy(cm.layout.BlockBytes(cm.region, addr), b)

	idx := cm.layout.GlobalBlockIndex(addr)
	cm.ssa.Make(idx, 0, 1, 0, SummaryCheckpoint)
	cm.ssa.SetValidBit(idx)
	cm.sit.Update(cm.layout.SegOf(addr), 1, u32ptr(0))

	cm.mu.Lock()
	cm.lastInfo = CheckpointInfo{Version: 1, Addr: addr, NatRoot: cm.layout.NatAreaAddr}
	cm.index[1] = cm.lastInfo
	cm.nextVersion = 2
	cm.mu.Unlock()

	return addr, nil
}

func u32ptr(v uint32) *uint32 { return &v }

// WriteCheckpoint runs the 8-step commit protocol of spec §4.6. gc
// reports whether this is a GC checkpoint (CPTypeGC): orphan/NAT flushing
// is skipped since GC touches neither.
func (cm *CheckpointManager) WriteCheckpoint(gc bool) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for cm.quiesce() {
		time.Sleep(time.Millisecond)
	}

	prevAddr := cm.lastInfo.Addr
	prevRec, err := cm.readAt(prevAddr)
	if err != nil {
		return errors.Wrap(err, "pmfs: write checkpoint: read previous")
	}

	// Step 1: mark the still-head checkpoint as "a commit is underway".
	writeState(cm.region, cm.layout, prevAddr, CPStateAddCP, 0, 0)

	var orphanAddrs [NumOrphanAddrs]uint64
	if !gc {
		addrs, ferr := cm.orphan.Flush(cm.curseg)
		if ferr != nil {
			return errors.Wrap(ferr, "pmfs: write checkpoint: flush orphans")
		}
		for i, a := range addrs {
			if i >= NumOrphanAddrs {
				break
			}
			orphanAddrs[i] = uint64(a)
		}
	} else {
		orphanAddrs = prevRec.OrphanAddrs
	}

	// Step 2: reserve the new checkpoint's own block — its address is
	// known the instant it's allocated, since allocation is a bump
	// pointer, well before the body is filled in.
	newAddr, err := cm.curseg.AllocateBlock(StreamNode, 0, 0, SummaryCheckpoint)
	if err != nil {
		return errors.Wrap(err, "pmfs: write checkpoint: allocate cp block")
	}

	// Step 3: point the still-head checkpoint at where the new one will
	// live, before the new one's body is durable.
	writeState(cm.region, cm.layout, prevAddr, CPStateAddCP, 0, uint64(newAddr))

	natRoot := cm.lastInfo.NatRoot
	if !gc {
		natRoot, err = cm.nat.Flush()
		if err != nil {
			return errors.Wrap(err, "pmfs: write checkpoint: flush nat")
		}
	}

	if !gc {
		if ferr := cm.orphan.FinishFlush(cm.curseg, orphanAddrOnlyValid(orphanAddrs), newAddr); ferr != nil {
			return errors.Wrap(ferr, "pmfs: write checkpoint: finish orphan flush")
		}
	}

	nodeSegno, nodeOff := cm.curseg.Current(StreamNode)
	dataSegno, dataOff := cm.curseg.Current(StreamData)

	typ := CPTypeNormal
	if gc {
		typ = CPTypeGC
	}

	// The new head is inserted between the still-head and the still-head's
	// existing wrap neighbor (read from prevRec before prevAddr's own
	// pointers are touched below), not simply pointed back at prevAddr:
	// the ring holds every live checkpoint, not just the newest two.
	wrapAddr := Addr(prevRec.NextCPAddr)

	rec := &CheckpointRecord{cpHeader: cpHeader{
		State:           uint8(CPStateNone),
		CheckpointVer:   cm.nextVersion,
		Type:            uint8(typ),
		PrevCPAddr:      uint64(prevAddr),
		NextCPAddr:      uint64(wrapAddr),
		NatAddr:         uint64(natRoot),
		ValidBlockCount: cm.validBlockCount,
		ValidInodeCount: cm.validInodeCount,
		ValidNodeCount:  cm.validNodeCount,
		AllocBlockCount: cm.allocBlockCount,
		CurNodeSegno:    uint32(nodeSegno),
		CurNodeBlkoff:   uint16(nodeOff),
		CurDataSegno:    uint32(dataSegno),
		CurDataBlkoff:   uint16(dataOff),
		ElapsedTime:     uint64(time.Now().Unix()),
		OrphanAddrs:     orphanAddrs,
	}, SitJournal: cm.sit.FlushJournal()}

	b, err := rec.Encode(cm.layout.BlockSize)
	if err != nil {
		return errors.Wrap(err, "pmfs: write checkpoint: encode")
	}
	copy(cm.layout.BlockBytes(cm.region, newAddr), b)

	// Step 4: pointer swing — the new checkpoint becomes reachable from
	// both directions of the ring and from the superblock in one
	// sequence: new.prev/new.next already point at prev/wrap (written
	// above); now make prev.next and wrap.prev point at new, and the
	// superblock point at new.
	writeState(cm.region, cm.layout, prevAddr, CPStateAddCP, 0, uint64(newAddr))
	cm.patchNext(prevAddr, newAddr)
	cm.patchPrev(wrapAddr, newAddr)

	cm.sb.CPPageAddr = uint64(newAddr)
	if serr := WriteSuperblock(cm.region, cm.layout, cm.sb); serr != nil {
		return errors.Wrap(serr, "pmfs: write checkpoint: update superblock")
	}

	// Step 5: the new checkpoint block itself becomes reachable.
	cm.curseg.MarkValid(newAddr)

	// Step 6: reclaim segments the previous checkpoint's generation
	// orphaned.
	cm.segmap.ReclaimPrefree()

	// Step 7: the commit is complete; clear the still-head's state.
	writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)

	// Step 8: advance the index and the reserved next version.
	info := CheckpointInfo{Version: rec.CheckpointVer, Addr: newAddr, NatRoot: natRoot}
	cm.lastInfo = info
	cm.index[info.Version] = info
	cm.nextVersion++

	// The orphan blocks flushed above are durable now that the commit has
	// landed; the staging queue's crash-recovery copy of them can go.
	if !gc {
		if derr := cm.orphan.ConfirmFlush(); derr != nil {
			return errors.Wrap(derr, "pmfs: write checkpoint: confirm orphan flush")
		}
	}

	cm.log.WithFields(logrus.Fields{
		"version": info.Version,
		"addr":    uint64(info.Addr),
		"gc":      gc,
	}).Info("checkpoint committed")

	return nil
}

func orphanAddrOnlyValid(addrs [NumOrphanAddrs]uint64) []Addr {
	var out []Addr
	for _, a := range addrs {
		if a != 0 {
			out = append(out, Addr(a))
		}
	}
	return out
}

// patchNext rewrites just the NextCPAddr field of the checkpoint at addr.
func (cm *CheckpointManager) patchNext(addr Addr, next Addr) {
	b := cm.layout.BlockBytes(cm.region, addr)
	// NextCPAddr sits right after State/_/StateArg1/StateArg2/CheckpointVer/Type/_/PrevCPAddr.
	const nextOffset = 1 + 7 + 8 + 8 + 4 + 1 + 3 + 8
	binary.LittleEndian.PutUint64(b[nextOffset:], uint64(next))
	// the body checksum now covers stale bytes; recompute and rewrite it.
	sum := crc32.ChecksumIEEE(b[cpStateLineSize:cpChecksumOffset])
	binary.LittleEndian.PutUint32(b[cpChecksumOffset:], sum)
}

// patchPrev rewrites just the PrevCPAddr field of the checkpoint at addr:
// the ring-insert counterpart to patchNext, used to repoint the wrap
// neighbor's backward pointer at the new head.
func (cm *CheckpointManager) patchPrev(addr Addr, prev Addr) {
	b := cm.layout.BlockBytes(cm.region, addr)
	// PrevCPAddr sits right after State/_/StateArg1/StateArg2/CheckpointVer/Type/_.
	const prevOffset = 1 + 7 + 8 + 8 + 4 + 1 + 3
	binary.LittleEndian.PutUint64(b[prevOffset:], uint64(prev))
	sum := crc32.ChecksumIEEE(b[cpStateLineSize:cpChecksumOffset])
	binary.LittleEndian.PutUint32(b[cpChecksumOffset:], sum)
}

func (cm *CheckpointManager) readAt(addr Addr) (*CheckpointRecord, error) {
	return DecodeCheckpointRecord(cm.layout.BlockBytes(cm.region, addr))
}

// GetCheckpoint resolves a checkpoint by version through the in-memory
// index, falling back to a ring walk (and populating the index as it
// goes) if the index hasn't seen that version yet.
func (cm *CheckpointManager) GetCheckpoint(version uint32) (CheckpointInfo, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if info, ok := cm.index[version]; ok {
		return info, nil
	}
	return cm.walkRingForVersion(version)
}

// walkRingForVersion is get_mnt_checkpoint's exact search: starting from
// the head, follow Prev pointers looking for a CheckpointVer match,
// failing closed if the ring comes back around to the head without
// finding it. Used for mount-time historical version selection, where
// the index is not populated yet.
func (cm *CheckpointManager) walkRingForVersion(version uint32) (CheckpointInfo, error) {
	start := cm.lastInfo.Addr
	addr := start
	for {
		rec, err := cm.readAt(addr)
		if err != nil {
			return CheckpointInfo{}, errors.Wrap(err, "pmfs: walk checkpoint ring")
		}
		if rec.CheckpointVer == version {
			info := CheckpointInfo{Version: version, Addr: addr, NatRoot: Addr(rec.NatAddr)}
			cm.index[version] = info
			return info, nil
		}
		next := Addr(rec.PrevCPAddr)
		if next == start || next == addr {
			return CheckpointInfo{}, errors.Wrapf(ErrNoData, "pmfs: no checkpoint with version %d", version)
		}
		addr = next
	}
}

// DeleteCheckpoint locates the victim by ring walk, splices it out of the
// PM ring, and clears its CP block's SSA valid bit (spec §4.6 deletion).
// The victim's block-level refcounts are decremented through the NAT
// tree by that layer's own collaborator (NodeTable's tree-walking policy
// is an external, out-of-scope concern per its own doc comment); this
// call is responsible only for the ring and the CP block itself.
// Deleting the current head is disallowed.
func (cm *CheckpointManager) DeleteCheckpoint(version uint32) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if version == cm.lastInfo.Version {
		return errors.Wrap(ErrInvalid, "pmfs: delete checkpoint: cannot delete head")
	}

	info, ok := cm.index[version]
	if !ok {
		var err error
		info, err = cm.walkRingForVersion(version)
		if err != nil {
			return err
		}
	}

	victimRec, err := cm.readAt(info.Addr)
	if err != nil {
		return errors.Wrap(err, "pmfs: delete checkpoint: read victim")
	}
	prevAddr := Addr(victimRec.PrevCPAddr)
	nextAddr := Addr(victimRec.NextCPAddr)

	// Splice: victim.prev.next = victim.next; victim.next.prev = victim.prev.
	cm.patchNext(prevAddr, nextAddr)
	cm.patchPrev(nextAddr, prevAddr)

	idx := cm.layout.GlobalBlockIndex(info.Addr)
	cm.ssa.ClearValidBit(idx)
	cm.sit.Update(cm.layout.SegOf(info.Addr), -1, nil)

	delete(cm.index, version)
	cm.log.WithField("version", version).Info("checkpoint deleted")
	return nil
}

// ListCheckpoints returns every indexed checkpoint, sorted by version
// ascending, for cmd/pmfsctl checkpoint ls.
func (cm *CheckpointManager) ListCheckpoints() []CheckpointInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]CheckpointInfo, 0, len(cm.index))
	for _, info := range cm.index {
		out = append(out, info)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Version > out[j].Version; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

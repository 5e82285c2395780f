// Package pmfs implements the log-structured filesystem core: address
// arithmetic, the segment information and summary tables, free-segment
// bookkeeping, the dual current-segment allocators, checkpoint commit and
// recovery, orphan-inode tracking and the garbage collector. Directory
// and inode semantics, ACL/xattr encoding and the NAT tree walk proper
// are external collaborators; this package ships a reference NodeTable
// (nat.go) sufficient to drive and test the core's invariants.
package pmfs

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
)

// FormatOptions configures a fresh region at Format time.
type FormatOptions struct {
	BlockSize          int
	BlocksPerSeg       int
	SegmentsPerSection int
	TotalSegments      int
	OrphanStagingDir   string
}

// DefaultFormatOptions mirrors the sizes spec.md's scenarios exercise.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		BlockSize:          4096,
		BlocksPerSeg:       64,
		SegmentsPerSection: 1,
		TotalSegments:      64,
	}
}

// FS is a mounted filesystem: the wiring between a Region, the on-media
// metadata structures, and the checkpoint/GC managers that operate on
// them.
type FS struct {
	Layout *Layout
	Region pmbackend.Region

	SB     *Superblock
	SIT    *SIT
	SSA    *SSA
	SegMap *SegMap
	CurSeg *CurSegAllocator
	NAT    NodeTable
	Orphan *OrphanList
	CM     *CheckpointManager
	GC     *GC
	Worker *Worker

	Metrics *Metrics
	log     *logrus.Entry

	sessionID uuid.UUID
	readOnly  bool
}

// Format lays out a brand-new region on a freshly created backend and
// commits the first checkpoint.
func Format(region pmbackend.Region, opts FormatOptions, log *logrus.Entry) (*FS, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	l, err := NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
	if err != nil {
		return nil, err
	}
	if region.Size() < l.RegionSize {
		return nil, errors.Errorf("pmfs: region too small: have %d bytes, need %d", region.Size(), l.RegionSize)
	}

	sb := NewSuperblock(l)
	sit := NewSIT(l.TotalSegments, l.BlocksPerSeg)
	ssa := NewSSA(l.MainAreaBlocks)
	segmap := NewSegMap(l.TotalSegments)
	nat := NewInMemoryNAT()

	var orphan *OrphanList
	if opts.OrphanStagingDir != "" {
		orphan, err = NewOrphanList(opts.OrphanStagingDir)
		if err != nil {
			return nil, err
		}
	} else {
		orphan = &OrphanList{}
	}

	cm := NewCheckpointManager(l, region.Bytes(), sb, sit, ssa, segmap, nat, orphan, log)
	curseg := NewCurSegAllocator(l, region.Bytes(), sit, segmap, ssa, cm)
	cm.SetCurSeg(curseg)

	// slot 0 of the node stream's first segment is reserved for the
	// bootstrap checkpoint itself (written directly below, bypassing the
	// allocator), so the stream's next offset starts at 1.
	if err := curseg.Init(0, 1, 1, 0); err != nil {
		return nil, err
	}
	if _, err := cm.Format(0, 1); err != nil {
		return nil, err
	}
	if err := WriteSuperblock(region.Bytes(), l, sb); err != nil {
		return nil, err
	}
	ssa.EncodeArea(l.BlockBytes(region.Bytes(), l.SSAAreaAddr))
	sit.EncodeArea(l.BlockBytes(region.Bytes(), l.SITAreaAddr))

	if err := region.Sync(); err != nil {
		return nil, err
	}

	gc := NewGC(l, region.Bytes(), sit, ssa, segmap, curseg, nat, cm, log)

	return &FS{
		Layout: l, Region: region, SB: sb, SIT: sit, SSA: ssa, SegMap: segmap,
		CurSeg: curseg, NAT: nat, Orphan: orphan, CM: cm, GC: gc,
		Metrics: NewMetrics(), log: log, sessionID: uuid.New(),
	}, nil
}

// Mount opens an already-formatted region, replays the SSA/SIT state,
// runs crash recovery against the head checkpoint, and optionally pins
// the view to a historical checkpoint version (mnt_cp_version, scenario
// 6). See MountWithOptions to also force read-only regardless of version.
func Mount(region pmbackend.Region, mntCPVersion uint32, orphanStagingDir string, log *logrus.Entry) (*FS, error) {
	return mount(region, mntCPVersion, orphanStagingDir, false, log)
}

// MountWithOptions extends Mount with the remainder of spec §6's
// mount-time knobs; forceReadOnly rejects writes regardless of which
// checkpoint version the mount resolves to.
func MountWithOptions(region pmbackend.Region, opts MountOptions, orphanStagingDir string, log *logrus.Entry) (*FS, error) {
	return mount(region, opts.MntCPVersion, orphanStagingDir, opts.ReadOnly, log)
}

func mount(region pmbackend.Region, mntCPVersion uint32, orphanStagingDir string, forceReadOnly bool, log *logrus.Entry) (*FS, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	// The superblock doesn't carry enough to reconstruct a Layout on its
	// own without first knowing block size and segment geometry, which
	// it does carry; decode it straight off a provisional layout guess
	// using the smallest valid block size, then rebuild precisely.
	probe, err := NewLayout(512, 1, 1, 1)
	if err != nil {
		return nil, err
	}
	sbProbe, err := DecodeSuperblock(probe.BlockBytes(region.Bytes(), 0))
	if err != nil {
		return nil, errors.Wrap(err, "pmfs: mount: read superblock")
	}

	blockSize := 1 << sbProbe.BlockSizeBits
	blocksPerSeg := 1 << sbProbe.BlocksPerSegBits
	l, err := NewLayout(blockSize, blocksPerSeg, int(sbProbe.SegmentsPerSection), int(sbProbe.TotalSegments))
	if err != nil {
		return nil, err
	}

	sb, err := ReadSuperblock(region.Bytes(), l)
	if err != nil {
		return nil, err
	}

	sit := NewSIT(l.TotalSegments, l.BlocksPerSeg)
	sit.DecodeArea(l.BlockBytes(region.Bytes(), l.SITAreaAddr))
	ssa := NewSSA(l.MainAreaBlocks)
	ssa.DecodeArea(l.BlockBytes(region.Bytes(), l.SSAAreaAddr))

	segmap := NewSegMap(l.TotalSegments)
	nat := NewInMemoryNAT()

	var orphan *OrphanList
	if orphanStagingDir != "" {
		orphan, err = NewOrphanList(orphanStagingDir)
		if err != nil {
			return nil, err
		}
	} else {
		orphan = &OrphanList{}
	}

	cm := NewCheckpointManager(l, region.Bytes(), sb, sit, ssa, segmap, nat, orphan, log)
	cm.lastInfo = CheckpointInfo{Addr: Addr(sb.CPPageAddr)}
	headRec, err := cm.readAt(Addr(sb.CPPageAddr))
	if err != nil {
		return nil, errors.Wrap(err, "pmfs: mount: read head checkpoint")
	}
	cm.lastInfo = CheckpointInfo{Version: headRec.CheckpointVer, Addr: Addr(sb.CPPageAddr), NatRoot: Addr(headRec.NatAddr)}
	cm.index[headRec.CheckpointVer] = cm.lastInfo
	cm.nextVersion = headRec.CheckpointVer + 1
	sit.ApplyJournal(headRec.SitJournal)

	for i := 0; i < l.TotalSegments; i++ {
		if sit.Get(SegNo(i)).ValidBlocks > 0 {
			segmap.MarkInUse(SegNo(i))
		}
	}

	curseg := NewCurSegAllocator(l, region.Bytes(), sit, segmap, ssa, cm)
	cm.SetCurSeg(curseg)
	if err := curseg.Init(SegNo(headRec.CurNodeSegno), SegNo(headRec.CurDataSegno),
		BlockOff(headRec.CurNodeBlkoff), BlockOff(headRec.CurDataBlkoff)); err != nil {
		return nil, err
	}

	readOnly := false
	if mntCPVersion != 0 && mntCPVersion != headRec.CheckpointVer {
		info, werr := cm.walkRingForVersion(mntCPVersion)
		if werr != nil {
			return nil, errors.Wrapf(ErrInvalid, "pmfs: mount: historical checkpoint %d not found", mntCPVersion)
		}
		cm.lastInfo = info
		readOnly = true
	} else {
		if err := cm.CheckState(); err != nil {
			return nil, errors.Wrap(err, "pmfs: mount: crash recovery")
		}
	}
	readOnly = readOnly || forceReadOnly

	gc := NewGC(l, region.Bytes(), sit, ssa, segmap, curseg, nat, cm, log)

	return &FS{
		Layout: l, Region: region, SB: sb, SIT: sit, SSA: ssa, SegMap: segmap,
		CurSeg: curseg, NAT: nat, Orphan: orphan, CM: cm, GC: gc,
		Metrics: NewMetrics(), log: log, sessionID: uuid.New(), readOnly: readOnly,
	}, nil
}

// ReadOnly reports whether this mount rejects writes: it is pinned to a
// historical checkpoint, or was mounted with MountOptions.ReadOnly.
func (fs *FS) ReadOnly() bool {
	return fs.readOnly
}

// Checkpoint commits a new checkpoint, rejecting the call outright on a
// read-only mount (historical or forced).
func (fs *FS) Checkpoint() error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if err := fs.CM.WriteCheckpoint(false); err != nil {
		return err
	}
	fs.Metrics.SetCheckpointVersion(fs.CM.LastInfo().Version)
	return fs.Region.Sync()
}

// Unmount flushes metadata areas back to the region, syncs, and releases
// the backend.
func (fs *FS) Unmount() error {
	fs.SSA.EncodeArea(fs.Layout.BlockBytes(fs.Region.Bytes(), fs.Layout.SSAAreaAddr))
	fs.SIT.EncodeArea(fs.Layout.BlockBytes(fs.Region.Bytes(), fs.Layout.SITAreaAddr))
	if fs.Orphan.queue != nil {
		if err := fs.Orphan.Close(); err != nil {
			fs.log.WithError(err).Warn("close orphan staging queue")
		}
	}
	if err := fs.Region.Sync(); err != nil {
		return err
	}
	return fs.Region.Close()
}

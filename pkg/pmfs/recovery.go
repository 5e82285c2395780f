package pmfs

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CheckState inspects the head checkpoint's on-media state field and
// drives the matching recovery branch, if any (spec §4.6, §8 scenarios
// 2-4). Called once at mount, before the filesystem is exposed for
// writes.
func (cm *CheckpointManager) CheckState() error {
	cm.mu.Lock()
	headAddr := cm.lastInfo.Addr
	cm.mu.Unlock()

	rec, err := cm.readAt(headAddr)
	if err != nil {
		return errors.Wrap(err, "pmfs: recovery: read head checkpoint")
	}

	switch CPState(rec.State) {
	case CPStateNone:
		return nil
	case CPStateAddCP:
		return cm.redoCheckpoint(headAddr, rec)
	case CPStateGCData:
		return cm.recoverGCCrash(headAddr, rec, SummaryData)
	case CPStateGCNode:
		return cm.recoverGCCrash(headAddr, rec, SummaryIndirect)
	case CPStateCPGC:
		return cm.recoverCPGC(headAddr, rec)
	default:
		return errors.Wrapf(ErrInvalid, "pmfs: unknown checkpoint state %d", rec.State)
	}
}

// redoCheckpoint finishes an interrupted plain commit: the still-head
// checkpoint's state_arg_2 names the new checkpoint's address, and the
// pointer swing (spec §4.6 step 4) is re-applied unconditionally: the
// ring-pointer and superblock writes are idempotent, so whichever of them
// already landed are simply rewritten.
func (cm *CheckpointManager) redoCheckpoint(prevAddr Addr, prevRec *CheckpointRecord) error {
	storeAddr := Addr(prevRec.StateArg2)
	if storeAddr == 0 {
		// crashed before the new block's address was even chosen; the
		// attempted commit never became observable, nothing to redo.
		writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)
		return nil
	}

	storeRec, err := cm.readAt(storeAddr)
	if err != nil {
		return errors.Wrap(err, "pmfs: redo checkpoint: read store")
	}
	if Addr(storeRec.PrevCPAddr) != prevAddr {
		return errors.Wrap(ErrCorrupt, "pmfs: redo checkpoint: store does not point back at prev")
	}

	cm.patchNext(prevAddr, storeAddr)
	cm.patchPrev(Addr(storeRec.NextCPAddr), storeAddr)

	cm.sb.CPPageAddr = uint64(storeAddr)
	if err := WriteSuperblock(cm.region, cm.layout, cm.sb); err != nil {
		return errors.Wrap(err, "pmfs: redo checkpoint: rewrite superblock")
	}

	idx := cm.layout.GlobalBlockIndex(storeAddr)
	cm.ssa.SetValidBit(idx)

	writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)

	cm.mu.Lock()
	cm.lastInfo = CheckpointInfo{Version: storeRec.CheckpointVer, Addr: storeAddr, NatRoot: Addr(storeRec.NatAddr)}
	cm.index[storeRec.CheckpointVer] = cm.lastInfo
	if storeRec.CheckpointVer >= cm.nextVersion {
		cm.nextVersion = storeRec.CheckpointVer + 1
	}
	cm.mu.Unlock()

	cm.log.WithField("addr", uint64(storeAddr)).Warn("recovered interrupted checkpoint commit")
	return nil
}

// recoverCPGC is the distinct recovery branch for a checkpoint interrupted
// mid-GC-checkpoint splice: state_arg_2 names the store checkpoint that
// was being spliced in. Re-link hmfs_cp.next = store, store.next.prev =
// store, repoint the superblock, and double-write the shadow superblock,
// matching the source's structure rather than folding this into the
// generic "finish a pointer swing" helper.
func (cm *CheckpointManager) recoverCPGC(prevAddr Addr, prevRec *CheckpointRecord) error {
	storeAddr := Addr(prevRec.StateArg2)
	if storeAddr == 0 {
		writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)
		return nil
	}
	storeRec, err := cm.readAt(storeAddr)
	if err != nil {
		return errors.Wrap(err, "pmfs: recover cp-gc: read store")
	}

	cm.patchNext(prevAddr, storeAddr)
	cm.patchPrev(Addr(storeRec.NextCPAddr), storeAddr)

	cm.sb.CPPageAddr = uint64(storeAddr)
	if err := WriteSuperblock(cm.region, cm.layout, cm.sb); err != nil {
		return errors.Wrap(err, "pmfs: recover cp-gc: rewrite superblock")
	}
	// double-write: the shadow copy gets an extra explicit pass, since
	// this recovery path is reached precisely because a previous
	// superblock write may have been interrupted.
	if err := WriteSuperblock(cm.region, cm.layout, cm.sb); err != nil {
		return errors.Wrap(err, "pmfs: recover cp-gc: rewrite superblock (second pass)")
	}

	writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)

	cm.mu.Lock()
	cm.lastInfo = CheckpointInfo{Version: storeRec.CheckpointVer, Addr: storeAddr, NatRoot: Addr(storeRec.NatAddr)}
	cm.index[storeRec.CheckpointVer] = cm.lastInfo
	if storeRec.CheckpointVer >= cm.nextVersion {
		cm.nextVersion = storeRec.CheckpointVer + 1
	}
	cm.mu.Unlock()

	cm.log.WithField("addr", uint64(storeAddr)).Warn("recovered interrupted GC checkpoint splice")
	return nil
}

// recoverGCCrash finishes a relocation interrupted between its
// destination write and the owner pointer update (spec §4.7, §8 scenario
// 3). state_arg_1/state_arg_2 name the source and destination block; the
// owner is found via the destination's own SSA summary (the summary was
// written, with valid_bit unset, before the payload copy), and recovery
// either completes the pointer swing or discovers it already landed.
func (cm *CheckpointManager) recoverGCCrash(prevAddr Addr, prevRec *CheckpointRecord, want SummaryType) error {
	src := Addr(prevRec.StateArg1)
	dst := Addr(prevRec.StateArg2)
	if src == 0 || dst == 0 {
		writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)
		return nil
	}

	dstIdx := cm.layout.GlobalBlockIndex(dst)
	sum := cm.ssa.Get(dstIdx)

	ownerAddr, err := cm.nat.Resolve(sum.Nid)
	if err != nil {
		return errors.Wrap(err, "pmfs: recover gc crash: resolve owner")
	}
	ownerBlock := cm.layout.BlockBytes(cm.region, ownerAddr)
	current := ReadChildPtr(ownerBlock, int(sum.OfsInNode))

	if current == src {
		WriteChildPtr(ownerBlock, int(sum.OfsInNode), dst)
		cm.curseg.MarkValid(dst)
		cm.curseg.Invalidate(src)
	} else if current == dst {
		// the pointer swing already landed; just make sure the
		// bookkeeping matches.
		cm.curseg.MarkValid(dst)
		cm.curseg.Invalidate(src)
	}

	writeState(cm.region, cm.layout, prevAddr, CPStateNone, 0, 0)
	cm.log.WithFields(logrus.Fields{"src": uint64(src), "dst": uint64(dst), "type": want}).Warn("recovered interrupted GC relocation")
	return nil
}

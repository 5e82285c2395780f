package pmfs

import (
	"github.com/sirupsen/logrus"
)

// Policy is the victim-scoring strategy.
type Policy int

const (
	PolicyGreedy Policy = iota
	PolicyCostBenefit
)

// Mode is orthogonal to Policy: it controls how aggressively the scan
// searches and how it's triggered, not how a candidate is scored. The
// source always pairs BgGC with CostBenefit and FgGC with Greedy by
// default, but keeps the two knobs independent.
type Mode int

const (
	ModeBgGC Mode = iota
	ModeFgGC
)

// GC tuning constants ported from original_source/fs/hmfs/gc.h.
const (
	MaxSegSearch        = 16
	NrMaxFgSegs         = 200
	LimitInvalidBlocks  = 50 // percent
	LimitFreeBlocksPct  = 50 // percent
	SevereFreeBlocksPct = 75 // percent
)

// GC selects victim segments and relocates their live blocks.
type GC struct {
	layout *Layout
	region []byte
	sit    *SIT
	ssa    *SSA
	segmap *SegMap
	curseg *CurSegAllocator
	nat    NodeTable
	cm     *CheckpointManager
	log    *logrus.Entry

	scanHint SegNo
}

// NewGC wires a garbage collector against a mounted filesystem's live
// metadata structures.
func NewGC(l *Layout, region []byte, sit *SIT, ssa *SSA, segmap *SegMap, curseg *CurSegAllocator, nat NodeTable, cm *CheckpointManager, log *logrus.Entry) *GC {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GC{layout: l, region: region, sit: sit, ssa: ssa, segmap: segmap, curseg: curseg, nat: nat, cm: cm, log: log, scanHint: NULLSegNo}
}

// SelectVictim scans up to MaxSegSearch in-use, non-prefree segments
// (NrMaxFgSegs under ModeFgGC's severe-pressure extended scan) and
// returns the best-scoring candidate under policy. Segments with no valid
// blocks (a stream's preallocated next segment) are not candidates.
func (g *GC) SelectVictim(mode Mode, policy Policy) (SegNo, error) {
	limit := MaxSegSearch
	if mode == ModeFgGC {
		limit = NrMaxFgSegs
	}

	minMtime, maxMtime := g.sit.MtimeRange()

	start := g.scanHint
	if start == NULLSegNo {
		start = 0
	}

	var best SegNo = NULLSegNo
	bestScore := -1.0
	scanned := 0

	g.segmap.ForEachInUse(func(segno SegNo) {
		if scanned >= limit {
			return
		}
		if int(segno) < int(start) {
			return
		}
		scanned++

		e := g.sit.Get(segno)
		if int(e.ValidBlocks) >= g.layout.BlocksPerSeg {
			return // fully valid, nothing to gain
		}
		if e.ValidBlocks == 0 {
			return // reserved for a stream and not yet written, nothing to move
		}

		var score float64
		if policy == PolicyGreedy {
			score = float64(g.layout.BlocksPerSeg - int(e.ValidBlocks))
		} else {
			score = costBenefit(e, g.layout.BlocksPerSeg, minMtime, maxMtime)
		}
		if score > bestScore {
			bestScore = score
			best = segno
		}
	})

	if best == NULLSegNo {
		return NULLSegNo, ErrNoData
	}
	g.scanHint = best + 1
	return best, nil
}

// costBenefit scores a segment the way the original's cost-benefit policy
// does: favor segments with few valid blocks (low cost to move them) that
// have sat untouched the longest (low benefit to leaving them, since
// they're unlikely to be invalidated soon anyway).
func costBenefit(e SitEntry, blocksPerSeg int, minMtime, maxMtime uint32) float64 {
	u := float64(e.ValidBlocks) / float64(blocksPerSeg)
	var age float64 = 1
	if maxMtime > minMtime {
		age = 1 - float64(e.Mtime-minMtime)/float64(maxMtime-minMtime)
	}
	if u >= 1 {
		return 0
	}
	return age * (1 - u) / (1 + u)
}

// RelocateSegment copies every still-live block out of victim into fresh
// allocations, fixing up each block's owner pointer via NAT, then returns
// victim to Prefree once it's fully drained (spec §4.7).
func (g *GC) RelocateSegment(victim SegNo) (int, error) {
	relocated := 0
	for off := 0; off < g.layout.BlocksPerSeg; off++ {
		src := g.layout.Addr(victim, BlockOff(off))
		idx := g.layout.GlobalBlockIndex(src)
		sum := g.ssa.Get(idx)
		if !sum.ValidBit {
			continue
		}

		ownerAddr, err := g.nat.Resolve(sum.Nid)
		if err != nil {
			// owner vanished entirely (e.g. freed inode never flushed
			// its own invalidation) — treat as stale and drop it.
			g.ssa.ClearValidBit(idx)
			g.sit.Update(victim, -1, nil)
			continue
		}
		ownerBlock := g.layout.BlockBytes(g.region, ownerAddr)
		current := ReadChildPtr(ownerBlock, int(sum.OfsInNode))
		if current != src {
			// stale: the owner has already been repointed elsewhere.
			g.ssa.ClearValidBit(idx)
			g.sit.Update(victim, -1, nil)
			continue
		}

		stream := StreamData
		if sum.Type != SummaryData {
			stream = StreamNode
		}

		dst, err := g.curseg.AllocateBlock(stream, sum.Nid, sum.OfsInNode, sum.Type)
		if err != nil {
			return relocated, err
		}
		dstIdx := g.layout.GlobalBlockIndex(dst)
		g.ssa.SetStartVersion(dstIdx, sum.StartVersion)

		copy(g.layout.BlockBytes(g.region, dst), g.layout.BlockBytes(g.region, src))

		gcState := CPStateGCData
		if sum.Type != SummaryData {
			gcState = CPStateGCNode
		}
		head := g.cm.LastInfo().Addr
		writeState(g.region, g.layout, head, gcState, uint64(src), uint64(dst))

		WriteChildPtr(ownerBlock, int(sum.OfsInNode), dst)
		g.curseg.MarkValid(dst)
		g.curseg.Invalidate(src)

		writeState(g.region, g.layout, head, CPStateNone, 0, 0)

		relocated++
	}

	if g.sit.Get(victim).ValidBlocks == 0 {
		g.segmap.MarkPrefree(victim)
	}

	return relocated, nil
}

// Run selects and relocates one victim, returning how many blocks moved
// and which segment was chosen.
func (g *GC) Run(mode Mode, policy Policy) (int, SegNo, error) {
	victim, err := g.SelectVictim(mode, policy)
	if err != nil {
		return 0, NULLSegNo, err
	}
	n, err := g.RelocateSegment(victim)
	if err != nil {
		return n, victim, err
	}
	g.log.WithFields(logrus.Fields{"victim": uint32(victim), "relocated": n, "mode": mode, "policy": policy}).Info("gc round complete")
	return n, victim, nil
}

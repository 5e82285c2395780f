package pmfs

import "sync"

// StreamType distinguishes the two independent current-segment bump
// allocators (spec §4.5): node blocks (inodes, indirect nodes, NAT nodes,
// orphan blocks, checkpoint records) and data blocks.
type StreamType int

const (
	StreamNode StreamType = iota
	StreamData
)

// versionSource is the sliver of CheckpointManager the allocator needs:
// the version to stamp into fresh summaries, and a counter of blocks
// allocated since the last checkpoint.
type versionSource interface {
	CurrentVersion() uint32
	IncAllocBlockCount()
}

// curSeg is one stream's bump-pointer allocator state, plus a next
// segment picked in the background so rotation normally finds it ready;
// if the pick is still running, rotation waits for it while holding the
// stream lock.
type curSeg struct {
	mu           sync.Mutex
	segno        SegNo
	nextBlkoff   BlockOff
	nextPrealloc SegNo
	preallocErr  error
	preallocDone chan struct{}
}

// CurSegAllocator owns both stream allocators and the shared layout/SIT/
// SSA/segment-map state they allocate against.
type CurSegAllocator struct {
	layout  *Layout
	region_ []byte
	sit     *SIT
	segmap  *SegMap
	ssa     *SSA
	version versionSource

	node curSeg
	data curSeg
}

// NewCurSegAllocator wires an allocator against already-constructed
// segment metadata. Init must be called once (at format or mount time)
// before AllocateBlock.
func NewCurSegAllocator(l *Layout, region []byte, sit *SIT, segmap *SegMap, ssa *SSA, version versionSource) *CurSegAllocator {
	return &CurSegAllocator{layout: l, region_: region, sit: sit, segmap: segmap, ssa: ssa, version: version}
}

// region returns the backing PM region bytes, used by callers (orphan
// block packing) that need direct payload access alongside allocation.
func (a *CurSegAllocator) region() []byte {
	return a.region_
}

// Init assigns starting segments to both streams and kicks off their
// first preallocation, used at format time and reused verbatim at mount
// time with the segments recorded in the last checkpoint.
func (a *CurSegAllocator) Init(nodeSegno, dataSegno SegNo, nodeOff, dataOff BlockOff) error {
	a.node.segno, a.node.nextBlkoff = nodeSegno, nodeOff
	a.data.segno, a.data.nextBlkoff = dataSegno, dataOff
	a.segmap.MarkInUse(nodeSegno)
	a.segmap.MarkInUse(dataSegno)
	a.preallocate(&a.node, nodeSegno)
	a.preallocate(&a.data, dataSegno)
	return nil
}

func (a *CurSegAllocator) stream(t StreamType) *curSeg {
	if t == StreamNode {
		return &a.node
	}
	return &a.data
}

// preallocate launches a background pick of cs's next segment, avoiding
// the stream's own outgoing current segment for GC locality. The result
// is consumed (and waited on, if still running) the next time the stream
// rotates.
func (a *CurSegAllocator) preallocate(cs *curSeg, avoid SegNo) {
	done := make(chan struct{})
	cs.preallocDone = done
	go func() {
		defer close(done)
		segno, err := a.segmap.GetNewSegment(avoid)
		cs.preallocErr = err
		cs.nextPrealloc = segno
	}()
}

// Current returns stream t's current segment and next write offset.
func (a *CurSegAllocator) Current(t StreamType) (SegNo, BlockOff) {
	cs := a.stream(t)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.segno, cs.nextBlkoff
}

// AllocateBlock reserves the next block in stream t, stamps its SSA
// summary (valid_bit unset), and bumps the segment's valid-block count.
// The caller must copy the payload in and then call MarkValid — the
// two-phase handoff is what makes GC-crash recovery (spec §4.7, §8
// scenario 3) able to tell a half-relocated block from a committed one.
func (a *CurSegAllocator) AllocateBlock(t StreamType, nid uint32, ofsInNode uint16, typ SummaryType) (Addr, error) {
	cs := a.stream(t)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.nextBlkoff >= BlockOff(a.layout.BlocksPerSeg) {
		if cs.preallocDone != nil {
			<-cs.preallocDone
		}
		if cs.preallocErr != nil {
			return 0, cs.preallocErr
		}
		cs.segno = cs.nextPrealloc
		cs.nextBlkoff = 0
		a.segmap.MarkInUse(cs.segno)
		a.preallocate(cs, cs.segno)
	}

	addr := a.layout.Addr(cs.segno, cs.nextBlkoff)
	idx := a.layout.GlobalBlockIndex(addr)
	a.ssa.Make(idx, nid, a.version.CurrentVersion(), ofsInNode, typ)

	now := uint32(a.version.CurrentVersion())
	a.sit.Update(cs.segno, 1, &now)
	a.version.IncAllocBlockCount()

	cs.nextBlkoff++
	return addr, nil
}

// MarkValid sets addr's SSA valid bit once its payload has been written,
// completing the two-phase allocation handoff.
func (a *CurSegAllocator) MarkValid(addr Addr) {
	a.ssa.SetValidBit(a.layout.GlobalBlockIndex(addr))
}

// Invalidate clears addr's validity, decrements its segment's valid-block
// count, and moves the segment to Prefree once it reaches zero. It is
// idempotent: invalidating an already-invalid block is a no-op, which GC
// relocation replay and orphan-inode free both rely on.
func (a *CurSegAllocator) Invalidate(addr Addr) {
	idx := a.layout.GlobalBlockIndex(addr)
	if !a.ssa.ClearValidBit(idx) {
		return
	}
	segno := a.layout.SegOf(addr)
	a.sit.Update(segno, -1, nil)
	if a.sit.Get(segno).ValidBlocks == 0 {
		a.segmap.MarkPrefree(segno)
	}
}

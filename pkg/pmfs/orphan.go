package pmfs

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/beeker1121/goque"
	"github.com/pkg/errors"
)

// orphanBlockCapacity is how many inode numbers are packed into one orphan
// block after its 8-byte checkpoint back-pointer header; the rest of the
// block is left unused.
const orphanBlockCapacity = 16

// OrphanList tracks inodes that were unlinked while still open: removed
// from the sorted in-memory list when the last reference drops, durably
// packed into orphan blocks at checkpoint time, and replayed at mount if
// a crash intervened (spec §4.6).
//
// Entries are staged in a disk-backed queue before they're known to have
// survived into a committed orphan block, giving the list a crash-
// tolerant buffer distinct from the orphan blocks themselves.
type OrphanList struct {
	mu     sync.Mutex
	inodes []uint32
	queue  *goque.Queue
}

// NewOrphanList opens (creating if necessary) a staging queue at dir and
// replays whatever is still sitting in it: entries staged by Add but
// never confirmed durable by a completed checkpoint commit (ConfirmFlush)
// are exactly the orphans a crash between Add and the next commit would
// otherwise lose, since the in-memory list doesn't survive the restart.
func NewOrphanList(dir string) (*OrphanList, error) {
	q, err := goque.OpenQueue(dir)
	if err != nil {
		return nil, errors.Wrap(err, "pmfs: open orphan staging queue")
	}
	o := &OrphanList{queue: q}
	n := q.Length()
	for i := uint64(0); i < n; i++ {
		item, err := q.PeekByOffset(i)
		if err != nil {
			return nil, errors.Wrap(err, "pmfs: replay orphan staging queue")
		}
		o.inodes = insertSorted(o.inodes, binary.LittleEndian.Uint32(item.Value))
	}
	return o, nil
}

// Close releases the staging queue's backing store.
func (o *OrphanList) Close() error {
	return o.queue.Close()
}

// Add stages ino for orphan tracking. It is not yet guaranteed durable in
// an orphan block until the next checkpoint's Flush.
func (o *OrphanList) Add(ino uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], ino)
	if _, err := o.queue.Enqueue(b[:]); err != nil {
		return errors.Wrap(err, "pmfs: stage orphan inode")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inodes = insertSorted(o.inodes, ino)
	return nil
}

// Remove drops ino from the sorted list (e.g. the inode was fully
// released before any checkpoint ever packed it into an orphan block).
func (o *OrphanList) Remove(ino uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, v := range o.inodes {
		if v == ino {
			o.inodes = append(o.inodes[:i], o.inodes[i+1:]...)
			return
		}
	}
}

func insertSorted(s []uint32, v uint32) []uint32 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Flush packs the current sorted list into orphan blocks, allocated from
// the node stream. Each block's back-pointer (first 8 bytes: the owning
// checkpoint's address) is left zero here — FinishFlush patches it in
// once the new checkpoint's own address is known, matching the original
// commit ordering (orphan blocks are allocated, and their contents fixed,
// before the checkpoint block that will reference them).
func (o *OrphanList) Flush(curseg *CurSegAllocator) ([]Addr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.inodes) == 0 {
		return nil, nil
	}

	var addrs []Addr
	for start := 0; start < len(o.inodes); start += orphanBlockCapacity {
		end := start + orphanBlockCapacity
		if end > len(o.inodes) {
			end = len(o.inodes)
		}
		addr, err := curseg.AllocateBlock(StreamNode, 0, 0, SummaryOrphan)
		if err != nil {
			return nil, errors.Wrap(err, "pmfs: allocate orphan block")
		}
		block := curseg.layout.BlockBytes(curseg.region(), addr)
		binary.LittleEndian.PutUint64(block[0:8], 0) // patched by FinishFlush
		for i, ino := range o.inodes[start:end] {
			binary.LittleEndian.PutUint32(block[8+i*4:], ino)
		}
		curseg.MarkValid(addr)
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// ConfirmFlush drains the staging queue once the checkpoint referencing
// the last Flush's orphan blocks has actually landed durably. Must not
// be called any earlier: the staged entries are the only crash-recovery
// record of an orphan until the commit they're captured in survives a
// full pointer swing. A list opened without a staging queue has nothing
// to drain.
func (o *OrphanList) ConfirmFlush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue == nil {
		return nil
	}
	return o.drainStaged()
}

// FinishFlush patches each orphan block's checkpoint back-pointer now
// that the referencing checkpoint's own address is known.
func (o *OrphanList) FinishFlush(curseg *CurSegAllocator, addrs []Addr, cpAddr Addr) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range addrs {
		block := curseg.layout.BlockBytes(curseg.region(), a)
		binary.LittleEndian.PutUint64(block[0:8], uint64(cpAddr))
	}
	return nil
}

func (o *OrphanList) drainStaged() error {
	for {
		item, err := o.queue.Dequeue()
		if err != nil {
			if err == goque.ErrEmpty {
				return nil
			}
			return errors.Wrap(err, "pmfs: drain orphan staging queue")
		}
		_ = item
	}
}

// RecoverOrphans replays a committed set of orphan blocks, freeing each
// listed inode through freer and returning how many were recovered (spec
// §8 scenario 5). Mount does not call it; the caller supplies the orphan
// block addresses and the InodeFreer. It is idempotent: blocks are read-only
// input here, nothing prevents replaying the same set twice if mount is
// retried.
func RecoverOrphans(region []byte, l *Layout, addrs [NumOrphanAddrs]uint64, freer InodeFreer) (int, error) {
	count := 0
	for _, raw := range addrs {
		if raw == 0 {
			continue
		}
		block := l.BlockBytes(region, Addr(raw))
		for i := 0; i < orphanBlockCapacity; i++ {
			off := 8 + i*4
			ino := binary.LittleEndian.Uint32(block[off:])
			if ino == 0 {
				continue
			}
			if err := freer.FreeInode(ino); err != nil {
				return count, errors.Wrapf(err, "pmfs: free orphaned inode %d", ino)
			}
			count++
		}
	}
	return count, nil
}

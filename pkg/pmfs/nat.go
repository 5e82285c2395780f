package pmfs

import (
	"encoding/binary"
	"sync"
)

// ChildPtrsPerNode is the number of child block addresses a node block
// carries at its fixed header offset — enough for the reference
// implementation's inode/indirect/NAT node blocks to exercise the GC
// owner-resolution path (spec §4.7 step 2: "resolve the owner's current
// location via NAT using sum.nid and sum.ofs_in_node").
const ChildPtrsPerNode = 16

// NodeTable resolves node ids to their current on-media block address.
// The core's invariants (GC relocation, checkpoint NAT root handoff) are
// expressed purely in terms of this interface; the tree-walking policy
// behind it is an external collaborator (spec's Non-goals).
type NodeTable interface {
	Resolve(nid uint32) (Addr, error)
	Update(nid uint32, addr Addr) error
	Root() Addr
	SetRoot(addr Addr)
	// Flush durably publishes any buffered changes and returns the
	// resulting root address to embed in the next checkpoint.
	Flush() (Addr, error)
}

// InMemoryNAT is a reference NodeTable: a flat nid -> address map. Every
// Update is treated as already durable (the node payload itself lives in
// the main area and is addressed directly), so Flush is a cheap no-op
// that just reports the current root.
type InMemoryNAT struct {
	mu    sync.RWMutex
	table map[uint32]Addr
	root  Addr
}

// NewInMemoryNAT constructs an empty reference NAT.
func NewInMemoryNAT() *InMemoryNAT {
	return &InMemoryNAT{table: make(map[uint32]Addr)}
}

func (n *InMemoryNAT) Resolve(nid uint32) (Addr, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	addr, ok := n.table[nid]
	if !ok {
		return 0, ErrNoData
	}
	return addr, nil
}

func (n *InMemoryNAT) Update(nid uint32, addr Addr) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.table[nid] = addr
	return nil
}

func (n *InMemoryNAT) Root() Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.root
}

func (n *InMemoryNAT) SetRoot(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.root = addr
}

func (n *InMemoryNAT) Flush() (Addr, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.root, nil
}

// Snapshot copies out the nid->addr table, for persisting/restoring the
// reference NAT across a test mount/remount cycle.
func (n *InMemoryNAT) Snapshot() map[uint32]Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[uint32]Addr, len(n.table))
	for k, v := range n.table {
		out[k] = v
	}
	return out
}

// Restore replaces the table wholesale, the counterpart to Snapshot.
func (n *InMemoryNAT) Restore(table map[uint32]Addr, root Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.table = table
	n.root = root
}

// ReadChildPtr reads the address stored in slot of a node block.
func ReadChildPtr(block []byte, slot int) Addr {
	off := slot * 8
	return Addr(binary.LittleEndian.Uint64(block[off : off+8]))
}

// WriteChildPtr stores addr into slot of a node block.
func WriteChildPtr(block []byte, slot int, addr Addr) {
	off := slot * 8
	binary.LittleEndian.PutUint64(block[off:off+8], uint64(addr))
}

package partition

import "sync/atomic"

// Node is a fixed-capacity event buffer carved out of its partition's slab.
// A node is linked on at most one list at a time; while it is linked, linked
// points at the partition or queue holding it.
type Node struct {
	// Seq is the channel sequence number stamped at acquisition.
	Seq uint64
	// EventNumber is the hardware trigger ordinal reported by the source.
	EventNumber uint64
	// Type is the trigger type tag.
	Type uint16
	// Flags carries per-event status bits (sync, overflow, bad).
	Flags uint16

	owner  *Partition
	linked atomic.Pointer[Partition]
	prev   *Node
	next   *Node
	index  int
	data   []uint32
	length int
}

// Reset prepares the node for a new event and stamps the sequence number.
func (n *Node) Reset(seq uint64) {
	n.Seq = seq
	n.EventNumber = 0
	n.Type = 0
	n.Flags = 0
	n.length = 0
}

// Buffer returns the whole capacity window, for fill routines.
func (n *Node) Buffer() []uint32 {
	return n.data
}

// Payload returns the words written so far.
func (n *Node) Payload() []uint32 {
	return n.data[:n.length]
}

// Cap returns the node capacity in 32-bit words.
func (n *Node) Cap() int {
	return len(n.data)
}

// Len returns the number of words written so far.
func (n *Node) Len() int {
	return n.length
}

// SetLen sets the reported length, clamped to [0, Cap()].
func (n *Node) SetLen(words int) {
	switch {
	case words < 0:
		n.length = 0
	case words > len(n.data):
		n.length = len(n.data)
	default:
		n.length = words
	}
}

// Index is the node position within its owning partition.
func (n *Node) Index() int {
	return n.index
}

// Owner returns the partition that owns the node storage.
func (n *Node) Owner() *Partition {
	return n.owner
}

// Holder returns the list currently linking the node, or nil while it is in use.
func (n *Node) Holder() *Partition {
	return n.linked.Load()
}

// Package partition implements fixed-size event buffer pools.
//
// A storage partition pre-allocates all of its nodes at creation time from a
// single slab and keeps unused nodes on a doubly-linked free list. Acquire and
// Release are O(1). A partition created with nodeBytes == 0 is index-only: it
// owns no storage and serves as a FIFO for nodes borrowed from other
// partitions, which is how the readout output queue is built.
package partition

import (
	"sync"
	"sync/atomic"
)

const (
	// WordBytes is the size of one event word.
	WordBytes = 4

	// MaxNodeBytes bounds a single node.
	MaxNodeBytes = 16 << 20

	// MaxPartitionBytes bounds the total storage of one partition.
	MaxPartitionBytes = 1 << 30
)

// Partition is a named pool of equal-size nodes, or an index-only FIFO.
type Partition struct {
	name      string
	nodeWords int
	increment int
	indexOnly bool

	mu    sync.Mutex
	head  *Node
	tail  *Node
	count int
	nodes []*Node

	releaseListener    ReleaseListener
	exhaustionListener ExhaustionListener

	// mirrors of locked state for non-blocking reads
	total       atomic.Int64
	linkedCount atomic.Int64

	acquires    atomic.Uint64
	misses      atomic.Uint64
	releases    atomic.Uint64
	doubleFrees atomic.Uint64
	puts        atomic.Uint64
	gets        atomic.Uint64
}

// Option configures a Partition at creation.
type Option func(*Partition)

// WithReleaseListener registers the listener invoked after every successful release.
func WithReleaseListener(l ReleaseListener) Option {
	return func(p *Partition) { p.releaseListener = l }
}

// WithExhaustionListener registers the listener invoked on every Acquire miss.
func WithExhaustionListener(l ExhaustionListener) Option {
	return func(p *Partition) { p.exhaustionListener = l }
}

// Stats is a point-in-time view of partition counters.
type Stats struct {
	Name        string
	NodeBytes   int
	Total       int
	Free        int // nodes linked on this partition's list
	InUse       int // owned nodes not on the free list
	Acquires    uint64
	Misses      uint64
	Releases    uint64
	DoubleFrees uint64
	Puts        uint64
	Gets        uint64
}

// New creates a partition. nodeBytes is rounded up to a whole word; zero makes
// the partition an index-only queue, in which case nodeCount must be zero.
// increment is the number of nodes Grow adds, zero for a fixed-size pool.
func New(name string, nodeBytes, nodeCount, increment int, opts ...Option) (*Partition, error) {
	if nodeBytes < 0 || nodeCount < 0 || increment < 0 || nodeBytes > MaxNodeBytes {
		return nil, allocationError(ErrInvalidSize, name, nodeBytes, nodeCount)
	}

	p := &Partition{
		name:      name,
		increment: increment,
		indexOnly: nodeBytes == 0,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.indexOnly {
		if nodeCount != 0 || increment != 0 {
			return nil, allocationError(ErrIndexOnly, name, nodeBytes, nodeCount)
		}
		return p, nil
	}

	p.nodeWords = (nodeBytes + WordBytes - 1) / WordBytes
	if !p.fits(nodeCount) {
		return nil, allocationError(ErrInvalidSize, name, nodeBytes, nodeCount)
	}

	p.allocate(nodeCount)
	return p, nil
}

// fits reports whether total node storage stays within MaxPartitionBytes.
func (p *Partition) fits(nodeCount int) bool {
	perNode := int64(p.nodeWords) * WordBytes
	return int64(nodeCount)*perNode <= MaxPartitionBytes
}

// allocate carves count new nodes from one slab and links them as free.
// Callers hold p.mu or own p exclusively.
func (p *Partition) allocate(count int) {
	if count == 0 {
		return
	}

	slab := make([]uint32, count*p.nodeWords)
	base := len(p.nodes)
	for i := range count {
		n := &Node{
			owner: p,
			index: base + i,
			data:  slab[i*p.nodeWords : (i+1)*p.nodeWords : (i+1)*p.nodeWords],
		}
		p.nodes = append(p.nodes, n)
		n.linked.Store(p)
		p.linkTail(n)
	}
	p.total.Add(int64(count))
}

// Name returns the partition name.
func (p *Partition) Name() string {
	return p.name
}

// NodeBytes returns the per-node capacity in bytes, zero for index-only queues.
func (p *Partition) NodeBytes() int {
	return p.nodeWords * WordBytes
}

// IndexOnly reports whether the partition is a storage-less queue.
func (p *Partition) IndexOnly() bool {
	return p.indexOnly
}

// Total returns the number of nodes owned by the partition.
func (p *Partition) Total() int {
	return int(p.total.Load())
}

// Len returns the number of nodes currently linked on the partition's list
// without taking the lock.
func (p *Partition) Len() int {
	return int(p.linkedCount.Load())
}

// Empty reports whether Acquire or Get would currently miss.
func (p *Partition) Empty() bool {
	return p.linkedCount.Load() == 0
}

// Acquire pops a node from the free list head. It never blocks; on an empty
// list it returns (nil, false) and notifies the exhaustion listener.
func (p *Partition) Acquire() (*Node, bool) {
	if p.indexOnly {
		return nil, false
	}

	p.mu.Lock()
	n := p.unlinkHead()
	p.mu.Unlock()

	if n == nil {
		p.misses.Add(1)
		if p.exhaustionListener != nil {
			p.exhaustionListener.OnExhausted(p)
		}
		return nil, false
	}

	p.acquires.Add(1)
	return n, true
}

// Release returns an in-use node to the tail of the free list and then
// notifies the release listener. Releasing a node that is already linked on
// any list, that has no owner, or that belongs to another partition is
// reported as a linkage error and changes nothing.
func (p *Partition) Release(n *Node) error {
	if err := p.checkOwned(n, "release"); err != nil {
		return err
	}

	p.mu.Lock()
	if !n.linked.CompareAndSwap(nil, p) {
		p.mu.Unlock()
		p.doubleFrees.Add(1)
		return linkageError(ErrDoubleRelease, p, n, "release")
	}
	p.linkTail(n)
	p.mu.Unlock()

	p.releases.Add(1)
	if p.releaseListener != nil {
		p.releaseListener.OnRelease(p)
	}
	return nil
}

func (p *Partition) checkOwned(n *Node, op string) error {
	switch {
	case n == nil || n.owner == nil:
		p.doubleFrees.Add(1)
		return linkageError(ErrOrphanNode, p, n, op)
	case n.owner != p:
		p.doubleFrees.Add(1)
		return linkageError(ErrForeignNode, p, n, op)
	}
	return nil
}

// Put appends an in-use node at the queue tail. Any partition can act as a
// queue but Put is meant for index-only ones.
func (p *Partition) Put(n *Node) error {
	if n == nil || n.owner == nil {
		p.doubleFrees.Add(1)
		return linkageError(ErrOrphanNode, p, n, "put")
	}

	p.mu.Lock()
	if !n.linked.CompareAndSwap(nil, p) {
		p.mu.Unlock()
		p.doubleFrees.Add(1)
		return linkageError(ErrDoubleRelease, p, n, "put")
	}
	p.linkTail(n)
	p.mu.Unlock()

	p.puts.Add(1)
	return nil
}

// Get pops the queue head, or returns (nil, false) when the queue is empty.
func (p *Partition) Get() (*Node, bool) {
	p.mu.Lock()
	n := p.unlinkHead()
	p.mu.Unlock()

	if n == nil {
		return nil, false
	}
	p.gets.Add(1)
	return n, true
}

// Drain pops every linked node and hands it to release. A nil release
// returns each node to its owning partition. The loop is capped at the
// number of nodes linked when Drain started. Draining an empty list returns
// zero and has no effect.
func (p *Partition) Drain(release func(*Node)) int {
	if release == nil {
		release = func(n *Node) { _ = n.owner.Release(n) }
	}

	limit := p.Len()
	drained := 0
	for drained < limit {
		n, ok := p.Get()
		if !ok {
			break
		}
		release(n)
		drained++
	}
	return drained
}

// Grow adds the configured increment of nodes. It is only permitted while
// every node is on the free list.
func (p *Partition) Grow() error {
	if p.indexOnly || p.increment == 0 {
		return allocationError(ErrInvalidSize, p.name, p.NodeBytes(), p.Total())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count != len(p.nodes) {
		return notIdleError(p)
	}
	if !p.fits(len(p.nodes) + p.increment) {
		return allocationError(ErrInvalidSize, p.name, p.NodeBytes(), len(p.nodes)+p.increment)
	}

	p.allocate(p.increment)
	return nil
}

// Stats returns counters without taking the partition lock.
func (p *Partition) Stats() Stats {
	total := p.Total()
	linked := p.Len()
	inUse := 0
	if !p.indexOnly {
		inUse = max(total-linked, 0)
	}
	return Stats{
		Name:        p.name,
		NodeBytes:   p.NodeBytes(),
		Total:       total,
		Free:        linked,
		InUse:       inUse,
		Acquires:    p.acquires.Load(),
		Misses:      p.misses.Load(),
		Releases:    p.releases.Load(),
		DoubleFrees: p.doubleFrees.Load(),
		Puts:        p.puts.Load(),
		Gets:        p.gets.Load(),
	}
}

// ResetCounters zeroes the activity counters; geometry and lists are untouched.
func (p *Partition) ResetCounters() {
	p.acquires.Store(0)
	p.misses.Store(0)
	p.releases.Store(0)
	p.doubleFrees.Store(0)
	p.puts.Store(0)
	p.gets.Store(0)
}

// linkTail appends n. Callers hold p.mu and have already set n.linked.
func (p *Partition) linkTail(n *Node) {
	n.next = nil
	n.prev = p.tail
	if p.tail != nil {
		p.tail.next = n
	} else {
		p.head = n
	}
	p.tail = n
	p.count++
	p.linkedCount.Store(int64(p.count))
}

// unlinkHead removes and returns the head, clearing its linkage. Callers hold p.mu.
func (p *Partition) unlinkHead() *Node {
	n := p.head
	if n == nil {
		return nil
	}
	p.head = n.next
	if p.head != nil {
		p.head.prev = nil
	} else {
		p.tail = nil
	}
	n.next = nil
	n.prev = nil
	n.linked.Store(nil)
	p.count--
	p.linkedCount.Store(int64(p.count))
	return n
}

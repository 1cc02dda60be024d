package partition

import "github.com/rocdaq/readout/internal/errors"

const componentName = "partition"

// Sentinel errors, wrapped with context by the operations that return them.
var (
	ErrDoubleRelease = errors.NewStd("node released while already linked")
	ErrForeignNode   = errors.NewStd("node does not belong to this partition")
	ErrOrphanNode    = errors.NewStd("node has no owning partition")
	ErrIndexOnly     = errors.NewStd("operation requires a storage partition")
	ErrNotIdle       = errors.NewStd("partition has nodes in use")
	ErrInvalidSize   = errors.NewStd("invalid partition geometry")
)

func linkageError(sentinel error, p *Partition, n *Node, op string) error {
	b := errors.New(sentinel).
		Component(componentName).
		Category(errors.CategoryLinkage).
		Priority(errors.PriorityHigh).
		Context("operation", op).
		Context("partition", p.name)
	if n != nil {
		b = b.Context("node_index", n.index)
	}
	return b.Build()
}

func allocationError(sentinel error, name string, nodeBytes, nodeCount int) error {
	return errors.New(sentinel).
		Component(componentName).
		Category(errors.CategoryAllocation).
		Priority(errors.PriorityCritical).
		Context("partition", name).
		Context("node_bytes", nodeBytes).
		Context("node_count", nodeCount).
		Build()
}

func notIdleError(p *Partition) error {
	return errors.New(ErrNotIdle).
		Component(componentName).
		Category(errors.CategoryState).
		Context("partition", p.name).
		Context("free", p.count).
		Context("total", len(p.nodes)).
		Build()
}

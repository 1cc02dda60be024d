package partition

// ReleaseListener is notified synchronously after a node has been linked back
// onto a partition's free list. It runs outside the partition lock and may
// acquire or release nodes itself.
type ReleaseListener interface {
	OnRelease(p *Partition)
}

// ExhaustionListener is notified when Acquire finds the free list empty.
type ExhaustionListener interface {
	OnExhausted(p *Partition)
}

// ReleaseFunc adapts a function to ReleaseListener.
type ReleaseFunc func(p *Partition)

// OnRelease calls f(p).
func (f ReleaseFunc) OnRelease(p *Partition) { f(p) }

// ExhaustionFunc adapts a function to ExhaustionListener.
type ExhaustionFunc func(p *Partition)

// OnExhausted calls f(p).
func (f ExhaustionFunc) OnExhausted(p *Partition) { f(p) }

package readout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/partition"
)

// AckState is the per-channel acknowledgment state.
type AckState int32

const (
	// AckImmediate acknowledges each trigger as soon as its event is published.
	AckImmediate AckState = iota
	// AckDeferred withholds acknowledgment until a buffer is released.
	AckDeferred
)

func (s AckState) String() string {
	if s == AckDeferred {
		return "ACK_DEFERRED"
	}
	return "ACK_IMMEDIATE"
}

// backpressure holds needAck and the waiters for the deferred acknowledgment.
// needAck is only set by the producer and only cleared by the release path,
// a retriggered producer, or a reset.
type backpressure struct {
	ack Acknowledger

	mu       sync.Mutex
	needAck  bool
	since    time.Time
	released chan struct{}

	state        atomic.Int32
	deferrals    atomic.Uint64
	deferredAcks atomic.Uint64
	maxDeferred  atomic.Int64
}

func newBackpressure(ack Acknowledger) *backpressure {
	return &backpressure{ack: ack}
}

// deferAck enters ACK_DEFERRED. It returns false if the channel was already deferred.
func (b *backpressure) deferAck() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.needAck {
		return false
	}
	b.needAck = true
	b.since = time.Now()
	b.released = make(chan struct{})
	b.state.Store(int32(AckDeferred))
	b.deferrals.Add(1)
	return true
}

// fire performs the withheld acknowledgment if one is pending. It fires at
// most once per deferral no matter how many releases race here.
func (b *backpressure) fire() (time.Duration, bool) {
	b.mu.Lock()
	if !b.needAck {
		b.mu.Unlock()
		return 0, false
	}
	b.needAck = false
	released := b.released
	b.released = nil
	waited := time.Since(b.since)
	b.state.Store(int32(AckImmediate))
	b.mu.Unlock()

	b.deferredAcks.Add(1)
	for {
		cur := b.maxDeferred.Load()
		if int64(waited) <= cur || b.maxDeferred.CompareAndSwap(cur, int64(waited)) {
			break
		}
	}

	if b.ack != nil {
		b.ack.Ack()
	}
	close(released)
	return waited, true
}

// clear leaves ACK_DEFERRED without acknowledging and wakes any waiter.
func (b *backpressure) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released != nil {
		close(b.released)
		b.released = nil
	}
	b.needAck = false
	b.state.Store(int32(AckImmediate))
}

func (b *backpressure) deferred() bool {
	return AckState(b.state.Load()) == AckDeferred
}

// waiter returns the channel closed when the pending acknowledgment fires,
// or nil when nothing is pending.
func (b *backpressure) waiter() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.needAck {
		return nil
	}
	return b.released
}

func (b *backpressure) resetCounters() {
	b.deferrals.Store(0)
	b.deferredAcks.Store(0)
	b.maxDeferred.Store(0)
}

// OnRelease implements partition.ReleaseListener for the channel's input
// partition. It is the only path that resumes a stalled trigger source
// during a run.
func (c *Channel) OnRelease(_ *partition.Partition) {
	if waited, ok := c.bp.fire(); ok {
		c.log.Debug("deferred acknowledgment fired", logger.Duration("deferred_for", waited))
	}
}

// enterDeferred sets needAck and closes the race with a release that
// completed between the failed check and the flag being set.
func (c *Channel) enterDeferred() {
	c.bp.deferAck()
	if !c.input.Empty() {
		c.bp.fire()
	}
}

// AckState returns the current acknowledgment state.
func (c *Channel) AckState() AckState {
	return AckState(c.bp.state.Load())
}

// WaitAck blocks while acknowledgment is deferred. It returns nil once the
// release path fires the acknowledgment or the channel is reset, and a
// timeout error if ctx ends first.
func (c *Channel) WaitAck(ctx context.Context) error {
	ch := c.bp.waiter()
	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.New(ErrAckWait).
			Component(componentName).
			Category(errors.CategoryTimeout).
			Context("channel", c.name).
			Context("cause", ctx.Err().Error()).
			Build()
	}
}

// ackNow acknowledges the current trigger directly.
func (b *backpressure) ackNow() {
	if b.ack != nil {
		b.ack.Ack()
	}
}

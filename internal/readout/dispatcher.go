package readout

import (
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/partition"
)

// HandleTrigger dispatches one trigger interrupt. It acquires a buffer,
// runs the fill routine without holding any lock, publishes the event and
// then either acknowledges the trigger or defers acknowledgment until a
// buffer is released.
//
// On Stalled the trigger was not consumed and must be presented again once
// the deferred acknowledgment fires. Sequence numbers are only consumed by
// published events so they stay contiguous.
func (c *Channel) HandleTrigger(trig Trigger) Result {
	seq := c.lastSeq.Load() + 1
	n, ok := c.AcquireForFill(seq)
	if !ok {
		c.stalls.Add(1)
		c.enterDeferred()
		if allowed, suppressed := c.warn.allow("stall"); allowed {
			c.log.Warn("input pool exhausted, acknowledgment deferred",
				logger.Uint64("event_number", trig.EventNumber),
				logger.Uint64("stalls", c.stalls.Load()),
				logger.Int("suppressed", suppressed))
		}
		return Stalled
	}
	c.lastSeq.Store(seq)

	n.EventNumber = trig.EventNumber
	c.fillNode(n, trig)

	n.Type = trig.Type
	if trig.Sync {
		n.Flags |= FlagSync
		c.syncEvents.Add(1)
	}

	if err := c.Publish(n); err != nil {
		// the node is unreachable from any list; hand it back so it is not lost
		_ = c.input.Release(n)
	}

	if c.bp.deferred() {
		return Published
	}
	if c.cfg.AnticipateExhaustion && c.input.Empty() {
		c.enterDeferred()
		return Published
	}
	c.bp.ackNow()
	return Published
}

// fillNode runs the fill routine and applies the overflow and bad-event policies.
func (c *Channel) fillNode(n *partition.Node, trig Trigger) {
	w := &c.writer
	w.reset(n.Buffer())

	var fillErr error
	if c.fill == nil {
		fillErr = ErrNoFill
	} else {
		fillErr = c.fill(w, trig)
	}

	length := w.Len()
	if w.Overflowed() {
		n.Flags |= FlagOverflow
		c.overflows.Add(1)
		length = appendMarker(n, length, OverflowMarker)
		c.report(errors.New(ErrOverflow).
			Component(componentName).
			Category(errors.CategoryOverflow).
			Context("channel", c.name).
			Context("seq", n.Seq).
			Context("capacity_words", n.Cap()).
			Context("dropped_words", w.Dropped()).
			Build(), "overflow")
	}

	if fillErr != nil {
		n.Flags |= FlagBad
		c.badEvents.Add(1)
		length = appendMarker(n, length, BadEventMarker)
		c.report(errors.New(ErrHardwareRead).
			Component(componentName).
			Category(errors.CategoryHardware).
			Context("channel", c.name).
			Context("seq", n.Seq).
			Context("event_number", trig.EventNumber).
			Context("cause", fillErr.Error()).
			Build(), "hardware_read")
	}

	n.SetLen(length)
}

// appendMarker writes marker after the first length words and returns the new
// length. A full buffer gives up its last word to the marker.
func appendMarker(n *partition.Node, length int, marker uint32) int {
	buf := n.Buffer()
	if length < len(buf) {
		buf[length] = marker
		return length + 1
	}
	if len(buf) > 0 {
		buf[len(buf)-1] = marker
	}
	return len(buf)
}

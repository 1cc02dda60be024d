package readout

import "time"

// Diagnostics is a non-blocking snapshot of a channel. Counts are read from
// atomics, so a snapshot taken while the channel is active may be skewed by
// an operation in flight.
type Diagnostics struct {
	Channel   string `json:"channel"`
	NodeBytes int    `json:"node_bytes"`
	Total     int    `json:"total"`
	Free      int    `json:"free"`
	InUse     int    `json:"in_use"`
	Queued    int    `json:"queued"`

	Stalls      uint64 `json:"stalls"`
	Overflows   uint64 `json:"overflows"`
	DoubleFrees uint64 `json:"double_frees"`
	BadEvents   uint64 `json:"bad_events"`
	SyncEvents  uint64 `json:"sync_events"`
	Published   uint64 `json:"published"`
	Consumed    uint64 `json:"consumed"`
	LastSeq     uint64 `json:"last_seq"`

	AckState     AckState      `json:"-"`
	AckStateName string        `json:"ack_state"`
	Deferrals    uint64        `json:"deferrals"`
	DeferredAcks uint64        `json:"deferred_acks"`
	MaxDeferred  time.Duration `json:"max_deferred_ns"`
}

// Diagnostics returns the current counters without blocking the data path.
func (c *Channel) Diagnostics() Diagnostics {
	in := c.input.Stats()
	out := c.output.Stats()
	queued := out.Free
	state := c.AckState()

	return Diagnostics{
		Channel:      c.name,
		NodeBytes:    in.NodeBytes,
		Total:        in.Total,
		Free:         in.Free,
		InUse:        max(in.InUse-queued, 0),
		Queued:       queued,
		Stalls:       c.stalls.Load(),
		Overflows:    c.overflows.Load(),
		DoubleFrees:  in.DoubleFrees + out.DoubleFrees,
		BadEvents:    c.badEvents.Load(),
		SyncEvents:   c.syncEvents.Load(),
		Published:    c.published.Load(),
		Consumed:     c.consumed.Load(),
		LastSeq:      c.lastSeq.Load(),
		AckState:     state,
		AckStateName: state.String(),
		Deferrals:    c.bp.deferrals.Load(),
		DeferredAcks: c.bp.deferredAcks.Load(),
		MaxDeferred:  time.Duration(c.bp.maxDeferred.Load()),
	}
}

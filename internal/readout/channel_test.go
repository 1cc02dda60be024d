package readout

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/partition"
	"github.com/rocdaq/readout/internal/testutil"
)

type countingAck struct {
	n atomic.Int64
}

func (a *countingAck) Ack() { a.n.Add(1) }

func (a *countingAck) count() int64 { return a.n.Load() }

func fillWords(words ...uint32) FillFunc {
	return func(w *EventWriter, _ Trigger) error {
		w.Write(words...)
		return nil
	}
}

func newTestChannel(t *testing.T, nodeBytes, nodeCount int, anticipate bool, fill FillFunc) (*Channel, *countingAck) {
	t.Helper()
	ack := &countingAck{}
	ch, err := NewChannel(ChannelConfig{
		Name:                 "roc1",
		NodeBytes:            nodeBytes,
		NodeCount:            nodeCount,
		AnticipateExhaustion: anticipate,
		Fill:                 fill,
	}, ack, WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	require.NoError(t, err)
	return ch, ack
}

// assertConserved checks free + in use + queued == total.
func assertConserved(t *testing.T, ch *Channel) {
	t.Helper()
	d := ch.Diagnostics()
	assert.Equal(t, d.Total, d.Free+d.InUse+d.Queued, "diagnostics: %+v", d)
}

func TestNewChannel_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewChannel(ChannelConfig{Name: "", NodeBytes: 16, NodeCount: 1}, nil)
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewChannel(ChannelConfig{Name: "big", NodeBytes: partition.MaxNodeBytes * 2, NodeCount: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryAllocation))
}

func TestDefaultChannelConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultChannelConfig("ts")
	assert.Equal(t, "ts", cfg.Name)
	assert.True(t, cfg.AnticipateExhaustion)
	assert.Positive(t, cfg.NodeBytes)
	assert.Positive(t, cfg.NodeCount)
}

// Pool of 4: four triggers publish, the fifth stalls and defers the
// acknowledgment, one release fires it exactly once and the fifth succeeds.
func TestExhaustion_DefersAckUntilRelease(t *testing.T) {
	t.Parallel()

	ch, ack := newTestChannel(t, 64, 4, false, fillWords(1, 2, 3))

	for i := range 4 {
		require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: uint64(i + 1)}))
	}
	assert.Equal(t, int64(4), ack.count())
	assert.Equal(t, AckImmediate, ch.AckState())

	assert.Equal(t, Stalled, ch.HandleTrigger(Trigger{EventNumber: 5}))
	assert.Equal(t, AckDeferred, ch.AckState())
	assert.Equal(t, int64(4), ack.count(), "acknowledgment must be withheld while deferred")
	assert.Equal(t, uint64(1), ch.Diagnostics().Stalls)
	assertConserved(t, ch)

	n, ok := ch.TryDequeue()
	require.True(t, ok)
	require.NoError(t, ch.Release(n))

	assert.Equal(t, int64(5), ack.count(), "one release fires exactly one acknowledgment")
	assert.Equal(t, AckImmediate, ch.AckState())

	// a second release must not fire again
	n, ok = ch.TryDequeue()
	require.True(t, ok)
	require.NoError(t, ch.Release(n))
	assert.Equal(t, int64(5), ack.count())

	assert.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 5}))
	d := ch.Diagnostics()
	assert.Equal(t, uint64(5), d.LastSeq, "stalled trigger did not consume a sequence number")
	assert.Equal(t, uint64(1), d.Deferrals)
	assert.Equal(t, uint64(1), d.DeferredAcks)
	assertConserved(t, ch)
}

func TestExhaustion_AcquireLevel(t *testing.T) {
	t.Parallel()

	ch, ack := newTestChannel(t, 64, 4, true, nil)

	var held []*partition.Node
	for seq := uint64(1); seq <= 4; seq++ {
		n, ok := ch.AcquireForFill(seq)
		require.True(t, ok)
		assert.Equal(t, seq, n.Seq)
		held = append(held, n)
	}

	_, ok := ch.AcquireForFill(5)
	require.False(t, ok)
	ch.enterDeferred()
	assert.Equal(t, AckDeferred, ch.AckState())
	assert.Zero(t, ack.count())

	require.NoError(t, ch.Release(held[0]))
	assert.Equal(t, int64(1), ack.count())

	n, ok := ch.AcquireForFill(5)
	require.True(t, ok)
	assert.Equal(t, uint64(5), n.Seq)
}

func TestAnticipateExhaustion(t *testing.T) {
	t.Parallel()

	t.Run("enabled defers on the last buffer", func(t *testing.T) {
		t.Parallel()
		ch, ack := newTestChannel(t, 64, 2, true, fillWords(7))

		require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 1}))
		require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 2}))
		assert.Equal(t, int64(1), ack.count())
		assert.Equal(t, AckDeferred, ch.AckState())
		assert.Zero(t, ch.Diagnostics().Stalls)

		n, _ := ch.TryDequeue()
		require.NoError(t, ch.Release(n))
		assert.Equal(t, int64(2), ack.count())
	})

	t.Run("disabled acknowledges until a miss", func(t *testing.T) {
		t.Parallel()
		ch, ack := newTestChannel(t, 64, 2, false, fillWords(7))

		require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 1}))
		require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 2}))
		assert.Equal(t, int64(2), ack.count())
		assert.Equal(t, AckImmediate, ch.AckState())
	})
}

// Fill writes capacity+10 words: the event is truncated to capacity, counted
// as an overflow and keeps its sequence number.
func TestOverflow_TruncatesAndFlags(t *testing.T) {
	t.Parallel()

	const capacityWords = 8
	var errs []error
	ack := &countingAck{}
	ch, err := NewChannel(ChannelConfig{
		Name:      "roc1",
		NodeBytes: capacityWords * 4,
		NodeCount: 2,
		Fill: func(w *EventWriter, _ Trigger) error {
			for i := range capacityWords + 10 {
				w.WriteWord(uint32(i))
			}
			return nil
		},
	}, ack, WithErrorHandler(func(err error) { errs = append(errs, err) }),
		WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	require.NoError(t, err)

	before := ch.Diagnostics().Overflows
	require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 77}))

	n, ok := ch.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, capacityWords, n.Len())
	assert.Equal(t, uint64(1), n.Seq)
	assert.Equal(t, uint64(77), n.EventNumber)
	assert.NotZero(t, n.Flags&FlagOverflow)
	assert.Equal(t, before+1, ch.Diagnostics().Overflows)
	assert.Equal(t, uint32(capacityWords-2), n.Payload()[capacityWords-2])
	assert.Equal(t, OverflowMarker, n.Payload()[capacityWords-1], "the last word carries the marker")

	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrOverflow)
	assert.True(t, errors.IsCategory(errs[0], errors.CategoryOverflow))
	assert.Equal(t, int64(1), ack.count(), "overflow does not stop the run")
}

func TestOverflow_RawFillOverReport(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 16, 1, false, RawFill(func(buf []uint32, _ Trigger) (int, error) {
		copy(buf, []uint32{1, 2, 3, 4})
		return len(buf) + 10, nil
	}))

	require.Equal(t, Published, ch.HandleTrigger(Trigger{}))
	n, _ := ch.TryDequeue()
	assert.Equal(t, []uint32{1, 2, 3, OverflowMarker}, n.Payload())
	assert.NotZero(t, n.Flags&FlagOverflow)
}

func TestOverflow_MarkerFollowsPartialFill(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 16, 1, false, func(w *EventWriter, _ Trigger) error {
		w.Write(1, 2)
		// words the hardware reported but could not place
		w.dropped = 3
		return nil
	})

	require.Equal(t, Published, ch.HandleTrigger(Trigger{}))
	n, _ := ch.TryDequeue()
	assert.Equal(t, []uint32{1, 2, OverflowMarker}, n.Payload())
}

func TestFillError_PublishedAsBad(t *testing.T) {
	t.Parallel()

	ch, ack := newTestChannel(t, 64, 2, false, func(w *EventWriter, _ Trigger) error {
		w.Write(0xA, 0xB)
		return assert.AnError
	})

	require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 3}))
	n, ok := ch.TryDequeue()
	require.True(t, ok)

	assert.NotZero(t, n.Flags&FlagBad)
	assert.Equal(t, []uint32{0xA, 0xB, BadEventMarker}, n.Payload())
	assert.Equal(t, uint64(1), ch.Diagnostics().BadEvents)
	assert.Equal(t, int64(1), ack.count())
}

func TestFillMissing_MarkedBad(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 16, 1, false, nil)
	require.Equal(t, Published, ch.HandleTrigger(Trigger{}))
	n, _ := ch.TryDequeue()
	assert.Equal(t, []uint32{BadEventMarker}, n.Payload())
}

func TestSyncEventFlagAndType(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 64, 2, false, fillWords(1))
	require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 1, Type: 12, Sync: true}))
	require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: 2, Type: 3}))

	a, _ := ch.TryDequeue()
	b, _ := ch.TryDequeue()
	assert.Equal(t, uint16(12), a.Type)
	assert.NotZero(t, a.Flags&FlagSync)
	assert.Zero(t, b.Flags&FlagSync)
	assert.Equal(t, uint64(1), ch.Diagnostics().SyncEvents)
}

// Events published from three interrupts are dequeued in sequence order.
func TestDequeue_FollowsSequenceOrder(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 32, 4, false, fillWords(0))
	for i := range 3 {
		require.Equal(t, Published, ch.HandleTrigger(Trigger{EventNumber: uint64(100 + i)}))
	}

	for want := uint64(1); want <= 3; want++ {
		n, ok := ch.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, n.Seq)
		require.NoError(t, ch.Release(n))
	}
	_, ok := ch.TryDequeue()
	assert.False(t, ok)
}

func TestRelease_DoubleReleaseReported(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	ack := &countingAck{}
	ch, err := NewChannel(ChannelConfig{Name: "roc1", NodeBytes: 16, NodeCount: 2, Fill: fillWords(1)}, ack,
		WithErrorHandler(func(error) { reported.Add(1) }),
		WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	require.NoError(t, err)

	require.Equal(t, Published, ch.HandleTrigger(Trigger{}))
	n, _ := ch.TryDequeue()
	require.NoError(t, ch.Release(n))

	err = ch.Release(n)
	require.ErrorIs(t, err, partition.ErrDoubleRelease)
	assert.Equal(t, int32(1), reported.Load())
	assert.Equal(t, uint64(1), ch.Diagnostics().DoubleFrees)
	assertConserved(t, ch)

	// channel keeps working
	require.Equal(t, Published, ch.HandleTrigger(Trigger{}))
}

func TestDrain(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 32, 4, false, fillWords(1))
	assert.Equal(t, 0, ch.Drain(), "draining an empty channel is a no-op")

	for range 3 {
		ch.HandleTrigger(Trigger{})
	}
	assert.True(t, ch.Pending())
	assert.Equal(t, 3, ch.Drain())
	assert.False(t, ch.Pending())
	assert.Equal(t, 4, ch.Diagnostics().Free)

	before := ch.Diagnostics()
	assert.Equal(t, 0, ch.Drain())
	assert.Equal(t, before, ch.Diagnostics())
}

func TestReset(t *testing.T) {
	t.Parallel()

	ch, _ := newTestChannel(t, 32, 3, false, fillWords(1))
	for range 4 {
		ch.HandleTrigger(Trigger{})
	}
	held, ok := ch.TryDequeue()
	require.True(t, ok)
	require.Equal(t, AckDeferred, ch.AckState())

	held.Buffer()[0] = 0xabcd
	drained, outstanding := ch.Reset()
	assert.Equal(t, 2, drained)
	assert.Equal(t, 1, outstanding)

	d := ch.Diagnostics()
	assert.Equal(t, 2, d.Free)
	assert.Zero(t, d.Stalls)
	assert.Zero(t, d.LastSeq)
	assert.Equal(t, AckImmediate, d.AckState)

	// the held node is never handed back to the producer
	for range 4 {
		ch.HandleTrigger(Trigger{})
	}
	for {
		n, ok := ch.TryDequeue()
		if !ok {
			break
		}
		assert.NotSame(t, held, n)
		require.NoError(t, ch.Release(n))
	}
	assert.Equal(t, uint32(0xabcd), held.Buffer()[0])

	require.NoError(t, ch.Release(held), "the late release of a held node is valid")
	assert.Equal(t, 3, ch.Diagnostics().Free)
}

func TestWaitAck(t *testing.T) {
	t.Parallel()

	ch, ack := newTestChannel(t, 16, 1, false, fillWords(1))
	require.NoError(t, ch.WaitAck(context.Background()), "nothing pending returns at once")

	require.Equal(t, Published, ch.HandleTrigger(Trigger{}))
	require.Equal(t, Stalled, ch.HandleTrigger(Trigger{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ch.WaitAck(ctx)
	require.ErrorIs(t, err, ErrAckWait)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	done := make(chan error, 1)
	go func() { done <- ch.WaitAck(context.Background()) }()

	n, _ := ch.TryDequeue()
	require.NoError(t, ch.Release(n))

	require.NoError(t, testutil.Receive(t, done, testutil.ShortTestTimeout, "WaitAck was not released by the release path"))
	assert.Equal(t, int64(2), ack.count())
}

func TestWaitAck_ReleasedByReset(t *testing.T) {
	t.Parallel()

	ch, ack := newTestChannel(t, 16, 1, false, fillWords(1))
	ch.HandleTrigger(Trigger{})
	ch.HandleTrigger(Trigger{})

	done := make(chan error, 1)
	go func() { done <- ch.WaitAck(context.Background()) }()

	ch.Reset()
	require.NoError(t, testutil.Receive(t, done, testutil.ShortTestTimeout, "WaitAck was not released by reset"))
	assert.Equal(t, int64(1), ack.count(), "reset clears the deferral without acknowledging")
}

func TestGrow(t *testing.T) {
	t.Parallel()

	ack := &countingAck{}
	ch, err := NewChannel(ChannelConfig{Name: "g", NodeBytes: 16, NodeCount: 1, Increment: 2, Fill: fillWords(1)}, ack,
		WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	require.NoError(t, err)

	require.NoError(t, ch.Grow())
	assert.Equal(t, 3, ch.Diagnostics().Total)
}

// TestRandomOperations_KeepAccounting interleaves triggers, dequeues and releases
// at random and checks conservation, ordering and ack accounting throughout.
func TestRandomOperations_KeepAccounting(t *testing.T) {
	t.Parallel()

	for _, anticipate := range []bool{false, true} {
		ch, ack := newTestChannel(t, 32, 5, anticipate, fillWords(9, 9))
		rng := rand.New(rand.NewPCG(7, 11))

		var held []*partition.Node
		var lastDequeued uint64
		pendingTrigger := false
		triggers := int64(0)

		for range 4000 {
			switch rng.IntN(3) {
			case 0:
				// the source only interrupts again once the previous trigger was acknowledged
				if ack.count() < triggers {
					continue
				}
				if !pendingTrigger {
					triggers++
				}
				stallsBefore := ch.Diagnostics().Stalls
				ackBefore := ack.count()
				res := ch.HandleTrigger(Trigger{EventNumber: uint64(triggers)})
				pendingTrigger = res == Stalled
				if res == Stalled {
					// deferred and not acknowledged
					require.Equal(t, AckDeferred, ch.AckState())
					require.Equal(t, ackBefore, ack.count())
					require.Equal(t, stallsBefore+1, ch.Diagnostics().Stalls)
				}
			case 1:
				if n, ok := ch.TryDequeue(); ok {
					require.Greater(t, n.Seq, lastDequeued, "dequeue order follows sequence order")
					lastDequeued = n.Seq
					held = append(held, n)
				}
			case 2:
				if len(held) > 0 {
					deferred := ch.AckState() == AckDeferred
					before := ack.count()
					require.NoError(t, ch.Release(held[0]))
					held = held[1:]
					if deferred {
						require.Equal(t, before+1, ack.count(), "one release fires exactly one ack")
					} else {
						require.Equal(t, before, ack.count())
					}
				}
			}

			d := ch.Diagnostics()
			require.Equal(t, d.Total, d.Free+d.InUse+d.Queued, "every node is free, in use or queued")
			require.Equal(t, len(held), d.InUse)
			for _, n := range held {
				require.Nil(t, n.Holder(), "consumer-held nodes are on no list")
			}
		}
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const events = 5000
	ack := &countingAck{}
	ch, err := NewChannel(ChannelConfig{Name: "cc", NodeBytes: 64, NodeCount: 4, AnticipateExhaustion: true, Fill: fillWords(1, 2, 3)},
		ack, WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		// producer: a trigger may only be presented after the previous one was acknowledged
		for ev := uint64(1); ev <= events; {
			if ack.count() < int64(ev-1) {
				if err := ch.WaitAck(ctx); err != nil {
					t.Error(err)
					return
				}
				continue
			}
			if ch.HandleTrigger(Trigger{EventNumber: ev}) == Published {
				ev++
			}
		}
	})

	var got []uint64
	wg.Go(func() {
		for len(got) < events {
			if ctx.Err() != nil {
				t.Error(ctx.Err())
				return
			}
			n, ok := ch.TryDequeue()
			if !ok {
				continue
			}
			got = append(got, n.EventNumber)
			if err := ch.Release(n); err != nil {
				t.Error(err)
				return
			}
		}
	})
	wg.Wait()

	require.Len(t, got, events)
	for i, ev := range got {
		require.Equal(t, uint64(i+1), ev, "no event lost, duplicated or reordered")
	}
	assertConserved(t, ch)
	assert.Equal(t, 4, ch.Diagnostics().Free)
}

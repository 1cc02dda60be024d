package lifecycle

import (
	"context"
	"time"

	"github.com/rocdaq/readout/internal/partition"
	"github.com/rocdaq/readout/internal/readout"
)

// Handler processes one dequeued event. The node belongs to the handler
// only until it returns.
type Handler func(n *partition.Node) error

// Consume dequeues events from ch in sequence order, hands each to handle and
// releases it, polling every poll while the queue is empty. It returns nil
// when ctx ends and the first handler or release error otherwise; the failed
// event is still released.
func Consume(ctx context.Context, ch *readout.Channel, poll time.Duration, handle Handler) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, ok := ch.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		err := handle(n)
		if rerr := ch.Release(n); rerr != nil && err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
}

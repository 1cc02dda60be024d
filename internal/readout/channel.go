// Package readout implements the per-channel acquisition data path: a dual
// queue over partition pools, the trigger dispatcher and the acknowledgment
// backpressure protocol that throttles the trigger source.
//
// A Channel owns one input partition holding free event buffers and one
// index-only output queue holding filled events. Every node is in exactly one
// of three places at any instant: the input free list, in use by the producer
// or consumer, or the output queue.
package readout

import (
	"sync/atomic"
	"time"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/partition"
)

// ChannelConfig sizes a channel and selects its dispatch policy.
type ChannelConfig struct {
	Name      string
	NodeBytes int
	NodeCount int
	// Increment is the number of nodes added by Grow; zero keeps the pool fixed.
	Increment int
	// AnticipateExhaustion defers acknowledgment as soon as the last free
	// buffer is taken instead of on the next failed acquire.
	AnticipateExhaustion bool
	Fill                 FillFunc
}

// DefaultChannelConfig returns the configuration used when only a name is known.
func DefaultChannelConfig(name string) ChannelConfig {
	return ChannelConfig{
		Name:                 name,
		NodeBytes:            4096,
		NodeCount:            32,
		AnticipateExhaustion: true,
	}
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithWarnInterval sets how often repeated warnings may be logged.
func WithWarnInterval(d time.Duration) Option {
	return func(c *Channel) { c.warn = newWarnThrottle(d) }
}

// WithErrorHandler receives every non-fatal data path error (overflow,
// hardware read failure, double release) as it is detected.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Channel) { c.onError = fn }
}

// Channel is one logical acquisition channel.
type Channel struct {
	name   string
	cfg    ChannelConfig
	input  *partition.Partition
	output *partition.Partition
	fill   FillFunc
	bp     *backpressure
	log    logger.Logger
	warn   *warnThrottle

	onError func(error)

	// producer-owned
	writer  EventWriter
	lastSeq atomic.Uint64

	stalls     atomic.Uint64
	overflows  atomic.Uint64
	badEvents  atomic.Uint64
	syncEvents atomic.Uint64
	published  atomic.Uint64
	consumed   atomic.Uint64
}

// NewChannel creates the channel and allocates its input partition. An
// allocation failure is returned and the channel does not exist.
func NewChannel(cfg ChannelConfig, ack Acknowledger, opts ...Option) (*Channel, error) {
	if cfg.Name == "" || cfg.NodeBytes <= 0 {
		return nil, errors.New(ErrConfig).
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("channel", cfg.Name).
			Context("node_bytes", cfg.NodeBytes).
			Build()
	}

	c := &Channel{
		name: cfg.Name,
		cfg:  cfg,
		fill: cfg.Fill,
		bp:   newBackpressure(ack),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("readout")
	}
	c.log = c.log.With(logger.Channel(cfg.Name))
	if c.warn == nil {
		c.warn = newWarnThrottle(DefaultWarnInterval)
	}

	input, err := partition.New(cfg.Name+".in", cfg.NodeBytes, cfg.NodeCount, cfg.Increment,
		partition.WithReleaseListener(c))
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryAllocation).
			Context("channel", cfg.Name).
			Build()
	}
	output, err := partition.New(cfg.Name+".out", 0, 0, 0)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryAllocation).
			Context("channel", cfg.Name).
			Build()
	}

	c.input = input
	c.output = output
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Config returns the configuration the channel was created with.
func (c *Channel) Config() ChannelConfig { return c.cfg }

// SetFill replaces the fill routine. Only call it while triggers are disabled.
func (c *Channel) SetFill(fn FillFunc) { c.fill = fn }

// AcquireForFill takes a free buffer and stamps it with seq. It never blocks.
func (c *Channel) AcquireForFill(seq uint64) (*partition.Node, bool) {
	n, ok := c.input.Acquire()
	if !ok {
		return nil, false
	}
	n.Reset(seq)
	return n, true
}

// Publish appends a filled node to the output queue, making it visible to
// the consumer. Set the node length before publishing.
func (c *Channel) Publish(n *partition.Node) error {
	if err := c.output.Put(n); err != nil {
		c.report(err, "publish_linkage")
		return err
	}
	c.published.Add(1)
	return nil
}

// TryDequeue removes the oldest published event, or returns (nil, false)
// when none is ready.
func (c *Channel) TryDequeue() (*partition.Node, bool) {
	n, ok := c.output.Get()
	if ok {
		c.consumed.Add(1)
	}
	return n, ok
}

// Release returns a consumed node to the input pool. This fires any
// deferred acknowledgment. A double release is reported and leaves the
// pool unchanged.
func (c *Channel) Release(n *partition.Node) error {
	if err := c.input.Release(n); err != nil {
		c.report(err, "release_linkage")
		return err
	}
	return nil
}

// FreeBuffers returns the number of input buffers currently free.
func (c *Channel) FreeBuffers() int {
	return c.input.Len()
}

// Pending reports whether published events are waiting for the consumer.
func (c *Channel) Pending() bool {
	return !c.output.Empty()
}

// Drain returns every queued event to the input pool and reports how many
// were discarded. Draining an empty channel changes nothing.
func (c *Channel) Drain() int {
	return c.output.Drain(func(n *partition.Node) {
		if err := c.input.Release(n); err != nil {
			c.report(err, "drain_linkage")
		}
	})
}

// Reset clears the acknowledgment state without acknowledging, force-drains
// the channel and zeroes counters and the sequence. Nodes a consumer still
// holds stay out of the pool until released and are reported as
// outstanding. Triggers must be disabled first.
func (c *Channel) Reset() (drained, outstanding int) {
	c.bp.clear()
	drained = c.Drain()
	c.ResetCounters()
	return drained, c.input.Stats().InUse
}

// ResetCounters zeroes the diagnostic counters and restarts sequence numbering.
func (c *Channel) ResetCounters() {
	c.lastSeq.Store(0)
	c.stalls.Store(0)
	c.overflows.Store(0)
	c.badEvents.Store(0)
	c.syncEvents.Store(0)
	c.published.Store(0)
	c.consumed.Store(0)
	c.bp.resetCounters()
	c.input.ResetCounters()
	c.output.ResetCounters()
	c.warn.flush()
}

// ClearAck leaves ACK_DEFERRED without acknowledging, used when a run starts.
func (c *Channel) ClearAck() {
	c.bp.clear()
}

// Grow enlarges the input pool by its configured increment. The channel must be idle.
func (c *Channel) Grow() error {
	return c.input.Grow()
}

// report logs err at most once per interval per key and forwards it to the
// error handler.
func (c *Channel) report(err error, key string) {
	if c.onError != nil {
		c.onError(err)
	}
	ok, suppressed := c.warn.allow(key)
	if !ok {
		return
	}
	level := logger.LogLevelWarn
	if errors.IsCategory(err, errors.CategoryLinkage) {
		level = logger.LogLevelError
	}
	c.log.Log(level, "readout data path error",
		logger.String("kind", key),
		logger.Int("suppressed", suppressed),
		logger.Error(err))
}

// Package lifecycle drives the readout channels through the run-control
// transitions download, prestart, go, pause, end and reset.
//
// The controller enforces the ordering the data path relies on: the trigger
// source is disabled before any partition is drained or discarded, and the
// end-of-run drain is bounded by a timeout after which the transition
// completes anyway and reports an anomaly.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/observability/metrics"
	"github.com/rocdaq/readout/internal/readout"
)

// DefaultPollInterval is how often the end-of-run drain rechecks the queues.
const DefaultPollInterval = 10 * time.Millisecond

// TriggerSource is the hardware trigger interface the controller drives.
type TriggerSource interface {
	// Acknowledger returns the acknowledgment endpoint for a channel's trigger line.
	Acknowledger(channel string) readout.Acknowledger
	// Attach binds created channels to their trigger lines.
	Attach(channels ...*readout.Channel)
	// Reset rewinds event numbering at prestart.
	Reset()
	// Enable starts issuing triggers.
	Enable(ctx context.Context) error
	// Disable stops issuing triggers and returns once no trigger is in dispatch.
	Disable() error
	// DataPending reports whether the hardware still holds undelivered data.
	DataPending() bool
}

// PendingFlusher is implemented by sources that can read out data they still
// hold after being disabled. The end-of-run drain calls it on every poll.
type PendingFlusher interface {
	FlushPending() int
}

// MemoryProbe returns the system memory available for partitions.
type MemoryProbe func() (uint64, error)

// SystemMemory reports available virtual memory.
func SystemMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Config sizes the channels and bounds the end-of-run drain.
type Config struct {
	DrainTimeout time.Duration
	// MemoryShare is the largest fraction of available memory the partitions
	// may request at download. Zero disables the check.
	MemoryShare  float64
	WarnInterval time.Duration
	Channels     []readout.ChannelConfig
}

// ConfigFromSettings builds a controller configuration. fill returns the
// fill routine for a channel and may be nil.
func ConfigFromSettings(s *conf.Settings, fill func(channel string) readout.FillFunc) Config {
	cfg := Config{
		DrainTimeout: s.Readout.DrainTimeout,
		MemoryShare:  s.Readout.MemoryShare,
		WarnInterval: s.Readout.WarnInterval,
	}
	for _, ch := range s.Readout.Channels {
		cc := readout.ChannelConfig{
			Name:                 ch.Name,
			NodeBytes:            ch.NodeBytes,
			NodeCount:            ch.NodeCount,
			Increment:            ch.Increment,
			AnticipateExhaustion: ch.Anticipate(),
		}
		if fill != nil {
			cc.Fill = fill(ch.Name)
		}
		cfg.Channels = append(cfg.Channels, cc)
	}
	return cfg
}

// requestedBytes returns the input partition storage of all channels.
func (cfg Config) requestedBytes() uint64 {
	var total uint64
	for _, ch := range cfg.Channels {
		words := (uint64(max(ch.NodeBytes, 0)) + 3) / 4
		total += words * 4 * uint64(max(ch.NodeCount, 0))
	}
	return total
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the base logger; the controller and channels log under
// their own modules of it.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.base = l
		}
	}
}

// WithRecorder records transitions, drain durations and data path errors.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithMemoryProbe replaces the system memory probe used at download.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(c *Controller) { c.memProbe = p }
}

// WithPollInterval sets how often the end-of-run drain rechecks the queues.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Controller owns the readout channels of one crate.
type Controller struct {
	cfg          Config
	source       TriggerSource
	base         logger.Logger
	log          logger.Logger
	recorder     metrics.Recorder
	memProbe     MemoryProbe
	pollInterval time.Duration
	observers    []Observer

	// cmdMu serializes run-control commands
	cmdMu sync.Mutex

	mu         sync.RWMutex
	state      State
	channels   []*readout.Channel
	byName     map[string]*readout.Channel
	runID      string
	runNumber  uint64
	startedAt  time.Time
	lastReport *EndReport

	anomalies atomic.Uint64
}

// New creates a controller in the Booted state. No memory is allocated
// until Download.
func New(cfg Config, source TriggerSource, opts ...Option) *Controller {
	c := &Controller{
		cfg:          cfg,
		source:       source,
		recorder:     metrics.NopRecorder{},
		memProbe:     SystemMemory,
		pollInterval: DefaultPollInterval,
		state:        Booted,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.moduleLogger(componentName)
	return c
}

// Download creates the channels and their partitions. It fails without
// changing state when the requested memory exceeds the configured share of
// available memory or a partition cannot be allocated.
func (c *Controller) Download(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	from, err := c.begin(ctx, ActionDownload)
	if err != nil {
		return err
	}
	if len(c.cfg.Channels) == 0 {
		return c.fail(ActionDownload, errors.New(ErrNoChannels).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build())
	}
	if err := c.admit(); err != nil {
		return c.fail(ActionDownload, err)
	}

	channelLog := c.moduleLogger("readout")
	channels := make([]*readout.Channel, 0, len(c.cfg.Channels))
	byName := make(map[string]*readout.Channel, len(c.cfg.Channels))
	for _, cc := range c.cfg.Channels {
		opts := []readout.Option{
			readout.WithLogger(channelLog),
			readout.WithErrorHandler(c.dataPathError),
		}
		if c.cfg.WarnInterval > 0 {
			opts = append(opts, readout.WithWarnInterval(c.cfg.WarnInterval))
		}
		ch, err := readout.NewChannel(cc, c.source.Acknowledger(cc.Name), opts...)
		if err != nil {
			return c.fail(ActionDownload, err)
		}
		channels = append(channels, ch)
		byName[cc.Name] = ch
	}
	c.source.Attach(channels...)

	c.mu.Lock()
	c.channels = channels
	c.byName = byName
	c.mu.Unlock()

	c.log.Info("channels downloaded",
		logger.Int("channels", len(channels)),
		logger.Uint64("bytes", c.cfg.requestedBytes()))
	c.commit(ActionDownload, from, Downloaded, nil)
	return nil
}

// admit checks the requested partition memory against available memory.
func (c *Controller) admit() error {
	if c.cfg.MemoryShare <= 0 || c.memProbe == nil {
		return nil
	}
	available, err := c.memProbe()
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("operation", "memory-probe").
			Build()
	}
	requested := c.cfg.requestedBytes()
	limit := uint64(float64(available) * c.cfg.MemoryShare)
	if requested > limit {
		return errors.New(ErrMemoryAdmission).
			Component(componentName).
			Category(errors.CategoryAllocation).
			Context("requested_bytes", requested).
			Context("available_bytes", available).
			Context("memory_share", c.cfg.MemoryShare).
			Build()
	}
	return nil
}

// Prestart drains and resets every channel without releasing storage and
// starts a new run. A growable channel that stalled during the previous run
// is enlarged by its increment once it is idle.
func (c *Controller) Prestart(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	from, err := c.begin(ctx, ActionPrestart)
	if err != nil {
		return err
	}

	for _, ch := range c.Channels() {
		stalls := ch.Diagnostics().Stalls
		drained, outstanding := ch.Reset()
		if drained+outstanding > 0 {
			c.log.Info("buffers recovered at prestart",
				logger.Channel(ch.Name()),
				logger.Int("drained", drained),
				logger.Int("outstanding", outstanding))
		}
		if stalls > 0 && outstanding == 0 {
			c.grow(ch, stalls)
		}
	}
	c.source.Reset()

	c.mu.Lock()
	c.runID = uuid.NewString()
	c.runNumber++
	c.startedAt = time.Time{}
	c.lastReport = nil
	c.mu.Unlock()

	c.commit(ActionPrestart, from, Prestarted, nil)
	return nil
}

// grow enlarges a channel that ran out of buffers. Fixed-size channels and
// pools at their size limit are left as they are.
func (c *Controller) grow(ch *readout.Channel, stalls uint64) {
	if ch.Config().Increment == 0 {
		return
	}
	if err := ch.Grow(); err != nil {
		c.log.Warn("input pool not grown",
			logger.Channel(ch.Name()),
			logger.Uint64("stalls", stalls),
			logger.Error(err))
		return
	}
	c.log.Info("input pool grown after stalls",
		logger.Channel(ch.Name()),
		logger.Uint64("stalls", stalls),
		logger.Int("buffers", ch.Diagnostics().Total))
}

// Go clears the acknowledgment state and enables the trigger source.
func (c *Controller) Go(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	from, err := c.begin(ctx, ActionGo)
	if err != nil {
		return err
	}

	for _, ch := range c.Channels() {
		ch.ClearAck()
	}
	// the source outlives the command's context
	if err := c.source.Enable(context.WithoutCancel(ctx)); err != nil {
		return c.fail(ActionGo, err)
	}

	if from == Prestarted {
		c.mu.Lock()
		c.startedAt = time.Now()
		c.mu.Unlock()
	}
	c.commit(ActionGo, from, Active, nil)
	return nil
}

// Pause disables the trigger source. Queued events stay available to the consumer.
func (c *Controller) Pause(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	from, err := c.begin(ctx, ActionPause)
	if err != nil {
		return err
	}
	if err := c.source.Disable(); err != nil {
		return c.fail(ActionPause, err)
	}
	c.commit(ActionPause, from, Paused, nil)
	return nil
}

// End disables the trigger source and waits until every output queue is
// empty and the source has no data pending, bounded by the drain timeout.
// On timeout the anomaly counter is incremented, the remaining events are
// discarded and the transition still completes. The returned report is
// never nil when err is nil.
func (c *Controller) End(ctx context.Context) (*EndReport, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	from, err := c.begin(ctx, ActionEnd)
	if err != nil {
		return nil, err
	}

	if err := c.source.Disable(); err != nil {
		c.log.Warn("trigger source did not disable cleanly", logger.Error(err))
	}

	start := time.Now()
	drained := c.waitDrained(ctx)
	wait := time.Since(start)
	c.recorder.RecordDuration("end_drain", wait.Seconds())

	c.mu.RLock()
	report := &EndReport{
		RunID:     c.runID,
		RunNumber: c.runNumber,
		StartedAt: c.startedAt,
		DrainWait: wait,
		TimedOut:  !drained,
	}
	c.mu.RUnlock()

	if !drained {
		c.anomalies.Add(1)
		anomaly := errors.New(ErrDrainTimeout).
			Component(componentName).
			Category(errors.CategoryDrainTimeout).
			Priority(errors.PriorityHigh).
			Context("run_id", report.RunID).
			Context("queued", c.queued()).
			Context("data_pending", c.source.DataPending()).
			Timing("end-drain", wait).
			Build()
		c.recorder.RecordError(string(ActionEnd), string(errors.CategoryDrainTimeout))
		c.log.Warn("end of run drain timed out, discarding pending events",
			logger.RunID(report.RunID),
			logger.Duration("timeout", c.cfg.DrainTimeout),
			logger.Error(anomaly))
	}

	report.Channels = c.Diagnostics()
	for _, ch := range c.Channels() {
		report.Discarded += ch.Drain()
		ch.ClearAck()
	}
	report.Anomalies = c.anomalies.Load()
	report.EndedAt = time.Now()

	c.mu.Lock()
	c.lastReport = report
	c.mu.Unlock()

	c.log.Info("run ended",
		logger.RunID(report.RunID),
		logger.Uint64("run_number", report.RunNumber),
		logger.Uint64("events", report.Events()),
		logger.Uint64("stalls", report.Stalls()),
		logger.Int("discarded", report.Discarded),
		logger.Bool("timed_out", report.TimedOut))
	c.commit(ActionEnd, from, Ended, report)
	return report, nil
}

// waitDrained polls until the channels and the source are empty. It returns
// false when the drain timeout or ctx ends first.
func (c *Controller) waitDrained(ctx context.Context) bool {
	flusher, _ := c.source.(PendingFlusher)
	check := func() bool {
		if flusher != nil {
			flusher.FlushPending()
		}
		return c.queued() == 0 && !c.source.DataPending()
	}

	if check() {
		return true
	}
	if c.cfg.DrainTimeout <= 0 {
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return check()
		case <-ticker.C:
			if check() {
				return true
			}
		}
	}
}

// Reset disables the trigger source and force-drains every channel
// regardless of pending data. It is accepted in any state.
func (c *Controller) Reset(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	from, err := c.begin(ctx, ActionReset)
	if err != nil {
		return err
	}

	if err := c.source.Disable(); err != nil {
		c.log.Warn("trigger source did not disable cleanly", logger.Error(err))
	}

	channels := c.Channels()
	discarded := 0
	for _, ch := range channels {
		drained, outstanding := ch.Reset()
		discarded += drained
		if outstanding > 0 {
			c.log.Warn("buffers still held by the consumer",
				logger.Channel(ch.Name()),
				logger.Int("outstanding", outstanding))
		}
	}
	c.source.Reset()

	to := Booted
	if len(channels) > 0 {
		to = Downloaded
	}
	c.log.Info("readout reset", logger.Int("discarded", discarded))
	c.commit(ActionReset, from, to, nil)
	return nil
}

// Do runs the named command. The report is only set for end.
func (c *Controller) Do(ctx context.Context, action Action) (*EndReport, error) {
	switch action {
	case ActionDownload:
		return nil, c.Download(ctx)
	case ActionPrestart:
		return nil, c.Prestart(ctx)
	case ActionGo:
		return nil, c.Go(ctx)
	case ActionPause:
		return nil, c.Pause(ctx)
	case ActionEnd:
		return c.End(ctx)
	case ActionReset:
		return nil, c.Reset(ctx)
	}
	return nil, errors.New(ErrUnknownAction).
		Component(componentName).
		Category(errors.CategoryValidation).
		Context("action", string(action)).
		Build()
}

// AddObserver registers a transition observer. Call it before issuing commands.
func (c *Controller) AddObserver(o Observer) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run returns a snapshot of the current run.
func (c *Controller) Run() RunInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := RunInfo{
		State:     c.state.String(),
		RunID:     c.runID,
		RunNumber: c.runNumber,
		Anomalies: c.anomalies.Load(),
		Channels:  len(c.channels),
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		info.StartedAt = &started
	}
	return info
}

// Anomalies returns the number of end transitions that timed out.
func (c *Controller) Anomalies() uint64 {
	return c.anomalies.Load()
}

// LastReport returns the report of the most recent end, or nil.
func (c *Controller) LastReport() *EndReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

// Channels returns the downloaded channels in configuration order.
func (c *Controller) Channels() []*readout.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*readout.Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Channel returns a downloaded channel by name.
func (c *Controller) Channel(name string) (*readout.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byName[name]
	return ch, ok
}

// Diagnostics returns a snapshot of every channel.
func (c *Controller) Diagnostics() []readout.Diagnostics {
	channels := c.Channels()
	out := make([]readout.Diagnostics, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.Diagnostics())
	}
	return out
}

func (c *Controller) queued() int {
	total := 0
	for _, ch := range c.Channels() {
		total += ch.Diagnostics().Queued
	}
	return total
}

func (c *Controller) moduleLogger(name string) logger.Logger {
	if c.base == nil {
		return logger.Global().Module(name)
	}
	return c.base.Module(name)
}

// begin validates the transition and returns the current state.
func (c *Controller) begin(ctx context.Context, action Action) (State, error) {
	if err := ctx.Err(); err != nil {
		return 0, c.fail(action, errors.New(err).
			Component(componentName).
			Category(errors.CategoryCancellation).
			Context("action", string(action)).
			Build())
	}
	from := c.State()
	if !permitted(action, from) {
		return from, c.fail(action, transitionError(action, from))
	}
	return from, nil
}

func (c *Controller) fail(action Action, err error) error {
	c.recorder.RecordOperation(string(action), "error")
	category := string(errors.CategoryGeneric)
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		category = ee.GetCategory()
	}
	c.recorder.RecordError(string(action), category)
	c.log.Error("run-control command failed",
		logger.String("action", string(action)),
		logger.Error(err))
	return err
}

func (c *Controller) commit(action Action, from, to State, report *EndReport) {
	c.mu.Lock()
	c.state = to
	t := Transition{
		Action:    action,
		From:      from,
		To:        to,
		RunID:     c.runID,
		RunNumber: c.runNumber,
		At:        time.Now(),
		Report:    report,
	}
	c.mu.Unlock()

	c.recorder.RecordOperation(string(action), "success")
	c.log.Info("state transition",
		logger.String("action", string(action)),
		logger.String("from", from.String()),
		logger.String("to", to.String()))
	for _, o := range c.observers {
		o.OnTransition(t)
	}
}

// dataPathError receives non-fatal errors reported by the channels.
func (c *Controller) dataPathError(err error) {
	category := string(errors.CategoryGeneric)
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		category = ee.GetCategory()
	}
	c.recorder.RecordError("datapath", category)
}

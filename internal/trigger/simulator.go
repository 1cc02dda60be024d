// Package trigger provides a simulated trigger source and digitizer.
//
// The simulator models a trigger board that cannot be stopped by software
// except through acknowledgment: each line presents one trigger at a time,
// only moves on to a new trigger after the previous one was published, and
// only interrupts again after it has been acknowledged.
package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/readout"
)

// Config controls trigger generation.
type Config struct {
	// Rate is the trigger rate per line in Hz; zero fires as fast as acknowledged.
	Rate float64 `mapstructure:"rate" yaml:"rate" json:"rate"`
	// SyncEvery flags every Nth event as a synchronization event; zero disables.
	SyncEvery uint64 `mapstructure:"sync_every" yaml:"sync_every" json:"sync_every"`
	// MaxEvents stops a line after that many published events; zero is unlimited.
	MaxEvents uint64 `mapstructure:"max_events" yaml:"max_events" json:"max_events"`
	// TriggerType is the type tag stamped on ordinary events.
	TriggerType uint16 `mapstructure:"trigger_type" yaml:"trigger_type" json:"trigger_type"`
	// StuckDataPending makes the board report pending data forever, as a hung
	// board would.
	StuckDataPending bool `mapstructure:"stuck_data_pending" yaml:"stuck_data_pending" json:"stuck_data_pending"`
}

// Sync events use this type tag.
const SyncType uint16 = 0x0F

var errNotAttached = errors.NewStd("no channel attached for trigger line")

// Simulator is a trigger source driving one line per readout channel.
type Simulator struct {
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	lines   map[string]*line
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	enabled atomic.Bool
	done    chan struct{}
}

// line is the per-channel trigger state.
type line struct {
	name    string
	channel *readout.Channel
	acks    chan struct{}

	nextEvent atomic.Uint64
	delivered atomic.Uint64
	stalls    atomic.Uint64
	stalled   atomic.Bool
	acked     atomic.Uint64
}

// Ack implements readout.Acknowledger.
func (l *line) Ack() {
	l.acked.Add(1)
	select {
	case l.acks <- struct{}{}:
	default:
	}
}

// NewSimulator creates a simulator. A nil logger uses the global logger.
func NewSimulator(cfg Config, log logger.Logger) *Simulator {
	if log == nil {
		log = logger.Global().Module("trigger")
	}
	return &Simulator{
		cfg:   cfg,
		log:   log,
		lines: make(map[string]*line),
	}
}

// Acknowledger returns the acknowledgment endpoint for a channel's line,
// creating the line on first use.
func (s *Simulator) Acknowledger(channel string) readout.Acknowledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineLocked(channel)
}

func (s *Simulator) lineLocked(name string) *line {
	l, ok := s.lines[name]
	if !ok {
		l = &line{name: name, acks: make(chan struct{}, 1)}
		l.nextEvent.Store(1)
		s.lines[name] = l
		s.order = append(s.order, name)
	}
	return l
}

// Attach binds channels to their lines.
func (s *Simulator) Attach(channels ...*readout.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.lineLocked(ch.Name()).channel = ch
	}
}

// Reset rewinds event numbering on every line.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		l.nextEvent.Store(1)
		l.delivered.Store(0)
		l.stalls.Store(0)
		l.stalled.Store(false)
		drainToken(l.acks)
	}
}

// Enable starts issuing triggers on every attached line. Each line starts
// with one acknowledgment credit.
func (s *Simulator) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled.Load() {
		return nil
	}

	for _, name := range s.order {
		if s.lines[name].channel == nil {
			return errors.New(errNotAttached).
				Component("trigger").
				Category(errors.CategoryState).
				Context("channel", name).
				Build()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.enabled.Store(true)

	var finished sync.WaitGroup
	for _, name := range s.order {
		l := s.lines[name]
		drainToken(l.acks)
		l.acks <- struct{}{}

		finished.Add(1)
		s.wg.Go(func() {
			defer finished.Done()
			s.run(runCtx, l)
		})
	}

	done := s.done
	s.wg.Go(func() {
		finished.Wait()
		close(done)
	})

	s.log.Info("trigger source enabled", logger.Int("lines", len(s.order)), logger.Float64("rate_hz", s.cfg.Rate))
	return nil
}

// Disable stops issuing triggers and returns once no trigger is being
// dispatched, so partitions can be drained safely afterwards.
func (s *Simulator) Disable() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.enabled.Store(false)
	s.log.Info("trigger source disabled")
	return nil
}

// Enabled reports whether triggers are being issued.
func (s *Simulator) Enabled() bool {
	return s.enabled.Load()
}

// DataPending reports whether a line still holds a trigger it could not
// deliver.
func (s *Simulator) DataPending() bool {
	if s.cfg.StuckDataPending {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l.stalled.Load() {
			return true
		}
	}
	return false
}

// FlushPending presents every held trigger once more after the source was
// disabled, so data the board still holds can be read out during the end of
// a run. A held trigger is only presented when its channel has a free
// buffer. It returns the number of lines still holding data.
func (s *Simulator) FlushPending() int {
	if s.enabled.Load() {
		return 0
	}

	s.mu.Lock()
	lines := make([]*line, 0, len(s.order))
	for _, name := range s.order {
		lines = append(lines, s.lines[name])
	}
	s.mu.Unlock()

	pending := 0
	for _, l := range lines {
		if !l.stalled.Load() || l.channel == nil {
			continue
		}
		if l.channel.FreeBuffers() == 0 {
			pending++
			continue
		}
		if l.channel.HandleTrigger(s.makeTrigger(l.nextEvent.Load())) != readout.Published {
			pending++
			continue
		}
		l.stalled.Store(false)
		l.nextEvent.Add(1)
		l.delivered.Add(1)
	}
	return pending
}

// Finished is closed once every line has reached MaxEvents or the source was
// disabled. It is nil before the first Enable.
func (s *Simulator) Finished() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// LineStats is a snapshot of one trigger line.
type LineStats struct {
	Channel   string
	NextEvent uint64
	Delivered uint64
	Stalls    uint64
	Acks      uint64
	Stalled   bool
}

// Stats returns per-line counters in attach order.
func (s *Simulator) Stats() []LineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]LineStats, 0, len(s.order))
	for _, name := range s.order {
		l := s.lines[name]
		stats = append(stats, LineStats{
			Channel:   name,
			NextEvent: l.nextEvent.Load(),
			Delivered: l.delivered.Load(),
			Stalls:    l.stalls.Load(),
			Acks:      l.acked.Load(),
			Stalled:   l.stalled.Load(),
		})
	}
	return stats
}

func (s *Simulator) run(ctx context.Context, l *line) {
	var pace *time.Ticker
	if s.cfg.Rate > 0 {
		pace = time.NewTicker(time.Duration(float64(time.Second) / s.cfg.Rate))
		defer pace.Stop()
	}

	for {
		if s.cfg.MaxEvents > 0 && l.delivered.Load() >= s.cfg.MaxEvents {
			return
		}

		// no interrupt until the previous one was acknowledged
		select {
		case <-ctx.Done():
			return
		case <-l.acks:
		}

		// a stalled trigger is presented again as soon as it is acknowledged
		if !l.stalled.Load() && pace != nil {
			select {
			case <-ctx.Done():
				return
			case <-pace.C:
			}
		}

		trig := s.makeTrigger(l.nextEvent.Load())
		switch l.channel.HandleTrigger(trig) {
		case readout.Published:
			l.stalled.Store(false)
			l.nextEvent.Add(1)
			l.delivered.Add(1)
		case readout.Stalled:
			l.stalled.Store(true)
			l.stalls.Add(1)
		}
	}
}

func (s *Simulator) makeTrigger(event uint64) readout.Trigger {
	trig := readout.Trigger{EventNumber: event, Type: s.cfg.TriggerType}
	if s.cfg.SyncEvery > 0 && event%s.cfg.SyncEvery == 0 {
		trig.Sync = true
		trig.Type = SyncType
	}
	return trig
}

func drainToken(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

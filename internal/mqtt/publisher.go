package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
)

// queueSize bounds the status messages waiting for the broker.
const queueSize = 64

// StatusMessage is published on every run-control transition.
type StatusMessage struct {
	Crate     string               `json:"crate"`
	Action    string               `json:"action"`
	From      string               `json:"from"`
	State     string               `json:"state"`
	RunID     string               `json:"run_id,omitempty"`
	RunNumber uint64               `json:"run_number"`
	Timestamp time.Time            `json:"timestamp"`
	Anomaly   bool                 `json:"anomaly"`
	Report    *lifecycle.EndReport `json:"report,omitempty"`
}

// Publisher turns transitions into status messages. OnTransition never
// blocks the run-control command; messages are published from Run and
// dropped when the queue is full.
type Publisher struct {
	client  Client
	topic   string
	crate   string
	timeout time.Duration
	log     logger.Logger

	queue   chan StatusMessage
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewPublisher creates a publisher for topic/crate.
func NewPublisher(client Client, topic, crate string, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		crate:   crate,
		timeout: DefaultConfig().PublishTimeout,
		log:     log,
		queue:   make(chan StatusMessage, queueSize),
	}
}

// Topic returns the topic status messages are published on.
func (p *Publisher) Topic() string {
	return p.topic + "/" + p.crate
}

// OnTransition implements lifecycle.Observer.
func (p *Publisher) OnTransition(t lifecycle.Transition) {
	msg := StatusMessage{
		Crate:     p.crate,
		Action:    string(t.Action),
		From:      t.From.String(),
		State:     t.To.String(),
		RunID:     t.RunID,
		RunNumber: t.RunNumber,
		Timestamp: t.At,
		Report:    t.Report,
	}
	if t.Report != nil {
		msg.Anomaly = t.Report.TimedOut
	}

	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
	}
}

// Run publishes queued messages until ctx ends, then publishes whatever is
// still queued before returning.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.queue:
			p.publish(ctx, msg)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.publish(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, msg StatusMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to encode status message", logger.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Topic(), payload); err != nil {
		p.log.Warn("failed to publish status",
			logger.String("action", msg.Action),
			logger.RunID(msg.RunID),
			logger.Error(err))
		return
	}
	p.sent.Add(1)
}

// Sent returns the number of status messages published.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }

// Dropped returns the number of status messages dropped on a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

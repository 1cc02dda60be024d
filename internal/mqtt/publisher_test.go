package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (f *fakeClient) Connect(context.Context) error { return nil }

func (f *fakeClient) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload})
	return nil
}

func (f *fakeClient) IsConnected() bool { return true }

func (f *fakeClient) Disconnect() {}

func (f *fakeClient) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError, nil)
}

func TestPublisher_PublishesTransitions(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p := NewPublisher(client, "readout/status", "crate1", quietLogger())
	assert.Equal(t, "readout/status/crate1", p.Topic())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { _ = p.Run(ctx) })

	now := time.Now()
	p.OnTransition(lifecycle.Transition{
		Action: lifecycle.ActionGo, From: lifecycle.Prestarted, To: lifecycle.Active,
		RunID: "run-1", RunNumber: 3, At: now,
	})
	p.OnTransition(lifecycle.Transition{
		Action: lifecycle.ActionEnd, From: lifecycle.Active, To: lifecycle.Ended,
		RunID: "run-1", RunNumber: 3, At: now,
		Report: &lifecycle.EndReport{RunID: "run-1", TimedOut: true, Anomalies: 1},
	})

	require.Eventually(t, func() bool { return p.Sent() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	msgs := client.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "readout/status/crate1", msgs[0].topic)

	var first, second StatusMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &first))
	require.NoError(t, json.Unmarshal(msgs[1].payload, &second))

	assert.Equal(t, "go", first.Action)
	assert.Equal(t, "prestarted", first.From)
	assert.Equal(t, "active", first.State)
	assert.Equal(t, uint64(3), first.RunNumber)
	assert.False(t, first.Anomaly)
	assert.Nil(t, first.Report)

	assert.Equal(t, "ended", second.State)
	assert.True(t, second.Anomaly)
	require.NotNil(t, second.Report)
	assert.Equal(t, uint64(1), second.Report.Anomalies)
}

func TestPublisher_FlushesOnShutdown(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p := NewPublisher(client, "status", "c", quietLogger())
	for range 3 {
		p.OnTransition(lifecycle.Transition{Action: lifecycle.ActionReset})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Len(t, client.all(), 3)
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	p := NewPublisher(&fakeClient{}, "status", "c", quietLogger())
	for range queueSize + 5 {
		p.OnTransition(lifecycle.Transition{Action: lifecycle.ActionReset})
	}
	assert.Equal(t, uint64(5), p.Dropped())
}

func TestPublisher_PublishErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{err: assert.AnError}
	p := NewPublisher(client, "status", "c", quietLogger())
	p.OnTransition(lifecycle.Transition{Action: lifecycle.ActionReset})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Zero(t, p.Sent())
}

func TestClient_PublishWhenDisconnected(t *testing.T) {
	t.Parallel()

	c := NewClient(DefaultConfig(), nil, quietLogger())
	assert.False(t, c.IsConnected())
	err := c.Publish(context.Background(), "t", []byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
	c.Disconnect()
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()

	s := &conf.Settings{}
	s.Main.Name = "crate9"
	s.MQTT.Broker = "tcp://broker:1883"
	s.MQTT.QoS = 1
	s.MQTT.Retain = true

	cfg := ConfigFromSettings(s)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, "crate9", cfg.ClientID)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.True(t, cfg.Retain)
	assert.Equal(t, 10*time.Second, cfg.PublishTimeout)
}

// Package mqtt publishes run-control status to an MQTT broker.
package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/observability/metrics"
)

const componentName = "mqtt"

var (
	ErrNotConnected   = errors.NewStd("not connected to MQTT broker")
	ErrConnectTimeout = errors.NewStd("MQTT connection timeout")
	ErrPublishTimeout = errors.NewStd("MQTT publish timeout")
)

// Client is the broker connection used by the publisher.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Config holds the broker connection settings.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	Retain            bool
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with the default timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings builds the client configuration from settings.
func ConfigFromSettings(s *conf.Settings) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.MQTT.Broker
	cfg.ClientID = s.MQTT.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = s.Main.Name
	}
	cfg.Username = s.MQTT.Username
	cfg.Password = s.MQTT.Password
	cfg.QoS = s.MQTT.QoS
	cfg.Retain = s.MQTT.Retain
	return cfg
}

// client implements Client on top of paho.
type client struct {
	cfg     Config
	metrics *metrics.MQTTMetrics
	log     logger.Logger

	mu    sync.Mutex
	inner paho.Client
}

// NewClient creates an unconnected client. metrics may be nil.
func NewClient(cfg Config, m *metrics.MQTTMetrics, log logger.Logger) Client {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &client{cfg: cfg, metrics: m, log: log}
}

// Connect dials the broker. Lost connections are re-established by paho.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		c.log.Info("connected to MQTT broker", logger.String("broker", c.cfg.Broker))
		c.setConnected(true)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.log.Warn("connection to MQTT broker lost", logger.String("broker", c.cfg.Broker), logger.Error(err))
		c.setConnected(false)
	})

	c.inner = paho.NewClient(opts)
	token := c.inner.Connect()
	if err := waitToken(ctx, token, c.cfg.ConnectTimeout); err != nil {
		if errors.Is(err, errTokenTimeout) {
			err = ErrConnectTimeout
		}
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("operation", "connect").
			Context("broker", c.cfg.Broker).
			Build()
	}
	return nil
}

// Publish sends payload with the configured QoS and retain flag.
func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()

	if inner == nil || !inner.IsConnected() {
		return errors.New(ErrNotConnected).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := inner.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
	err := waitToken(ctx, token, c.cfg.PublishTimeout)
	if c.metrics != nil {
		c.metrics.ObservePublish(len(payload), time.Since(start).Seconds(), err)
	}
	if err != nil {
		if errors.Is(err, errTokenTimeout) {
			err = ErrPublishTimeout
		}
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryNetwork).
			Context("operation", "publish").
			Context("topic", topic).
			Build()
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner != nil && c.inner.IsConnected()
}

// Disconnect closes the broker connection.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inner != nil {
		c.inner.Disconnect(uint(c.cfg.DisconnectTimeout.Milliseconds()))
		c.setConnected(false)
	}
}

func (c *client) setConnected(connected bool) {
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(connected)
	}
}

var errTokenTimeout = errors.NewStd("token timeout")

// waitToken waits for a paho token, bounded by timeout and ctx.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errTokenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

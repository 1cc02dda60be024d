package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
)

// mockTransport implements sentry.Transport and keeps every event.
type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

//nolint:gocritic // hugeParam: interface requirement
func (t *mockTransport) Configure(sentry.ClientOptions) {}

func (t *mockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *mockTransport) Flush(time.Duration) bool { return true }

func (t *mockTransport) FlushWithContext(context.Context) bool { return true }

func (t *mockTransport) Close() {}

func (t *mockTransport) Events() []*sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sentry.Event(nil), t.events...)
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError, nil)
}

func TestInitSentry_Disabled(t *testing.T) {
	flush, err := InitSentry(conf.SentrySettings{}, "crate1", "readout@test", quietLogger())
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()
	assert.Nil(t, errors.GetTelemetryReporter())
}

// Not parallel: installs the global Sentry hub and error reporter.
func TestInitSentry_ReportsEnhancedErrors(t *testing.T) {
	transport := &mockTransport{}
	flush, err := InitSentry(conf.SentrySettings{Enabled: true, Environment: "test"},
		"crate7", "readout@test", quietLogger(), WithTransport(transport))
	require.NoError(t, err)
	defer flush()

	_ = errors.Newf("drain timed out token=secret").
		Component("lifecycle").
		Category(errors.CategoryDrainTimeout).
		Context("channel", "adc").
		Build()

	events := transport.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "lifecycle", ev.Tags["component"])
	assert.Equal(t, "drain-timeout", ev.Tags["category"])
	assert.Equal(t, "crate7", ev.Tags["crate"])
	assert.NotContains(t, ev.Message, "secret")
	assert.Empty(t, ev.ServerName)
	assert.Equal(t, "test", ev.Environment)
	assert.Equal(t, "readout@test", ev.Release)
}

func TestApplyPrivacyFilters(t *testing.T) {
	t.Parallel()

	ev := sentry.NewEvent()
	ev.User = sentry.User{ID: "operator"}
	ev.ServerName = "daq01"
	ev.Contexts["os"] = sentry.Context{"name": "linux"}
	ev.Contexts["readout"] = sentry.Context{"channel": "ts"}
	ev.Extra["component"] = "readout"
	ev.Extra["path"] = "/home/operator"
	ev.Tags["hostname"] = "daq01"
	ev.Tags["category"] = "linkage"

	out := applyPrivacyFilters(ev)
	assert.True(t, out.User.IsEmpty())
	assert.Empty(t, out.ServerName)
	assert.NotContains(t, out.Contexts, "os")
	assert.Contains(t, out.Contexts, "readout")
	assert.Contains(t, out.Extra, "component")
	assert.NotContains(t, out.Extra, "path")
	assert.NotContains(t, out.Tags, "hostname")
	assert.Equal(t, "linkage", out.Tags["category"])
}

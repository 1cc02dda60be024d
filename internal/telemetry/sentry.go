// Package telemetry sends data path and run-control errors to Sentry when an
// operator opts in with a DSN.
package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
)

const componentName = "telemetry"

// flushTimeout bounds how long shutdown waits for queued events.
const flushTimeout = 2 * time.Second

// allowedExtra lists the event extras kept by the privacy filter.
var allowedExtra = map[string]struct{}{
	"error_type": {},
	"component":  {},
	"category":   {},
}

// Option adjusts the Sentry client options.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the network transport.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

// InitSentry initializes the Sentry SDK and installs the error reporter. It
// is a no-op unless telemetry is enabled. The returned function flushes
// queued events and must be called before exit.
func InitSentry(settings conf.SentrySettings, crate, release string, log logger.Logger, opts ...Option) (func(), error) {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	if !settings.Enabled {
		log.Debug("error telemetry disabled")
		return func() {}, nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      settings.Environment,
		ServerName:       "",
		Release:          release,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if err := sentry.Init(options); err != nil {
		return func() {}, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry-init").
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("crate", crate)
	})
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))

	log.Info("error telemetry enabled",
		logger.String("environment", settings.Environment),
		logger.String("release", release))

	return func() {
		errors.SetTelemetryReporter(nil)
		if !sentry.Flush(flushTimeout) {
			log.Warn("telemetry flush timed out")
		}
	}, nil
}

// applyPrivacyFilters removes host and user identifying data from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if _, ok := allowedExtra[k]; !ok {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

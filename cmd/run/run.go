// Package run implements the run command: a complete readout run driven by
// the simulated trigger source.
package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rocdaq/readout/internal/api"
	"github.com/rocdaq/readout/internal/buildinfo"
	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/mqtt"
	"github.com/rocdaq/readout/internal/observability"
	"github.com/rocdaq/readout/internal/readout"
	"github.com/rocdaq/readout/internal/runlog"
	"github.com/rocdaq/readout/internal/sink"
	"github.com/rocdaq/readout/internal/telemetry"
	"github.com/rocdaq/readout/internal/trigger"
)

// Command creates the run command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a readout with the simulated trigger source",
		Long: "Download and prestart the configured channels, take data until the trigger source " +
			"reaches its event limit or the process is interrupted, then end the run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := Run(cmd.Context(), settings, build)
			return err
		},
	}

	if err := setupFlags(cmd); err != nil {
		cobra.CheckErr(err)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().Uint64("events", 0, "Stop each trigger line after this many events (0 = until interrupted)")
	cmd.Flags().Float64("rate", 0, "Trigger rate per line in Hz (0 = as fast as acknowledged)")
	cmd.Flags().String("output", "", "Event output: discard, stdout or a file path")
	cmd.Flags().String("listen", "", "HTTP API listen address")

	for key, flag := range map[string]string{
		"trigger.max_events": "events",
		"trigger.rate":       "rate",
		"sink.output":        "output",
		"http.listen":        "listen",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return errors.New(err).
				Component("cmd").
				Category(errors.CategoryConfiguration).
				Context("flag", flag).
				Build()
		}
	}
	return nil
}

// Run performs one complete run and returns its end report.
func Run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context) (*lifecycle.EndReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Global().Module("run")
	log.Info("starting readout",
		logger.String("crate", settings.Main.Name),
		logger.String("version", build.GetVersion()),
		logger.Int("channels", len(settings.Readout.Channels)),
		logger.Int64("partition_bytes", settings.ReadoutBytes()))

	flushTelemetry, err := telemetry.InitSentry(settings.Sentry, settings.Main.Name, build.Release(), nil)
	if err != nil {
		log.Warn("error telemetry unavailable", logger.Error(err))
	}
	defer flushTelemetry()

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	sim := trigger.NewSimulator(trigger.Config{
		Rate:             settings.Trigger.Rate,
		SyncEvery:        settings.Trigger.SyncEvery,
		MaxEvents:        settings.Trigger.MaxEvents,
		TriggerType:      settings.Trigger.TriggerType,
		StuckDataPending: settings.Trigger.StuckDataPending,
	}, nil)
	fill := trigger.DigitizerFill(trigger.DigitizerConfig{
		PayloadWords: settings.Trigger.PayloadWords,
		FailEvery:    settings.Trigger.FailEvery,
	})
	ctrl := lifecycle.New(
		lifecycle.ConfigFromSettings(settings, func(string) readout.FillFunc { return fill }),
		sim,
		lifecycle.WithRecorder(m.Readout),
	)
	m.Readout.SetSource(ctrl)

	transitions := make(chan lifecycle.Transition, 16)
	ctrl.AddObserver(lifecycle.ObserverFunc(func(t lifecycle.Transition) {
		select {
		case transitions <- t:
		default:
		}
	}))

	var store *runlog.Store
	if settings.RunLog.Enabled {
		store, err = runlog.OpenSettings(settings.RunLog, settings.Main.Name, nil)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn("failed to close run log", logger.Error(err))
			}
		}()
		ctrl.AddObserver(store)
	}

	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()
	services, svcCtx := errgroup.WithContext(svcCtx)

	if settings.MQTT.Enabled {
		client := mqtt.NewClient(mqtt.ConfigFromSettings(settings), m.MQTT, nil)
		if err := client.Connect(ctx); err != nil {
			log.Warn("run status will not be published", logger.Error(err))
		} else {
			defer client.Disconnect()
			publisher := mqtt.NewPublisher(client, settings.MQTT.Topic, settings.Main.Name, nil)
			ctrl.AddObserver(publisher)
			services.Go(func() error { return publisher.Run(svcCtx) })
		}
	}

	if settings.HTTP.Enabled {
		opts := []api.ServerOption{api.WithMetricsHandler(m.Handler())}
		if store != nil {
			opts = append(opts, api.WithRunStore(store))
		}
		server, err := api.New(api.ConfigFromSettings(settings), ctrl, opts...)
		if err != nil {
			return nil, err
		}
		services.Go(func() error { return server.Serve(svcCtx) })
	}

	out, err := sink.Open(settings.Sink.Output)
	if err != nil {
		stopServices()
		return nil, errors.Join(err, services.Wait())
	}
	defer out.Close()
	snk := sink.New(out, settings.Sink.StagingBytes, nil)

	report, runErr := take(ctx, svcCtx, ctrl, sim, snk, settings, transitions, log)

	if err := snk.Flush(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	stats := snk.Stats()
	log.Info("sink closed",
		logger.Uint64("events", stats.Events),
		logger.Uint64("bytes", stats.Bytes),
		logger.Uint64("flushes", stats.Flushes))

	stopServices()
	if err := services.Wait(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return report, runErr
}

// take drives one run through download, prestart and go, consumes events
// until the run should stop, then ends it.
func take(ctx, svcCtx context.Context, ctrl *lifecycle.Controller, sim *trigger.Simulator, snk *sink.Sink,
	settings *conf.Settings, transitions <-chan lifecycle.Transition, log logger.Logger,
) (*lifecycle.EndReport, error) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Download(sigCtx); err != nil {
		return nil, err
	}
	if err := ctrl.Prestart(sigCtx); err != nil {
		return nil, err
	}

	consBase, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	consumers, consCtx := errgroup.WithContext(consBase)
	for i, ch := range ctrl.Channels() {
		handle := snk.Handler(uint8(i))
		consumers.Go(func() error {
			return lifecycle.Consume(consCtx, ch, settings.Sink.PollInterval, handle)
		})
	}

	if err := ctrl.Go(sigCtx); err != nil {
		stopConsumers()
		return nil, errors.Join(err, consumers.Wait())
	}
	drainTransitions(transitions)

	reason := waitForStop(sigCtx, svcCtx, consCtx, ctrl, sim, transitions)
	log.Info("stopping run", logger.String("reason", reason))

	report, err := ctrl.End(context.Background())
	if err != nil {
		if !errors.Is(err, lifecycle.ErrInvalidTransition) {
			stopConsumers()
			return nil, errors.Join(err, consumers.Wait())
		}
		// ended or reset through the API
		err = nil
		report = ctrl.LastReport()
	}

	stopConsumers()
	return report, errors.Join(err, consumers.Wait())
}

// drainTransitions discards the transitions this command issued itself.
func drainTransitions(transitions <-chan lifecycle.Transition) {
	for {
		select {
		case <-transitions:
		default:
			return
		}
	}
}

// waitForStop blocks until the trigger source has delivered every event,
// the run was ended from outside, a signal arrived, or a service or consumer
// failed.
func waitForStop(ctx, svcCtx, consCtx context.Context, ctrl *lifecycle.Controller, sim *trigger.Simulator,
	transitions <-chan lifecycle.Transition,
) string {
	finished := sim.Finished()
	for {
		select {
		case <-ctx.Done():
			return "interrupted"
		case <-svcCtx.Done():
			return "service failed"
		case <-consCtx.Done():
			return "consumer failed"
		case t := <-transitions:
			switch t.To {
			case lifecycle.Ended, lifecycle.Downloaded, lifecycle.Booted:
				return "run control " + string(t.Action)
			case lifecycle.Active:
				finished = sim.Finished()
			}
		case <-finished:
			if ctrl.State() == lifecycle.Active {
				return "event limit reached"
			}
			// paused: the source was disabled, wait for the next go
			finished = nil
		}
	}
}

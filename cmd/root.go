// Package cmd assembles the readout command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rocdaq/readout/cmd/config"
	"github.com/rocdaq/readout/cmd/dump"
	"github.com/rocdaq/readout/cmd/run"
	"github.com/rocdaq/readout/cmd/runs"
	"github.com/rocdaq/readout/cmd/version"
	"github.com/rocdaq/readout/internal/buildinfo"
	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
)

// RootCommand creates and returns the root command. Settings are loaded
// into settings before any subcommand that needs them runs.
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var (
		configFile string
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:           "readout",
		Short:         "Crate readout controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, &configFile); err != nil {
		cobra.CheckErr(err)
	}

	versionCmd := version.Command(build)
	dumpCmd := dump.Command()
	rootCmd.AddCommand(
		run.Command(settings, build),
		runs.Command(settings),
		config.Command(settings),
		dumpCmd,
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// Skip setup for commands that do not read the config
		if cmd.Name() == versionCmd.Name() || cmd.Name() == dumpCmd.Name() {
			return nil
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded
		if settings.Debug {
			settings.Logging.DefaultLevel = "debug"
			if settings.Logging.Console != nil {
				settings.Logging.Console.Level = "debug"
			}
		}

		central, err = logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return errors.New(err).
				Component("cmd").
				Category(errors.CategoryConfiguration).
				Context("operation", "init-logger").
				Build()
		}
		logger.SetGlobal(central)
		return nil
	}

	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if central != nil {
			_ = central.Close()
		}
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return errors.New(err).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Context("flag", "debug").
			Build()
	}
	return nil
}

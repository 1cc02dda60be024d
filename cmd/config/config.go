package config

import (
	"github.com/spf13/cobra"

	"github.com/rocdaq/readout/internal/conf"
)

const redacted = "********"

// Command creates the config command, which prints the effective
// configuration as YAML.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file, environment variables and flags are applied.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			masked := *settings
			if masked.MQTT.Password != "" {
				masked.MQTT.Password = redacted
			}
			if masked.RunLog.MySQL.Password != "" {
				masked.RunLog.MySQL.Password = redacted
			}
			if masked.Sentry.DSN != "" {
				masked.Sentry.DSN = redacted
			}
			data, err := conf.MarshalYAML(&masked)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	return cmd
}

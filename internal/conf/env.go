package conf

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "READOUT_DEBUG", validateEnvBool},
		{"main.name", "READOUT_NAME", nil},
		{"logging.default_level", "READOUT_LOG_LEVEL", validateEnvLogLevel},

		{"readout.drain_timeout", "READOUT_DRAIN_TIMEOUT", validateEnvDuration},
		{"readout.memory_share", "READOUT_MEMORY_SHARE", validateEnvShare},

		{"trigger.rate", "READOUT_TRIGGER_RATE", validateEnvNonNegativeFloat},
		{"trigger.max_events", "READOUT_MAX_EVENTS", validateEnvUint},

		{"sink.output", "READOUT_SINK_OUTPUT", nil},
		{"http.listen", "READOUT_HTTP_LISTEN", validateEnvListen},
		{"mqtt.broker", "READOUT_MQTT_BROKER", validateEnvBrokerURL},
		{"runlog.driver", "READOUT_RUNLOG_DRIVER", validateEnvRunLogDriver},
		{"runlog.path", "READOUT_RUNLOG_PATH", nil},
		{"runlog.mysql.password", "READOUT_RUNLOG_MYSQL_PASSWORD", nil},
		{"sentry.dsn", "READOUT_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every environment variable and validates the ones that are set
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for viper
func configureEnvironmentVariables() error {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return bindEnvVars()
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level '%s'", value)
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", value, err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}
	return nil
}

func validateEnvShare(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number '%s'", value)
	}
	if f <= 0 || f > 1 {
		return fmt.Errorf("memory share must be in (0, 1], got %g", f)
	}
	return nil
}

func validateEnvNonNegativeFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number '%s'", value)
	}
	if f < 0 {
		return fmt.Errorf("value must not be negative, got %g", f)
	}
	return nil
}

func validateEnvUint(value string) error {
	if _, err := strconv.ParseUint(value, 10, 64); err != nil {
		return fmt.Errorf("invalid unsigned integer '%s'", value)
	}
	return nil
}

func validateEnvListen(value string) error {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("invalid listen address '%s': %w", value, err)
	}
	return nil
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid broker URL '%s': %w", value, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("unsupported broker scheme '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker URL '%s' has no host", value)
	}
	return nil
}

func validateEnvRunLogDriver(value string) error {
	switch value {
	case RunLogSQLite, RunLogMySQL:
		return nil
	}
	return fmt.Errorf("unknown run log driver '%s'", value)
}

package conf

import (
	"fmt"
	"strings"

	"github.com/rocdaq/readout/internal/partition"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateReadoutSettings(&settings.Readout); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateTriggerSettings(&settings.Trigger); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateSinkSettings(&settings.Sink); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.HTTP.Enabled {
		if err := validateEnvListen(settings.HTTP.Listen); err != nil {
			ve.Errors = append(ve.Errors, "http: "+err.Error())
		}
	}
	if err := validateMQTTSettings(&settings.MQTT); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.RunLog.Enabled {
		if err := validateRunLogSettings(&settings.RunLog); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry: dsn is required when enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateReadoutSettings checks channel geometry against partition limits
func validateReadoutSettings(settings *ReadoutSettings) error {
	var errs []string

	if settings.DrainTimeout <= 0 {
		errs = append(errs, "drain_timeout must be positive")
	}
	if settings.MemoryShare <= 0 || settings.MemoryShare > 1 {
		errs = append(errs, fmt.Sprintf("memory_share must be in (0, 1], got %g", settings.MemoryShare))
	}
	if len(settings.Channels) == 0 {
		errs = append(errs, "at least one channel is required")
	}
	if len(settings.Channels) > MaxChannels {
		errs = append(errs, fmt.Sprintf("at most %d channels are supported, got %d", MaxChannels, len(settings.Channels)))
	}

	seen := make(map[string]bool, len(settings.Channels))
	for i, ch := range settings.Channels {
		label := ch.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Sprintf("channel %s: name is required", label))
		}
		if seen[ch.Name] && ch.Name != "" {
			errs = append(errs, fmt.Sprintf("channel %s: duplicate name", label))
		}
		seen[ch.Name] = true

		if ch.NodeBytes <= 0 || ch.NodeBytes > partition.MaxNodeBytes {
			errs = append(errs, fmt.Sprintf("channel %s: node_bytes must be in [1, %d]", label, partition.MaxNodeBytes))
		}
		if ch.NodeCount <= 0 {
			errs = append(errs, fmt.Sprintf("channel %s: node_count must be positive", label))
		}
		if ch.Increment < 0 {
			errs = append(errs, fmt.Sprintf("channel %s: increment must not be negative", label))
		}
		if ch.Bytes() > partition.MaxPartitionBytes {
			errs = append(errs, fmt.Sprintf("channel %s: %d bytes exceeds the partition limit of %d", label, ch.Bytes(), partition.MaxPartitionBytes))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("readout settings errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

func validateTriggerSettings(settings *TriggerSettings) error {
	var errs []string
	if settings.Rate < 0 {
		errs = append(errs, "rate must not be negative")
	}
	if settings.PayloadWords < 0 {
		errs = append(errs, "payload_words must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("trigger settings errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

func validateSinkSettings(settings *SinkSettings) error {
	var errs []string
	if settings.Output == "" {
		errs = append(errs, "output is required")
	}
	if settings.StagingBytes < 64 {
		errs = append(errs, "staging_bytes must be at least 64")
	}
	if settings.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("sink settings errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

func validateMQTTSettings(settings *MQTTSettings) error {
	if !settings.Enabled {
		return nil
	}
	var errs []string
	if err := validateEnvBrokerURL(settings.Broker); err != nil {
		errs = append(errs, err.Error())
	}
	if settings.Topic == "" {
		errs = append(errs, "topic is required")
	}
	if settings.QoS > 2 {
		errs = append(errs, fmt.Sprintf("qos must be 0, 1 or 2, got %d", settings.QoS))
	}
	if len(errs) > 0 {
		return fmt.Errorf("mqtt settings errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// validateRunLogSettings checks that the chosen driver has what it needs to connect
func validateRunLogSettings(settings *RunLogSettings) error {
	switch settings.Driver {
	case "", RunLogSQLite:
		if settings.Path == "" {
			return fmt.Errorf("runlog: path is required for the sqlite driver")
		}
	case RunLogMySQL:
		if settings.MySQL.Host == "" || settings.MySQL.Database == "" || settings.MySQL.Username == "" {
			return fmt.Errorf("runlog: mysql host, database and username are required")
		}
	default:
		return fmt.Errorf("runlog: unknown driver %q", settings.Driver)
	}
	return nil
}

package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig sets default values for every scalar key. Channel lists
// come from config.yaml; see DefaultChannels.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "crate1")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/readout.log")
	viper.SetDefault("logging.file_output.max_size", 100)
	viper.SetDefault("logging.file_output.max_age", 30)
	viper.SetDefault("logging.file_output.max_rotated_files", 10)

	viper.SetDefault("readout.drain_timeout", 2*time.Second)
	viper.SetDefault("readout.memory_share", 0.5)
	viper.SetDefault("readout.warn_interval", 5*time.Second)
	viper.SetDefault("readout.channels", DefaultChannels())

	viper.SetDefault("trigger.rate", 1000.0)
	viper.SetDefault("trigger.sync_every", 1000)
	viper.SetDefault("trigger.max_events", 0)
	viper.SetDefault("trigger.trigger_type", 1)
	viper.SetDefault("trigger.payload_words", 64)
	viper.SetDefault("trigger.fail_every", 0)
	viper.SetDefault("trigger.stuck_data_pending", false)

	viper.SetDefault("sink.output", "discard")
	viper.SetDefault("sink.staging_bytes", 1<<20)
	viper.SetDefault("sink.poll_interval", 200*time.Microsecond)

	viper.SetDefault("http.enabled", true)
	viper.SetDefault("http.listen", "127.0.0.1:8090")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.client_id", "readout")
	viper.SetDefault("mqtt.topic", "readout/status")
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.retain", true)

	viper.SetDefault("runlog.enabled", true)
	viper.SetDefault("runlog.driver", RunLogSQLite)
	viper.SetDefault("runlog.path", "readout-runs.db")
	viper.SetDefault("runlog.mysql.port", "3306")
	viper.SetDefault("runlog.mysql.database", "readout")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.environment", "production")
}

// DefaultChannels is the channel layout used when none is configured: a
// trigger-supervisor channel and one digitizer channel.
func DefaultChannels() []map[string]any {
	return []map[string]any{
		{"name": "ts", "node_bytes": 1024, "node_count": 16, "increment": 0, "anticipate_exhaustion": true},
		{"name": "adc", "node_bytes": 16384, "node_count": 32, "increment": 0, "anticipate_exhaustion": true},
	}
}

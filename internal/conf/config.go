// Package conf loads readout settings from config.yaml, environment
// variables and command-line flags through viper.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the complete readout configuration.
type Settings struct {
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Main struct {
		Name string `mapstructure:"name" yaml:"name"` // crate name, used in status topics and the run log
	} `mapstructure:"main" yaml:"main"`

	Logging logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Readout ReadoutSettings      `mapstructure:"readout" yaml:"readout"`
	Trigger TriggerSettings      `mapstructure:"trigger" yaml:"trigger"`
	Sink    SinkSettings         `mapstructure:"sink" yaml:"sink"`
	HTTP    HTTPSettings         `mapstructure:"http" yaml:"http"`
	MQTT    MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	RunLog  RunLogSettings       `mapstructure:"runlog" yaml:"runlog"`
	Sentry  SentrySettings       `mapstructure:"sentry" yaml:"sentry"`
}

// MaxChannels is the number of channels an event frame can address; the
// channel index is a single byte.
const MaxChannels = 256

// ReadoutSettings sizes the acquisition channels.
type ReadoutSettings struct {
	DrainTimeout time.Duration     `mapstructure:"drain_timeout" yaml:"drain_timeout"` // bound on the end-of-run drain
	MemoryShare  float64           `mapstructure:"memory_share" yaml:"memory_share"`   // max fraction of available memory for partitions
	WarnInterval time.Duration     `mapstructure:"warn_interval" yaml:"warn_interval"` // repeat interval for data path warnings
	Channels     []ChannelSettings `mapstructure:"channels" yaml:"channels"`
}

// ChannelSettings configures one acquisition channel.
type ChannelSettings struct {
	Name      string `mapstructure:"name" yaml:"name"`
	NodeBytes int    `mapstructure:"node_bytes" yaml:"node_bytes"`
	NodeCount int    `mapstructure:"node_count" yaml:"node_count"`
	Increment int    `mapstructure:"increment" yaml:"increment"`
	// AnticipateExhaustion is a pointer so an omitted key keeps the default of true.
	AnticipateExhaustion *bool `mapstructure:"anticipate_exhaustion" yaml:"anticipate_exhaustion,omitempty"`
}

// Anticipate returns the early exhaustion policy, true unless disabled.
func (c ChannelSettings) Anticipate() bool {
	return c.AnticipateExhaustion == nil || *c.AnticipateExhaustion
}

// Bytes returns the storage requested by the channel's input partition.
func (c ChannelSettings) Bytes() int64 {
	words := (int64(c.NodeBytes) + 3) / 4
	return words * 4 * int64(c.NodeCount)
}

// TriggerSettings configures the simulated trigger source and digitizer.
type TriggerSettings struct {
	Rate             float64 `mapstructure:"rate" yaml:"rate"`
	SyncEvery        uint64  `mapstructure:"sync_every" yaml:"sync_every"`
	MaxEvents        uint64  `mapstructure:"max_events" yaml:"max_events"`
	TriggerType      uint16  `mapstructure:"trigger_type" yaml:"trigger_type"`
	PayloadWords     int     `mapstructure:"payload_words" yaml:"payload_words"`
	FailEvery        uint64  `mapstructure:"fail_every" yaml:"fail_every"`
	StuckDataPending bool    `mapstructure:"stuck_data_pending" yaml:"stuck_data_pending"`
}

// SinkSettings configures the consumer.
type SinkSettings struct {
	Output       string        `mapstructure:"output" yaml:"output"` // "discard", "stdout" or a file path
	StagingBytes int           `mapstructure:"staging_bytes" yaml:"staging_bytes"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// HTTPSettings configures the diagnostics and control API.
type HTTPSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// MQTTSettings configures the run status publisher.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	QoS      byte   `mapstructure:"qos" yaml:"qos"`
	Retain   bool   `mapstructure:"retain" yaml:"retain"`
}

// Run log drivers.
const (
	RunLogSQLite = "sqlite"
	RunLogMySQL  = "mysql"
)

// RunLogSettings configures the persisted run summaries.
type RunLogSettings struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver  string        `mapstructure:"driver" yaml:"driver"` // sqlite or mysql
	Path    string        `mapstructure:"path" yaml:"path"`     // sqlite database file
	MySQL   MySQLSettings `mapstructure:"mysql" yaml:"mysql"`
}

// MySQLSettings points the run log at a shared MySQL server, so the runs of
// every crate in an experiment land in one place.
type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file, environment variables and any flags
// already bound into viper. An empty configFile searches the default paths
// and writes the embedded default config when none is found.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults and environment bindings and reads the config file.
func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it.
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")
	defaultConfig, err := getDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, defaultConfig, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig returns the embedded default config.yaml.
func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "read-embedded-config").
			Build()
	}
	return data, nil
}

// GetSettings returns the settings from the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath through a temporary file so
// the replacement is atomic. Comments in the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

// MarshalYAML renders settings as YAML, as printed by `readout config`.
func MarshalYAML(settings *Settings) ([]byte, error) {
	return yaml.Marshal(settings)
}

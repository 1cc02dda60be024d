package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmbeddedDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	data, err := getDefaultConfig()
	require.NoError(t, err)

	settings, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)

	assert.Equal(t, "crate1", settings.Main.Name)
	assert.Equal(t, 2*time.Second, settings.Readout.DrainTimeout)
	assert.Equal(t, 200*time.Microsecond, settings.Sink.PollInterval)
	require.Len(t, settings.Readout.Channels, 2)
	assert.Equal(t, "ts", settings.Readout.Channels[0].Name)
	assert.Equal(t, 16, settings.Readout.Channels[0].NodeCount)
	assert.True(t, settings.Readout.Channels[1].Anticipate())
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	assert.Same(t, settings, GetSettings())
}

func TestLoad_MinimalFileUsesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	settings, err := Load(writeConfig(t, "main:\n  name: crate7\n"))
	require.NoError(t, err)

	assert.Equal(t, "crate7", settings.Main.Name)
	assert.InDelta(t, 0.5, settings.Readout.MemoryShare, 1e-9)
	require.Len(t, settings.Readout.Channels, 2, "default channel layout applies")
	assert.Equal(t, "127.0.0.1:8090", settings.HTTP.Listen)
	assert.Equal(t, byte(1), settings.MQTT.QoS)
	assert.Equal(t, RunLogSQLite, settings.RunLog.Driver)
	assert.Equal(t, "3306", settings.RunLog.MySQL.Port)
}

func TestLoad_ChannelsAndPolicy(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	settings, err := Load(writeConfig(t, `
readout:
  drain_timeout: 500ms
  channels:
    - name: roc1
      node_bytes: 10
      node_count: 4
      anticipate_exhaustion: false
    - name: roc2
      node_bytes: 64
      node_count: 8
      increment: 4
`))
	require.NoError(t, err)

	chs := settings.Readout.Channels
	require.Len(t, chs, 2)
	assert.False(t, chs[0].Anticipate())
	assert.True(t, chs[1].Anticipate(), "omitted policy keeps the default")
	assert.Equal(t, 4, chs[1].Increment)
	assert.Equal(t, int64(12*4), chs[0].Bytes(), "node size is counted in whole words")
	assert.Equal(t, int64(12*4+64*8), settings.ReadoutBytes())
	assert.Equal(t, 500*time.Millisecond, settings.Readout.DrainTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("READOUT_DRAIN_TIMEOUT", "3s")
	t.Setenv("READOUT_HTTP_LISTEN", "0.0.0.0:9000")
	t.Setenv("READOUT_MAX_EVENTS", "42")

	settings, err := Load(writeConfig(t, "debug: false\n"))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, settings.Readout.DrainTimeout)
	assert.Equal(t, "0.0.0.0:9000", settings.HTTP.Listen)
	assert.Equal(t, uint64(42), settings.Trigger.MaxEvents)
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("READOUT_DRAIN_TIMEOUT", "soon")
	t.Setenv("READOUT_MEMORY_SHARE", "2")

	_, err := Load(writeConfig(t, "debug: false\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READOUT_DRAIN_TIMEOUT")
	assert.Contains(t, err.Error(), "READOUT_MEMORY_SHARE")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateSettings(t *testing.T) {
	valid := func() *Settings {
		s := &Settings{}
		s.Readout = ReadoutSettings{
			DrainTimeout: time.Second,
			MemoryShare:  0.5,
			Channels:     []ChannelSettings{{Name: "a", NodeBytes: 64, NodeCount: 4}},
		}
		s.Sink = SinkSettings{Output: "discard", StagingBytes: 4096, PollInterval: time.Millisecond}
		return s
	}

	require.NoError(t, ValidateSettings(valid()))

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no channels", func(s *Settings) { s.Readout.Channels = nil }, "at least one channel"},
		{"duplicate channel", func(s *Settings) {
			s.Readout.Channels = append(s.Readout.Channels, s.Readout.Channels[0])
		}, "duplicate name"},
		{"zero nodes", func(s *Settings) { s.Readout.Channels[0].NodeCount = 0 }, "node_count"},
		{"too many channels", func(s *Settings) {
			s.Readout.Channels = nil
			for i := range MaxChannels + 1 {
				s.Readout.Channels = append(s.Readout.Channels,
					ChannelSettings{Name: fmt.Sprintf("ch%d", i), NodeBytes: 64, NodeCount: 1})
			}
		}, "at most 256 channels"},
		{"huge partition", func(s *Settings) {
			s.Readout.Channels[0].NodeBytes = 1 << 24
			s.Readout.Channels[0].NodeCount = 1 << 10
		}, "partition limit"},
		{"bad share", func(s *Settings) { s.Readout.MemoryShare = 1.5 }, "memory_share"},
		{"no drain timeout", func(s *Settings) { s.Readout.DrainTimeout = 0 }, "drain_timeout"},
		{"bad listen", func(s *Settings) {
			s.HTTP.Enabled = true
			s.HTTP.Listen = "nope"
		}, "http"},
		{"bad mqtt", func(s *Settings) {
			s.MQTT.Enabled = true
			s.MQTT.Broker = "http://x"
			s.MQTT.Topic = "t"
		}, "unsupported broker scheme"},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, "dsn"},
		{"runlog without path", func(s *Settings) { s.RunLog.Enabled = true }, "path is required"},
		{"runlog mysql without host", func(s *Settings) {
			s.RunLog = RunLogSettings{Enabled: true, Driver: RunLogMySQL, MySQL: MySQLSettings{Database: "readout", Username: "daq"}}
		}, "mysql host"},
		{"runlog unknown driver", func(s *Settings) {
			s.RunLog = RunLogSettings{Enabled: true, Driver: "postgres", Path: "x.db"}
		}, "unknown driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateSettings(s)
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveYAMLConfig_RoundTrip(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := writeConfig(t, "main:\n  name: crate3\n")
	settings, err := Load(path)
	require.NoError(t, err)

	settings.Readout.DrainTimeout = 7 * time.Second
	settings.Readout.Channels[0].NodeCount = 99
	require.NoError(t, SaveYAMLConfig(path, settings))

	viper.Reset()
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "crate3", reloaded.Main.Name)
	assert.Equal(t, 7*time.Second, reloaded.Readout.DrainTimeout)
	assert.Equal(t, 99, reloaded.Readout.Channels[0].NodeCount)

	out, err := MarshalYAML(reloaded)
	require.NoError(t, err)
	assert.Contains(t, string(out), "drain_timeout: 7s")
}

func TestEnvValidators(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateEnvBool("true"))
	require.Error(t, validateEnvBool("maybe"))
	require.NoError(t, validateEnvLogLevel("TRACE"))
	require.Error(t, validateEnvLogLevel("loud"))
	require.NoError(t, validateEnvDuration("150ms"))
	require.Error(t, validateEnvDuration("-1s"))
	require.NoError(t, validateEnvBrokerURL("tcp://broker:1883"))
	require.Error(t, validateEnvBrokerURL("tcp://"))
	require.NoError(t, validateEnvListen(":8090"))
	require.Error(t, validateEnvUint("-3"))
	require.Error(t, validateEnvNonNegativeFloat("-0.5"))
	require.NoError(t, validateEnvRunLogDriver("mysql"))
	require.Error(t, validateEnvRunLogDriver("postgres"))
}

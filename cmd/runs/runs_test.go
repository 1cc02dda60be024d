package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/readout"
	"github.com/rocdaq/readout/internal/runlog"
)

func seededSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Main.Name = "crate1"
	s.RunLog.Enabled = true
	s.RunLog.Path = filepath.Join(t.TempDir(), "runs.db")

	store, err := runlog.Open(s.RunLog.Path, s.Main.Name, logger.NewSlogLogger(nil, logger.LogLevelError, nil))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	started := time.Now().Add(-time.Hour)
	require.NoError(t, store.RecordStart(ctx, "run-1", 1, started))
	require.NoError(t, store.RecordEnd(ctx, &lifecycle.EndReport{
		RunID: "run-1", RunNumber: 1, StartedAt: started, EndedAt: started.Add(90 * time.Second),
		Channels: []readout.Diagnostics{{Channel: "adc", Published: 42, Consumed: 42, Stalls: 3}},
	}))
	require.NoError(t, store.RecordStart(ctx, "run-2", 2, started.Add(time.Minute)))
	return s
}

func execute(t *testing.T, s *conf.Settings, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := Command(s)
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestRunsCommand_Table(t *testing.T) {
	t.Parallel()

	out := execute(t, seededSettings(t))
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "run-2")
	assert.Contains(t, out, "1m30s")
	assert.Less(t, bytes.Index([]byte(out), []byte("run-2")), bytes.Index([]byte(out), []byte("run-1")))
}

func TestRunsCommand_JSON(t *testing.T) {
	t.Parallel()

	out := execute(t, seededSettings(t), "--json", "-n", "1")
	var runs []runlog.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].RunID)
}

func TestRunsCommand_Show(t *testing.T) {
	t.Parallel()

	out := execute(t, seededSettings(t), "run-1")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "adc")
	assert.Contains(t, out, "42")
}

func TestRunsCommand_Disabled(t *testing.T) {
	t.Parallel()

	cmd := Command(&conf.Settings{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run log is disabled")
}

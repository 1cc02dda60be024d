package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/lifecycle"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/readout"
)

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError, nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "runs.db")
	s, err := Open(path, "crate1", logger.NewSlogLogger(nil, logger.LogLevelError, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReport(runID string, number uint64, started time.Time) *lifecycle.EndReport {
	return &lifecycle.EndReport{
		RunID:     runID,
		RunNumber: number,
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		DrainWait: 1500 * time.Millisecond,
		TimedOut:  true,
		Discarded: 2,
		Anomalies: 1,
		Channels: []readout.Diagnostics{
			{Channel: "ts", Published: 100, Consumed: 98, Stalls: 3, BadEvents: 1, Deferrals: 3, MaxDeferred: 40 * time.Millisecond},
			{Channel: "adc", Published: 100, Consumed: 100, Overflows: 2, DoubleFrees: 1},
		},
	}
}

func TestStore_StartThenEnd(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	require.NoError(t, s.RecordStart(ctx, "run-a", 1, started))
	run, err := s.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, StateActive, run.State)
	assert.Equal(t, "crate1", run.Crate)
	assert.Nil(t, run.EndedAt)

	require.NoError(t, s.RecordEnd(ctx, testReport("run-a", 1, started)))
	run, err = s.Get(ctx, "run-a")
	require.NoError(t, err)

	assert.Equal(t, StateEnded, run.State)
	require.NotNil(t, run.EndedAt)
	assert.WithinDuration(t, started.Add(time.Minute), *run.EndedAt, time.Second)
	assert.Equal(t, uint64(200), run.Events)
	assert.Equal(t, uint64(3), run.Stalls)
	assert.Equal(t, uint64(2), run.Overflows)
	assert.Equal(t, uint64(1), run.BadEvents)
	assert.Equal(t, uint64(1), run.DoubleFrees)
	assert.Equal(t, 2, run.Discarded)
	assert.True(t, run.TimedOut)
	assert.Equal(t, int64(1500), run.DrainWaitMs)

	require.Len(t, run.Channels, 2)
	byName := map[string]ChannelSummary{}
	for _, c := range run.Channels {
		byName[c.Channel] = c
	}
	assert.Equal(t, uint64(98), byName["ts"].Consumed)
	assert.Equal(t, int64(40), byName["ts"].MaxDeferredMs)
	assert.Equal(t, uint64(2), byName["adc"].Overflows)
}

func TestStore_EndWithoutStart(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEnd(ctx, testReport("run-b", 7, time.Now())))
	// recording the same end twice replaces the channel summaries
	require.NoError(t, s.RecordEnd(ctx, testReport("run-b", 7, time.Now())))

	run, err := s.Get(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), run.RunNumber)
	assert.Len(t, run.Channels, 2)
}

func TestStore_RecordEndValidation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	err := s.RecordEnd(context.Background(), &lifecycle.EndReport{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestStore_GetNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_DuplicateStart(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordStart(ctx, "run-c", 1, time.Now()))

	err := s.RecordStart(ctx, "run-c", 1, time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.RecordStart(ctx, id, uint64(i+1), base.Add(time.Duration(i)*time.Minute)))
	}

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, "r1", runs[2].RunID)

	runs, err = s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[1].RunID)
}

func TestStore_OnTransition(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	started := time.Now()

	// only go from prestart starts a run
	s.OnTransition(lifecycle.Transition{Action: lifecycle.ActionGo, From: lifecycle.Paused, RunID: "x", At: started})
	s.OnTransition(lifecycle.Transition{Action: lifecycle.ActionDownload, RunID: "x"})
	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	s.OnTransition(lifecycle.Transition{
		Action: lifecycle.ActionGo, From: lifecycle.Prestarted, To: lifecycle.Active,
		RunID: "run-d", RunNumber: 4, At: started,
	})
	s.OnTransition(lifecycle.Transition{
		Action: lifecycle.ActionEnd, From: lifecycle.Active, To: lifecycle.Ended,
		RunID: "run-d", RunNumber: 4, At: started.Add(time.Minute),
		Report: testReport("run-d", 4, started),
	})

	run, err := s.Get(ctx, "run-d")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, run.State)
	assert.Equal(t, uint64(4), run.RunNumber)
}

func TestOpen_InMemory(t *testing.T) {
	t.Parallel()

	s, err := Open(":memory:", "crate1", logger.NewSlogLogger(nil, logger.LogLevelError, nil))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.RecordStart(context.Background(), "mem", 1, time.Now()))
	runs, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpenSettings_Drivers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := OpenSettings(conf.RunLogSettings{Driver: conf.RunLogSQLite, Path: path}, "crate1", quietLogger())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, path)

	_, err = OpenSettings(conf.RunLogSettings{Driver: "postgres"}, "crate1", quietLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()

	dsn := mysqlDSN(conf.MySQLSettings{Host: "db.daq", Username: "daq", Password: "pw", Database: "readout"})
	assert.Equal(t, "daq:pw@tcp(db.daq:3306)/readout?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	dsn = mysqlDSN(conf.MySQLSettings{Host: "::1", Port: "3307", Username: "daq", Database: "runs"})
	assert.Equal(t, "daq:@tcp([::1]:3307)/runs?charset=utf8mb4&parseTime=True&loc=UTC", dsn)
}

package sink

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/partition"
	"github.com/rocdaq/readout/internal/readout"
)

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError, nil)
}

// publishEvents fills a channel with events whose payload is their event number.
func publishEvents(t *testing.T, count, payloadWords int) *readout.Channel {
	t.Helper()
	ch, err := readout.NewChannel(readout.ChannelConfig{
		Name:      "roc",
		NodeBytes: payloadWords * partition.WordBytes,
		NodeCount: count,
		Fill: func(w *readout.EventWriter, trig readout.Trigger) error {
			for range payloadWords {
				w.WriteWord(uint32(trig.EventNumber))
			}
			return nil
		},
	}, nil, readout.WithLogger(quietLogger()))
	require.NoError(t, err)

	for i := range count {
		require.Equal(t, readout.Published, ch.HandleTrigger(readout.Trigger{
			EventNumber: uint64(100 + i),
			Type:        3,
			Sync:        i == count-1,
		}))
	}
	return ch
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	ch := publishEvents(t, 1, 3)
	n, ok := ch.TryDequeue()
	require.True(t, ok)
	n.Seq = 1<<32 | 7

	buf := AppendFrame(nil, 5, n)
	require.Len(t, buf, FrameBytes(3))
	// word 0: channel 5, 7 words
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x07}, buf[:4])

	f, err := ReadFrame(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, uint8(5), f.Channel)
	assert.Equal(t, uint64(1<<32|7), f.Seq)
	assert.Equal(t, uint16(3), f.Type)
	assert.Equal(t, readout.FlagSync, f.Flags&readout.FlagSync)
	assert.Equal(t, []uint32{100, 100, 100}, f.Payload)
}

func TestReadFrame_Errors(t *testing.T) {
	t.Parallel()

	_, err := ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)

	// header announcing 2 words
	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
	require.ErrorIs(t, err, ErrShortFrame)

	// header announcing a payload that is missing
	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 6, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSink_StagesAndFlushes(t *testing.T) {
	t.Parallel()

	const events = 10
	ch := publishEvents(t, events, 4)
	var out bytes.Buffer
	// room for two 32 byte frames at a time
	s := New(&out, 64, quietLogger())
	handle := s.Handler(2)

	for range events {
		n, ok := ch.TryDequeue()
		require.True(t, ok)
		require.NoError(t, handle(n))
		require.NoError(t, ch.Release(n))
	}
	assert.Less(t, out.Len(), events*FrameBytes(4))

	require.NoError(t, s.Flush())
	require.Equal(t, events*FrameBytes(4), out.Len())

	stats := s.Stats()
	assert.Equal(t, uint64(events), stats.Events)
	assert.Equal(t, uint64(events*FrameBytes(4)), stats.Bytes)
	assert.Zero(t, stats.Staged)
	assert.NotZero(t, stats.Flushes)

	r := bytes.NewReader(out.Bytes())
	for i := range events {
		f, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, uint8(2), f.Channel)
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Equal(t, []uint32{uint32(100 + i), uint32(100 + i), uint32(100 + i), uint32(100 + i)}, f.Payload)
	}
	_, err := ReadFrame(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestSink_OversizedFrameWritesThrough(t *testing.T) {
	t.Parallel()

	ch := publishEvents(t, 2, 32)
	var out bytes.Buffer
	s := New(&out, HeaderBytes, quietLogger())

	for range 2 {
		n, _ := ch.TryDequeue()
		require.NoError(t, s.Write(0, n))
		require.NoError(t, ch.Release(n))
	}
	require.NoError(t, s.Flush())
	assert.Equal(t, 2*FrameBytes(32), out.Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, assert.AnError }

func TestSink_OutputError(t *testing.T) {
	t.Parallel()

	ch := publishEvents(t, 1, 4)
	n, _ := ch.TryDequeue()
	s := New(failingWriter{}, 64, quietLogger())

	require.NoError(t, s.Write(1, n))
	err := s.Flush()
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, ch.Release(n))
}

func TestOpen(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "discard", "stdout"} {
		w, err := Open(name)
		require.NoError(t, err, name)
		require.NoError(t, w.Close(), name)
	}

	path := filepath.Join(t.TempDir(), "runs", "run1.dat")
	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.FileExists(t, path)
}

package sink

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/logger"
	"github.com/rocdaq/readout/internal/partition"
)

const componentName = "sink"

// DefaultStagingBytes is the staging buffer size used when none is configured.
const DefaultStagingBytes = 1 << 20

// Sink stages encoded frames in a ring buffer and writes them to the output
// when the buffer cannot take the next frame or on Flush. It is safe for
// use by one consumer per channel concurrently; frames of one channel keep
// their order.
type Sink struct {
	out io.Writer
	log logger.Logger

	mu      sync.Mutex
	staging *ringbuffer.RingBuffer
	frame   []byte
	chunk   []byte

	events  atomic.Uint64
	bytes   atomic.Uint64
	flushes atomic.Uint64
}

// Stats counts what the sink has accepted and written.
type Stats struct {
	Events  uint64 `json:"events"`
	Bytes   uint64 `json:"bytes"`
	Flushes uint64 `json:"flushes"`
	Staged  int    `json:"staged"`
}

// New creates a sink writing to out. stagingBytes below one header uses
// DefaultStagingBytes. A nil logger uses the global logger.
func New(out io.Writer, stagingBytes int, log logger.Logger) *Sink {
	if stagingBytes < HeaderBytes {
		stagingBytes = DefaultStagingBytes
	}
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Sink{
		out:     out,
		log:     log,
		staging: ringbuffer.New(stagingBytes),
		chunk:   make([]byte, min(stagingBytes, 64<<10)),
	}
}

// Handler returns the consumer callback for one channel. The node is only
// read; the caller releases it afterwards.
func (s *Sink) Handler(channel uint8) func(n *partition.Node) error {
	return func(n *partition.Node) error {
		return s.Write(channel, n)
	}
}

// Write serializes one event. A frame larger than the staging buffer is
// written straight through after the staged data.
func (s *Sink) Write(channel uint8, n *partition.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = AppendFrame(s.frame[:0], channel, n)
	size := len(s.frame)

	if s.staging.Free() < size {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}

	if size > s.staging.Capacity() {
		if err := s.writeOut(s.frame); err != nil {
			return err
		}
	} else if _, err := s.staging.Write(s.frame); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryTransport).
			Context("operation", "stage").
			Context("frame_bytes", size).
			Build()
	}

	s.events.Add(1)
	s.bytes.Add(uint64(size))
	return nil
}

// Flush writes every staged byte to the output.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	if s.staging.IsEmpty() {
		return nil
	}
	s.flushes.Add(1)
	for !s.staging.IsEmpty() {
		n, err := s.staging.Read(s.chunk)
		if err != nil {
			return errors.New(err).
				Component(componentName).
				Category(errors.CategoryTransport).
				Context("operation", "unstage").
				Build()
		}
		if err := s.writeOut(s.chunk[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeOut(p []byte) error {
	if _, err := s.out.Write(p); err != nil {
		s.log.Error("sink output write failed", logger.Int("bytes", len(p)), logger.Error(err))
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryTransport).
			Context("operation", "write").
			Context("bytes", len(p)).
			Build()
	}
	return nil
}

// Stats returns the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	staged := s.staging.Length()
	s.mu.Unlock()
	return Stats{
		Events:  s.events.Load(),
		Bytes:   s.bytes.Load(),
		Flushes: s.flushes.Load(),
		Staged:  staged,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Open resolves an output setting: "discard", "stdout" or a file path, which
// is created along with its directory.
func Open(output string) (io.WriteCloser, error) {
	switch output {
	case "", "discard":
		return nopCloser{io.Discard}, nil
	case "stdout", "-":
		return nopCloser{os.Stdout}, nil
	}

	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(err).
				Component(componentName).
				Category(errors.CategorySystem).
				Context("operation", "create-output-dir").
				Context("path", dir).
				Build()
		}
	}
	f, err := os.Create(output)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("operation", "create-output").
			Context("path", output).
			Build()
	}
	return f, nil
}

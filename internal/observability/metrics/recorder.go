// Package metrics provides Prometheus metrics for the readout controller.
package metrics

import "sync"

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on concrete Prometheus collectors.
type Recorder interface {
	// RecordOperation records an operation with its status, for example a
	// lifecycle transition ("end") with "success" or "anomaly".
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its category.
	RecordError(operation, errorType string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordOperation(string, string) {}
func (NopRecorder) RecordDuration(string, float64) {}
func (NopRecorder) RecordError(string, string) {}

// TestRecorder captures recorded metrics for verification in tests.
type TestRecorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int // operation -> status -> count
	durations  map[string][]float64      // operation -> durations
	errors     map[string]map[string]int // operation -> errorType -> count
}

// NewTestRecorder creates a new test recorder instance.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
	}
}

// RecordOperation implements Recorder.
func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.operations[operation] == nil {
		r.operations[operation] = make(map[string]int)
	}
	r.operations[operation][status]++
}

// RecordDuration implements Recorder.
func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] = append(r.durations[operation], seconds)
}

// RecordError implements Recorder.
func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errors[operation] == nil {
		r.errors[operation] = make(map[string]int)
	}
	r.errors[operation][errorType]++
}

// OperationCount returns how often operation was recorded with status.
func (r *TestRecorder) OperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// Durations returns a copy of the durations recorded for operation.
func (r *TestRecorder) Durations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]float64(nil), r.durations[operation]...)
}

// ErrorCount returns how often errorType was recorded for operation.
func (r *TestRecorder) ErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}

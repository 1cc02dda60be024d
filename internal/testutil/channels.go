// Package testutil provides shared helpers for tests that wait on the data
// path or on background services.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 2 * time.Second

	// LongTestTimeout is for whole runs on slow CI machines.
	LongTestTimeout = 10 * time.Second
)

// WaitForChannel waits for ch to be closed or signalled, or fails the test
// after timeout.
func WaitForChannel(t testing.TB, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// Receive returns the next value from ch, or fails the test after timeout.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
	var zero T
	return zero
}

// Package testutil provides polling helpers for asserting on asynchronous
// state in tests.
package testutil

import (
	"testing"
	"time"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultInterval = 10 * time.Millisecond
)

// WaitFor polls until condition returns true or the timeout elapses.
// Returns true if the condition was met.
func WaitFor(tb testing.TB, condition func() bool) bool {
	tb.Helper()
	return WaitForTimeout(tb, condition, defaultTimeout)
}

// WaitForTimeout polls condition every 10ms up to the given timeout.
func WaitForTimeout(tb testing.TB, condition func() bool, timeout time.Duration) bool {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(defaultInterval)
	}
	return condition()
}

// MustWaitFor polls until condition returns true or fails the test.
func MustWaitFor(tb testing.TB, condition func() bool) {
	tb.Helper()
	if !WaitFor(tb, condition) {
		tb.Fatal("timed out waiting for condition")
	}
}

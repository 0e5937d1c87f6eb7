// Package stopwatch provides a simple timer with strict start/stop state
// checking, used to measure elapsed time of lifecycle operations.
package stopwatch

import (
	"errors"
	"time"
)

var (
	ErrAlreadyRunning = errors.New("stopwatch is already running")
	ErrNotRunning     = errors.New("stopwatch is not running")
)

type StopWatch struct {
	running bool
	startAt time.Time
	elapsed time.Duration
}

func New() *StopWatch {
	return &StopWatch{}
}

// NewStarted returns a running stopwatch.
func NewStarted() *StopWatch {
	sw := New()
	sw.running = true
	sw.startAt = time.Now()
	return sw
}

func (sw *StopWatch) Start() error {
	if sw.running {
		return ErrAlreadyRunning
	}
	sw.running = true
	sw.startAt = time.Now()
	return nil
}

func (sw *StopWatch) Stop() error {
	if !sw.running {
		return ErrNotRunning
	}
	sw.elapsed += time.Since(sw.startAt)
	sw.running = false
	return nil
}

// Reset stops the stopwatch and clears accumulated time.
func (sw *StopWatch) Reset() *StopWatch {
	sw.running = false
	sw.elapsed = 0
	return sw
}

// Elapsed returns accumulated time, including the in-flight interval when
// the stopwatch is running.
func (sw *StopWatch) Elapsed() time.Duration {
	if sw.running {
		return sw.elapsed + time.Since(sw.startAt)
	}
	return sw.elapsed
}

func (sw *StopWatch) Running() bool {
	return sw.running
}

// Close stops a running stopwatch. Closing a stopped one is a no-op.
func (sw *StopWatch) Close() error {
	if sw.running {
		return sw.Stop()
	}
	return nil
}

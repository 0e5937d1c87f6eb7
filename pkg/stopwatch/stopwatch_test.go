package stopwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartAndStop(t *testing.T) {
	sw := New()
	require.False(t, sw.Running())

	require.NoError(t, sw.Start())
	require.True(t, sw.Running())

	time.Sleep(10 * time.Millisecond)
	require.Greater(t, sw.Elapsed(), time.Duration(0))

	require.NoError(t, sw.Stop())
	require.False(t, sw.Running())

	elapsed := sw.Elapsed()
	require.Greater(t, elapsed, time.Duration(0))
	// Stopped watches do not accumulate further.
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, elapsed, sw.Elapsed())
}

func TestStopNotRunning(t *testing.T) {
	sw := New()
	require.ErrorIs(t, sw.Stop(), ErrNotRunning)

	require.NoError(t, sw.Start())
	require.NoError(t, sw.Stop())
	require.ErrorIs(t, sw.Stop(), ErrNotRunning)
}

func TestStartTwice(t *testing.T) {
	sw := New()
	require.NoError(t, sw.Start())
	require.ErrorIs(t, sw.Start(), ErrAlreadyRunning)
}

func TestReset(t *testing.T) {
	sw := NewStarted()
	time.Sleep(5 * time.Millisecond)

	sw.Reset()
	require.False(t, sw.Running())
	require.Equal(t, time.Duration(0), sw.Elapsed())

	require.NoError(t, sw.Start())
	require.True(t, sw.Running())
}

func TestClose(t *testing.T) {
	sw := NewStarted()
	require.NoError(t, sw.Close())
	require.False(t, sw.Running())

	// Closing an already stopped watch is tolerated.
	require.NoError(t, sw.Close())
}

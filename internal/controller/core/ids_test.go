package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDString(t *testing.T) {
	id := NewJobID(1234567890000, 1)
	assert.Equal(t, "job_1234567890000_0001", id.String())
}

func TestTaskIDString(t *testing.T) {
	job := NewJobID(1234567890000, 2)

	m := NewTaskID(job, TaskKindMap, 0)
	assert.Equal(t, "task_1234567890000_0002_m_000000", m.String())

	r := NewTaskID(job, TaskKindReduce, 41)
	assert.Equal(t, "task_1234567890000_0002_r_000041", r.String())
}

func TestAttemptIDString(t *testing.T) {
	job := NewJobID(200707121733, 1)
	task := NewTaskID(job, TaskKindMap, 0)
	a := NewAttemptID(task, 0)
	assert.Equal(t, "attempt_200707121733_0001_m_000000_0", a.String())
}

func TestParseJobIDRoundTrip(t *testing.T) {
	want := NewJobID(1234567890000, 17)
	got, err := ParseJobID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseTaskIDRoundTrip(t *testing.T) {
	want := NewTaskID(NewJobID(1234567890000, 3), TaskKindReduce, 12)
	got, err := ParseTaskID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseAttemptIDRoundTrip(t *testing.T) {
	want := NewAttemptID(NewTaskID(NewJobID(1234567890000, 3), TaskKindMap, 7), 2)
	got, err := ParseAttemptID(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseRejectsMalformedIDs(t *testing.T) {
	for _, c := range []string{"", "job", "job_x_0001", "job_1_2_3", "task_1_0001_m_000000"} {
		_, err := ParseJobID(c)
		assert.Error(t, err, c)
	}
	for _, c := range []string{"", "task_1234567890000_0001_x_000000", "task_1234567890000_0001_m", "job_1234567890000_0001"} {
		_, err := ParseTaskID(c)
		assert.Error(t, err, c)
	}
	for _, c := range []string{"", "attempt_1234567890000_0001_m_000000", "attempt_1234567890000_0001_m_000000_x", "task_1234567890000_0001_m_000000"} {
		_, err := ParseAttemptID(c)
		assert.Error(t, err, c)
	}
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Clone(t *testing.T) {
	started := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		job  *Job
	}{
		{
			name: "empty payload stays non-nil",
			job:  &Job{ID: "a", Payload: []byte{}, ErrorHistory: []string{}},
		},
		{
			name: "nil payload stays nil",
			job:  &Job{ID: "b"},
		},
		{
			name: "populated job",
			job: &Job{
				ID:           "c",
				Payload:      []byte(`{"month":"2026-04"}`),
				ErrorHistory: []string{"boom"},
				StartedAt:    &started,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := tt.job.Clone()
			assert.Equal(t, tt.job, cp)
			assert.Equal(t, tt.job.Payload == nil, cp.Payload == nil)
			assert.Equal(t, tt.job.ErrorHistory == nil, cp.ErrorHistory == nil)
		})
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	started := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	job := &Job{
		Payload:      []byte("abc"),
		ErrorHistory: []string{"first"},
		StartedAt:    &started,
	}

	cp := job.Clone()
	cp.Payload[0] = 'x'
	cp.ErrorHistory[0] = "changed"
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "abc", string(job.Payload))
	assert.Equal(t, []string{"first"}, job.ErrorHistory)
	assert.Equal(t, started, *job.StartedAt)
}

func TestMaxDurationMs_ConvertsWithoutOverflow(t *testing.T) {
	d := Backoff{BaseMs: MaxDurationMs}.Base()
	require.Positive(t, d)
	assert.Equal(t, 365*24*time.Hour, d)

	job := &Job{TimeoutMs: MaxDurationMs}
	assert.Equal(t, 365*24*time.Hour, job.Timeout())
}

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 64, want: 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestEnqueueOptions_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   EnqueueOptions
		want EnqueueOptions
	}{
		{
			name: "defaults",
			in:   EnqueueOptions{},
			want: EnqueueOptions{Priority: PriorityNormal, MaxAttempts: DefaultMaxAttempts},
		},
		{
			name: "attempts clamped to ceiling",
			in:   EnqueueOptions{Priority: PriorityHigh, MaxAttempts: 10},
			want: EnqueueOptions{Priority: PriorityHigh, MaxAttempts: MaxAttemptsCeiling},
		},
		{
			name: "negative delay dropped",
			in:   EnqueueOptions{Priority: 7, MaxAttempts: 1, Delay: -time.Second},
			want: EnqueueOptions{Priority: 7, MaxAttempts: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestJob_EffectiveState(t *testing.T) {
	now := time.Now()

	j := &Job{State: StateQueued, RunAt: now.Add(time.Minute)}
	assert.Equal(t, StateDelayed, j.EffectiveState(now))

	j.RunAt = now.Add(-time.Second)
	assert.Equal(t, StateQueued, j.EffectiveState(now))

	j.State = StateActive
	assert.Equal(t, StateActive, j.EffectiveState(now))
}

func TestNewJob(t *testing.T) {
	now := time.Now()
	j := NewJob("gen", "generate-response", []byte(`{}`), EnqueueOptions{Delay: time.Second, UserID: "u1"}, now)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StateQueued, j.State)
	assert.Equal(t, PriorityNormal, j.Priority)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, now.Add(time.Second), j.RunAt)
	assert.Equal(t, "u1", j.UserID)

	j = NewJob("gen", "generate-response", nil, EnqueueOptions{JobID: "req-1"}, now)
	assert.Equal(t, "req-1", j.ID)
}

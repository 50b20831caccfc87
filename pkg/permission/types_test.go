package permission

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
	}{
		{"LOW", PriorityLow},
		{"normal", PriorityNormal},
		{" High ", PriorityHigh},
		{"CRITICAL", PriorityCritical},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParsePriority("URGENT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestDecisionAllowed(t *testing.T) {
	assert.True(t, DecisionAllowed.Allowed())
	assert.False(t, DecisionDenied.Allowed())
	// Fail-closed: an unknown outcome never grants access.
	assert.False(t, DecisionUnknownDefaultDenied.Allowed())
}

func TestNewCheckTaskValidation(t *testing.T) {
	cases := []struct {
		name       string
		subject    string
		permission string
		priority   Priority
		timeout    time.Duration
	}{
		{"empty subject", "", "API_ACCESS", PriorityNormal, time.Second},
		{"empty permission", "42", "", PriorityNormal, time.Second},
		{"zero timeout", "42", "API_ACCESS", PriorityNormal, 0},
		{"negative timeout", "42", "API_ACCESS", PriorityNormal, -time.Second},
		{"bad priority", "42", "API_ACCESS", Priority(9), time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCheckTask(tc.subject, tc.permission, tc.priority, tc.timeout)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}

	task, err := NewCheckTask("42", "API_ACCESS", PriorityNormal, 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.False(t, task.Expired(task.EnqueuedAt.Add(time.Second)))
	assert.True(t, task.Expired(task.EnqueuedAt.Add(3*time.Second)))
}

func TestNewBatchCheckTaskValidation(t *testing.T) {
	_, err := NewBatchCheckTask(nil, time.Second)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = NewBatchCheckTask([]Pair{{Subject: "a", Permission: ""}}, time.Second)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = NewBatchCheckTask([]Pair{{Subject: "a", Permission: "p"}}, 0)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	pairs := []Pair{{"a", "p1"}, {"a", "p1"}, {"b", "p2"}}
	batch, err := NewBatchCheckTask(pairs, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch.Pairs, 3)

	// The batch owns a copy of the pair list.
	pairs[0].Permission = "mutated"
	assert.Equal(t, "p1", batch.Pairs[0].Permission)
}

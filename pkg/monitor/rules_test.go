package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/permcore/pkg/permission"
)

func TestParseMetric(t *testing.T) {
	for _, name := range []string{
		"cpu_percent", "memory_percent", "cache_hit_rate",
		"avg_latency_ms", "queue_depth", "error_rate",
	} {
		m, err := ParseMetric(name)
		require.NoError(t, err, name)
		assert.Equal(t, Metric(name), m)
	}

	_, err := ParseMetric("p99_latency")
	assert.True(t, errors.Is(err, permission.ErrInvalidInput))
	_, err = ParseMetric("")
	assert.True(t, errors.Is(err, permission.ErrInvalidInput))
}

func TestComparatorCompare(t *testing.T) {
	cases := []struct {
		cmp       Comparator
		value     float64
		threshold float64
		want      bool
	}{
		{ComparatorGT, 2, 1, true},
		{ComparatorGT, 1, 1, false},
		{ComparatorGE, 1, 1, true},
		{ComparatorGE, 0.5, 1, false},
		{ComparatorLT, 0.2, 0.5, true},
		{ComparatorLT, 0.5, 0.5, false},
		{ComparatorLE, 0.5, 0.5, true},
		{ComparatorLE, 0.6, 0.5, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.cmp.Compare(tc.value, tc.threshold),
			"%v %s %v", tc.value, tc.cmp, tc.threshold)
	}
	assert.False(t, Comparator("!=").Compare(1, 2), "unknown comparator never matches")
}

func TestAlertRuleValidate(t *testing.T) {
	valid := AlertRule{
		Name:        "slow",
		Metric:      MetricAvgLatencyMS,
		Comparator:  ComparatorGT,
		Threshold:   250,
		MinDuration: 30 * time.Second,
		Cooldown:    5 * time.Minute,
		Enabled:     true,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*AlertRule)
	}{
		{"empty name", func(r *AlertRule) { r.Name = "" }},
		{"unknown metric", func(r *AlertRule) { r.Metric = "load_avg" }},
		{"unknown comparator", func(r *AlertRule) { r.Comparator = "between" }},
		{"zero min duration", func(r *AlertRule) { r.MinDuration = 0 }},
		{"negative cooldown", func(r *AlertRule) { r.Cooldown = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			err := r.Validate()
			assert.True(t, errors.Is(err, permission.ErrInvalidInput))
		})
	}
}

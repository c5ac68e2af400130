package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeekNumber(t *testing.T) {
	// 2024-01-04 is a Thursday in ISO week 1
	assert.Equal(t, 202401, WeekNumber(time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC)))

	// 2023-12-31 is a Sunday still in ISO week 52 of 2023
	assert.Equal(t, 202352, WeekNumber(time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC)))

	// 2024-12-30 is a Monday already in ISO week 1 of 2025
	assert.Equal(t, 202501, WeekNumber(time.Date(2024, 12, 30, 12, 0, 0, 0, time.UTC)))
}

func TestWeekNumberStableAcrossDayBoundaries(t *testing.T) {
	monday := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	sunday := time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, WeekNumber(monday), WeekNumber(sunday))

	nextMonday := sunday.Add(time.Second)
	assert.NotEqual(t, WeekNumber(monday), WeekNumber(nextMonday))
}

func TestFormulaValidate(t *testing.T) {
	valid := &ReliabilityFormula{
		ID:      "f1",
		Weights: map[MetricName]float64{MetricTimeliness: 0.4, MetricAccuracy: 0.6},
	}
	assert.NoError(t, valid.Validate())
}

func TestFormulaValidateRejectsUnknownMetric(t *testing.T) {
	f := &ReliabilityFormula{
		ID:      "f1",
		Weights: map[MetricName]float64{"charisma": 1},
	}
	assert.Error(t, f.Validate())
}

func TestFormulaValidateRejectsNegativeWeight(t *testing.T) {
	f := &ReliabilityFormula{
		ID:      "f1",
		Weights: map[MetricName]float64{MetricTimeliness: -0.5},
	}
	assert.Error(t, f.Validate())
}

func TestFormulaValidateRejectsZeroSum(t *testing.T) {
	f := &ReliabilityFormula{
		ID:      "f1",
		Weights: map[MetricName]float64{MetricTimeliness: 0, MetricAccuracy: 0},
	}
	assert.Error(t, f.Validate())
}

func TestFormulaValidateRequiresID(t *testing.T) {
	f := &ReliabilityFormula{
		Weights: map[MetricName]float64{MetricTimeliness: 1},
	}
	assert.Error(t, f.Validate())
}

func TestMetricValueCoversAllKnownMetrics(t *testing.T) {
	s := &ReviewerMetricsSnapshot{}
	for _, name := range KnownMetrics {
		_, ok := s.MetricValue(name)
		assert.Truef(t, ok, "metric %q not resolvable", name)
	}
	_, ok := s.MetricValue("unknown")
	assert.False(t, ok)
}

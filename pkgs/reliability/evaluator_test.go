package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
)

func snapshot() *models.ReviewerMetricsSnapshot {
	return &models.ReviewerMetricsSnapshot{
		ReviewerID:       "rv",
		Timeliness:       0.9,
		QualityMean:      0.6,
		Accuracy:         0.8,
		VoteValidation:   0.7,
		Volume:           0.5,
		ScoreConsistency: 1.0,
	}
}

func TestEvaluateEqualWeightsIsMeanOfMetrics(t *testing.T) {
	score := Evaluate(snapshot(), &models.ReliabilityFormula{
		ID: "f",
		Weights: map[models.MetricName]float64{
			models.MetricTimeliness: 1,
			models.MetricAccuracy:   1,
		},
	})
	assert.InDelta(t, 0.85, score, 1e-9)
}

func TestEvaluateWeightsAreRelative(t *testing.T) {
	// Scaling all weights by a constant changes nothing
	small := Evaluate(snapshot(), &models.ReliabilityFormula{
		ID: "f",
		Weights: map[models.MetricName]float64{
			models.MetricTimeliness: 0.2,
			models.MetricVolume:     0.1,
		},
	})
	big := Evaluate(snapshot(), &models.ReliabilityFormula{
		ID: "f",
		Weights: map[models.MetricName]float64{
			models.MetricTimeliness: 20,
			models.MetricVolume:     10,
		},
	})
	assert.InDelta(t, small, big, 1e-9)
}

func TestEvaluateUnknownMetricContributesZero(t *testing.T) {
	// Half the weight on an unknown metric halves the score instead of failing
	score := Evaluate(snapshot(), &models.ReliabilityFormula{
		ID: "f",
		Weights: map[models.MetricName]float64{
			models.MetricScoreConsistency: 1,
			"retired_metric":              1,
		},
	})
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestEvaluateAllCoversShadows(t *testing.T) {
	active := &models.ReliabilityFormula{
		ID:      "active",
		Weights: map[models.MetricName]float64{models.MetricTimeliness: 1},
	}
	shadow := &models.ReliabilityFormula{
		ID:      "shadow",
		Weights: map[models.MetricName]float64{models.MetricVolume: 1},
	}

	eval := EvaluateAll(snapshot(), active, []*models.ReliabilityFormula{shadow})
	assert.InDelta(t, 0.9, eval.Active, 1e-9)
	assert.InDelta(t, 0.5, eval.Shadow["shadow"], 1e-9)
}

func TestClassifyBadOnMissedRatio(t *testing.T) {
	s := snapshot()
	s.MissedRatio = 0.3
	assert.Equal(t, models.ReviewerBad, Classify(s))
}

func TestClassifyBadOnPenalties(t *testing.T) {
	s := snapshot()
	s.PenaltyTotal = 25
	assert.Equal(t, models.ReviewerBad, Classify(s))
}

func TestClassifyBadOnMultipleSoftFailures(t *testing.T) {
	s := snapshot()
	s.LateRatio = 0.35
	s.VoteValidation = 0.3
	assert.Equal(t, models.ReviewerBad, Classify(s))
}

func TestClassifySingleSoftFailureIsMiddle(t *testing.T) {
	s := snapshot()
	s.LateRatio = 0.35
	assert.Equal(t, models.ReviewerMiddle, Classify(s))
}

func TestClassifyGood(t *testing.T) {
	s := snapshot()
	s.ReviewCount = 30
	s.MissedRatio = 0.05
	s.PenaltyTotal = 0
	s.Timeliness = 0.9
	assert.Equal(t, models.ReviewerGood, Classify(s))
}

func TestClassifyDefaultMiddle(t *testing.T) {
	s := snapshot()
	s.ReviewCount = 5
	assert.Equal(t, models.ReviewerMiddle, Classify(s))
}

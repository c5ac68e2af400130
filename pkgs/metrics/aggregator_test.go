package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/metrics"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

func newAggregatorEnv(t *testing.T) (*metrics.Aggregator, *storage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := storage.NewStore(client, "test")
	aggregator := metrics.NewAggregator(store, metrics.Options{
		ReviewCountCap: 10,
		MaxScore:       250,
	})
	return aggregator, store
}

func TestComputeMetricsEmptyHistoryUsesNeutralDefaults(t *testing.T) {
	aggregator, _ := newAggregatorEnv(t)

	snapshot, err := aggregator.ComputeMetrics(context.Background(), "fresh-reviewer")
	require.NoError(t, err)

	// A reviewer with no history is neither trusted nor distrusted
	assert.Equal(t, 0.5, snapshot.Timeliness)
	assert.Equal(t, 0.5, snapshot.QualityMean)
	assert.Equal(t, 0.5, snapshot.Accuracy)
	assert.Equal(t, 0.5, snapshot.VoteValidation)
	assert.Equal(t, 0.5, snapshot.ScoreConsistency)
	assert.Equal(t, 0.0, snapshot.Volume)
	assert.Equal(t, 0.0, snapshot.MissedRatio)
	assert.Equal(t, 0.0, snapshot.PenaltyTotal)
	assert.Equal(t, 0, snapshot.ReviewCount)
}

func TestComputeMetricsFromActivity(t *testing.T) {
	aggregator, store := newAggregatorEnv(t)
	ctx := context.Background()

	// 3 on-time, 1 late review; quality ratings 5 and 3
	reviews := []*models.PeerReview{
		{ID: "r1", ReviewerID: "rv", SubmissionID: "s1", Score: 100, QualityRating: 5},
		{ID: "r2", ReviewerID: "rv", SubmissionID: "s2", Score: 100, QualityRating: 3},
		{ID: "r3", ReviewerID: "rv", SubmissionID: "s3", Score: 100},
		{ID: "r4", ReviewerID: "rv", SubmissionID: "s4", Score: 100, Late: true},
	}
	for _, review := range reviews {
		review.SubmittedAt = time.Now().UTC()
		require.NoError(t, store.AddReview(ctx, review))
	}

	snapshot, err := aggregator.ComputeMetrics(ctx, "rv")
	require.NoError(t, err)

	assert.InDelta(t, 0.75, snapshot.Timeliness, 1e-9)
	assert.InDelta(t, 0.25, snapshot.LateRatio, 1e-9)
	// Mean rating 4 on the 1-5 scale rescales to 0.75
	assert.InDelta(t, 0.75, snapshot.QualityMean, 1e-9)
	// 4 reviews against a cap of 10
	assert.InDelta(t, 0.4, snapshot.Volume, 1e-9)
	// Identical scores: perfectly consistent
	assert.InDelta(t, 1.0, snapshot.ScoreConsistency, 1e-9)
	assert.Equal(t, 4, snapshot.ReviewCount)
}

func TestComputeMetricsAccuracyFromDeviations(t *testing.T) {
	aggregator, store := newAggregatorEnv(t)
	ctx := context.Background()

	// Average deviation of 25 against max score 250
	require.NoError(t, store.RecordDeviation(ctx, "rv", 20))
	require.NoError(t, store.RecordDeviation(ctx, "rv", 30))

	snapshot, err := aggregator.ComputeMetrics(ctx, "rv")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, snapshot.Accuracy, 1e-9)
}

func TestComputeMetricsVoteValidation(t *testing.T) {
	aggregator, store := newAggregatorEnv(t)
	ctx := context.Background()

	require.NoError(t, store.RecordVoteValidation(ctx, "rv", true))
	require.NoError(t, store.RecordVoteValidation(ctx, "rv", true))
	require.NoError(t, store.RecordVoteValidation(ctx, "rv", false))

	snapshot, err := aggregator.ComputeMetrics(ctx, "rv")
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, snapshot.VoteValidation, 1e-9)
}

func TestComputeMetricsMissedAssignmentsAndPenalties(t *testing.T) {
	aggregator, store := newAggregatorEnv(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.RecordAssignment(ctx, "rv"))
	}
	require.NoError(t, store.RecordMissedAssignment(ctx, "rv"))
	require.NoError(t, store.AddPenalty(ctx, "rv", 10))

	snapshot, err := aggregator.ComputeMetrics(ctx, "rv")
	require.NoError(t, err)
	// RecordMissedAssignment counts the assignment too: 1 missed of 5
	assert.InDelta(t, 0.2, snapshot.MissedRatio, 1e-9)
	assert.Equal(t, 10.0, snapshot.PenaltyTotal)
	assert.InDelta(t, 0.5, snapshot.Penalty, 1e-9)
}

func TestVolumeCapsAtConfiguredCount(t *testing.T) {
	aggregator, store := newAggregatorEnv(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, store.AddReview(ctx, &models.PeerReview{
			ID:           string(rune('a' + i)),
			ReviewerID:   "rv",
			SubmissionID: "s",
			Score:        100,
			SubmittedAt:  time.Now().UTC(),
		}))
	}

	snapshot, err := aggregator.ComputeMetrics(ctx, "rv")
	require.NoError(t, err)
	assert.Equal(t, 1.0, snapshot.Volume)
	assert.Equal(t, 15, snapshot.ReviewCount)
}

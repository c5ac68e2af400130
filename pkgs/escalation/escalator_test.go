package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/escalation"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

func newEscalatorEnv(t *testing.T) (*escalation.Escalator, *storage.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := storage.NewStore(client, "test")

	emitter := events.NewEmitter(&events.EmitterConfig{
		BufferSize: 100,
		MaxWorkers: 2,
		EngineID:   "test-engine",
	})
	require.NoError(t, emitter.Start())
	t.Cleanup(func() { emitter.Stop() })

	return escalation.NewEscalator(store, emitter), store
}

func reviewSet(scores map[string]float64) []*models.PeerReview {
	reviews := make([]*models.PeerReview, 0, len(scores))
	for id, score := range scores {
		reviews = append(reviews, &models.PeerReview{
			ID:           id,
			ReviewerID:   "reviewer-" + id,
			SubmissionID: "sub-1",
			Score:        score,
			SubmittedAt:  time.Now().UTC(),
		})
	}
	return reviews
}

func savedSubmission(t *testing.T, store *storage.Store) *models.Submission {
	t.Helper()
	sub := &models.Submission{
		ID:         "sub-1",
		AuthorID:   "author-1",
		Status:     models.StatusUnderPeerReview,
		WeekNumber: models.WeekNumber(time.Now().UTC()),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.SaveSubmission(context.Background(), sub))
	return sub
}

func TestEscalateOpensCaseOverScoreRange(t *testing.T) {
	escalator, store := newEscalatorEnv(t)
	ctx := context.Background()
	sub := savedSubmission(t, store)

	vc, err := escalator.Escalate(ctx, sub, reviewSet(map[string]float64{
		"r1": 10, "r2": 180, "r3": 40,
	}))
	require.NoError(t, err)
	assert.Equal(t, 10.0, vc.MinScore)
	assert.Equal(t, 180.0, vc.MaxScore)
	assert.Equal(t, models.VoteCaseOpen, vc.Status)
	assert.Len(t, vc.ReviewIDs, 3)

	stored, err := store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalatedToVote, stored.Status)
}

func TestEscalateIsIdempotent(t *testing.T) {
	escalator, store := newEscalatorEnv(t)
	ctx := context.Background()
	sub := savedSubmission(t, store)
	reviews := reviewSet(map[string]float64{"r1": 10, "r2": 180, "r3": 40})

	first, err := escalator.Escalate(ctx, sub, reviews)
	require.NoError(t, err)

	second, err := escalator.Escalate(ctx, sub, reviews)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestEscalateRejectsFinalizedSubmission(t *testing.T) {
	escalator, store := newEscalatorEnv(t)
	ctx := context.Background()
	sub := savedSubmission(t, store)

	outcome, err := store.FinalizeSubmission(ctx, sub, models.StatusUnderPeerReview, 100, models.ConfidenceHigh, 0)
	require.NoError(t, err)
	require.Equal(t, storage.Finalized, outcome)

	_, err = escalator.Escalate(ctx, sub, reviewSet(map[string]float64{"r1": 10, "r2": 180, "r3": 40}))
	assert.Error(t, err)
}

func TestConflictClassification(t *testing.T) {
	escalator, store := newEscalatorEnv(t)
	ctx := context.Background()

	// Zero vs high
	sub := savedSubmission(t, store)
	vc, err := escalator.Escalate(ctx, sub, reviewSet(map[string]float64{"r1": 0, "r2": 180, "r3": 150}))
	require.NoError(t, err)
	assert.Equal(t, escalation.ConflictZeroVsHigh, vc.ConflictType)
}

func TestConflictCategoryMismatch(t *testing.T) {
	escalator, store := newEscalatorEnv(t)
	ctx := context.Background()
	sub := savedSubmission(t, store)

	reviews := reviewSet(map[string]float64{"r1": 50, "r2": 180})
	reviews[0].Category = "tutorial"
	reviews[1].Category = "thread"

	vc, err := escalator.Escalate(ctx, sub, reviews)
	require.NoError(t, err)
	assert.Equal(t, escalation.ConflictCategoryMismatch, vc.ConflictType)
}

func TestConflictDefaultScoreSpread(t *testing.T) {
	escalator, store := newEscalatorEnv(t)
	ctx := context.Background()
	sub := savedSubmission(t, store)

	vc, err := escalator.Escalate(ctx, sub, reviewSet(map[string]float64{"r1": 40, "r2": 180, "r3": 90}))
	require.NoError(t, err)
	assert.Equal(t, escalation.ConflictScoreSpread, vc.ConflictType)
}

package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

// Conflict types surfaced in the vote case for human-readable rendering
const (
	ConflictZeroVsHigh       = "zero_vs_high"
	ConflictCategoryMismatch = "category_mismatch"
	ConflictScoreSpread      = "score_spread"
)

// Escalator packages a diverged submission for community voting
type Escalator struct {
	store   *storage.Store
	emitter *events.Emitter
}

// NewEscalator creates an escalator
func NewEscalator(store *storage.Store, emitter *events.Emitter) *Escalator {
	return &Escalator{store: store, emitter: emitter}
}

// Escalate moves a submission to ESCALATED_TO_VOTE and opens a vote case
// over the divergent score range. One-way and idempotent: a submission has
// at most one open case, and escalating again returns the existing case.
func (e *Escalator) Escalate(ctx context.Context, sub *models.Submission, reviews []*models.PeerReview) (*models.VoteCase, error) {
	if len(reviews) == 0 {
		return nil, fmt.Errorf("cannot escalate submission %s without reviews", sub.ID)
	}

	minScore, maxScore := reviews[0].Score, reviews[0].Score
	reviewIDs := make([]string, 0, len(reviews))
	for _, review := range reviews {
		if review.Score < minScore {
			minScore = review.Score
		}
		if review.Score > maxScore {
			maxScore = review.Score
		}
		reviewIDs = append(reviewIDs, review.ID)
	}

	conflictType := classifyConflict(reviews, minScore, maxScore)

	moved, err := e.store.TransitionStatus(ctx, sub.ID, models.StatusUnderPeerReview, models.StatusEscalatedToVote)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Someone else already escalated (or finalized). If a case exists,
		// escalation is a no-op returning it.
		current, err := e.store.GetSubmission(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.StatusEscalatedToVote {
			return nil, fmt.Errorf("submission %s is %s, not escalatable", sub.ID, current.Status)
		}
	}

	vc := &models.VoteCase{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		MinScore:     minScore,
		MaxScore:     maxScore,
		ConflictType: conflictType,
		Summary: fmt.Sprintf("Peer reviews diverge between %.0f and %.0f XP (%s); community vote decides",
			minScore, maxScore, conflictType),
		ReviewIDs: reviewIDs,
		Status:    models.VoteCaseOpen,
		OpenedAt:  time.Now().UTC(),
	}

	opened, created, err := e.store.OpenVoteCase(ctx, vc)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Debugf("Submission %s already has open vote case %s", sub.ID, opened.ID)
		return opened, nil
	}

	// Monitoring timeline and escalation event, both non-critical
	e.store.Client().ZAdd(ctx, e.store.Keys().EscalationsTimeline(), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: sub.ID,
	})

	if err := e.emitter.EmitSubmissionEscalated("escalator", &events.EscalationEventPayload{
		SubmissionID: sub.ID,
		CaseID:       opened.ID,
		MinScore:     minScore,
		MaxScore:     maxScore,
		ConflictType: conflictType,
	}); err != nil {
		log.Debugf("Failed to emit escalation event for %s: %v", sub.ID, err)
	}

	log.Infof("Escalated submission %s to vote case %s (range %.0f-%.0f, %s)",
		sub.ID, opened.ID, minScore, maxScore, conflictType)
	return opened, nil
}

// classifyConflict derives a human-readable conflict type from review
// metadata for the vote case summary.
func classifyConflict(reviews []*models.PeerReview, minScore, maxScore float64) string {
	categories := make(map[string]struct{})
	for _, review := range reviews {
		if review.Category != "" {
			categories[review.Category] = struct{}{}
		}
	}
	if len(categories) > 1 {
		return ConflictCategoryMismatch
	}
	if minScore == 0 && maxScore > 0 {
		return ConflictZeroVsHigh
	}
	return ConflictScoreSpread
}

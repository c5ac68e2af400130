package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/escalation"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/metrics"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/reliability"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/shadowlog"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

var (
	// ErrInsufficientReviews means the minimum review count is not yet
	// reached. A precondition not yet met, not a failure: callers defer.
	ErrInsufficientReviews = errors.New("insufficient peer reviews")
	// ErrNoActiveFormula means no production reliability formula is configured
	ErrNoActiveFormula = errors.New("no active reliability formula configured")
)

// Options holds the consensus policy knobs, injected from config so tests
// can run multiple policies side by side.
type Options struct {
	MinReviews       int
	ZThreshold       float64
	MaxScore         float64
	FloorWeight      float64
	HighSpread       float64
	MediumSpread     float64
	WeeklyCap        int
	ActiveFormulaID  string
	ShadowFormulaIDs []string
}

// Outcome is the result of a consensus run
type Outcome struct {
	Result    *models.ConsensusResult // set when finalized or held
	Escalated bool
	CaseID    string
}

// Calculator turns a submission's peer reviews into a finalized XP value,
// or escalates when agreement is too weak.
type Calculator struct {
	store      *storage.Store
	aggregator *metrics.Aggregator
	escalator  *escalation.Escalator
	shadow     *shadowlog.Logger
	emitter    *events.Emitter
	opts       Options
}

// NewCalculator creates a consensus calculator
func NewCalculator(
	store *storage.Store,
	aggregator *metrics.Aggregator,
	escalator *escalation.Escalator,
	shadow *shadowlog.Logger,
	emitter *events.Emitter,
	opts Options,
) *Calculator {
	if opts.MinReviews <= 0 {
		opts.MinReviews = 3
	}
	if opts.ZThreshold <= 0 {
		opts.ZThreshold = 2.0
	}
	if opts.MaxScore <= 0 {
		opts.MaxScore = 250
	}
	if opts.FloorWeight <= 0 {
		opts.FloorWeight = 0.1
	}
	return &Calculator{
		store:      store,
		aggregator: aggregator,
		escalator:  escalator,
		shadow:     shadow,
		emitter:    emitter,
		opts:       opts,
	}
}

// reviewerEval pairs a review with its reviewer's reliability evaluation
type reviewerEval struct {
	review *models.PeerReview
	eval   reliability.Evaluation
}

// CalculateConsensus runs the full pipeline for one submission. Idempotent:
// an already-finalized submission returns its stored result, an escalated
// one returns its open case, and a lost finalize race is treated as
// success-elsewhere.
func (c *Calculator) CalculateConsensus(ctx context.Context, submissionID string) (*Outcome, error) {
	sub, err := c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	switch sub.Status {
	case models.StatusFinalized:
		return c.storedOutcome(sub), nil
	case models.StatusEscalatedToVote:
		return c.escalatedOutcome(ctx, sub)
	case models.StatusUnderPeerReview:
		// proceed
	default:
		return nil, fmt.Errorf("submission %s is %s, consensus requires %s",
			sub.ID, sub.Status, models.StatusUnderPeerReview)
	}

	reviews, err := c.store.GetReviews(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if len(reviews) < c.opts.MinReviews {
		return nil, ErrInsufficientReviews
	}

	if c.opts.ActiveFormulaID == "" {
		return nil, ErrNoActiveFormula
	}
	active, err := c.store.GetFormula(ctx, c.opts.ActiveFormulaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active formula %s: %w", c.opts.ActiveFormulaID, err)
	}
	shadows := c.loadShadowFormulas(ctx)

	// Reliability evaluation per reviewer (active + shadows in one pass)
	evals := make([]reviewerEval, 0, len(reviews))
	for _, review := range reviews {
		snapshot, err := c.aggregator.ComputeMetrics(ctx, review.ReviewerID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute metrics for reviewer %s: %w", review.ReviewerID, err)
		}
		evals = append(evals, reviewerEval{
			review: review,
			eval:   reliability.EvaluateAll(snapshot, active, shadows),
		})
	}

	// Outlier exclusion over raw scores; retain all when exclusion would
	// drop below the reviewer minimum.
	scores := make([]float64, len(evals))
	for i, re := range evals {
		scores[i] = re.review.Score
	}
	flags := outlierFlags(scores, c.opts.ZThreshold)
	retained := make([]reviewerEval, 0, len(evals))
	for i, re := range evals {
		if !flags[i] {
			retained = append(retained, re)
		}
	}
	outliersDropped := len(evals) - len(retained)
	if len(retained) < c.opts.MinReviews {
		retained = evals
		outliersDropped = 0
	}

	finalXP := c.weightedScore(retained, func(e reliability.Evaluation) float64 { return e.Active })

	retainedScores := make([]float64, len(retained))
	for i, re := range retained {
		retainedScores[i] = re.review.Score
	}
	lo, hi := scoreRange(retainedScores)
	spread := (hi - lo) / c.opts.MaxScore
	confidence := c.classifyConfidence(spread)

	var outcome *Outcome
	if confidence == models.ConfidenceLow {
		vc, err := c.escalator.Escalate(ctx, sub, reviews)
		if err != nil {
			return nil, err
		}
		outcome = &Outcome{Escalated: true, CaseID: vc.ID}
	} else {
		outcome, err = c.finalize(ctx, sub, retained, finalXP, confidence, outliersDropped)
		if err != nil {
			return nil, err
		}
	}

	// Shadow evaluation strictly after the production decision; it can
	// never influence or fail the outcome above.
	c.logShadowRuns(ctx, sub.ID, active.ID, finalXP, retained, shadows)

	return outcome, nil
}

// weightedScore computes the reliability-weighted average of retained
// review scores, flooring each weight so a zero-reliability reviewer can
// never nullify the denominator.
func (c *Calculator) weightedScore(retained []reviewerEval, weightOf func(reliability.Evaluation) float64) float64 {
	scores := make([]float64, len(retained))
	weights := make([]float64, len(retained))
	for i, re := range retained {
		scores[i] = re.review.Score
		w := weightOf(re.eval)
		if w < c.opts.FloorWeight {
			w = c.opts.FloorWeight
		}
		weights[i] = w
	}
	return weightedAverage(scores, weights)
}

// classifyConfidence maps normalized score spread to a confidence tier
func (c *Calculator) classifyConfidence(spread float64) models.Confidence {
	switch {
	case spread <= c.opts.HighSpread:
		return models.ConfidenceHigh
	case spread <= c.opts.MediumSpread:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// finalize performs the atomic compare-and-set finalize and dispatches the
// asynchronous side effects.
func (c *Calculator) finalize(
	ctx context.Context,
	sub *models.Submission,
	retained []reviewerEval,
	finalXP float64,
	confidence models.Confidence,
	outliersDropped int,
) (*Outcome, error) {
	result, err := c.store.FinalizeSubmission(ctx, sub, models.StatusUnderPeerReview, finalXP, confidence, c.opts.WeeklyCap)
	if err != nil {
		return nil, err
	}

	switch result {
	case storage.FinalizeLostRace:
		// Another concurrent attempt won. Success-elsewhere, not an error.
		current, err := c.store.GetSubmission(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.StatusEscalatedToVote {
			return c.escalatedOutcome(ctx, current)
		}
		log.Debugf("Lost finalize race for submission %s, adopting stored result", sub.ID)
		return c.storedOutcome(current), nil

	case storage.FinalizeHeld:
		releaseAt := nextWeekStart(time.Now().UTC())
		if err := c.store.HoldSubmission(ctx, sub, finalXP, confidence, releaseAt); err != nil {
			return nil, err
		}
		if err := c.emitter.EmitSubmissionHeld("consensus", &events.HeldEventPayload{
			SubmissionID: sub.ID,
			AuthorID:     sub.AuthorID,
			PendingXP:    finalXP,
			ReleaseAt:    releaseAt.Unix(),
		}); err != nil {
			log.Debugf("Failed to emit held event for %s: %v", sub.ID, err)
		}
		log.Infof("Weekly cap reached for author %s; holding submission %s until %s",
			sub.AuthorID, sub.ID, releaseAt.Format(time.RFC3339))
		return &Outcome{Result: &models.ConsensusResult{
			SubmissionID:    sub.ID,
			FinalXP:         finalXP,
			Confidence:      confidence,
			ReviewCount:     len(retained),
			OutliersDropped: outliersDropped,
			Held:            true,
		}}, nil
	}

	// Won the finalize. Deviation bookkeeping for retained reviewers feeds
	// the accuracy metric of future runs.
	for _, re := range retained {
		dev := re.review.Score - finalXP
		if dev < 0 {
			dev = -dev
		}
		if err := c.store.RecordDeviation(ctx, re.review.ReviewerID, dev); err != nil {
			log.Errorf("Failed to record deviation for reviewer %s: %v", re.review.ReviewerID, err)
		}
	}

	c.dispatchSideEffects(sub, finalXP, confidence, len(retained), outliersDropped)

	log.Infof("Finalized submission %s: XP %.2f, confidence %s (%d reviews, %d outliers dropped)",
		sub.ID, finalXP, confidence, len(retained), outliersDropped)

	return &Outcome{Result: &models.ConsensusResult{
		SubmissionID:    sub.ID,
		FinalXP:         finalXP,
		Confidence:      confidence,
		ReviewCount:     len(retained),
		OutliersDropped: outliersDropped,
	}}, nil
}

// dispatchSideEffects emits the post-finalize work (notification, XP grant
// announcement, AI summary request, monitoring timeline) as fire-and-forget
// events that must not block or roll back the finalize.
func (c *Calculator) dispatchSideEffects(sub *models.Submission, finalXP float64, confidence models.Confidence, reviewCount, outliersDropped int) {
	go func() {
		payload := &events.ConsensusEventPayload{
			SubmissionID:    sub.ID,
			FinalXP:         finalXP,
			Confidence:      string(confidence),
			ReviewCount:     reviewCount,
			OutliersDropped: outliersDropped,
		}
		if err := c.emitter.EmitConsensusReached("consensus", payload); err != nil {
			log.Debugf("Failed to emit consensus event for %s: %v", sub.ID, err)
		}
		if err := c.emitter.EmitSubmissionFinalized("consensus", payload); err != nil {
			log.Debugf("Failed to emit finalized event for %s: %v", sub.ID, err)
		}
		if err := c.emitter.EmitXPAwarded("consensus", &events.XPEventPayload{
			SubmissionID: sub.ID,
			AuthorID:     sub.AuthorID,
			XP:           finalXP,
		}); err != nil {
			log.Debugf("Failed to emit xp event for %s: %v", sub.ID, err)
		}
		if event, err := events.NewEvent(events.EventAISummaryRequested, events.SeverityInfo, "consensus", payload); err == nil {
			event.SubmissionID = sub.ID
			c.emitter.Emit(event)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.store.Client().ZAdd(ctx, c.store.Keys().FinalizationsTimeline(), redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: sub.ID,
		})
	}()
}

// logShadowRuns recomputes the weighted average under each shadow formula
// and appends one shadow log row per formula. Failures are swallowed by
// the logger; this can never affect the production result.
func (c *Calculator) logShadowRuns(ctx context.Context, submissionID, activeFormulaID string, activeXP float64, retained []reviewerEval, shadows []*models.ReliabilityFormula) {
	for _, shadow := range shadows {
		shadowID := shadow.ID
		shadowXP := c.weightedScore(retained, func(e reliability.Evaluation) float64 {
			return e.Shadow[shadowID]
		})
		c.shadow.Log(ctx, submissionID, activeFormulaID, activeXP, shadowID, shadowXP)
	}
}

// loadShadowFormulas loads the configured shadow formulas, skipping any
// that are missing (misconfiguration is logged, never fatal).
func (c *Calculator) loadShadowFormulas(ctx context.Context) []*models.ReliabilityFormula {
	shadows := make([]*models.ReliabilityFormula, 0, len(c.opts.ShadowFormulaIDs))
	for _, id := range c.opts.ShadowFormulaIDs {
		formula, err := c.store.GetFormula(ctx, id)
		if err != nil {
			log.Warnf("Shadow formula %s unavailable, skipping: %v", id, err)
			continue
		}
		shadows = append(shadows, formula)
	}
	return shadows
}

// storedOutcome builds an outcome from an already-finalized submission
func (c *Calculator) storedOutcome(sub *models.Submission) *Outcome {
	result := &models.ConsensusResult{
		SubmissionID: sub.ID,
		Confidence:   sub.Confidence,
	}
	if sub.FinalXP != nil {
		result.FinalXP = *sub.FinalXP
	}
	return &Outcome{Result: result}
}

// escalatedOutcome resolves the open case ID for an escalated submission
func (c *Calculator) escalatedOutcome(ctx context.Context, sub *models.Submission) (*Outcome, error) {
	caseID, err := c.store.Client().Get(ctx, c.store.Keys().SubmissionVoteCase(sub.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("submission %s escalated but case pointer missing: %w", sub.ID, err)
	}
	return &Outcome{Escalated: true, CaseID: caseID}, nil
}

// retainAfterOutliers applies the consensus-time outlier policy to a
// review set: flagged scores are excluded unless exclusion would drop the
// set below the reviewer minimum, in which case all are retained.
func (c *Calculator) retainAfterOutliers(reviews []*models.PeerReview) ([]*models.PeerReview, int) {
	scores := make([]float64, len(reviews))
	for i, review := range reviews {
		scores[i] = review.Score
	}
	flags := outlierFlags(scores, c.opts.ZThreshold)
	retained := make([]*models.PeerReview, 0, len(reviews))
	for i, review := range reviews {
		if !flags[i] {
			retained = append(retained, review)
		}
	}
	if len(retained) < c.opts.MinReviews {
		return reviews, 0
	}
	return retained, len(reviews) - len(retained)
}

// ReleaseHeld retries the finalize of a held submission once its author's
// week has rolled over. Invoked by the held-release worker. The retained
// reviewer set is recomputed from the stored reviews (scores are immutable
// once a submission leaves review, so the outlier flags reproduce the
// consensus-time set) so a deferred finalize feeds the accuracy metric the
// same way a direct one does.
func (c *Calculator) ReleaseHeld(ctx context.Context, submissionID string) error {
	sub, err := c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.Status != models.StatusUnderPeerReview {
		// Finalized or escalated through another path meanwhile
		return c.store.RemoveHeld(ctx, submissionID)
	}

	pendingXP, confidence, err := c.store.PendingScore(ctx, submissionID)
	if err != nil {
		return err
	}
	reviews, err := c.store.GetReviews(ctx, submissionID)
	if err != nil {
		return err
	}
	retained, outliersDropped := c.retainAfterOutliers(reviews)

	// The hold spans a week boundary, so the cap counter is the new week's
	sub.WeekNumber = models.WeekNumber(time.Now().UTC())
	result, err := c.store.FinalizeSubmission(ctx, sub, models.StatusUnderPeerReview, pendingXP, confidence, c.opts.WeeklyCap)
	if err != nil {
		return err
	}
	switch result {
	case storage.FinalizeHeld:
		// Still capped; push release out another week
		return c.store.HoldSubmission(ctx, sub, pendingXP, confidence, nextWeekStart(time.Now().UTC()))
	case storage.Finalized:
		for _, review := range retained {
			dev := review.Score - pendingXP
			if dev < 0 {
				dev = -dev
			}
			if err := c.store.RecordDeviation(ctx, review.ReviewerID, dev); err != nil {
				log.Errorf("Failed to record deviation for reviewer %s: %v", review.ReviewerID, err)
			}
		}
		c.dispatchSideEffects(sub, pendingXP, confidence, len(retained), outliersDropped)
	}
	return c.store.RemoveHeld(ctx, submissionID)
}

// nextWeekStart returns the UTC start of the ISO week after t
func nextWeekStart(t time.Time) time.Time {
	t = t.UTC()
	// Monday of the current ISO week
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
	return monday.AddDate(0, 0, 7)
}

package votes

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/events"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

// Resolution is the outcome of a tally attempt. Pending resolutions are
// idempotent no-ops: no quorum or no majority means no writes at all.
type Resolution struct {
	CaseID       string  `json:"case_id"`
	Pending      bool    `json:"pending"`
	VoteCount    int     `json:"vote_count"`
	WinningScore float64 `json:"winning_score,omitempty"`
	WinningShare float64 `json:"winning_share,omitempty"`
}

// Resolver tallies community votes and finalizes escalated submissions
type Resolver struct {
	store    *storage.Store
	emitter  *events.Emitter
	quorum   int
	majority float64
}

// NewResolver creates a vote resolver. quorum is the minimum vote count
// before a case can be decided; majority is the share one side must
// strictly exceed to win.
func NewResolver(store *storage.Store, emitter *events.Emitter, quorum int, majority float64) *Resolver {
	if quorum <= 0 {
		quorum = 50
	}
	if majority < 0.5 || majority >= 1 {
		majority = 0.5
	}
	return &Resolver{store: store, emitter: emitter, quorum: quorum, majority: majority}
}

// Tally computes a resolution from a consistent read of all votes for the
// case. Below quorum, or at quorum without a strict majority, the case
// stays open and nothing is written. A closed case returns its stored
// resolution.
func (r *Resolver) Tally(ctx context.Context, caseID string) (*Resolution, error) {
	vc, err := r.store.GetVoteCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if vc.Status == models.VoteCaseClosed {
		res := &Resolution{CaseID: caseID}
		if vc.WinningScore != nil {
			res.WinningScore = *vc.WinningScore
		}
		return res, nil
	}

	allVotes, err := r.store.GetVotes(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(allVotes) < r.quorum {
		return &Resolution{CaseID: caseID, Pending: true, VoteCount: len(allVotes)}, nil
	}

	var forMin, forMax int
	for _, vote := range allVotes {
		switch vote.XPValue {
		case vc.MinScore:
			forMin++
		case vc.MaxScore:
			forMax++
		}
	}

	total := forMin + forMax
	if total == 0 {
		return &Resolution{CaseID: caseID, Pending: true, VoteCount: len(allVotes)}, nil
	}

	var winning float64
	var share float64
	switch {
	case float64(forMin)/float64(total) > r.majority:
		winning = vc.MinScore
		share = float64(forMin) / float64(total)
	case float64(forMax)/float64(total) > r.majority:
		winning = vc.MaxScore
		share = float64(forMax) / float64(total)
	default:
		// Tie or sub-majority at quorum: remain open for more votes
		log.Debugf("Case %s at %d votes with no majority (%d vs %d), staying open",
			caseID, total, forMin, forMax)
		return &Resolution{CaseID: caseID, Pending: true, VoteCount: len(allVotes)}, nil
	}

	won, err := r.resolve(ctx, vc, winning)
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent tally closed the case first; adopt its resolution
		closed, err := r.store.GetVoteCase(ctx, caseID)
		if err != nil {
			return nil, err
		}
		res := &Resolution{CaseID: caseID, VoteCount: len(allVotes)}
		if closed.WinningScore != nil {
			res.WinningScore = *closed.WinningScore
		}
		return res, nil
	}

	log.Infof("Vote case %s resolved: %.0f XP wins with %.0f%% of %d votes",
		caseID, winning, share*100, total)
	return &Resolution{
		CaseID:       caseID,
		VoteCount:    len(allVotes),
		WinningScore: winning,
		WinningShare: share,
	}, nil
}

// resolve closes the case, finalizes the submission with the winning XP
// and retroactively marks the contributing reviews. The close is a
// conditional OPEN -> CLOSED transition: a losing concurrent tally returns
// false here and must not re-mark reviews or re-emit verdicts, or the
// feedback counters would double-count. Validation verdicts are emitted as
// events for the metrics feedback loop rather than written into reviewer
// counters directly.
func (r *Resolver) resolve(ctx context.Context, vc *models.VoteCase, winning float64) (bool, error) {
	won, err := r.store.CloseVoteCase(ctx, vc, winning)
	if err != nil {
		return false, err
	}
	if !won {
		log.Debugf("Case %s already closed by a concurrent tally", vc.ID)
		return false, nil
	}

	sub, err := r.store.GetSubmission(ctx, vc.SubmissionID)
	if err != nil {
		return false, err
	}
	outcome, err := r.store.FinalizeSubmission(ctx, sub, models.StatusEscalatedToVote, winning, models.ConfidenceLow, 0)
	if err != nil {
		return false, err
	}
	if outcome == storage.Finalized {
		if err := r.emitter.EmitSubmissionFinalized("vote-resolver", &events.ConsensusEventPayload{
			SubmissionID: vc.SubmissionID,
			FinalXP:      winning,
			Confidence:   string(models.ConfidenceLow),
			ReviewCount:  len(vc.ReviewIDs),
		}); err != nil {
			log.Debugf("Failed to emit finalized event for %s: %v", vc.SubmissionID, err)
		}
	} else {
		// Already finalized elsewhere (admin override); reviews still get marked
		log.Warnf("Submission %s was not in %s during vote resolution", vc.SubmissionID, models.StatusEscalatedToVote)
	}

	losing := vc.MinScore
	if winning == vc.MinScore {
		losing = vc.MaxScore
	}

	reviews, err := r.store.GetReviews(ctx, vc.SubmissionID)
	if err != nil {
		return false, err
	}
	caseReviews := make(map[string]struct{}, len(vc.ReviewIDs))
	for _, id := range vc.ReviewIDs {
		caseReviews[id] = struct{}{}
	}

	for _, review := range reviews {
		if _, inCase := caseReviews[review.ID]; !inCase {
			continue
		}
		validated := math.Abs(review.Score-winning) <= math.Abs(review.Score-losing)
		status := models.ValidationInvalidated
		if validated {
			status = models.ValidationValidated
		}
		if err := r.store.SetReviewValidation(ctx, review.ID, status); err != nil {
			return true, fmt.Errorf("failed to mark review %s: %w", review.ID, err)
		}
		if err := r.emitter.EmitReviewValidation("vote-resolver", &events.ReviewValidationEventPayload{
			ReviewID:     review.ID,
			ReviewerID:   review.ReviewerID,
			SubmissionID: vc.SubmissionID,
			CaseID:       vc.ID,
			Validated:    validated,
		}); err != nil {
			log.Debugf("Failed to emit validation event for review %s: %v", review.ID, err)
		}
	}

	if event, err := events.NewEvent(events.EventVoteCaseClosed, events.SeverityInfo, "vote-resolver", map[string]interface{}{
		"case_id":       vc.ID,
		"submission_id": vc.SubmissionID,
		"winning_score": winning,
	}); err == nil {
		event.CaseID = vc.ID
		event.SubmissionID = vc.SubmissionID
		r.emitter.Emit(event)
	}

	return true, nil
}

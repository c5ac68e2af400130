package reliability

import (
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
)

// Classification thresholds. These gate review-pool eligibility; they are
// rule-based over the raw snapshot and independent of XP weighting.
const (
	badMissedRatio  = 0.25
	badPenaltyTotal = 20.0

	goodReviewCount = 25
	goodMissedRatio = 0.10
	goodTimeliness  = 0.85

	// Soft-failure thresholds: two or more of these also classify Bad
	softLateRatio      = 0.30
	softAccuracy       = 0.40
	softVoteValidation = 0.40
)

// Classify buckets a reviewer as Good, Middle or Bad from the raw
// (non-weighted) metrics snapshot.
//
// Bad: missed-ratio >= 0.25, or penalty total >= 20, or multiple soft
// failures (chronic lateness, poor accuracy, poor vote validation).
// Good: 25+ reviews, missed-ratio < 0.10, zero penalties, timeliness >= 0.85.
// Everyone else is Middle.
func Classify(snapshot *models.ReviewerMetricsSnapshot) models.ReviewerClass {
	if snapshot.MissedRatio >= badMissedRatio || snapshot.PenaltyTotal >= badPenaltyTotal {
		return models.ReviewerBad
	}

	softFailures := 0
	if snapshot.LateRatio >= softLateRatio {
		softFailures++
	}
	if snapshot.ReviewCount > 0 && snapshot.Accuracy < softAccuracy {
		softFailures++
	}
	if snapshot.VoteValidation < softVoteValidation {
		softFailures++
	}
	if softFailures >= 2 {
		return models.ReviewerBad
	}

	if snapshot.ReviewCount >= goodReviewCount &&
		snapshot.MissedRatio < goodMissedRatio &&
		snapshot.PenaltyTotal == 0 &&
		snapshot.Timeliness >= goodTimeliness {
		return models.ReviewerGood
	}

	return models.ReviewerMiddle
}

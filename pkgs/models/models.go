package models

import (
	"fmt"
	"time"
)

// SubmissionStatus tracks a submission through its lifecycle
type SubmissionStatus string

const (
	StatusPending         SubmissionStatus = "PENDING"
	StatusAIReviewed      SubmissionStatus = "AI_REVIEWED"
	StatusUnderPeerReview SubmissionStatus = "UNDER_PEER_REVIEW"
	StatusEscalatedToVote SubmissionStatus = "ESCALATED_TO_VOTE"
	StatusFinalized       SubmissionStatus = "FINALIZED"
)

// Confidence classifies how tightly peer scores agree
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ValidationStatus is set on a peer review by the vote resolver
type ValidationStatus string

const (
	ValidationPending     ValidationStatus = "PENDING"
	ValidationValidated   ValidationStatus = "VALIDATED"
	ValidationInvalidated ValidationStatus = "INVALIDATED"
)

// ReviewerClass is the rule-based pool-eligibility class (not used for XP weighting)
type ReviewerClass string

const (
	ReviewerGood   ReviewerClass = "Good"
	ReviewerMiddle ReviewerClass = "Middle"
	ReviewerBad    ReviewerClass = "Bad"
)

// Submission is one piece of evaluated content
type Submission struct {
	ID          string           `json:"id"`
	AuthorID    string           `json:"author_id"`
	AIScore     float64          `json:"ai_score"`
	Status      SubmissionStatus `json:"status"`
	FinalXP     *float64         `json:"final_xp,omitempty"`
	Confidence  Confidence       `json:"confidence,omitempty"`
	WeekNumber  int              `json:"week_number"`
	CreatedAt   time.Time        `json:"created_at"`
	FinalizedAt *time.Time       `json:"finalized_at,omitempty"`
}

// PeerReview is one reviewer's judgment of one submission.
// Reviews are never deleted; a reassignment creates a new one.
type PeerReview struct {
	ID               string           `json:"id"`
	ReviewerID       string           `json:"reviewer_id"`
	SubmissionID     string           `json:"submission_id"`
	Score            float64          `json:"score"`
	Comment          string           `json:"comment,omitempty"`
	QualityRating    int              `json:"quality_rating,omitempty"` // 1-5, 0 = not provided
	Category         string           `json:"category,omitempty"`
	Late             bool             `json:"late"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	SubmittedAt      time.Time        `json:"submitted_at"`
}

// ReviewerMetricsSnapshot holds the normalized behavioral metrics for a
// reviewer as of a consensus run. Every sub-metric is in [0,1] except
// PenaltyTotal, which is the raw administrative penalty sum used by the
// classifier; its normalized form enters formulas via Normalized().
type ReviewerMetricsSnapshot struct {
	ReviewerID      string    `json:"reviewer_id"`
	AsOf            time.Time `json:"as_of"`
	Timeliness      float64   `json:"timeliness"`       // on-time reviews / total reviews
	QualityMean     float64   `json:"quality_mean"`     // mean self-rating scaled to [0,1]
	Accuracy        float64   `json:"accuracy"`         // inverse deviation from finalized scores
	VoteValidation  float64   `json:"vote_validation"`  // validated / (validated + invalidated)
	Volume          float64   `json:"volume"`           // review count capped then scaled
	MissedRatio     float64   `json:"missed_ratio"`     // missed assignments / assigned
	LateRatio       float64   `json:"late_ratio"`       // late reviews / total reviews
	ScoreConsistency float64  `json:"score_consistency"` // 1 - normalized score variance
	PenaltyTotal    float64   `json:"penalty_total"`    // raw admin penalty points
	ReviewCount     int       `json:"review_count"`     // uncapped, for classification
	Penalty         float64   `json:"penalty"`          // penalty normalized to [0,1]
}

// MetricName is the closed set of metric keys a formula may weight.
// Unknown keys are rejected at formula creation time.
type MetricName string

const (
	MetricTimeliness       MetricName = "timeliness"
	MetricQuality          MetricName = "quality"
	MetricAccuracy         MetricName = "accuracy"
	MetricVoteValidation   MetricName = "vote_validation"
	MetricVolume           MetricName = "volume"
	MetricScoreConsistency MetricName = "score_consistency"
)

// KnownMetrics enumerates every valid formula metric key.
var KnownMetrics = []MetricName{
	MetricTimeliness,
	MetricQuality,
	MetricAccuracy,
	MetricVoteValidation,
	MetricVolume,
	MetricScoreConsistency,
}

// MetricValue returns the snapshot value for a metric name.
func (s *ReviewerMetricsSnapshot) MetricValue(name MetricName) (float64, bool) {
	switch name {
	case MetricTimeliness:
		return s.Timeliness, true
	case MetricQuality:
		return s.QualityMean, true
	case MetricAccuracy:
		return s.Accuracy, true
	case MetricVoteValidation:
		return s.VoteValidation, true
	case MetricVolume:
		return s.Volume, true
	case MetricScoreConsistency:
		return s.ScoreConsistency, true
	}
	return 0, false
}

// ReliabilityFormula is a named, versioned set of non-negative relative
// weights over the metric set. Immutable once referenced by a shadow log
// row: changing weights requires a new formula ID.
type ReliabilityFormula struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Version   int                    `json:"version"`
	Weights   map[MetricName]float64 `json:"weights"`
	CreatedAt time.Time              `json:"created_at"`
}

// Validate rejects unknown metric keys and negative weights.
func (f *ReliabilityFormula) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("formula ID is required")
	}
	if len(f.Weights) == 0 {
		return fmt.Errorf("formula %s declares no weights", f.ID)
	}
	total := 0.0
	for name, w := range f.Weights {
		known := false
		for _, k := range KnownMetrics {
			if name == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("formula %s: unknown metric %q", f.ID, name)
		}
		if w < 0 {
			return fmt.Errorf("formula %s: negative weight %f for %q", f.ID, w, name)
		}
		total += w
	}
	if total == 0 {
		return fmt.Errorf("formula %s: weights sum to zero", f.ID)
	}
	return nil
}

// ShadowConsensusLog is one write-once row per consensus run per shadow
// formula, for offline formula comparison only.
type ShadowConsensusLog struct {
	SubmissionID    string    `json:"submission_id"`
	ActiveFormulaID string    `json:"active_formula_id"`
	ActiveScore     float64   `json:"active_score"`
	ShadowFormulaID string    `json:"shadow_formula_id"`
	ShadowScore     float64   `json:"shadow_score"`
	Delta           float64   `json:"delta"`
	LoggedAt        time.Time `json:"logged_at"`
}

// VoteCaseStatus tracks a community vote case
type VoteCaseStatus string

const (
	VoteCaseOpen   VoteCaseStatus = "OPEN"
	VoteCaseClosed VoteCaseStatus = "CLOSED"
)

// VoteCase opens when peer consensus confidence is too low to finalize.
// MinScore and MaxScore are the two disputed XP values under vote.
type VoteCase struct {
	ID           string         `json:"id"`
	SubmissionID string         `json:"submission_id"`
	MinScore     float64        `json:"min_score"`
	MaxScore     float64        `json:"max_score"`
	ConflictType string         `json:"conflict_type"`
	Summary      string         `json:"summary"`
	ReviewIDs    []string       `json:"review_ids"`
	Status       VoteCaseStatus `json:"status"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	WinningScore *float64       `json:"winning_score,omitempty"`
}

// JudgmentVote is one wallet's vote on a case. Signature validity is
// checked upstream before the vote is accepted here.
type JudgmentVote struct {
	CaseID       string    `json:"case_id"`
	Wallet       string    `json:"wallet"`
	XPValue      float64   `json:"xp_value"`
	SignatureRef string    `json:"signature_ref"`
	CastAt       time.Time `json:"cast_at"`
}

// ConsensusResult is the finalized outcome of a consensus run
type ConsensusResult struct {
	SubmissionID    string     `json:"submission_id"`
	FinalXP         float64    `json:"final_xp"`
	Confidence      Confidence `json:"confidence"`
	ReviewCount     int        `json:"review_count"`
	OutliersDropped int        `json:"outliers_dropped"`
	Held            bool       `json:"held"` // weekly cap reached, deferred to next week
}

// WeekNumber returns the ISO-style year*100+week bucket used for the
// per-author weekly finalized cap.
func WeekNumber(t time.Time) int {
	year, week := t.UTC().ISOWeek()
	return year*100 + week
}

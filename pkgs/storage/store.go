package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	rkeys "github.com/dimzachar/ScholarsXP-sub006/pkgs/redis"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrFormulaExists is returned when creating a formula with a taken ID.
	// Formulas are immutable; changed weights require a new ID.
	ErrFormulaExists = errors.New("formula already exists")
)

// FinalizeOutcome is the result of an atomic finalize attempt
type FinalizeOutcome int

const (
	// FinalizeLostRace means another attempt already moved the state machine
	FinalizeLostRace FinalizeOutcome = 0
	// Finalized means this attempt won and the submission is FINALIZED
	Finalized FinalizeOutcome = 1
	// FinalizeHeld means the author's weekly cap is reached; deferred
	FinalizeHeld FinalizeOutcome = 2
)

// finalizeScript performs the compare-and-set finalize in a single atomic
// step: status check, weekly cap check, status transition, weekly counter
// bump and the one-and-only XP transaction record. A losing concurrent
// attempt observes the changed status and returns 0 with no side effects.
var finalizeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= ARGV[1] then
  return 0
end
local cap = tonumber(ARGV[4])
if cap > 0 then
  local cnt = tonumber(redis.call('GET', KEYS[2]) or '0')
  if cnt >= cap then
    return 2
  end
end
redis.call('HSET', KEYS[1], 'status', 'FINALIZED', 'final_xp', ARGV[2], 'confidence', ARGV[3], 'finalized_at', ARGV[5])
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[6]))
redis.call('SET', KEYS[3], ARGV[7])
return 1
`)

// transitionScript performs a plain conditional status transition
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
return 1
`)

// weeklyCounterTTL keeps stale weekly cap counters from accumulating
const weeklyCounterTTL = 21 * 24 * time.Hour

// Store persists all consensus pipeline state in Redis
type Store struct {
	client *redis.Client
	keys   *rkeys.KeyBuilder
}

// NewStore creates a store over the given client and key namespace
func NewStore(client *redis.Client, namespace string) *Store {
	return &Store{
		client: client,
		keys:   rkeys.NewKeyBuilder(namespace),
	}
}

// Keys exposes the key builder for callers that write monitoring timelines
func (s *Store) Keys() *rkeys.KeyBuilder {
	return s.keys
}

// Client exposes the underlying redis client for fire-and-forget metrics
func (s *Store) Client() *redis.Client {
	return s.client
}

// Submissions

// SaveSubmission writes all fields of a submission hash
func (s *Store) SaveSubmission(ctx context.Context, sub *models.Submission) error {
	fields := map[string]interface{}{
		"id":         sub.ID,
		"author_id":  sub.AuthorID,
		"ai_score":   sub.AIScore,
		"status":     string(sub.Status),
		"week":       sub.WeekNumber,
		"created_at": sub.CreatedAt.Unix(),
	}
	if sub.FinalXP != nil {
		fields["final_xp"] = *sub.FinalXP
	}
	if sub.Confidence != "" {
		fields["confidence"] = string(sub.Confidence)
	}
	if err := s.client.HSet(ctx, s.keys.Submission(sub.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to save submission %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubmission loads a submission hash
func (s *Store) GetSubmission(ctx context.Context, submissionID string) (*models.Submission, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.Submission(submissionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load submission %s: %w", submissionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return submissionFromFields(fields)
}

func submissionFromFields(fields map[string]string) (*models.Submission, error) {
	sub := &models.Submission{
		ID:       fields["id"],
		AuthorID: fields["author_id"],
		Status:   models.SubmissionStatus(fields["status"]),
	}
	if v, ok := fields["ai_score"]; ok {
		sub.AIScore, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["week"]; ok {
		sub.WeekNumber, _ = strconv.Atoi(v)
	}
	if v, ok := fields["created_at"]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			sub.CreatedAt = time.Unix(ts, 0).UTC()
		}
	}
	if v, ok := fields["final_xp"]; ok {
		xp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt final_xp %q: %w", v, err)
		}
		sub.FinalXP = &xp
	}
	if v, ok := fields["confidence"]; ok {
		sub.Confidence = models.Confidence(v)
	}
	if v, ok := fields["finalized_at"]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(ts, 0).UTC()
			sub.FinalizedAt = &t
		}
	}
	return sub, nil
}

// FinalizeSubmission atomically finalizes a submission if its status still
// matches expectedStatus, enforcing the per-author weekly cap when
// weeklyCap > 0. Exactly one XP transaction record is written by the
// winning attempt.
func (s *Store) FinalizeSubmission(
	ctx context.Context,
	sub *models.Submission,
	expectedStatus models.SubmissionStatus,
	finalXP float64,
	confidence models.Confidence,
	weeklyCap int,
) (FinalizeOutcome, error) {
	txPayload, err := json.Marshal(map[string]interface{}{
		"submission_id": sub.ID,
		"author_id":     sub.AuthorID,
		"xp":            finalXP,
		"granted_at":    time.Now().UTC().Unix(),
	})
	if err != nil {
		return FinalizeLostRace, fmt.Errorf("failed to marshal xp transaction: %w", err)
	}

	res, err := finalizeScript.Run(ctx, s.client,
		[]string{
			s.keys.Submission(sub.ID),
			s.keys.AuthorWeeklyFinalized(sub.AuthorID, sub.WeekNumber),
			s.keys.XPTransaction(sub.ID),
		},
		string(expectedStatus),
		finalXP,
		string(confidence),
		weeklyCap,
		time.Now().UTC().Unix(),
		int(weeklyCounterTTL.Seconds()),
		string(txPayload),
	).Int()
	if err != nil {
		return FinalizeLostRace, fmt.Errorf("finalize script failed for %s: %w", sub.ID, err)
	}
	return FinalizeOutcome(res), nil
}

// TransitionStatus performs a conditional status transition, returning
// false when the current status no longer matches (lost race, no writes).
func (s *Store) TransitionStatus(ctx context.Context, submissionID string, from, to models.SubmissionStatus) (bool, error) {
	res, err := transitionScript.Run(ctx, s.client,
		[]string{s.keys.Submission(submissionID)},
		string(from), string(to),
	).Int()
	if err != nil {
		return false, fmt.Errorf("status transition failed for %s: %w", submissionID, err)
	}
	return res == 1, nil
}

// Held submissions (weekly cap deferral)

// HoldSubmission parks a capped submission with its computed score until
// the author's next week. The submission keeps UNDER_PEER_REVIEW status.
func (s *Store) HoldSubmission(ctx context.Context, sub *models.Submission, pendingXP float64, confidence models.Confidence, releaseAt time.Time) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keys.Submission(sub.ID), map[string]interface{}{
		"pending_xp":         pendingXP,
		"pending_confidence": string(confidence),
	})
	pipe.ZAdd(ctx, s.keys.HeldQueue(), redis.Z{
		Score:  float64(releaseAt.Unix()),
		Member: sub.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to hold submission %s: %w", sub.ID, err)
	}
	return nil
}

// DueHeldSubmissions returns held submission IDs whose release time has passed
func (s *Store) DueHeldSubmissions(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.HeldQueue(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read held queue: %w", err)
	}
	return ids, nil
}

// RemoveHeld drops a submission from the held queue after release
func (s *Store) RemoveHeld(ctx context.Context, submissionID string) error {
	return s.client.ZRem(ctx, s.keys.HeldQueue(), submissionID).Err()
}

// PendingScore reads the parked score of a held submission
func (s *Store) PendingScore(ctx context.Context, submissionID string) (float64, models.Confidence, error) {
	vals, err := s.client.HMGet(ctx, s.keys.Submission(submissionID), "pending_xp", "pending_confidence").Result()
	if err != nil {
		return 0, "", fmt.Errorf("failed to read pending score for %s: %w", submissionID, err)
	}
	if vals[0] == nil {
		return 0, "", ErrNotFound
	}
	xp, err := strconv.ParseFloat(vals[0].(string), 64)
	if err != nil {
		return 0, "", fmt.Errorf("corrupt pending_xp for %s: %w", submissionID, err)
	}
	conf := models.ConfidenceMedium
	if vals[1] != nil {
		conf = models.Confidence(vals[1].(string))
	}
	return xp, conf, nil
}

// Reviews

// AddReview persists a peer review, indexes it under its submission and
// bumps the reviewer's activity counters in one pipeline.
func (s *Store) AddReview(ctx context.Context, review *models.PeerReview) error {
	if review.ValidationStatus == "" {
		review.ValidationStatus = models.ValidationPending
	}
	data, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("failed to marshal review %s: %w", review.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keys.Review(review.ID), data, 0)
	pipe.SAdd(ctx, s.keys.SubmissionReviews(review.SubmissionID), review.ID)

	activityKey := s.keys.ReviewerActivity(review.ReviewerID)
	pipe.HIncrBy(ctx, activityKey, "reviews_total", 1)
	if review.Late {
		pipe.HIncrBy(ctx, activityKey, "reviews_late", 1)
	} else {
		pipe.HIncrBy(ctx, activityKey, "reviews_on_time", 1)
	}
	if review.QualityRating > 0 {
		pipe.HIncrBy(ctx, activityKey, "quality_sum", int64(review.QualityRating))
		pipe.HIncrBy(ctx, activityKey, "quality_count", 1)
	}
	pipe.HIncrByFloat(ctx, activityKey, "score_sum", review.Score)
	pipe.HIncrByFloat(ctx, activityKey, "score_sq_sum", review.Score*review.Score)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add review %s: %w", review.ID, err)
	}
	return nil
}

// GetReviews loads all peer reviews for a submission
func (s *Store) GetReviews(ctx context.Context, submissionID string) ([]*models.PeerReview, error) {
	ids, err := s.client.SMembers(ctx, s.keys.SubmissionReviews(submissionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews for %s: %w", submissionID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.Review(id)
	}
	blobs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load reviews for %s: %w", submissionID, err)
	}

	reviews := make([]*models.PeerReview, 0, len(blobs))
	for i, blob := range blobs {
		if blob == nil {
			log.Warnf("Review %s indexed but missing for submission %s", ids[i], submissionID)
			continue
		}
		var review models.PeerReview
		if err := json.Unmarshal([]byte(blob.(string)), &review); err != nil {
			return nil, fmt.Errorf("corrupt review %s: %w", ids[i], err)
		}
		reviews = append(reviews, &review)
	}
	return reviews, nil
}

// SetReviewValidation updates a review's validation status (vote resolver only)
func (s *Store) SetReviewValidation(ctx context.Context, reviewID string, status models.ValidationStatus) error {
	blob, err := s.client.Get(ctx, s.keys.Review(reviewID)).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load review %s: %w", reviewID, err)
	}
	var review models.PeerReview
	if err := json.Unmarshal([]byte(blob), &review); err != nil {
		return fmt.Errorf("corrupt review %s: %w", reviewID, err)
	}
	review.ValidationStatus = status
	data, err := json.Marshal(&review)
	if err != nil {
		return fmt.Errorf("failed to marshal review %s: %w", reviewID, err)
	}
	return s.client.Set(ctx, s.keys.Review(reviewID), data, 0).Err()
}

// Formulas

// CreateFormula registers a new reliability formula. IDs are write-once:
// an existing ID is rejected so referenced formulas stay immutable.
func (s *Store) CreateFormula(ctx context.Context, formula *models.ReliabilityFormula) error {
	if err := formula.Validate(); err != nil {
		return err
	}
	if formula.CreatedAt.IsZero() {
		formula.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(formula)
	if err != nil {
		return fmt.Errorf("failed to marshal formula %s: %w", formula.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.keys.Formula(formula.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create formula %s: %w", formula.ID, err)
	}
	if !ok {
		return ErrFormulaExists
	}
	if err := s.client.SAdd(ctx, s.keys.FormulaIndex(), formula.ID).Err(); err != nil {
		log.Errorf("Failed to index formula %s: %v", formula.ID, err)
	}
	return nil
}

// GetFormula loads a formula definition
func (s *Store) GetFormula(ctx context.Context, formulaID string) (*models.ReliabilityFormula, error) {
	blob, err := s.client.Get(ctx, s.keys.Formula(formulaID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load formula %s: %w", formulaID, err)
	}
	var formula models.ReliabilityFormula
	if err := json.Unmarshal([]byte(blob), &formula); err != nil {
		return nil, fmt.Errorf("corrupt formula %s: %w", formulaID, err)
	}
	return &formula, nil
}

// ListFormulaIDs returns every registered formula ID
func (s *Store) ListFormulaIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keys.FormulaIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list formulas: %w", err)
	}
	return ids, nil
}

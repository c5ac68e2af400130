package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Reviewer aggregate counters. These hashes are maintained on every write
// so the metrics aggregator never iterates review history row by row.

// ReviewerAggregates is the raw counter view the metrics aggregator
// normalizes into a snapshot.
type ReviewerAggregates struct {
	ReviewsTotal      int64
	ReviewsOnTime     int64
	ReviewsLate       int64
	AssignmentsTotal  int64
	AssignmentsMissed int64
	QualitySum        int64
	QualityCount      int64
	ScoreSum          float64
	ScoreSqSum        float64
	DeviationSum      float64
	DeviationCount    int64
	VotesValidated    int64
	VotesInvalidated  int64
	PenaltyTotal      float64
}

// RecordAssignment bumps the assignment counter for a reviewer
func (s *Store) RecordAssignment(ctx context.Context, reviewerID string) error {
	return s.client.HIncrBy(ctx, s.keys.ReviewerActivity(reviewerID), "assignments_total", 1).Err()
}

// RecordMissedAssignment bumps both assignment and missed counters
func (s *Store) RecordMissedAssignment(ctx context.Context, reviewerID string) error {
	pipe := s.client.Pipeline()
	key := s.keys.ReviewerActivity(reviewerID)
	pipe.HIncrBy(ctx, key, "assignments_total", 1)
	pipe.HIncrBy(ctx, key, "assignments_missed", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// AddPenalty records administrative penalty points against a reviewer
func (s *Store) AddPenalty(ctx context.Context, reviewerID string, points float64) error {
	return s.client.IncrByFloat(ctx, s.keys.ReviewerPenalties(reviewerID), points).Err()
}

// RecordDeviation accumulates a reviewer's absolute deviation from a
// finalized score. Called once per retained review when a submission
// finalizes; feeds the accuracy metric of future consensus runs.
func (s *Store) RecordDeviation(ctx context.Context, reviewerID string, deviation float64) error {
	pipe := s.client.Pipeline()
	key := s.keys.ReviewerAccuracy(reviewerID)
	pipe.HIncrByFloat(ctx, key, "deviation_sum", deviation)
	pipe.HIncrBy(ctx, key, "deviation_count", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// RecordVoteValidation applies a vote-resolver verdict to the reviewer's
// validation counters (the trust feedback loop).
func (s *Store) RecordVoteValidation(ctx context.Context, reviewerID string, validated bool) error {
	field := "votes_invalidated"
	if validated {
		field = "votes_validated"
	}
	return s.client.HIncrBy(ctx, s.keys.ReviewerAccuracy(reviewerID), field, 1).Err()
}

// ReadReviewerActivity reads the activity hash in one round trip
func (s *Store) ReadReviewerActivity(ctx context.Context, reviewerID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.ReviewerActivity(reviewerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read activity for %s: %w", reviewerID, err)
	}
	return fields, nil
}

// ReadReviewerAccuracy reads the accuracy hash in one round trip
func (s *Store) ReadReviewerAccuracy(ctx context.Context, reviewerID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.ReviewerAccuracy(reviewerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read accuracy for %s: %w", reviewerID, err)
	}
	return fields, nil
}

// ReadReviewerPenalties reads the penalty total in one round trip.
// A missing key means zero penalties, not an error.
func (s *Store) ReadReviewerPenalties(ctx context.Context, reviewerID string) (float64, error) {
	val, err := s.client.Get(ctx, s.keys.ReviewerPenalties(reviewerID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read penalties for %s: %w", reviewerID, err)
	}
	total, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt penalty total for %s: %w", reviewerID, err)
	}
	return total, nil
}

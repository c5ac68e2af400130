package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	rkeys "github.com/dimzachar/ScholarsXP-sub006/pkgs/redis"
)

var (
	// ErrCaseClosed is returned when voting on a finalized case
	ErrCaseClosed = errors.New("vote case is closed")
	// ErrDuplicateVote is returned when a wallet votes twice on one case
	ErrDuplicateVote = errors.New("wallet already voted on this case")
	// ErrInvalidVoteValue is returned when a vote names neither disputed score
	ErrInvalidVoteValue = errors.New("vote must pick one of the two disputed scores")
)

// addVoteScript checks the case status and inserts the vote in one atomic
// step, so a vote racing with case closure can never land in a closed case.
// Returns -1 missing case, -2 closed, 0 duplicate wallet, 1 stored.
var addVoteScript = redis.NewScript(`
local blob = redis.call('GET', KEYS[1])
if not blob then
  return -1
end
if cjson.decode(blob)['status'] ~= ARGV[3] then
  return -2
end
return redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
`)

// closeCaseScript performs a conditional OPEN -> CLOSED transition. Only
// the first closer writes; a losing concurrent tally observes 0.
var closeCaseScript = redis.NewScript(`
local blob = redis.call('GET', KEYS[1])
if not blob then
  return -1
end
if cjson.decode(blob)['status'] ~= ARGV[2] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[3])
return 1
`)

// OpenVoteCase creates a vote case for a submission, or returns the
// already-open case. At most one open case per submission: the SETNX on
// the submission pointer decides the winner, losers load the existing case.
func (s *Store) OpenVoteCase(ctx context.Context, vc *models.VoteCase) (*models.VoteCase, bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.SubmissionVoteCase(vc.SubmissionID), vc.ID, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve vote case for %s: %w", vc.SubmissionID, err)
	}
	if !ok {
		existingID, err := s.client.Get(ctx, s.keys.SubmissionVoteCase(vc.SubmissionID)).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing case pointer for %s: %w", vc.SubmissionID, err)
		}
		existing, err := s.GetVoteCase(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	data, err := json.Marshal(vc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal vote case %s: %w", vc.ID, err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keys.VoteCase(vc.ID), data, 0)
	pipe.SAdd(ctx, s.keys.OpenVoteCases(), vc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to persist vote case %s: %w", vc.ID, err)
	}
	return vc, true, nil
}

// GetVoteCase loads a vote case
func (s *Store) GetVoteCase(ctx context.Context, caseID string) (*models.VoteCase, error) {
	blob, err := s.client.Get(ctx, s.keys.VoteCase(caseID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vote case %s: %w", caseID, err)
	}
	var vc models.VoteCase
	if err := json.Unmarshal([]byte(blob), &vc); err != nil {
		return nil, fmt.Errorf("corrupt vote case %s: %w", caseID, err)
	}
	return &vc, nil
}

// AddVote records one wallet's vote on an open case. One vote per wallet,
// enforced by HSETNX on the checksummed address. The status re-check and
// the insert share one script, so closure racing with a vote cannot leave
// a stray vote in a closed case.
func (s *Store) AddVote(ctx context.Context, vote *models.JudgmentVote) error {
	vc, err := s.GetVoteCase(ctx, vote.CaseID)
	if err != nil {
		return err
	}
	if vote.XPValue != vc.MinScore && vote.XPValue != vc.MaxScore {
		return ErrInvalidVoteValue
	}

	vote.Wallet = rkeys.ChecksumAddress(vote.Wallet)
	if vote.CastAt.IsZero() {
		vote.CastAt = time.Now().UTC()
	}
	data, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	res, err := addVoteScript.Run(ctx, s.client,
		[]string{s.keys.VoteCase(vote.CaseID), s.keys.VoteCaseVotes(vote.CaseID)},
		vote.Wallet, data, string(models.VoteCaseOpen),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store vote for case %s: %w", vote.CaseID, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case -2:
		return ErrCaseClosed
	case 0:
		return ErrDuplicateVote
	}
	return nil
}

// GetVotes returns a consistent read of all votes for a case
func (s *Store) GetVotes(ctx context.Context, caseID string) ([]*models.JudgmentVote, error) {
	entries, err := s.client.HGetAll(ctx, s.keys.VoteCaseVotes(caseID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load votes for case %s: %w", caseID, err)
	}
	votes := make([]*models.JudgmentVote, 0, len(entries))
	for wallet, blob := range entries {
		var vote models.JudgmentVote
		if err := json.Unmarshal([]byte(blob), &vote); err != nil {
			log.Warnf("Corrupt vote from %s on case %s: %v", wallet, caseID, err)
			continue
		}
		votes = append(votes, &vote)
	}
	return votes, nil
}

// CloseVoteCase marks a case decided via a conditional OPEN -> CLOSED
// transition. Returns false without writing when another closer already
// won; only the winner should run the post-close bookkeeping. Permanent:
// AddVote rejects votes once the stored status is CLOSED.
func (s *Store) CloseVoteCase(ctx context.Context, vc *models.VoteCase, winningScore float64) (bool, error) {
	now := time.Now().UTC()
	vc.Status = models.VoteCaseClosed
	vc.ClosedAt = &now
	vc.WinningScore = &winningScore

	data, err := json.Marshal(vc)
	if err != nil {
		return false, fmt.Errorf("failed to marshal vote case %s: %w", vc.ID, err)
	}
	res, err := closeCaseScript.Run(ctx, s.client,
		[]string{s.keys.VoteCase(vc.ID), s.keys.OpenVoteCases()},
		data, string(models.VoteCaseOpen), vc.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to close vote case %s: %w", vc.ID, err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

package redis

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// KeyBuilder provides methods to generate namespaced Redis keys
type KeyBuilder struct {
	Namespace string
}

// ChecksumAddress converts an Ethereum address to checksummed format (EIP-55).
// If the input is not a valid Ethereum address, it returns the input unchanged.
// This ensures all Redis keys use consistent checksummed wallet addresses.
func ChecksumAddress(addr string) string {
	if addr == "" {
		return addr
	}

	if common.IsHexAddress(addr) {
		address := common.HexToAddress(addr)
		return address.Hex() // .Hex() returns checksummed format (EIP-55)
	}

	// Not a valid address, return as-is (might be a non-address identifier)
	return addr
}

// NewKeyBuilder creates a new KeyBuilder instance
func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{Namespace: namespace}
}

// Submission Keys

// Submission returns the HASH key holding a submission's state machine fields
func (kb *KeyBuilder) Submission(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s", kb.Namespace, submissionID)
}

// SubmissionReviews returns the SET key of review IDs for a submission
func (kb *KeyBuilder) SubmissionReviews(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:reviews", kb.Namespace, submissionID)
}

// SubmissionVoteCase returns the key holding the open vote case ID for a submission
func (kb *KeyBuilder) SubmissionVoteCase(submissionID string) string {
	return fmt.Sprintf("%s:submission:%s:votecase", kb.Namespace, submissionID)
}

// Review Keys

// Review returns the key holding a peer review blob
func (kb *KeyBuilder) Review(reviewID string) string {
	return fmt.Sprintf("%s:review:%s", kb.Namespace, reviewID)
}

// Reviewer Aggregate Keys
// These hashes are the set-based counters the metrics aggregator reads in
// O(1) round trips regardless of review history size.

// ReviewerActivity returns the HASH key of review activity counters
// (reviews_total, reviews_on_time, reviews_late, assignments_total,
// assignments_missed, quality_sum, quality_count, score_sum, score_sq_sum)
func (kb *KeyBuilder) ReviewerActivity(reviewerID string) string {
	return fmt.Sprintf("%s:reviewer:%s:activity", kb.Namespace, reviewerID)
}

// ReviewerAccuracy returns the HASH key of deviation-from-final counters
// (deviation_sum, deviation_count, votes_validated, votes_invalidated)
func (kb *KeyBuilder) ReviewerAccuracy(reviewerID string) string {
	return fmt.Sprintf("%s:reviewer:%s:accuracy", kb.Namespace, reviewerID)
}

// ReviewerPenalties returns the key of the administrative penalty total
func (kb *KeyBuilder) ReviewerPenalties(reviewerID string) string {
	return fmt.Sprintf("%s:reviewer:%s:penalties", kb.Namespace, reviewerID)
}

// Formula Keys

// Formula returns the key holding a reliability formula definition
func (kb *KeyBuilder) Formula(formulaID string) string {
	return fmt.Sprintf("%s:formula:%s", kb.Namespace, formulaID)
}

// FormulaIndex returns the SET key of all registered formula IDs
func (kb *KeyBuilder) FormulaIndex() string {
	return fmt.Sprintf("%s:formulas", kb.Namespace)
}

// Shadow Log Keys

// ShadowLogStream returns the STREAM key for append-only shadow consensus logs
func (kb *KeyBuilder) ShadowLogStream() string {
	return fmt.Sprintf("%s:stream:shadowlog", kb.Namespace)
}

// Vote Case Keys

// VoteCase returns the key holding a vote case blob
func (kb *KeyBuilder) VoteCase(caseID string) string {
	return fmt.Sprintf("%s:votecase:%s", kb.Namespace, caseID)
}

// VoteCaseVotes returns the HASH key of wallet -> vote for a case
func (kb *KeyBuilder) VoteCaseVotes(caseID string) string {
	return fmt.Sprintf("%s:votecase:%s:votes", kb.Namespace, caseID)
}

// OpenVoteCases returns the SET key of currently open case IDs
func (kb *KeyBuilder) OpenVoteCases() string {
	return fmt.Sprintf("%s:votecases:open", kb.Namespace)
}

// Weekly Cap Keys

// AuthorWeeklyFinalized returns the counter key of finalized submissions
// for an author in a given week bucket
func (kb *KeyBuilder) AuthorWeeklyFinalized(authorID string, week int) string {
	return fmt.Sprintf("%s:author:%s:week:%d:finalized", kb.Namespace, authorID, week)
}

// HeldQueue returns the ZSET key of submissions deferred by the weekly cap,
// scored by their earliest release timestamp
func (kb *KeyBuilder) HeldQueue() string {
	return fmt.Sprintf("%s:held:queue", kb.Namespace)
}

// Timeline Keys (monitoring)

// FinalizationsTimeline returns the ZSET key of finalized submissions by time
func (kb *KeyBuilder) FinalizationsTimeline() string {
	return fmt.Sprintf("%s:metrics:finalizations:timeline", kb.Namespace)
}

// EscalationsTimeline returns the ZSET key of escalated submissions by time
func (kb *KeyBuilder) EscalationsTimeline() string {
	return fmt.Sprintf("%s:metrics:escalations:timeline", kb.Namespace)
}

// XP Transaction Keys

// XPTransaction returns the key of the XP grant record for a submission.
// Written exactly once per finalize; the concurrent-finalize tests assert
// a single row exists.
func (kb *KeyBuilder) XPTransaction(submissionID string) string {
	return fmt.Sprintf("%s:xp:tx:%s", kb.Namespace, submissionID)
}

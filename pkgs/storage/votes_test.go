package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimzachar/ScholarsXP-sub006/pkgs/models"
	"github.com/dimzachar/ScholarsXP-sub006/pkgs/storage"
)

func testVoteCase(caseID, submissionID string) *models.VoteCase {
	return &models.VoteCase{
		ID:           caseID,
		SubmissionID: submissionID,
		MinScore:     0,
		MaxScore:     200,
		ConflictType: "zero_vs_high",
		ReviewIDs:    []string{"rev-1", "rev-2"},
		Status:       models.VoteCaseOpen,
		OpenedAt:     time.Now().UTC(),
	}
}

func TestOpenVoteCaseOncePerSubmission(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.OpenVoteCase(ctx, testVoteCase("case-1", "sub-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "case-1", first.ID)

	// A second open for the same submission returns the existing case
	second, created, err := store.OpenVoteCase(ctx, testVoteCase("case-2", "sub-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "case-1", second.ID)
}

func TestAddVoteOnePerWallet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.OpenVoteCase(ctx, testVoteCase("case-1", "sub-1"))
	require.NoError(t, err)

	wallet := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	require.NoError(t, store.AddVote(ctx, &models.JudgmentVote{
		CaseID:       "case-1",
		Wallet:       wallet,
		XPValue:      200,
		SignatureRef: "sig-1",
	}))

	// Same wallet in different casing is still a duplicate
	err = store.AddVote(ctx, &models.JudgmentVote{
		CaseID:       "case-1",
		Wallet:       "0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266",
		XPValue:      0,
		SignatureRef: "sig-2",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateVote)

	votes, err := store.GetVotes(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, 200.0, votes[0].XPValue)
}

func TestAddVoteRejectsUndisputedValue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.OpenVoteCase(ctx, testVoteCase("case-1", "sub-1"))
	require.NoError(t, err)

	err = store.AddVote(ctx, &models.JudgmentVote{
		CaseID:       "case-1",
		Wallet:       "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
		XPValue:      150,
		SignatureRef: "sig-1",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidVoteValue)
}

func TestAddVoteRejectsClosedCase(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	vc, _, err := store.OpenVoteCase(ctx, testVoteCase("case-1", "sub-1"))
	require.NoError(t, err)
	won, err := store.CloseVoteCase(ctx, vc, 200)
	require.NoError(t, err)
	require.True(t, won)

	err = store.AddVote(ctx, &models.JudgmentVote{
		CaseID:       "case-1",
		Wallet:       "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
		XPValue:      200,
		SignatureRef: "sig-1",
	})
	assert.ErrorIs(t, err, storage.ErrCaseClosed)

	// The rejected vote left nothing behind
	votes, err := store.GetVotes(ctx, "case-1")
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestCloseVoteCasePersistsResolution(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	vc, _, err := store.OpenVoteCase(ctx, testVoteCase("case-1", "sub-1"))
	require.NoError(t, err)
	won, err := store.CloseVoteCase(ctx, vc, 200)
	require.NoError(t, err)
	require.True(t, won)

	got, err := store.GetVoteCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, models.VoteCaseClosed, got.Status)
	require.NotNil(t, got.WinningScore)
	assert.Equal(t, 200.0, *got.WinningScore)
	assert.NotNil(t, got.ClosedAt)
}

func TestCloseVoteCaseFirstCloserWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	vc, _, err := store.OpenVoteCase(ctx, testVoteCase("case-1", "sub-1"))
	require.NoError(t, err)

	won, err := store.CloseVoteCase(ctx, vc, 200)
	require.NoError(t, err)
	assert.True(t, won)

	// A second closer, holding a stale OPEN snapshot, must not overwrite
	stale := testVoteCase("case-1", "sub-1")
	won, err = store.CloseVoteCase(ctx, stale, 0)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetVoteCase(ctx, "case-1")
	require.NoError(t, err)
	require.NotNil(t, got.WinningScore)
	assert.Equal(t, 200.0, *got.WinningScore)
}

func TestCloseVoteCaseUnknownCase(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.CloseVoteCase(context.Background(), testVoteCase("missing", "sub-1"), 200)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

package service

import (
	"context"
	"encoding/json"
	"testing"

	"ledger-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainedLedger(t *testing.T, n int) (*LedgerService, *memStore, []string) {
	t.Helper()
	svc, store, _ := newLedger(t)
	ids := appendN(t, svc, n)
	require.NoError(t, svc.Process(context.Background(), ids[n-1]))
	return svc, store, ids
}

func TestVerify_CleanLedger(t *testing.T) {
	_, store, _ := chainedLedger(t, 30)
	f := &drawFixture{store: store}
	f.ledger = NewLedgerService(store, &recordingScheduler{})
	f.audits = NewAuditService(store)
	f.draws = NewDrawService(store, store, f.ledger, f.audits)
	store.seedCompetition("comp", []int{1, 2}, 6)
	_, err := f.draws.DrawAllPrizes(context.Background(), "comp", operator)
	require.NoError(t, err)

	verifier := NewVerificationService(store, store)
	report, err := verifier.Verify(context.Background(), domain.VerifyScope{})
	require.NoError(t, err)

	assert.True(t, report.IsValid)
	require.NotNil(t, report.Events)
	require.NotNil(t, report.Audits)
	assert.Equal(t, domain.ModeDeferred, report.Events.Mode)
	assert.Equal(t, domain.ModeEager, report.Audits.Mode)
	assert.Equal(t, 30, report.Events.Verified)
	// draw narrative events have not been processed yet
	assert.Equal(t, len(store.events)-30, report.Events.Unchained)
	assert.Equal(t, 2, report.Audits.Verified)
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	_, store, _ := chainedLedger(t, 12)
	store.events[6].Payload = json.RawMessage(`{"i":"forged"}`)

	verifier := NewVerificationService(store, store)
	report, err := verifier.Verify(context.Background(), domain.VerifyScope{Chain: domain.ChainEvents})
	require.NoError(t, err)

	assert.False(t, report.IsValid)
	assert.Nil(t, report.Audits)
	require.Len(t, report.Events.InvalidHashes, 1)
	assert.Equal(t, int64(7), report.Events.InvalidHashes[0].Sequence)
	assert.Empty(t, report.Events.BrokenLinks)
	assert.Equal(t, 11, report.Events.Verified)
}

func TestVerify_DetectsRewrittenLink(t *testing.T) {
	_, store, _ := chainedLedger(t, 12)
	forged := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	store.events[4].PreviousEventHash = &forged

	verifier := NewVerificationService(store, store)
	report, err := verifier.Verify(context.Background(), domain.VerifyScope{Chain: domain.ChainEvents})
	require.NoError(t, err)

	require.Len(t, report.Events.BrokenLinks, 1)
	assert.Equal(t, int64(5), report.Events.BrokenLinks[0].Sequence)
	assert.Equal(t, forged, report.Events.BrokenLinks[0].Actual)
}

func TestVerify_RangeSeedsFromPredecessor(t *testing.T) {
	_, store, _ := chainedLedger(t, 20)

	verifier := NewVerificationService(store, store)
	report, err := verifier.Verify(context.Background(), domain.VerifyScope{
		Chain:        domain.ChainEvents,
		FromSequence: 8,
		ToSequence:   15,
	})
	require.NoError(t, err)

	assert.True(t, report.IsValid)
	assert.Equal(t, 8, report.Events.Total)
	assert.Equal(t, 8, report.Events.Verified)
}

func TestVerify_CompetitionScope(t *testing.T) {
	_, store, _ := chainedLedger(t, 12)
	// events with i%3 == 0 belong to comp-b: sequences 1, 4, 7, 10
	store.events[3].Payload = json.RawMessage(`{"i":"forged"}`)

	verifier := NewVerificationService(store, store)
	compA := "comp-a"
	report, err := verifier.Verify(context.Background(), domain.VerifyScope{Chain: domain.ChainEvents, CompetitionID: &compA})
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 8, report.Events.Total)

	compB := "comp-b"
	report, err = verifier.Verify(context.Background(), domain.VerifyScope{Chain: domain.ChainEvents, CompetitionID: &compB})
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, 4, report.Events.Total)
	require.Len(t, report.Events.InvalidHashes, 1)
	assert.Equal(t, int64(4), report.Events.InvalidHashes[0].Sequence)
}

func TestVerify_RejectsBadScope(t *testing.T) {
	verifier := NewVerificationService(newMemStore(), newMemStore())

	_, err := verifier.Verify(context.Background(), domain.VerifyScope{FromSequence: 9, ToSequence: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidSequenceSpan)

	_, err = verifier.Verify(context.Background(), domain.VerifyScope{Chain: "ledger"})
	assert.ErrorIs(t, err, domain.ErrInvalidChain)
}

func TestVerify_SmallBatchesMatchSinglePass(t *testing.T) {
	_, store, _ := chainedLedger(t, 25)
	forged := "0123"
	store.events[17].EventHash = &forged

	verifier := NewVerificationService(store, store)
	verifier.batchSize = 4
	report, err := verifier.Verify(context.Background(), domain.VerifyScope{Chain: domain.ChainEvents})
	require.NoError(t, err)

	require.Len(t, report.Events.InvalidHashes, 1)
	require.Len(t, report.Events.BrokenLinks, 1)
	assert.Equal(t, int64(19), report.Events.BrokenLinks[0].Sequence)
}

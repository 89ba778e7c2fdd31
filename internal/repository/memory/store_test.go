package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingEndorsement(id, receiptID string, seq int) *models.EndorsementRecord {
	return &models.EndorsementRecord{
		ID:                id,
		EndorsementNo:     models.FormatEndorsementNo("WR-"+receiptID, seq),
		Sequence:          seq,
		ReceiptID:         receiptID,
		EndorsementType:   models.EndorsementTypePledge,
		EndorsementStatus: models.EndorsementStatusPending,
		EndorsementTime:   time.Now().UTC(),
	}
}

func TestStore_WithTxDiscardsOnError(t *testing.T) {
	store := NewStore()
	store.PutReceipt(models.Receipt{ID: "r-1", ReceiptNo: "WR-1", Status: models.ReceiptStatusNormal})
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(r repository.Repos) error {
		require.NoError(t, r.Receipts().UpdateStatus(ctx, "r-1", models.ReceiptStatusNormal, models.ReceiptStatusFrozen))
		require.NoError(t, r.Endorsements().Insert(ctx, pendingEndorsement("e-1", "r-1", 1)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rc, err := store.Repos().Receipts().Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusNormal, rc.Status)

	_, err = store.Repos().Endorsements().Get(ctx, "e-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_PendingUniqueness(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	repo := store.Repos().Endorsements()

	require.NoError(t, repo.Insert(ctx, pendingEndorsement("e-1", "r-1", 1)))

	err := repo.Insert(ctx, pendingEndorsement("e-2", "r-1", 2))
	assert.ErrorIs(t, err, repository.ErrUniqueViolation)

	// A different receipt has its own pending slot.
	assert.NoError(t, repo.Insert(ctx, pendingEndorsement("e-3", "r-2", 1)))

	now := time.Now().UTC()
	require.NoError(t, repo.Finalize(ctx, "e-1", models.EndorsementStatusConfirmed, "", &now))
	assert.ErrorIs(t, repo.Finalize(ctx, "e-1", models.EndorsementStatusCancelled, "", nil), repository.ErrStaleWrite)
	assert.NoError(t, repo.Insert(ctx, pendingEndorsement("e-2", "r-1", 2)))

	seq, err := repo.MaxSequence(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

func TestStore_LedgerLinkAttachedOnce(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	repo := store.Repos().Endorsements()
	require.NoError(t, repo.Insert(ctx, pendingEndorsement("e-1", "r-1", 1)))

	require.NoError(t, repo.AttachLedgerInfo(ctx, "e-1", "0xabc", 10))
	assert.ErrorIs(t, repo.AttachLedgerInfo(ctx, "e-1", "0xdef", 11), repository.ErrStaleWrite)

	e, err := repo.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", e.TxHash)
}

func TestStore_ActivePledgeUniqueness(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	repo := store.Repos().Pledges()

	_, err := repo.FindActive(ctx, "r-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, repo.Insert(ctx, &models.PledgeRecord{ID: "p-1", ReceiptID: "r-1", EndorsementID: "e-1", Cycle: 1, Status: models.PledgeStatusActive}))
	err = repo.Insert(ctx, &models.PledgeRecord{ID: "p-2", ReceiptID: "r-1", EndorsementID: "e-3", Cycle: 3, Status: models.PledgeStatusActive})
	assert.ErrorIs(t, err, repository.ErrUniqueViolation)

	require.NoError(t, repo.MarkReleased(ctx, "p-1", time.Now().UTC()))
	require.NoError(t, repo.Insert(ctx, &models.PledgeRecord{ID: "p-2", ReceiptID: "r-1", EndorsementID: "e-3", Cycle: 3, Status: models.PledgeStatusActive}))

	active, err := repo.FindActive(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "p-2", active.ID)

	page, total, err := repo.Search(ctx, models.PledgeFilter{ReceiptID: "r-1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].Cycle)
}

package services

import (
	"context"
	"testing"

	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
	"github.com/scfchain/backend/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextReceiptStatus(t *testing.T) {
	statuses := []models.ReceiptStatus{
		models.ReceiptStatusNormal,
		models.ReceiptStatusFrozen,
		models.ReceiptStatusPledged,
		models.ReceiptStatusCancelled,
	}
	allowed := map[ReceiptEvent]map[models.ReceiptStatus]models.ReceiptStatus{
		EventFreeze:   {models.ReceiptStatusNormal: models.ReceiptStatusFrozen},
		EventPledge:   {models.ReceiptStatusFrozen: models.ReceiptStatusPledged},
		EventUnfreeze: {models.ReceiptStatusFrozen: models.ReceiptStatusNormal},
		EventRelease:  {models.ReceiptStatusPledged: models.ReceiptStatusNormal},
		EventVoid:     {models.ReceiptStatusFrozen: models.ReceiptStatusCancelled},
	}

	for event, moves := range allowed {
		for _, from := range statuses {
			got, err := NextReceiptStatus(from, event)
			if want, ok := moves[from]; ok {
				require.NoError(t, err, "%s from %s", event, from)
				assert.Equal(t, want, got)
				continue
			}
			assert.Equal(t, CodeInvalidTransition, CodeOf(err), "%s from %s", event, from)
		}
	}

	_, err := NextReceiptStatus(models.ReceiptStatusNormal, "explode")
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestTransitionReceipt_StaleStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutReceipt(models.Receipt{ID: "r-1", ReceiptNo: "WR-1", Status: models.ReceiptStatusFrozen})

	// The caller holds a copy that no longer matches the stored status.
	stale := &models.Receipt{ID: "r-1", Status: models.ReceiptStatusNormal}
	err := store.WithTx(ctx, func(repos repository.Repos) error {
		return transitionReceipt(ctx, repos, stale, EventFreeze)
	})
	assert.Equal(t, CodeConcurrentModification, CodeOf(err))

	r, err := store.Repos().Receipts().Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStatusFrozen, r.Status)
}

func TestRevertEventFor(t *testing.T) {
	event, err := revertEventFor(models.ReceiptStatusNormal)
	require.NoError(t, err)
	assert.Equal(t, EventUnfreeze, event)

	_, err = revertEventFor(models.ReceiptStatusPledged)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

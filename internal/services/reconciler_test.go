package services

import (
	"context"
	"testing"
	"time"

	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// timedOutApproval leaves a PLEDGE submission SUBMITTED under handle h-1.
func timedOutApproval(t *testing.T, f *fixture, gw *MockGateway) *models.EndorsementRecord {
	t.Helper()
	record := f.initiate(t)
	gw.On("Submit", mock.Anything, mock.Anything).Return("h-1", nil).Once()
	gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(nil, context.DeadlineExceeded).Once()

	_, err := f.pledges.ConfirmPledge(context.Background(), confirmRequest(record, "CONFIRMED"), testBank, testBankName)
	require.Equal(t, CodeLedgerTimeout, CodeOf(err))
	return record
}

func TestReconciler_Tick(t *testing.T) {
	ctx := context.Background()

	t.Run("completes a stuck approval", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		record := timedOutApproval(t, f, gw)

		// Not stuck long enough yet.
		resolved, err := f.reconciler.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved)

		f.reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xabc", 21), nil).Once()

		resolved, err = f.reconciler.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, resolved)

		pledge, err := f.store.Repos().Pledges().GetByEndorsement(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "0xabc", pledge.TxHash)
		assert.Equal(t, models.ReceiptStatusPledged, f.receipt(t).Status)
		gw.AssertNumberOfCalls(t, "Submit", 1)
	})

	t.Run("unresolved submissions stay submitted", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		record := timedOutApproval(t, f, gw)
		f.reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(nil, context.DeadlineExceeded).Once()

		resolved, err := f.reconciler.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, resolved)
		assert.Equal(t, models.SubmissionStatusSubmitted,
			f.submission(t, models.BusinessKey(models.LedgerOpPledge, record.ID)).Status)
	})
}

func TestReconciler_HandleCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes the business step", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		record := timedOutApproval(t, f, gw)
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xfeed", 42), nil).Once()

		sub, err := f.reconciler.HandleCallback(ctx, LedgerCallback{Handle: "h-1", Success: true, TxHash: "0xfeed", BlockNumber: 42})
		require.NoError(t, err)
		assert.Equal(t, models.SubmissionStatusConfirmed, sub.Status)

		pledge, err := f.store.Repos().Pledges().GetByEndorsement(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "0xfeed", pledge.TxHash)
		assert.Equal(t, uint64(42), pledge.BlockNumber)

		// Duplicate delivery is harmless.
		_, err = f.reconciler.HandleCallback(ctx, LedgerCallback{Handle: "h-1", Success: true, TxHash: "0xfeed", BlockNumber: 42})
		require.NoError(t, err)
		page, err := f.pledges.Search(ctx, PledgeSearch{ReceiptID: testReceipt})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
		gw.AssertNumberOfCalls(t, "AwaitConfirmation", 2)
	})

	t.Run("forged success is refused", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		record := timedOutApproval(t, f, gw)
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xabc", 21), nil).Once()

		_, err := f.reconciler.HandleCallback(ctx, LedgerCallback{Handle: "h-1", Success: true, TxHash: "0xFORGED", BlockNumber: 21})
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Equal(t, CodeLedgerCallbackMismatch, CodeOf(err))

		assert.Equal(t, models.ReceiptStatusFrozen, f.receipt(t).Status)
		stored, err := f.endorsements.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EndorsementStatusPending, stored.EndorsementStatus)
		assert.Empty(t, stored.TxHash)
		assert.Equal(t, models.SubmissionStatusSubmitted,
			f.submission(t, models.BusinessKey(models.LedgerOpPledge, record.ID)).Status)
	})

	t.Run("revert fails the submission and allows rejection", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		record := timedOutApproval(t, f, gw)
		gw.On("AwaitConfirmation", mock.Anything, "h-1").
			Return(&ledger.Result{Success: false, RevertReason: "out of gas"}, nil).Once()

		sub, err := f.reconciler.HandleCallback(ctx, LedgerCallback{Handle: "h-1", RevertReason: "out of gas"})
		require.NoError(t, err)
		assert.Equal(t, models.SubmissionStatusFailed, sub.Status)

		_, err = f.store.Repos().Pledges().GetByEndorsement(ctx, record.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		res, err := f.pledges.ConfirmPledge(ctx, confirmRequest(record, "CANCELLED"), testBank, testBankName)
		require.NoError(t, err)
		assert.Equal(t, models.ReceiptStatusNormal, res.ReceiptStatus)
	})

	t.Run("invalid callbacks", func(t *testing.T) {
		f := newFixture(t, new(MockGateway))

		_, err := f.reconciler.HandleCallback(ctx, LedgerCallback{Success: true, TxHash: "0x1"})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = f.reconciler.HandleCallback(ctx, LedgerCallback{Handle: "h-1", Success: true})
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = f.reconciler.HandleCallback(ctx, LedgerCallback{Handle: "h-unknown", Success: true, TxHash: "0x1"})
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, new(MockGateway))
	f.reconciler.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

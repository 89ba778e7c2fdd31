package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testCommand(entityID string) ledgerCommand {
	return ledgerCommand{
		Operation: models.LedgerOpPledge,
		EntityID:  entityID,
		ReceiptID: testReceipt,
		Params:    map[string]any{"endorsementId": entityID},
		Replay:    replayRequest{Kind: replayConfirmPledge, EntityID: entityID},
	}
}

func TestLedgerCommitter_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed submission is reused without the gateway", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		require.NoError(t, f.store.Repos().LedgerSubmissions().Save(ctx, &models.LedgerSubmission{
			BusinessKey: "PLEDGE:e-1",
			Operation:   models.LedgerOpPledge,
			Attempt:     1,
			Status:      models.SubmissionStatusConfirmed,
			TxHash:      "0xabc",
			BlockNumber: 9,
		}))

		var got *ledger.Result
		err := f.committer.Execute(ctx, testCommand("e-1"), func(res *ledger.Result) error {
			got = res
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0xabc", got.TxHash)
		assert.Equal(t, uint64(9), got.BlockNumber)
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		gw.AssertNotCalled(t, "AwaitConfirmation", mock.Anything, mock.Anything)
	})

	t.Run("failed apply keeps the confirmed result for the next call", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		gw.On("Submit", mock.Anything, keyIs("PLEDGE:e-1#1")).Return("h-1", nil).Once()
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xabc", 3), nil).Once()

		boom := errors.New("boom")
		err := f.committer.Execute(ctx, testCommand("e-1"), func(*ledger.Result) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, models.SubmissionStatusConfirmed, f.submission(t, "PLEDGE:e-1").Status)

		applied := false
		require.NoError(t, f.committer.Execute(ctx, testCommand("e-1"), func(res *ledger.Result) error {
			applied = res.TxHash == "0xabc"
			return nil
		}))
		assert.True(t, applied)
		gw.AssertExpectations(t)
	})

	t.Run("submission stores params and replay request", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		gw.On("Submit", mock.Anything, mock.MatchedBy(func(req ledger.Request) bool {
			return req.Operation == "PLEDGE" && req.PayloadHash != "" && req.Params["endorsementId"] == "e-1"
		})).Return("h-1", nil).Once()
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xabc", 3), nil).Once()

		require.NoError(t, f.committer.Execute(ctx, testCommand("e-1"), func(*ledger.Result) error { return nil }))

		sub := f.submission(t, "PLEDGE:e-1")
		assert.Equal(t, "h-1", sub.Handle)
		assert.Equal(t, testReceipt, sub.ReceiptID)
		assert.Equal(t, "e-1", sub.Params["endorsementId"])
		assert.Contains(t, string(sub.Request), replayConfirmPledge)
		gw.AssertExpectations(t)
	})

	t.Run("unknown handle resets the submission for resubmission", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		require.NoError(t, f.store.Repos().LedgerSubmissions().Save(ctx, &models.LedgerSubmission{
			BusinessKey: "PLEDGE:e-1",
			Operation:   models.LedgerOpPledge,
			Attempt:     1,
			Handle:      "h-lost",
			Status:      models.SubmissionStatusSubmitted,
		}))
		gw.On("AwaitConfirmation", mock.Anything, "h-lost").
			Return(nil, fmt.Errorf("%w: h-lost", ledger.ErrUnknownHandle)).Once()

		err := f.committer.Execute(ctx, testCommand("e-1"), func(*ledger.Result) error {
			t.Fatal("apply must not run without a result")
			return nil
		})
		assert.Equal(t, CodeLedgerUnavailable, CodeOf(err))

		sub := f.submission(t, "PLEDGE:e-1")
		assert.Equal(t, models.SubmissionStatusSubmitting, sub.Status)
		assert.Empty(t, sub.Handle)

		gw.On("Submit", mock.Anything, keyIs("PLEDGE:e-1#1")).Return("h-new", nil).Once()
		gw.On("AwaitConfirmation", mock.Anything, "h-new").Return(confirmed("0xabc", 4), nil).Once()
		require.NoError(t, f.committer.Execute(ctx, testCommand("e-1"), func(*ledger.Result) error { return nil }))
		assert.Equal(t, 1, f.submission(t, "PLEDGE:e-1").Attempt)
		gw.AssertExpectations(t)
	})

	t.Run("held lock reports submission in progress", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		release, err := f.committer.locker.Acquire(ctx, "PLEDGE:e-1", time.Minute)
		require.NoError(t, err)
		defer release()

		err = f.committer.Execute(ctx, testCommand("e-1"), func(*ledger.Result) error { return nil })
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Equal(t, CodeLedgerSubmissionInProgress, CodeOf(err))
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("retries transient submit errors", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		f.committer.cfg.MaxRetries = 2
		gw.On("Submit", mock.Anything, keyIs("PLEDGE:e-1#1")).Return("", ledger.ErrUnavailable).Twice()
		gw.On("Submit", mock.Anything, keyIs("PLEDGE:e-1#1")).Return("h-1", nil).Once()
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xabc", 5), nil).Once()

		require.NoError(t, f.committer.Execute(ctx, testCommand("e-1"), func(*ledger.Result) error { return nil }))
		gw.AssertNumberOfCalls(t, "Submit", 3)
	})
}

func TestLedgerCommitter_InFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, new(MockGateway))
	subs := f.store.Repos().LedgerSubmissions()

	inFlight, err := f.committer.InFlight(ctx, "PLEDGE:none")
	require.NoError(t, err)
	assert.False(t, inFlight)

	for status, want := range map[models.SubmissionStatus]bool{
		models.SubmissionStatusSubmitting: true,
		models.SubmissionStatusSubmitted:  true,
		models.SubmissionStatusConfirmed:  true,
		models.SubmissionStatusFailed:     false,
	} {
		key := "PLEDGE:" + string(status)
		require.NoError(t, subs.Save(ctx, &models.LedgerSubmission{BusinessKey: key, Status: status}))
		inFlight, err := f.committer.InFlight(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, inFlight, status)
	}
}

func TestLedgerCommitter_RecordCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("records the result read back from the gateway", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		subs := f.store.Repos().LedgerSubmissions()
		require.NoError(t, subs.Save(ctx, &models.LedgerSubmission{
			BusinessKey: "PLEDGE:e-1", Attempt: 1, Handle: "h-1", Status: models.SubmissionStatusSubmitted,
		}))
		gw.On("AwaitConfirmation", mock.Anything, "h-1").Return(confirmed("0xabc", 8), nil).Once()

		sub, err := f.committer.RecordCallback(ctx, "h-1", confirmed("0xABC", 8))
		require.NoError(t, err)
		assert.Equal(t, models.SubmissionStatusConfirmed, sub.Status)

		// A late contradicting result does not overwrite a terminal row.
		sub, err = f.committer.RecordCallback(ctx, "h-1", &ledger.Result{Success: false, RevertReason: "late"})
		require.NoError(t, err)
		assert.Equal(t, models.SubmissionStatusConfirmed, sub.Status)
		assert.Equal(t, "0xabc", f.submission(t, "PLEDGE:e-1").TxHash)
		gw.AssertNumberOfCalls(t, "AwaitConfirmation", 1)
	})

	t.Run("result that disagrees with the gateway is refused", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		subs := f.store.Repos().LedgerSubmissions()
		require.NoError(t, subs.Save(ctx, &models.LedgerSubmission{
			BusinessKey: "PLEDGE:e-2", Attempt: 1, Handle: "h-2", Status: models.SubmissionStatusSubmitted,
		}))
		gw.On("AwaitConfirmation", mock.Anything, "h-2").Return(confirmed("0xreal", 9), nil)

		_, err := f.committer.RecordCallback(ctx, "h-2", confirmed("0xforged", 9))
		assert.Equal(t, CodeLedgerCallbackMismatch, CodeOf(err))

		_, err = f.committer.RecordCallback(ctx, "h-2", &ledger.Result{Success: false, RevertReason: "forged"})
		assert.Equal(t, CodeLedgerCallbackMismatch, CodeOf(err))

		_, err = f.committer.RecordCallback(ctx, "h-2", confirmed("0xreal", 10))
		assert.Equal(t, CodeLedgerCallbackMismatch, CodeOf(err))
		assert.Equal(t, models.SubmissionStatusSubmitted, f.submission(t, "PLEDGE:e-2").Status)
	})

	t.Run("gateway without a result leaves the row submitted", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)
		subs := f.store.Repos().LedgerSubmissions()
		require.NoError(t, subs.Save(ctx, &models.LedgerSubmission{
			BusinessKey: "PLEDGE:e-3", Attempt: 1, Handle: "h-3", Status: models.SubmissionStatusSubmitted,
		}))
		gw.On("AwaitConfirmation", mock.Anything, "h-3").Return(nil, context.DeadlineExceeded).Once()

		_, err := f.committer.RecordCallback(ctx, "h-3", confirmed("0x3", 3))
		assert.Equal(t, CodeLedgerTimeout, CodeOf(err))
		assert.Equal(t, models.SubmissionStatusSubmitted, f.submission(t, "PLEDGE:e-3").Status)
	})

	t.Run("unknown handle", func(t *testing.T) {
		gw := new(MockGateway)
		f := newFixture(t, gw)

		_, err := f.committer.RecordCallback(ctx, "h-unknown", confirmed("0x1", 1))
		assert.Equal(t, CodeSubmissionNotFound, CodeOf(err))
		gw.AssertNotCalled(t, "AwaitConfirmation", mock.Anything, mock.Anything)
	})
}

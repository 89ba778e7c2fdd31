package services

import (
	"context"
	"testing"
	"time"

	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway is a testify mock of ledger.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Submit(ctx context.Context, req ledger.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) AwaitConfirmation(ctx context.Context, handle string) (*ledger.Result, error) {
	args := m.Called(ctx, handle)
	res, _ := args.Get(0).(*ledger.Result)
	return res, args.Error(1)
}

const (
	testOwner       = "owner-1"
	testOwnerName   = "Acme Trading"
	testBank        = "BANK-01"
	testBankName    = "First Commercial Bank"
	testInactive    = "BANK-99"
	testReceipt     = "R1"
	testReceiptNo   = "WR2024-0001"
	testStartDate   = "2024-03-01"
	testEndDate     = "2024-05-30" // 90 days
	testPledgeTotal = "101375.00"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store        *memory.Store
	committer    *LedgerCommitter
	endorsements *EndorsementService
	pledges      *PledgeService
	reconciler   *Reconciler
}

func newFixture(t *testing.T, gateway ledger.Gateway) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, gateway, PledgeConfig{})
}

func newFixtureWithConfig(t *testing.T, gateway ledger.Gateway, cfg PledgeConfig) *fixture {
	t.Helper()
	store := memory.NewStore()
	store.PutReceipt(models.Receipt{
		ID:            testReceipt,
		ReceiptNo:     testReceiptNo,
		OwnerID:       testOwner,
		OwnerName:     testOwnerName,
		WarehouseID:   "WH-SH-01",
		GoodsName:     "Copper cathode",
		GoodsQuantity: decimal.NewFromInt(25),
		GoodsUnit:     "t",
		GoodsValue:    decimal.RequireFromString("180000.00"),
		Status:        models.ReceiptStatusNormal,
	})
	store.PutInstitution(models.FinancialInstitution{ID: testBank, Name: testBankName, Status: models.InstitutionStatusActive})
	store.PutInstitution(models.FinancialInstitution{ID: testInactive, Name: "Closed Bank", Status: models.InstitutionStatusInactive})

	committer := NewLedgerCommitter(store, gateway, NewLocalLocker(), nil, LedgerConfig{
		SubmitTimeout:  time.Second,
		ConfirmTimeout: time.Second,
		MaxRetries:     0,
		RetryInterval:  time.Millisecond,
	})
	endorsements := NewEndorsementService(store)
	pledges := NewPledgeService(store, endorsements, committer, NewSettlementService("CNY", "SCFBCNSH"), nil, nil, cfg)
	pledges.now = func() time.Time { return testNow }
	reconciler := NewReconciler(store, committer, pledges, ReconcilerConfig{})

	return &fixture{
		store:        store,
		committer:    committer,
		endorsements: endorsements,
		pledges:      pledges,
		reconciler:   reconciler,
	}
}

func pledgeRequest() InitiatePledgeRequest {
	return InitiatePledgeRequest{
		ReceiptID:              testReceipt,
		FinancialInstitutionID: testBank,
		PledgeAmount:           decimal.RequireFromString("100000.00"),
		PledgeRate:             decimal.RequireFromString("5.5"),
		PledgeStartDate:        testStartDate,
		PledgeEndDate:          testEndDate,
		Reason:                 "working capital",
	}
}

func (f *fixture) initiate(t *testing.T) *models.EndorsementRecord {
	t.Helper()
	res, err := f.pledges.InitiatePledge(context.Background(), pledgeRequest(), testOwner, testOwnerName)
	require.NoError(t, err)
	return res.Endorsement
}

func (f *fixture) approve(t *testing.T, record *models.EndorsementRecord) *PledgeConfirmResponse {
	t.Helper()
	res, err := f.pledges.ConfirmPledge(context.Background(), confirmRequest(record, "CONFIRMED"), testBank, testBankName)
	require.NoError(t, err)
	return res
}

func confirmRequest(record *models.EndorsementRecord, decision string) ConfirmPledgeRequest {
	return ConfirmPledgeRequest{
		EndorsementID: record.ID,
		EndorsementNo: record.EndorsementNo,
		Decision:      decision,
	}
}

func (f *fixture) receipt(t *testing.T) *models.Receipt {
	t.Helper()
	r, err := f.store.Repos().Receipts().Get(context.Background(), testReceipt)
	require.NoError(t, err)
	return r
}

func (f *fixture) submission(t *testing.T, key string) *models.LedgerSubmission {
	t.Helper()
	sub, err := f.store.Repos().LedgerSubmissions().Get(context.Background(), key)
	require.NoError(t, err)
	return sub
}

func confirmed(txHash string, block uint64) *ledger.Result {
	return &ledger.Result{Success: true, TxHash: txHash, BlockNumber: block}
}

func keyIs(key string) any {
	return mock.MatchedBy(func(req ledger.Request) bool { return req.IdempotencyKey == key })
}

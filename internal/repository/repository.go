package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/scfchain/backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("repository: not found")
	// ErrUniqueViolation signals a unique index rejected the write.
	ErrUniqueViolation = errors.New("repository: unique violation")
	// ErrStaleWrite is returned when a compare-and-set update matched no row.
	ErrStaleWrite = errors.New("repository: stale write")
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ReceiptRepository interface {
	Get(ctx context.Context, id string) (*models.Receipt, error)
	GetForUpdate(ctx context.Context, id string) (*models.Receipt, error)
	UpdateStatus(ctx context.Context, id string, from, to models.ReceiptStatus) error
	UpdateOwner(ctx context.Context, id, ownerID, ownerName string) error
}

type InstitutionRepository interface {
	Get(ctx context.Context, id string) (*models.FinancialInstitution, error)
}

type EndorsementRepository interface {
	Insert(ctx context.Context, e *models.EndorsementRecord) error
	Get(ctx context.Context, id string) (*models.EndorsementRecord, error)
	GetForUpdate(ctx context.Context, id string) (*models.EndorsementRecord, error)
	FindPending(ctx context.Context, receiptID string) (*models.EndorsementRecord, error)
	MaxSequence(ctx context.Context, receiptID string) (int, error)
	Count(ctx context.Context, receiptID string) (int, error)
	// Finalize moves a PENDING record to a terminal status. ErrStaleWrite if it is
	// no longer PENDING.
	Finalize(ctx context.Context, id string, status models.EndorsementStatus, remarks string, confirmedAt *time.Time) error
	// AttachLedgerInfo sets the ledger linkage when none is set yet. ErrStaleWrite
	// if a hash is already attached.
	AttachLedgerInfo(ctx context.Context, id, txHash string, blockNumber uint64) error
	List(ctx context.Context, f models.EndorsementFilter) ([]models.EndorsementRecord, error)
}

type PledgeRepository interface {
	Insert(ctx context.Context, p *models.PledgeRecord) error
	Get(ctx context.Context, id string) (*models.PledgeRecord, error)
	GetForUpdate(ctx context.Context, id string) (*models.PledgeRecord, error)
	FindActive(ctx context.Context, receiptID string) (*models.PledgeRecord, error)
	GetByEndorsement(ctx context.Context, endorsementID string) (*models.PledgeRecord, error)
	MarkReleased(ctx context.Context, id string, at time.Time) error
	Search(ctx context.Context, f models.PledgeFilter) ([]models.PledgeRecord, int, error)
}

type FinancingRepository interface {
	Insert(ctx context.Context, f *models.FinancingRecord) error
	GetByPledge(ctx context.Context, pledgeID string) (*models.FinancingRecord, error)
	MarkRepaid(ctx context.Context, pledgeID string, amount decimal.Decimal, at time.Time) error
}

type ReleaseRepository interface {
	Insert(ctx context.Context, r *models.ReleaseRecord) error
	GetByPledge(ctx context.Context, pledgeID string) (*models.ReleaseRecord, error)
}

type LedgerSubmissionRepository interface {
	Get(ctx context.Context, businessKey string) (*models.LedgerSubmission, error)
	GetByHandle(ctx context.Context, handle string) (*models.LedgerSubmission, error)
	Save(ctx context.Context, s *models.LedgerSubmission) error
	ListByStatus(ctx context.Context, status models.SubmissionStatus, updatedBefore time.Time, limit int) ([]models.LedgerSubmission, error)
}

// Repos bundles the repositories bound to one connection or transaction.
type Repos interface {
	Receipts() ReceiptRepository
	Institutions() InstitutionRepository
	Endorsements() EndorsementRepository
	Pledges() PledgeRepository
	Financings() FinancingRepository
	Releases() ReleaseRepository
	LedgerSubmissions() LedgerSubmissionRepository
}

// Store hands out repositories. Every write that changes business state goes
// through WithTx; Repos is for reads.
type Store interface {
	Repos() Repos
	WithTx(ctx context.Context, fn func(Repos) error) error
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scfchain/backend/internal/models"
	"github.com/shopspring/decimal"
)

const financingColumns = `id, pledge_id, receipt_id, financial_institution_id, financing_amount,
	interest_rate, due_date, repayment_status, repaid_amount, repaid_at, created_at`

type FinancingRepo struct {
	q Querier
}

func NewFinancingRepo(q Querier) *FinancingRepo {
	return &FinancingRepo{q: q}
}

func (r *FinancingRepo) Insert(ctx context.Context, f *models.FinancingRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO financing_records (`+financingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.PledgeID, f.ReceiptID, f.FinancialInstitutionID, f.FinancingAmount,
		f.InterestRate, f.DueDate, string(f.RepaymentStatus), f.RepaidAmount, f.RepaidAt, f.CreatedAt)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (r *FinancingRepo) GetByPledge(ctx context.Context, pledgeID string) (*models.FinancingRecord, error) {
	var (
		f      models.FinancingRecord
		repaid sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT `+financingColumns+`
		FROM financing_records
		WHERE pledge_id = $1`, pledgeID).Scan(
		&f.ID, &f.PledgeID, &f.ReceiptID, &f.FinancialInstitutionID, &f.FinancingAmount,
		&f.InterestRate, &f.DueDate, &f.RepaymentStatus, &f.RepaidAmount, &repaid, &f.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if repaid.Valid {
		t := repaid.Time
		f.RepaidAt = &t
	}
	return &f, nil
}

func (r *FinancingRepo) MarkRepaid(ctx context.Context, pledgeID string, amount decimal.Decimal, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE financing_records
		SET repayment_status = 'REPAID', repaid_amount = $1, repaid_at = $2
		WHERE pledge_id = $3 AND repayment_status = 'UNPAID'`, amount, at, pledgeID)
	if err != nil {
		return fmt.Errorf("repository: mark financing repaid: %w", err)
	}
	return expectOneRow(res)
}

type ReleaseRepo struct {
	q Querier
}

func NewReleaseRepo(q Querier) *ReleaseRepo {
	return &ReleaseRepo{q: q}
}

const releaseColumns = `id, pledge_id, receipt_id, endorsement_id, repay_amount, principal, interest,
	fees, excess_amount, interest_days, settlement_message, tx_hash, block_number, released_at`

func (r *ReleaseRepo) Insert(ctx context.Context, rel *models.ReleaseRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO release_records (`+releaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rel.ID, rel.PledgeID, rel.ReceiptID, rel.EndorsementID, rel.RepayAmount, rel.Principal, rel.Interest,
		rel.Fees, rel.ExcessAmount, rel.InterestDays, rel.SettlementMessage, rel.TxHash, int64(rel.BlockNumber), rel.ReleasedAt)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (r *ReleaseRepo) GetByPledge(ctx context.Context, pledgeID string) (*models.ReleaseRecord, error) {
	var (
		rel   models.ReleaseRecord
		block int64
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT `+releaseColumns+`
		FROM release_records
		WHERE pledge_id = $1`, pledgeID).Scan(
		&rel.ID, &rel.PledgeID, &rel.ReceiptID, &rel.EndorsementID, &rel.RepayAmount, &rel.Principal, &rel.Interest,
		&rel.Fees, &rel.ExcessAmount, &rel.InterestDays, &rel.SettlementMessage, &rel.TxHash, &block, &rel.ReleasedAt)
	if err != nil {
		return nil, translate(err)
	}
	rel.BlockNumber = uint64(block)
	return &rel, nil
}

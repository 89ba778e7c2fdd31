package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scfchain/backend/internal/models"
)

const pledgeColumns = `id, receipt_id, endorsement_id, cycle, owner_id, financial_institution_id,
	pledge_amount, pledge_rate, pledge_start_date, pledge_end_date, status, deleted,
	tx_hash, block_number, created_at, released_at`

type PledgeRepo struct {
	q Querier
}

func NewPledgeRepo(q Querier) *PledgeRepo {
	return &PledgeRepo{q: q}
}

func (r *PledgeRepo) Insert(ctx context.Context, p *models.PledgeRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO pledge_records (`+pledgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.ReceiptID, p.EndorsementID, p.Cycle, p.OwnerID, p.FinancialInstitutionID,
		p.PledgeAmount, p.PledgeRate, p.PledgeStartDate, p.PledgeEndDate, string(p.Status), p.Deleted,
		nullString(p.TxHash), nullBlock(p.BlockNumber), p.CreatedAt, p.ReleasedAt)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (r *PledgeRepo) Get(ctx context.Context, id string) (*models.PledgeRecord, error) {
	return r.getOne(ctx, `SELECT `+pledgeColumns+` FROM pledge_records WHERE id = $1 AND deleted = FALSE`, id)
}

func (r *PledgeRepo) GetForUpdate(ctx context.Context, id string) (*models.PledgeRecord, error) {
	return r.getOne(ctx, `SELECT `+pledgeColumns+` FROM pledge_records WHERE id = $1 AND deleted = FALSE FOR UPDATE`, id)
}

func (r *PledgeRepo) FindActive(ctx context.Context, receiptID string) (*models.PledgeRecord, error) {
	return r.getOne(ctx, `SELECT `+pledgeColumns+` FROM pledge_records
		WHERE receipt_id = $1 AND status = 'ACTIVE' AND deleted = FALSE`, receiptID)
}

func (r *PledgeRepo) GetByEndorsement(ctx context.Context, endorsementID string) (*models.PledgeRecord, error) {
	return r.getOne(ctx, `SELECT `+pledgeColumns+` FROM pledge_records WHERE endorsement_id = $1`, endorsementID)
}

func (r *PledgeRepo) getOne(ctx context.Context, query string, args ...any) (*models.PledgeRecord, error) {
	p, err := scanPledge(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

func (r *PledgeRepo) MarkReleased(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE pledge_records
		SET status = 'RELEASED', released_at = $1
		WHERE id = $2 AND status = 'ACTIVE'`, at, id)
	if err != nil {
		return fmt.Errorf("repository: release pledge: %w", err)
	}
	return expectOneRow(res)
}

// Search returns one page of pledges ordered by receipt then cycle, plus the
// total number of matches.
func (r *PledgeRepo) Search(ctx context.Context, f models.PledgeFilter) ([]models.PledgeRecord, int, error) {
	where := []string{"deleted = FALSE"}
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ReceiptID != "" {
		add("receipt_id = $%d", f.ReceiptID)
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.InstitutionID != "" {
		add("financial_institution_id = $%d", f.InstitutionID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pledge_records WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repository: count pledges: %w", err)
	}

	query := `SELECT ` + pledgeColumns + ` FROM pledge_records WHERE ` + cond + ` ORDER BY receipt_id, cycle ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: search pledges: %w", err)
	}
	defer rows.Close()

	out := []models.PledgeRecord{}
	for rows.Next() {
		p, err := scanPledge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: scan pledge: %w", err)
		}
		out = append(out, *p)
	}
	return out, total, rows.Err()
}

func scanPledge(s rowScanner) (*models.PledgeRecord, error) {
	var (
		p        models.PledgeRecord
		txHash   sql.NullString
		block    sql.NullInt64
		released sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.ReceiptID, &p.EndorsementID, &p.Cycle, &p.OwnerID, &p.FinancialInstitutionID,
		&p.PledgeAmount, &p.PledgeRate, &p.PledgeStartDate, &p.PledgeEndDate, &p.Status, &p.Deleted,
		&txHash, &block, &p.CreatedAt, &released)
	if err != nil {
		return nil, err
	}
	p.TxHash = txHash.String
	if block.Valid {
		p.BlockNumber = uint64(block.Int64)
	}
	if released.Valid {
		t := released.Time
		p.ReleasedAt = &t
	}
	return &p, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scfchain/backend/internal/models"
)

const endorsementColumns = `id, endorsement_no, sequence, receipt_id, endorse_from, endorse_from_name,
	endorse_to, endorse_to_name, endorsement_type, endorsement_status, previous_receipt_status,
	goods_snapshot, pledge_terms, transfer_price, transfer_amount, reason, remarks, operator_id,
	tx_hash, block_number, endorsement_time, confirmed_time`

type EndorsementRepo struct {
	q Querier
}

func NewEndorsementRepo(q Querier) *EndorsementRepo {
	return &EndorsementRepo{q: q}
}

func (r *EndorsementRepo) Insert(ctx context.Context, e *models.EndorsementRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO endorsement_records (`+endorsementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		e.ID, e.EndorsementNo, e.Sequence, e.ReceiptID, e.EndorseFrom, e.EndorseFromName,
		e.EndorseTo, e.EndorseToName, string(e.EndorsementType), string(e.EndorsementStatus), string(e.PreviousReceiptStatus),
		e.GoodsSnapshot, e.PledgeTerms, e.TransferPrice, e.TransferAmount, e.Reason, e.Remarks, e.OperatorID,
		nullString(e.TxHash), nullBlock(e.BlockNumber), e.EndorsementTime, e.ConfirmedTime)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (r *EndorsementRepo) Get(ctx context.Context, id string) (*models.EndorsementRecord, error) {
	return r.getOne(ctx, `SELECT `+endorsementColumns+` FROM endorsement_records WHERE id = $1`, id)
}

func (r *EndorsementRepo) GetForUpdate(ctx context.Context, id string) (*models.EndorsementRecord, error) {
	return r.getOne(ctx, `SELECT `+endorsementColumns+` FROM endorsement_records WHERE id = $1 FOR UPDATE`, id)
}

func (r *EndorsementRepo) FindPending(ctx context.Context, receiptID string) (*models.EndorsementRecord, error) {
	return r.getOne(ctx, `SELECT `+endorsementColumns+` FROM endorsement_records
		WHERE receipt_id = $1 AND endorsement_status = 'PENDING'`, receiptID)
}

func (r *EndorsementRepo) getOne(ctx context.Context, query string, args ...any) (*models.EndorsementRecord, error) {
	e, err := scanEndorsement(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, translate(err)
	}
	return e, nil
}

func (r *EndorsementRepo) MaxSequence(ctx context.Context, receiptID string) (int, error) {
	var seq int
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM endorsement_records
		WHERE receipt_id = $1`, receiptID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("repository: max endorsement sequence: %w", err)
	}
	return seq, nil
}

func (r *EndorsementRepo) Count(ctx context.Context, receiptID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM endorsement_records
		WHERE receipt_id = $1`, receiptID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: count endorsements: %w", err)
	}
	return n, nil
}

func (r *EndorsementRepo) Finalize(ctx context.Context, id string, status models.EndorsementStatus, remarks string, confirmedAt *time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE endorsement_records
		SET endorsement_status = $1, remarks = $2, confirmed_time = $3
		WHERE id = $4 AND endorsement_status = 'PENDING'`,
		string(status), remarks, confirmedAt, id)
	if err != nil {
		return fmt.Errorf("repository: finalize endorsement: %w", err)
	}
	return expectOneRow(res)
}

func (r *EndorsementRepo) AttachLedgerInfo(ctx context.Context, id, txHash string, blockNumber uint64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE endorsement_records
		SET tx_hash = $1, block_number = $2
		WHERE id = $3 AND tx_hash IS NULL`,
		txHash, int64(blockNumber), id)
	if err != nil {
		return fmt.Errorf("repository: attach ledger info: %w", err)
	}
	return expectOneRow(res)
}

func (r *EndorsementRepo) List(ctx context.Context, f models.EndorsementFilter) ([]models.EndorsementRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ReceiptID != "" {
		add("receipt_id = $%d", f.ReceiptID)
	}
	if f.EndorseFrom != "" {
		add("endorse_from = $%d", f.EndorseFrom)
	}
	if f.EndorseTo != "" {
		add("endorse_to = $%d", f.EndorseTo)
	}
	if f.OperatorID != "" {
		add("operator_id = $%d", f.OperatorID)
	}
	if f.Type != "" {
		add("endorsement_type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("endorsement_status = $%d", string(f.Status))
	}
	if f.CreatedBefore != nil {
		add("endorsement_time < $%d", *f.CreatedBefore)
	}

	query := `SELECT ` + endorsementColumns + ` FROM endorsement_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// A receipt's chain is ordered by its sequence, never by timestamp.
	if f.ReceiptID != "" {
		query += ` ORDER BY sequence ASC`
	} else {
		query += ` ORDER BY endorsement_time DESC, sequence DESC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: list endorsements: %w", err)
	}
	defer rows.Close()

	out := []models.EndorsementRecord{}
	for rows.Next() {
		e, err := scanEndorsement(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan endorsement: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEndorsement(s rowScanner) (*models.EndorsementRecord, error) {
	var (
		e         models.EndorsementRecord
		txHash    sql.NullString
		block     sql.NullInt64
		confirmed sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.EndorsementNo, &e.Sequence, &e.ReceiptID, &e.EndorseFrom, &e.EndorseFromName,
		&e.EndorseTo, &e.EndorseToName, &e.EndorsementType, &e.EndorsementStatus, &e.PreviousReceiptStatus,
		&e.GoodsSnapshot, &e.PledgeTerms, &e.TransferPrice, &e.TransferAmount, &e.Reason, &e.Remarks, &e.OperatorID,
		&txHash, &block, &e.EndorsementTime, &confirmed)
	if err != nil {
		return nil, err
	}
	e.TxHash = txHash.String
	if block.Valid {
		e.BlockNumber = uint64(block.Int64)
	}
	if confirmed.Valid {
		t := confirmed.Time
		e.ConfirmedTime = &t
	}
	return &e, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scfchain/backend/internal/models"
)

const submissionColumns = `business_key, operation, receipt_id, attempt, handle, status,
	tx_hash, block_number, revert_reason, params, request, created_at, updated_at`

type LedgerSubmissionRepo struct {
	q Querier
}

func NewLedgerSubmissionRepo(q Querier) *LedgerSubmissionRepo {
	return &LedgerSubmissionRepo{q: q}
}

func (r *LedgerSubmissionRepo) Get(ctx context.Context, businessKey string) (*models.LedgerSubmission, error) {
	s, err := scanSubmission(r.q.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM ledger_submissions
		WHERE business_key = $1`, businessKey))
	if err != nil {
		return nil, translate(err)
	}
	return s, nil
}

func (r *LedgerSubmissionRepo) GetByHandle(ctx context.Context, handle string) (*models.LedgerSubmission, error) {
	s, err := scanSubmission(r.q.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM ledger_submissions
		WHERE handle = $1`, handle))
	if err != nil {
		return nil, translate(err)
	}
	return s, nil
}

// Save upserts the submission keyed by business key. CreatedAt is kept from the
// first insert.
func (r *LedgerSubmissionRepo) Save(ctx context.Context, s *models.LedgerSubmission) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	var request any
	if len(s.Request) > 0 {
		request = []byte(s.Request)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ledger_submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (business_key) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			handle = EXCLUDED.handle,
			status = EXCLUDED.status,
			tx_hash = EXCLUDED.tx_hash,
			block_number = EXCLUDED.block_number,
			revert_reason = EXCLUDED.revert_reason,
			params = EXCLUDED.params,
			request = EXCLUDED.request,
			updated_at = EXCLUDED.updated_at`,
		s.BusinessKey, string(s.Operation), s.ReceiptID, s.Attempt, nullString(s.Handle), string(s.Status),
		nullString(s.TxHash), nullBlock(s.BlockNumber), nullString(s.RevertReason), s.Params, request,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: save ledger submission: %w", err)
	}
	return nil
}

func (r *LedgerSubmissionRepo) ListByStatus(ctx context.Context, status models.SubmissionStatus, updatedBefore time.Time, limit int) ([]models.LedgerSubmission, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM ledger_submissions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list ledger submissions: %w", err)
	}
	defer rows.Close()

	out := []models.LedgerSubmission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan ledger submission: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSubmission(sc rowScanner) (*models.LedgerSubmission, error) {
	var (
		s       models.LedgerSubmission
		handle  sql.NullString
		txHash  sql.NullString
		block   sql.NullInt64
		reason  sql.NullString
		request []byte
	)
	err := sc.Scan(&s.BusinessKey, &s.Operation, &s.ReceiptID, &s.Attempt, &handle, &s.Status,
		&txHash, &block, &reason, &s.Params, &request, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Handle = handle.String
	s.TxHash = txHash.String
	s.RevertReason = reason.String
	if block.Valid {
		s.BlockNumber = uint64(block.Int64)
	}
	if len(request) > 0 {
		s.Request = request
	}
	return &s, nil
}

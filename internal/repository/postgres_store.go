package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store over database/sql with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Repos() Repos {
	return pgRepos{q: s.db}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(pgRepos{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[REPOSITORY] Failed to commit transaction: %v", err)
		return fmt.Errorf("repository: commit tx: %w", err)
	}
	return nil
}

type pgRepos struct {
	q Querier
}

func (r pgRepos) Receipts() ReceiptRepository         { return NewReceiptRepo(r.q) }
func (r pgRepos) Institutions() InstitutionRepository { return NewInstitutionRepo(r.q) }
func (r pgRepos) Endorsements() EndorsementRepository { return NewEndorsementRepo(r.q) }
func (r pgRepos) Pledges() PledgeRepository           { return NewPledgeRepo(r.q) }
func (r pgRepos) Financings() FinancingRepository     { return NewFinancingRepo(r.q) }
func (r pgRepos) Releases() ReleaseRepository         { return NewReleaseRepo(r.q) }
func (r pgRepos) LedgerSubmissions() LedgerSubmissionRepository {
	return NewLedgerSubmissionRepo(r.q)
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pqErr.Constraint)
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleWrite
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBlock(n uint64) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

type rowScanner interface {
	Scan(dest ...any) error
}

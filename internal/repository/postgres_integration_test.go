//go:build integration

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/scfchain/backend/internal/database"
	"github.com/scfchain/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"
)

// startPostgres returns a DSN for a throwaway Postgres 16. PLEDGE_TEST_PG_DSN
// reuses an existing database instead.
func startPostgres(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("PLEDGE_TEST_PG_DSN"); dsn != "" {
		return dsn
	}

	ctx := context.Background()
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("scf_pledge"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresStore_ConcurrentPendingCreates(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("postgres", startPostgres(t))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.Migrate(ctx, db))

	receiptID := "r-" + uuid.NewString()[:8]
	_, err = db.ExecContext(ctx, `
		INSERT INTO warehouse_receipts (id, receipt_no, owner_id, owner_name, goods_name, goods_value, status)
		VALUES ($1, $2, 'owner-1', 'Acme', 'Copper', 100000, 'NORMAL')`, receiptID, "WR-"+receiptID)
	require.NoError(t, err)

	store := NewPostgresStore(db)
	var created, rejected int32

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			err := store.WithTx(gctx, func(r Repos) error {
				rc, err := r.Receipts().GetForUpdate(gctx, receiptID)
				if err != nil {
					return err
				}
				if _, err := r.Endorsements().FindPending(gctx, receiptID); err == nil {
					return ErrUniqueViolation
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
				seq, err := r.Endorsements().MaxSequence(gctx, receiptID)
				if err != nil {
					return err
				}
				seq++
				now := time.Now().UTC()
				return r.Endorsements().Insert(gctx, &models.EndorsementRecord{
					ID:                    uuid.NewString(),
					EndorsementNo:         models.FormatEndorsementNo(rc.ReceiptNo, seq),
					Sequence:              seq,
					ReceiptID:             receiptID,
					EndorseFrom:           rc.OwnerID,
					EndorseTo:             "bank-1",
					EndorsementType:       models.EndorsementTypePledge,
					EndorsementStatus:     models.EndorsementStatusPending,
					PreviousReceiptStatus: rc.Status,
					GoodsSnapshot:         rc.Snapshot(now),
					OperatorID:            rc.OwnerID,
					EndorsementTime:       now,
				})
			})
			switch {
			case err == nil:
				atomic.AddInt32(&created, 1)
			case errors.Is(err, ErrUniqueViolation):
				atomic.AddInt32(&rejected, 1)
			default:
				return fmt.Errorf("unexpected error: %w", err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(15), rejected)

	var pending int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM endorsement_records
		WHERE receipt_id = $1 AND endorsement_status = 'PENDING'`, receiptID).Scan(&pending))
	assert.Equal(t, 1, pending)
}

func TestPostgresStore_FinalizedEndorsementIsImmutable(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("postgres", startPostgres(t))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.Migrate(ctx, db))

	receiptID := "r-" + uuid.NewString()[:8]
	_, err = db.ExecContext(ctx, `
		INSERT INTO warehouse_receipts (id, receipt_no, owner_id, status)
		VALUES ($1, $2, 'owner-1', 'NORMAL')`, receiptID, "WR-"+receiptID)
	require.NoError(t, err)

	repo := NewEndorsementRepo(db)
	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, repo.Insert(ctx, &models.EndorsementRecord{
		ID:                    id,
		EndorsementNo:         models.FormatEndorsementNo("WR-"+receiptID, 1),
		Sequence:              1,
		ReceiptID:             receiptID,
		EndorseFrom:           "owner-1",
		EndorseTo:             "owner-2",
		EndorsementType:       models.EndorsementTypeTransfer,
		EndorsementStatus:     models.EndorsementStatusPending,
		PreviousReceiptStatus: models.ReceiptStatusNormal,
		OperatorID:            "owner-1",
		EndorsementTime:       now,
	}))
	require.NoError(t, repo.Finalize(ctx, id, models.EndorsementStatusConfirmed, "", &now))
	require.NoError(t, repo.AttachLedgerInfo(ctx, id, "0xabc", 5))

	_, err = db.ExecContext(ctx, `UPDATE endorsement_records SET remarks = 'edited' WHERE id = $1`, id)
	assert.Error(t, err)
}

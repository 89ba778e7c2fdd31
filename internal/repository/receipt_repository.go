package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/scfchain/backend/internal/models"
)

const receiptColumns = `id, receipt_no, owner_id, owner_name, warehouse_id, goods_name,
	goods_quantity, goods_unit, goods_value, status, updated_at`

type ReceiptRepo struct {
	q Querier
}

func NewReceiptRepo(q Querier) *ReceiptRepo {
	return &ReceiptRepo{q: q}
}

func (r *ReceiptRepo) Get(ctx context.Context, id string) (*models.Receipt, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate locks the receipt row for the rest of the transaction. All
// endorsement creation and confirmation for a receipt serialises on this lock.
func (r *ReceiptRepo) GetForUpdate(ctx context.Context, id string) (*models.Receipt, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *ReceiptRepo) get(ctx context.Context, id, suffix string) (*models.Receipt, error) {
	var rc models.Receipt
	err := r.q.QueryRowContext(ctx, `
		SELECT `+receiptColumns+`
		FROM warehouse_receipts
		WHERE id = $1`+suffix, id).Scan(
		&rc.ID, &rc.ReceiptNo, &rc.OwnerID, &rc.OwnerName, &rc.WarehouseID, &rc.GoodsName,
		&rc.GoodsQuantity, &rc.GoodsUnit, &rc.GoodsValue, &rc.Status, &rc.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &rc, nil
}

// UpdateStatus is a compare-and-set on the current status.
func (r *ReceiptRepo) UpdateStatus(ctx context.Context, id string, from, to models.ReceiptStatus) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE warehouse_receipts
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("repository: update receipt status: %w", err)
	}
	return expectOneRow(res)
}

func (r *ReceiptRepo) UpdateOwner(ctx context.Context, id, ownerID, ownerName string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE warehouse_receipts
		SET owner_id = $1, owner_name = $2, updated_at = $3
		WHERE id = $4`,
		ownerID, ownerName, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("repository: update receipt owner: %w", err)
	}
	return expectOneRow(res)
}

type InstitutionRepo struct {
	q Querier
}

func NewInstitutionRepo(q Querier) *InstitutionRepo {
	return &InstitutionRepo{q: q}
}

func (r *InstitutionRepo) Get(ctx context.Context, id string) (*models.FinancialInstitution, error) {
	var fi models.FinancialInstitution
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, status
		FROM financial_institutions
		WHERE id = $1`, id).Scan(&fi.ID, &fi.Name, &fi.Status)
	if err != nil {
		return nil, translate(err)
	}
	return &fi, nil
}

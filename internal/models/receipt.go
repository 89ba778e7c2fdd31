package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptStatus is the lifecycle status of a warehouse receipt
type ReceiptStatus string

const (
	ReceiptStatusNormal    ReceiptStatus = "NORMAL"
	ReceiptStatusFrozen    ReceiptStatus = "FROZEN"
	ReceiptStatusPledged   ReceiptStatus = "PLEDGED"
	ReceiptStatusCancelled ReceiptStatus = "CANCELLED"
)

// Receipt represents a warehouse receipt. Only Status and the owner columns are
// written by this service.
type Receipt struct {
	ID            string          `json:"id" db:"id"`
	ReceiptNo     string          `json:"receiptNo" db:"receipt_no"`
	OwnerID       string          `json:"ownerId" db:"owner_id"`
	OwnerName     string          `json:"ownerName" db:"owner_name"`
	WarehouseID   string          `json:"warehouseId" db:"warehouse_id"`
	GoodsName     string          `json:"goodsName" db:"goods_name"`
	GoodsQuantity decimal.Decimal `json:"goodsQuantity" db:"goods_quantity"`
	GoodsUnit     string          `json:"goodsUnit" db:"goods_unit"`
	GoodsValue    decimal.Decimal `json:"goodsValue" db:"goods_value"`
	Status        ReceiptStatus   `json:"status" db:"status"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
}

// Snapshot copies the goods description as it stands at the given instant.
func (r *Receipt) Snapshot(at time.Time) GoodsSnapshot {
	return GoodsSnapshot{
		ReceiptNo:   r.ReceiptNo,
		WarehouseID: r.WarehouseID,
		GoodsName:   r.GoodsName,
		Quantity:    r.GoodsQuantity,
		Unit:        r.GoodsUnit,
		GoodsValue:  r.GoodsValue,
		CapturedAt:  at.UTC(),
	}
}

type InstitutionStatus string

const (
	InstitutionStatusActive   InstitutionStatus = "ACTIVE"
	InstitutionStatusInactive InstitutionStatus = "INACTIVE"
)

// FinancialInstitution is a lender that can accept pledged receipts
type FinancialInstitution struct {
	ID     string            `json:"id" db:"id"`
	Name   string            `json:"name" db:"name"`
	Status InstitutionStatus `json:"status" db:"status"`
}

func (f *FinancialInstitution) IsActive() bool {
	return f.Status == InstitutionStatusActive
}

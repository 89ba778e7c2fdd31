package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// GoodsSnapshot is the immutable copy of the goods description stored on an
// endorsement. It is captured once, when the endorsement is created.
type GoodsSnapshot struct {
	ReceiptNo   string          `json:"receiptNo"`
	WarehouseID string          `json:"warehouseId"`
	GoodsName   string          `json:"goodsName"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	GoodsValue  decimal.Decimal `json:"value"`
	CapturedAt  time.Time       `json:"capturedAt"`
}

// Value implements driver.Valuer for the JSONB column
func (g GoodsSnapshot) Value() (driver.Value, error) {
	return json.Marshal(g)
}

// Scan implements sql.Scanner for the JSONB column
func (g *GoodsSnapshot) Scan(value any) error {
	if value == nil {
		*g = GoodsSnapshot{}
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, g)
}

// PledgeTerms are the financing terms proposed with a PLEDGE endorsement. They
// become the PledgeRecord when the institution approves.
type PledgeTerms struct {
	FinancialInstitutionID string          `json:"financialInstitutionId"`
	Amount                 decimal.Decimal `json:"amount"`
	Rate                   decimal.Decimal `json:"rate"`
	StartDate              time.Time       `json:"startDate"`
	EndDate                time.Time       `json:"endDate"`
}

func (t PledgeTerms) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *PledgeTerms) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*t = PledgeTerms{}
		return nil
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Metadata type for free-form JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

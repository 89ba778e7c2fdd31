package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PledgeStatus string

const (
	PledgeStatusActive     PledgeStatus = "ACTIVE"
	PledgeStatusReleased   PledgeStatus = "RELEASED"
	PledgeStatusLiquidated PledgeStatus = "LIQUIDATED"
)

// PledgeRecord is a financing relationship secured by a receipt.
// Cycle is the sequence of the owning PLEDGE endorsement and orders pledge history.
type PledgeRecord struct {
	ID                     string          `json:"id" db:"id"`
	ReceiptID              string          `json:"receiptId" db:"receipt_id"`
	EndorsementID          string          `json:"endorsementId" db:"endorsement_id"`
	Cycle                  int             `json:"cycle" db:"cycle"`
	OwnerID                string          `json:"ownerId" db:"owner_id"`
	FinancialInstitutionID string          `json:"financialInstitutionId" db:"financial_institution_id"`
	PledgeAmount           decimal.Decimal `json:"pledgeAmount" db:"pledge_amount"`
	PledgeRate             decimal.Decimal `json:"pledgeRate" db:"pledge_rate"`
	PledgeStartDate        time.Time       `json:"pledgeStartDate" db:"pledge_start_date"`
	PledgeEndDate          time.Time       `json:"pledgeEndDate" db:"pledge_end_date"`
	Status                 PledgeStatus    `json:"status" db:"status"`
	Deleted                bool            `json:"deleted" db:"deleted"`
	TxHash                 string          `json:"txHash,omitempty" db:"tx_hash"`
	BlockNumber            uint64          `json:"blockNumber,omitempty" db:"block_number"`
	CreatedAt              time.Time       `json:"createdAt" db:"created_at"`
	ReleasedAt             *time.Time      `json:"releasedAt,omitempty" db:"released_at"`
}

// TermDays is the contractual length of the pledge in calendar days.
func (p *PledgeRecord) TermDays() int {
	return DaysBetween(p.PledgeStartDate, p.PledgeEndDate)
}

// PledgeFilter drives paginated pledge search; zero fields are ignored.
type PledgeFilter struct {
	ReceiptID     string
	OwnerID       string
	InstitutionID string
	Status        PledgeStatus
	Offset        int
	Limit         int
}

type RepaymentStatus string

const (
	RepaymentStatusUnpaid RepaymentStatus = "UNPAID"
	RepaymentStatusRepaid RepaymentStatus = "REPAID"
)

// FinancingRecord is the loan bookkeeping row paired 1:1 with a pledge
type FinancingRecord struct {
	ID                     string          `json:"id" db:"id"`
	PledgeID               string          `json:"pledgeId" db:"pledge_id"`
	ReceiptID              string          `json:"receiptId" db:"receipt_id"`
	FinancialInstitutionID string          `json:"financialInstitutionId" db:"financial_institution_id"`
	FinancingAmount        decimal.Decimal `json:"financingAmount" db:"financing_amount"`
	InterestRate           decimal.Decimal `json:"interestRate" db:"interest_rate"`
	DueDate                time.Time       `json:"dueDate" db:"due_date"`
	RepaymentStatus        RepaymentStatus `json:"repaymentStatus" db:"repayment_status"`
	RepaidAmount           decimal.Decimal `json:"repaidAmount" db:"repaid_amount"`
	RepaidAt               *time.Time      `json:"repaidAt,omitempty" db:"repaid_at"`
	CreatedAt              time.Time       `json:"createdAt" db:"created_at"`
}

// ReleaseRecord captures the repayment breakdown of a released pledge
type ReleaseRecord struct {
	ID                string          `json:"id" db:"id"`
	PledgeID          string          `json:"pledgeId" db:"pledge_id"`
	ReceiptID         string          `json:"receiptId" db:"receipt_id"`
	EndorsementID     string          `json:"endorsementId" db:"endorsement_id"`
	RepayAmount       decimal.Decimal `json:"repayAmount" db:"repay_amount"`
	Principal         decimal.Decimal `json:"principal" db:"principal"`
	Interest          decimal.Decimal `json:"interest" db:"interest"`
	Fees              decimal.Decimal `json:"fees" db:"fees"`
	ExcessAmount      decimal.Decimal `json:"excessAmount" db:"excess_amount"`
	InterestDays      int             `json:"interestDays" db:"interest_days"`
	SettlementMessage string          `json:"settlementMessage,omitempty" db:"settlement_message"`
	TxHash            string          `json:"txHash" db:"tx_hash"`
	BlockNumber       uint64          `json:"blockNumber" db:"block_number"`
	ReleasedAt        time.Time       `json:"releasedAt" db:"released_at"`
}

// DaysBetween counts whole calendar days from start to end, ignoring time of day.
func DaysBetween(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours() / 24)
}

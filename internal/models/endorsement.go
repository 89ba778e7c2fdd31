package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EndorsementType string

const (
	EndorsementTypeTransfer EndorsementType = "TRANSFER"
	EndorsementTypePledge   EndorsementType = "PLEDGE"
	EndorsementTypeRelease  EndorsementType = "RELEASE"
	EndorsementTypeCancel   EndorsementType = "CANCEL"
)

type EndorsementStatus string

const (
	EndorsementStatusPending   EndorsementStatus = "PENDING"
	EndorsementStatusConfirmed EndorsementStatus = "CONFIRMED"
	EndorsementStatusCancelled EndorsementStatus = "CANCELLED"
)

// EndorsementRecord is one entry of a receipt's endorsement chain. Rows are
// append-only; after leaving PENDING only TxHash and BlockNumber may be set, once.
type EndorsementRecord struct {
	ID                    string            `json:"id" db:"id"`
	EndorsementNo         string            `json:"endorsementNo" db:"endorsement_no"`
	Sequence              int               `json:"sequence" db:"sequence"`
	ReceiptID             string            `json:"receiptId" db:"receipt_id"`
	EndorseFrom           string            `json:"endorseFrom" db:"endorse_from"`
	EndorseFromName       string            `json:"endorseFromName" db:"endorse_from_name"`
	EndorseTo             string            `json:"endorseTo" db:"endorse_to"`
	EndorseToName         string            `json:"endorseToName" db:"endorse_to_name"`
	EndorsementType       EndorsementType   `json:"endorsementType" db:"endorsement_type"`
	EndorsementStatus     EndorsementStatus `json:"endorsementStatus" db:"endorsement_status"`
	PreviousReceiptStatus ReceiptStatus     `json:"previousReceiptStatus" db:"previous_receipt_status"`
	GoodsSnapshot         GoodsSnapshot     `json:"goodsSnapshot" db:"goods_snapshot"`
	PledgeTerms           *PledgeTerms      `json:"pledgeTerms,omitempty" db:"pledge_terms"`
	TransferPrice         decimal.Decimal   `json:"transferPrice" db:"transfer_price"`
	TransferAmount        decimal.Decimal   `json:"transferAmount" db:"transfer_amount"`
	Reason                string            `json:"reason,omitempty" db:"reason"`
	Remarks               string            `json:"remarks,omitempty" db:"remarks"`
	OperatorID            string            `json:"operatorId" db:"operator_id"`
	TxHash                string            `json:"txHash,omitempty" db:"tx_hash"`
	BlockNumber           uint64            `json:"blockNumber,omitempty" db:"block_number"`
	EndorsementTime       time.Time         `json:"endorsementTime" db:"endorsement_time"`
	ConfirmedTime         *time.Time        `json:"confirmedTime,omitempty" db:"confirmed_time"`
}

func (e *EndorsementRecord) IsPending() bool {
	return e.EndorsementStatus == EndorsementStatusPending
}

func (e *EndorsementRecord) HasLedgerLink() bool {
	return e.TxHash != ""
}

// FormatEndorsementNo renders the human readable number, e.g. WR2024-0001-003.
func FormatEndorsementNo(receiptNo string, sequence int) string {
	return fmt.Sprintf("%s-%03d", receiptNo, sequence)
}

// EndorsementFilter selects endorsements; zero fields are ignored.
type EndorsementFilter struct {
	ReceiptID     string
	EndorseFrom   string
	EndorseTo     string
	OperatorID    string
	Type          EndorsementType
	Status        EndorsementStatus
	CreatedBefore *time.Time
	Limit         int
}

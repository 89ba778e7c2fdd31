package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// LedgerOperation names the on-chain call recorded for a business key
type LedgerOperation string

const (
	LedgerOpPledge   LedgerOperation = "PLEDGE"
	LedgerOpRelease  LedgerOperation = "RELEASE"
	LedgerOpTransfer LedgerOperation = "TRANSFER"
	LedgerOpCancel   LedgerOperation = "CANCEL"
)

type SubmissionStatus string

const (
	SubmissionStatusSubmitting SubmissionStatus = "SUBMITTING"
	SubmissionStatusSubmitted  SubmissionStatus = "SUBMITTED"
	SubmissionStatusConfirmed  SubmissionStatus = "CONFIRMED"
	SubmissionStatusFailed     SubmissionStatus = "FAILED"
)

// LedgerSubmission is the durable "prepared" half of a ledger write. One row per
// business key; Attempt grows each time a failed submission is retried.
type LedgerSubmission struct {
	BusinessKey  string           `json:"businessKey" db:"business_key"`
	Operation    LedgerOperation  `json:"operation" db:"operation"`
	ReceiptID    string           `json:"receiptId" db:"receipt_id"`
	Attempt      int              `json:"attempt" db:"attempt"`
	Handle       string           `json:"handle,omitempty" db:"handle"`
	Status       SubmissionStatus `json:"status" db:"status"`
	TxHash       string           `json:"txHash,omitempty" db:"tx_hash"`
	BlockNumber  uint64           `json:"blockNumber,omitempty" db:"block_number"`
	RevertReason string           `json:"revertReason,omitempty" db:"revert_reason"`
	Params       Metadata         `json:"params,omitempty" db:"params"`
	Request      json.RawMessage  `json:"request,omitempty" db:"request"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time        `json:"updatedAt" db:"updated_at"`
}

func (s *LedgerSubmission) IdempotencyKey() string {
	return s.BusinessKey + "#" + strconv.Itoa(s.Attempt)
}

func (s *LedgerSubmission) IsTerminal() bool {
	return s.Status == SubmissionStatusConfirmed || s.Status == SubmissionStatusFailed
}

// BusinessKey builds the ledger idempotency scope for an operation on an entity.
func BusinessKey(op LedgerOperation, entityID string) string {
	return string(op) + ":" + entityID
}

package services

import (
	"context"
	"errors"
	"log"

	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
)

// ReceiptEvent names a lifecycle step that moves a receipt between statuses.
type ReceiptEvent string

const (
	EventFreeze   ReceiptEvent = "freeze"
	EventPledge   ReceiptEvent = "pledge"
	EventUnfreeze ReceiptEvent = "unfreeze"
	EventRelease  ReceiptEvent = "release"
	EventVoid     ReceiptEvent = "void"
)

type receiptTransition struct {
	from models.ReceiptStatus
	to   models.ReceiptStatus
}

// receiptTransitions is the complete receipt state machine. A status change
// not listed here cannot happen.
var receiptTransitions = map[ReceiptEvent]receiptTransition{
	EventFreeze:   {from: models.ReceiptStatusNormal, to: models.ReceiptStatusFrozen},
	EventPledge:   {from: models.ReceiptStatusFrozen, to: models.ReceiptStatusPledged},
	EventUnfreeze: {from: models.ReceiptStatusFrozen, to: models.ReceiptStatusNormal},
	EventRelease:  {from: models.ReceiptStatusPledged, to: models.ReceiptStatusNormal},
	EventVoid:     {from: models.ReceiptStatusFrozen, to: models.ReceiptStatusCancelled},
}

// NextReceiptStatus returns the status reached by applying event to current.
func NextReceiptStatus(current models.ReceiptStatus, event ReceiptEvent) (models.ReceiptStatus, error) {
	t, ok := receiptTransitions[event]
	if !ok {
		return "", InvalidStateError(CodeInvalidTransition, "unknown receipt event %q", event)
	}
	if t.from != current {
		return "", InvalidStateError(CodeInvalidTransition,
			"receipt in status %s cannot %s (requires %s)", current, event, t.from)
	}
	return t.to, nil
}

// transitionReceipt is the only writer of receipt status. It must run inside
// the transaction that writes the endorsement or pledge row causing the change.
func transitionReceipt(ctx context.Context, repos repository.Repos, receipt *models.Receipt, event ReceiptEvent) error {
	next, err := NextReceiptStatus(receipt.Status, event)
	if err != nil {
		return err
	}
	if err := repos.Receipts().UpdateStatus(ctx, receipt.ID, receipt.Status, next); err != nil {
		if errors.Is(err, repository.ErrStaleWrite) {
			return ConflictError(CodeConcurrentModification, "receipt %s changed status concurrently", receipt.ID)
		}
		return err
	}
	log.Printf("[RECEIPT] %s: %s -> %s (%s)", receipt.ID, receipt.Status, next, event)
	receipt.Status = next
	return nil
}

// revertEventFor picks the event that returns a frozen receipt to the status it
// had before the endorsement was opened.
func revertEventFor(previous models.ReceiptStatus) (ReceiptEvent, error) {
	switch previous {
	case models.ReceiptStatusNormal:
		return EventUnfreeze, nil
	default:
		return "", InvalidStateError(CodeInvalidTransition, "cannot revert a frozen receipt to %s", previous)
	}
}

// Package events publishes receipt lifecycle events after the owning
// transaction has committed. Delivery is best effort.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeEndorsementCreated   = "endorsement.created"
	TypeEndorsementConfirmed = "endorsement.confirmed"
	TypeEndorsementCancelled = "endorsement.cancelled"
	TypePledgeInitiated      = "pledge.initiated"
	TypePledgeConfirmed      = "pledge.confirmed"
	TypePledgeRejected       = "pledge.rejected"
	TypePledgeReleased       = "pledge.released"
	TypeReceiptTransferred   = "receipt.transferred"
	TypeReceiptCancelled     = "receipt.cancelled"
)

// Event is the envelope for every lifecycle notification. ReceiptID is the
// partition key so consumers see one receipt's events in order.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ReceiptID  string         `json:"receiptId"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

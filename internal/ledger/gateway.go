// Package ledger is the client side of the distributed ledger the receipt
// lifecycle is mirrored to. The ledger is append-only and confirms writes after
// a delay, so every write is a Submit followed by AwaitConfirmation.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks transport failures and 5xx answers. Callers may retry.
	ErrUnavailable = errors.New("ledger: gateway unavailable")
	// ErrRejected marks a request the gateway refused outright. Retrying the same
	// payload will not help.
	ErrRejected = errors.New("ledger: request rejected")
	// ErrUnknownHandle is returned when the gateway has no transaction for a handle.
	ErrUnknownHandle = errors.New("ledger: unknown handle")
)

// Request is one ledger write. IdempotencyKey lets the gateway collapse
// resubmissions of the same attempt into one transaction.
type Request struct {
	Operation      string         `json:"operation"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Params         map[string]any `json:"params"`
	PayloadHash    string         `json:"payloadHash"`
}

// Result is the terminal outcome of a submitted transaction.
type Result struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash,omitempty"`
	BlockNumber  uint64 `json:"blockNumber,omitempty"`
	RevertReason string `json:"revertReason,omitempty"`
}

// Gateway is the ledger as consumed by the pledge workflow.
type Gateway interface {
	// Submit hands the request to the ledger and returns an opaque handle.
	Submit(ctx context.Context, req Request) (string, error)
	// AwaitConfirmation blocks until the handle reaches a terminal state or ctx
	// expires. A revert is a Result with Success false, not an error.
	AwaitConfirmation(ctx context.Context, handle string) (*Result, error)
}

// NewRequest builds a request and stamps its payload hash.
func NewRequest(operation, idempotencyKey string, params map[string]any) (Request, error) {
	hash, err := PayloadHash(params)
	if err != nil {
		return Request{}, fmt.Errorf("ledger: hash payload: %w", err)
	}
	return Request{
		Operation:      operation,
		IdempotencyKey: idempotencyKey,
		Params:         params,
		PayloadHash:    hash,
	}, nil
}

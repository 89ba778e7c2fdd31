package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Simulator is an in-process Gateway for local runs without a ledger node.
// Every submission confirms in the next block; resubmitting an idempotency key
// returns the original handle.
type Simulator struct {
	mu      sync.Mutex
	block   uint64
	byKey   map[string]string
	results map[string]*Result
}

func NewSimulator() *Simulator {
	return &Simulator{
		block:   1000,
		byKey:   make(map[string]string),
		results: make(map[string]*Result),
	}
}

func (s *Simulator) Submit(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle, ok := s.byKey[req.IdempotencyKey]; ok {
		return handle, nil
	}
	s.block++
	handle := fmt.Sprintf("sim-%d", s.block)
	s.byKey[req.IdempotencyKey] = handle
	s.results[handle] = &Result{
		Success:     true,
		TxHash:      Keccak256Hex([]byte(req.IdempotencyKey + req.PayloadHash)),
		BlockNumber: s.block,
	}
	return handle, nil
}

func (s *Simulator) AwaitConfirmation(ctx context.Context, handle string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	out := *res
	return &out, nil
}

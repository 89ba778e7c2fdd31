package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	txStatusPending   = "PENDING"
	txStatusConfirmed = "CONFIRMED"
	txStatusReverted  = "REVERTED"
	txStatusFailed    = "FAILED"
)

var errStillPending = errors.New("ledger: transaction pending")

// HTTPClient talks to the ledger gateway over its REST contract:
// POST {base}/transactions and GET {base}/transactions/{handle}.
type HTTPClient struct {
	baseURL         string
	httpClient      *http.Client
	pollInterval    time.Duration
	maxPollInterval time.Duration
}

type HTTPClientConfig struct {
	BaseURL         string
	SubmitTimeout   time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 8 * cfg.PollInterval
	}
	return &HTTPClient{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:      &http.Client{Timeout: cfg.SubmitTimeout},
		pollInterval:    cfg.PollInterval,
		maxPollInterval: cfg.MaxPollInterval,
	}
}

type submitResponse struct {
	Handle string `json:"handle"`
}

type transactionResponse struct {
	Handle       string `json:"handle"`
	Status       string `json:"status"`
	TxHash       string `json:"txHash"`
	BlockNumber  uint64 `json:"blockNumber"`
	RevertReason string `json:"revertReason"`
}

func (c *HTTPClient) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ledger: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	// 409 means the idempotency key was already used; the body still carries the handle.
	case resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict:
		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: decode submit response: %v", ErrUnavailable, err)
		}
		if out.Handle == "" {
			return "", fmt.Errorf("%w: empty handle", ErrUnavailable)
		}
		log.Printf("[LEDGER] Submitted %s key=%s handle=%s", req.Operation, req.IdempotencyKey, out.Handle)
		return out.Handle, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, readSnippet(resp.Body))
	default:
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readSnippet(resp.Body))
	}
}

// AwaitConfirmation polls the transaction with exponential backoff until it is
// terminal. It gives up only when ctx is done.
func (c *HTTPClient) AwaitConfirmation(ctx context.Context, handle string) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = c.maxPollInterval
	b.MaxElapsedTime = 0

	var result *Result
	operation := func() error {
		tx, err := c.getTransaction(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrUnknownHandle) || errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch tx.Status {
		case txStatusConfirmed:
			result = &Result{Success: true, TxHash: tx.TxHash, BlockNumber: tx.BlockNumber}
			return nil
		case txStatusReverted, txStatusFailed:
			result = &Result{Success: false, TxHash: tx.TxHash, BlockNumber: tx.BlockNumber, RevertReason: tx.RevertReason}
			return nil
		default:
			return errStillPending
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) getTransaction(ctx context.Context, handle string) (*transactionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readSnippet(resp.Body))
	}

	var tx transactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("%w: decode transaction: %v", ErrUnavailable, err)
	}
	if tx.Status == "" {
		tx.Status = txStatusPending
	}
	return &tx, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

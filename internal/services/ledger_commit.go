package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/scfchain/backend/internal/audit"
	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
)

// LedgerConfig bounds every interaction with the ledger gateway.
type LedgerConfig struct {
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	MaxRetries     int
	RetryInterval  time.Duration
	LockTTL        time.Duration
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.SubmitTimeout + c.ConfirmTimeout + 30*time.Second
	}
	return c
}

// ledgerCommand describes one ledger write and how to replay the business step
// that depends on it.
type ledgerCommand struct {
	Operation models.LedgerOperation
	EntityID  string
	ReceiptID string
	Params    map[string]any
	Replay    replayRequest
}

func (c ledgerCommand) businessKey() string {
	return models.BusinessKey(c.Operation, c.EntityID)
}

// LedgerCommitter runs the prepare/await/commit protocol: the submission row is
// the durable prepared state, the ledger outcome is awaited outside any
// database transaction, and the caller's business transaction runs last.
type LedgerCommitter struct {
	store   repository.Store
	gateway ledger.Gateway
	locker  Locker
	audit   *audit.AuditLogger
	cfg     LedgerConfig
}

func NewLedgerCommitter(store repository.Store, gateway ledger.Gateway, locker Locker, auditLogger *audit.AuditLogger, cfg LedgerConfig) *LedgerCommitter {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger()
	}
	return &LedgerCommitter{
		store:   store,
		gateway: gateway,
		locker:  locker,
		audit:   auditLogger,
		cfg:     cfg.withDefaults(),
	}
}

// Execute obtains a confirmed ledger result for cmd and then calls apply with
// it while still holding the business-key lock. apply must perform the forward
// transition in one database transaction.
func (c *LedgerCommitter) Execute(ctx context.Context, cmd ledgerCommand, apply func(*ledger.Result) error) error {
	key := cmd.businessKey()
	return c.Guard(ctx, key, func() error {
		result, err := c.obtain(ctx, cmd)
		if err != nil {
			c.audit.LogError(key, cmd.ReceiptID, err)
			return err
		}
		return apply(result)
	})
}

// Guard runs fn while holding the lock for a business key. Rejections use it
// so they cannot race an approval that is waiting on the ledger.
func (c *LedgerCommitter) Guard(ctx context.Context, key string, fn func() error) error {
	release, err := c.locker.Acquire(ctx, key, c.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return ConflictError(CodeLedgerSubmissionInProgress, "ledger submission for %s is in progress", key)
		}
		return LedgerIntegrationError(CodeLedgerUnavailable, err, "could not lock %s", key)
	}
	defer release()
	return fn()
}

func (c *LedgerCommitter) obtain(ctx context.Context, cmd ledgerCommand) (*ledger.Result, error) {
	key := cmd.businessKey()
	subs := c.store.Repos().LedgerSubmissions()

	sub, err := subs.Get(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		sub = &models.LedgerSubmission{
			BusinessKey: key,
			Operation:   cmd.Operation,
			ReceiptID:   cmd.ReceiptID,
		}
	case err != nil:
		return nil, fmt.Errorf("load ledger submission %s: %w", key, err)
	}

	switch sub.Status {
	case models.SubmissionStatusConfirmed:
		log.Printf("[LEDGER] %s already confirmed in %s, reusing", key, sub.TxHash)
		return &ledger.Result{Success: true, TxHash: sub.TxHash, BlockNumber: sub.BlockNumber}, nil
	case models.SubmissionStatusSubmitted:
		return c.await(ctx, sub)
	case models.SubmissionStatusSubmitting:
		// The previous attempt may or may not have reached the gateway; the
		// unchanged idempotency key makes resubmitting safe.
	default:
		sub.Attempt++
		sub.Status = models.SubmissionStatusSubmitting
		sub.Handle = ""
		sub.TxHash = ""
		sub.BlockNumber = 0
		sub.RevertReason = ""
		sub.Params = models.Metadata(cmd.Params)
		replay, err := json.Marshal(cmd.Replay)
		if err != nil {
			return nil, fmt.Errorf("encode replay request: %w", err)
		}
		sub.Request = replay
		if err := subs.Save(ctx, sub); err != nil {
			return nil, err
		}
	}

	handle, err := c.submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	sub.Handle = handle
	sub.Status = models.SubmissionStatusSubmitted
	if err := subs.Save(ctx, sub); err != nil {
		return nil, err
	}
	return c.await(ctx, sub)
}

func (c *LedgerCommitter) submit(ctx context.Context, sub *models.LedgerSubmission) (string, error) {
	req, err := ledger.NewRequest(string(sub.Operation), sub.IdempotencyKey(), map[string]any(sub.Params))
	if err != nil {
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxElapsedTime = 0

	var handle string
	operation := func() error {
		submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
		h, err := c.gateway.Submit(submitCtx, req)
		if err != nil {
			if errors.Is(err, ledger.ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		handle = h
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("[LEDGER] Submit %s failed, retrying in %s: %v", req.IdempotencyKey, wait, err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			c.markFailed(ctx, sub, err.Error())
			return "", LedgerIntegrationError(CodeLedgerReverted, err, "ledger rejected %s", sub.BusinessKey)
		}
		// Outcome unknown: the row stays SUBMITTING and the next call resubmits
		// under the same idempotency key.
		return "", LedgerIntegrationError(CodeLedgerUnavailable, err, "ledger submission for %s failed", sub.BusinessKey)
	}
	return handle, nil
}

func (c *LedgerCommitter) await(ctx context.Context, sub *models.LedgerSubmission) (*ledger.Result, error) {
	awaitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	res, err := c.gateway.AwaitConfirmation(awaitCtx, sub.Handle)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, LedgerIntegrationError(CodeLedgerTimeout, err,
				"ledger confirmation for %s not received yet; retry later", sub.BusinessKey)
		case errors.Is(err, ledger.ErrUnknownHandle):
			sub.Status = models.SubmissionStatusSubmitting
			sub.Handle = ""
			if saveErr := c.store.Repos().LedgerSubmissions().Save(ctx, sub); saveErr != nil {
				log.Printf("[LEDGER] Failed to reset %s: %v", sub.BusinessKey, saveErr)
			}
			return nil, LedgerIntegrationError(CodeLedgerUnavailable, err, "ledger lost submission for %s", sub.BusinessKey)
		default:
			return nil, LedgerIntegrationError(CodeLedgerUnavailable, err, "ledger confirmation for %s failed", sub.BusinessKey)
		}
	}

	if err := c.recordResult(ctx, sub, res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, LedgerIntegrationError(CodeLedgerReverted, nil, "ledger reverted %s: %s", sub.BusinessKey, res.RevertReason)
	}
	return res, nil
}

// recordResult persists a terminal outcome on the submission row.
func (c *LedgerCommitter) recordResult(ctx context.Context, sub *models.LedgerSubmission, res *ledger.Result) error {
	sub.TxHash = res.TxHash
	sub.BlockNumber = res.BlockNumber
	if res.Success {
		sub.Status = models.SubmissionStatusConfirmed
		sub.RevertReason = ""
	} else {
		sub.Status = models.SubmissionStatusFailed
		sub.RevertReason = res.RevertReason
	}
	if err := c.store.Repos().LedgerSubmissions().Save(ctx, sub); err != nil {
		return fmt.Errorf("record ledger result for %s: %w", sub.BusinessKey, err)
	}
	c.audit.LogLedger(sub.BusinessKey, sub.ReceiptID, string(sub.Status), sub.TxHash)
	log.Printf("[LEDGER] %s -> %s tx=%s block=%d", sub.BusinessKey, sub.Status, sub.TxHash, sub.BlockNumber)
	return nil
}

func (c *LedgerCommitter) markFailed(ctx context.Context, sub *models.LedgerSubmission, reason string) {
	sub.Status = models.SubmissionStatusFailed
	sub.RevertReason = reason
	if err := c.store.Repos().LedgerSubmissions().Save(ctx, sub); err != nil {
		log.Printf("[LEDGER] Failed to mark %s failed: %v", sub.BusinessKey, err)
	}
}

// RecordCallback treats a pushed result for a submitted handle as a hint: the
// outcome is read back from the gateway and only recorded when the pushed
// result agrees with it. Results for rows that are already terminal are
// ignored.
func (c *LedgerCommitter) RecordCallback(ctx context.Context, handle string, pushed *ledger.Result) (*models.LedgerSubmission, error) {
	sub, err := c.store.Repos().LedgerSubmissions().GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFoundError(CodeSubmissionNotFound, "no ledger submission with handle %s", handle)
		}
		return nil, err
	}
	if sub.IsTerminal() {
		return sub, nil
	}

	awaitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	res, err := c.gateway.AwaitConfirmation(awaitCtx, handle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, LedgerIntegrationError(CodeLedgerTimeout, err, "ledger has no result for %s yet", sub.BusinessKey)
		}
		return nil, LedgerIntegrationError(CodeLedgerUnavailable, err, "ledger lookup for %s failed", sub.BusinessKey)
	}
	if !sameOutcome(pushed, res) {
		log.Printf("[LEDGER] Callback for %s disagrees with gateway: pushed success=%t tx=%s, gateway success=%t tx=%s",
			sub.BusinessKey, pushed.Success, pushed.TxHash, res.Success, res.TxHash)
		return nil, ConflictError(CodeLedgerCallbackMismatch, "callback for handle %s does not match the ledger", handle)
	}

	if err := c.recordResult(ctx, sub, res); err != nil {
		return nil, err
	}
	return sub, nil
}

func sameOutcome(pushed, actual *ledger.Result) bool {
	if pushed.Success != actual.Success {
		return false
	}
	if !actual.Success {
		return true
	}
	if !strings.EqualFold(pushed.TxHash, actual.TxHash) {
		return false
	}
	return pushed.BlockNumber == 0 || pushed.BlockNumber == actual.BlockNumber
}

// InFlight reports whether a submission for key may still land on the ledger.
func (c *LedgerCommitter) InFlight(ctx context.Context, key string) (bool, error) {
	sub, err := c.store.Repos().LedgerSubmissions().Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.Status != models.SubmissionStatusFailed, nil
}

package services

import (
	"context"
	"log"
	"time"

	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
)

type ReconcilerConfig struct {
	Interval     time.Duration
	StuckAfter   time.Duration
	AwaitTimeout time.Duration
	BatchSize    int
}

// LedgerCallback is the terminal result pushed by the ledger for a handle.
type LedgerCallback struct {
	Handle       string `json:"handle" validate:"required"`
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash"`
	BlockNumber  uint64 `json:"blockNumber"`
	RevertReason string `json:"revertReason"`
}

// Reconciler resolves submissions whose original request stopped waiting.
// Both the poller and the callback funnel into PledgeService.Replay.
type Reconciler struct {
	store     repository.Store
	committer *LedgerCommitter
	pledges   *PledgeService
	validator *ValidationHelper
	cfg       ReconcilerConfig
	now       func() time.Time
}

func NewReconciler(store repository.Store, committer *LedgerCommitter, pledges *PledgeService, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Minute
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		store:     store,
		committer: committer,
		pledges:   pledges,
		validator: NewValidationHelper(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("[RECONCILER] Started, interval %s, stuck after %s", r.cfg.Interval, r.cfg.StuckAfter)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[RECONCILER] Stopped")
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				log.Printf("[RECONCILER] Tick failed: %v", err)
			}
		}
	}
}

// Tick retries every submission that has been SUBMITTED for longer than
// StuckAfter and returns how many reached their business commit.
func (r *Reconciler) Tick(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StuckAfter)
	subs, err := r.store.Repos().LedgerSubmissions().ListByStatus(ctx, models.SubmissionStatusSubmitted, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range subs {
		sub := &subs[i]
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AwaitTimeout)
		err := r.pledges.Replay(attemptCtx, sub)
		cancel()
		if err != nil {
			log.Printf("[RECONCILER] %s still unresolved: %v", sub.BusinessKey, err)
			continue
		}
		log.Printf("[RECONCILER] %s resolved", sub.BusinessKey)
		resolved++
	}
	return resolved, nil
}

// HandleCallback checks a pushed ledger result against the gateway, records
// it and, when it is a success, completes the business step. A request still
// waiting on the same key will complete it itself.
func (r *Reconciler) HandleCallback(ctx context.Context, cb LedgerCallback) (*models.LedgerSubmission, error) {
	if err := r.validator.Validate(&cb); err != nil {
		return nil, err
	}
	if cb.Success && cb.TxHash == "" {
		return nil, ValidationError("txHash is required for a successful result")
	}

	verifyCtx, cancel := context.WithTimeout(ctx, r.cfg.AwaitTimeout)
	defer cancel()
	sub, err := r.committer.RecordCallback(verifyCtx, cb.Handle, &ledger.Result{
		Success:      cb.Success,
		TxHash:       cb.TxHash,
		BlockNumber:  cb.BlockNumber,
		RevertReason: cb.RevertReason,
	})
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionStatusConfirmed {
		return sub, nil
	}

	if err := r.pledges.Replay(ctx, sub); err != nil {
		if CodeOf(err) == CodeLedgerSubmissionInProgress {
			return sub, nil
		}
		return nil, err
	}
	return sub, nil
}

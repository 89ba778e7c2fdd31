package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
	"github.com/shopspring/decimal"
)

// EndorsementService is the endorsement engine. It is the only writer of
// endorsement status; its write methods take the Repos of a transaction owned
// by the caller.
type EndorsementService struct {
	store repository.Store
	now   func() time.Time
}

func NewEndorsementService(store repository.Store) *EndorsementService {
	return &EndorsementService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// newEndorsement carries everything needed to open an endorsement. Receipt must
// have been read with GetForUpdate in the same transaction.
type newEndorsement struct {
	Receipt         *models.Receipt
	Type            models.EndorsementType
	EndorseFrom     string
	EndorseFromName string
	EndorseTo       string
	EndorseToName   string
	TransferPrice   decimal.Decimal
	TransferAmount  decimal.Decimal
	PledgeTerms     *models.PledgeTerms
	Reason          string
	OperatorID      string
}

// create opens a PENDING endorsement with the next sequence of the receipt.
func (s *EndorsementService) create(ctx context.Context, repos repository.Repos, p newEndorsement) (*models.EndorsementRecord, error) {
	receipt := p.Receipt
	if _, err := repos.Endorsements().FindPending(ctx, receipt.ID); err == nil {
		return nil, ConflictError(CodePendingEndorsementExists, "receipt %s already has a pending endorsement", receipt.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find pending endorsement: %w", err)
	}

	seq, err := repos.Endorsements().MaxSequence(ctx, receipt.ID)
	if err != nil {
		return nil, err
	}
	seq++

	now := s.now()
	record := &models.EndorsementRecord{
		ID:                    uuid.New().String(),
		EndorsementNo:         models.FormatEndorsementNo(receipt.ReceiptNo, seq),
		Sequence:              seq,
		ReceiptID:             receipt.ID,
		EndorseFrom:           p.EndorseFrom,
		EndorseFromName:       p.EndorseFromName,
		EndorseTo:             p.EndorseTo,
		EndorseToName:         p.EndorseToName,
		EndorsementType:       p.Type,
		EndorsementStatus:     models.EndorsementStatusPending,
		PreviousReceiptStatus: receipt.Status,
		GoodsSnapshot:         receipt.Snapshot(now),
		PledgeTerms:           p.PledgeTerms,
		TransferPrice:         p.TransferPrice,
		TransferAmount:        p.TransferAmount,
		Reason:                p.Reason,
		OperatorID:            p.OperatorID,
		EndorsementTime:       now,
	}

	if err := repos.Endorsements().Insert(ctx, record); err != nil {
		if errors.Is(err, repository.ErrUniqueViolation) {
			return nil, ConflictError(CodePendingEndorsementExists, "receipt %s already has a pending endorsement", receipt.ID)
		}
		return nil, fmt.Errorf("insert endorsement: %w", err)
	}

	log.Printf("[ENDORSEMENT] Created %s %s for receipt %s (%s -> %s)",
		record.EndorsementType, record.EndorsementNo, receipt.ID, p.EndorseFrom, p.EndorseTo)
	return record, nil
}

// confirm finalises a PENDING endorsement with the given decision.
func (s *EndorsementService) confirm(ctx context.Context, repos repository.Repos, id, endorsementNo string,
	decision models.EndorsementStatus, remarks string) (*models.EndorsementRecord, error) {
	if decision != models.EndorsementStatusConfirmed && decision != models.EndorsementStatusCancelled {
		return nil, ValidationError("decision must be CONFIRMED or CANCELLED")
	}

	record, err := repos.Endorsements().GetForUpdate(ctx, id)
	if err != nil {
		return nil, endorsementLookupError(id, err)
	}
	if record.EndorsementNo != endorsementNo {
		return nil, ConflictError(CodeEndorsementNoMismatch,
			"endorsement number %s does not match %s", endorsementNo, record.EndorsementNo)
	}
	if !record.IsPending() {
		return nil, InvalidStateError(CodeEndorsementNotPending,
			"endorsement %s is %s", record.EndorsementNo, record.EndorsementStatus)
	}

	var confirmedAt *time.Time
	if decision == models.EndorsementStatusConfirmed {
		now := s.now()
		confirmedAt = &now
	}
	if err := repos.Endorsements().Finalize(ctx, id, decision, remarks, confirmedAt); err != nil {
		if errors.Is(err, repository.ErrStaleWrite) {
			return nil, InvalidStateError(CodeEndorsementNotPending, "endorsement %s is no longer pending", record.EndorsementNo)
		}
		return nil, fmt.Errorf("finalize endorsement: %w", err)
	}

	record.EndorsementStatus = decision
	record.Remarks = remarks
	record.ConfirmedTime = confirmedAt
	log.Printf("[ENDORSEMENT] %s -> %s", record.EndorsementNo, decision)
	return record, nil
}

// attachLedger links a confirmed endorsement to its ledger transaction. The
// same hash twice is a no-op; a different hash is refused.
func (s *EndorsementService) attachLedger(ctx context.Context, repos repository.Repos, id, txHash string, blockNumber uint64) (*models.EndorsementRecord, error) {
	record, err := repos.Endorsements().GetForUpdate(ctx, id)
	if err != nil {
		return nil, endorsementLookupError(id, err)
	}
	if record.HasLedgerLink() {
		if record.TxHash == txHash {
			return record, nil
		}
		return nil, ConflictError(CodeTxHashImmutable, "endorsement %s is already linked to %s", record.EndorsementNo, record.TxHash)
	}
	if record.EndorsementStatus != models.EndorsementStatusConfirmed {
		return nil, InvalidStateError(CodeEndorsementNotConfirmed,
			"endorsement %s is %s", record.EndorsementNo, record.EndorsementStatus)
	}
	if err := repos.Endorsements().AttachLedgerInfo(ctx, id, txHash, blockNumber); err != nil {
		if errors.Is(err, repository.ErrStaleWrite) {
			return nil, ConflictError(CodeTxHashImmutable, "endorsement %s is already linked", record.EndorsementNo)
		}
		return nil, fmt.Errorf("attach ledger info: %w", err)
	}
	record.TxHash = txHash
	record.BlockNumber = blockNumber
	return record, nil
}

// AttachBlockchainInfo is the standalone entry point used by operators and the
// ledger callback to link an already confirmed endorsement.
func (s *EndorsementService) AttachBlockchainInfo(ctx context.Context, id, txHash string, blockNumber uint64) (*models.EndorsementRecord, error) {
	if txHash == "" {
		return nil, ValidationError("txHash is required")
	}
	var out *models.EndorsementRecord
	err := s.store.WithTx(ctx, func(repos repository.Repos) error {
		var err error
		out, err = s.attachLedger(ctx, repos, id, txHash, blockNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *EndorsementService) Get(ctx context.Context, id string) (*models.EndorsementRecord, error) {
	record, err := s.store.Repos().Endorsements().Get(ctx, id)
	if err != nil {
		return nil, endorsementLookupError(id, err)
	}
	return record, nil
}

// Chain returns every endorsement of a receipt ordered by sequence.
func (s *EndorsementService) Chain(ctx context.Context, receiptID string) ([]models.EndorsementRecord, error) {
	return s.store.Repos().Endorsements().List(ctx, models.EndorsementFilter{ReceiptID: receiptID})
}

func (s *EndorsementService) Query(ctx context.Context, f models.EndorsementFilter) ([]models.EndorsementRecord, error) {
	return s.store.Repos().Endorsements().List(ctx, f)
}

// PendingForTarget lists endorsements waiting on the given endorsee.
func (s *EndorsementService) PendingForTarget(ctx context.Context, target string) ([]models.EndorsementRecord, error) {
	return s.Query(ctx, models.EndorsementFilter{EndorseTo: target, Status: models.EndorsementStatusPending})
}

func (s *EndorsementService) CountByReceipt(ctx context.Context, receiptID string) (int, error) {
	return s.store.Repos().Endorsements().Count(ctx, receiptID)
}

// StuckEndorsement is a pending endorsement together with the state of its
// ledger submission, if one was started.
type StuckEndorsement struct {
	Endorsement models.EndorsementRecord `json:"endorsement"`
	Submission  *models.LedgerSubmission `json:"submission,omitempty"`
}

// Stuck lists endorsements that have been PENDING for longer than olderThan.
func (s *EndorsementService) Stuck(ctx context.Context, olderThan time.Duration) ([]StuckEndorsement, error) {
	cutoff := s.now().Add(-olderThan)
	records, err := s.Query(ctx, models.EndorsementFilter{
		Status:        models.EndorsementStatusPending,
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}

	out := make([]StuckEndorsement, 0, len(records))
	for _, r := range records {
		item := StuckEndorsement{Endorsement: r}
		if op, ok := ledgerOperationFor(r.EndorsementType); ok {
			sub, err := s.store.Repos().LedgerSubmissions().Get(ctx, models.BusinessKey(op, r.ID))
			if err == nil {
				item.Submission = sub
			} else if !errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func endorsementLookupError(id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return NotFoundError(CodeEndorsementNotFound, "endorsement %s not found", id)
	}
	return fmt.Errorf("load endorsement %s: %w", id, err)
}

func ledgerOperationFor(t models.EndorsementType) (models.LedgerOperation, bool) {
	switch t {
	case models.EndorsementTypePledge:
		return models.LedgerOpPledge, true
	case models.EndorsementTypeTransfer:
		return models.LedgerOpTransfer, true
	case models.EndorsementTypeCancel:
		return models.LedgerOpCancel, true
	default:
		return "", false
	}
}

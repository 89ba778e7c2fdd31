package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/scfchain/backend/internal/audit"
	"github.com/scfchain/backend/internal/events"
	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// PledgeConfig holds the business rules of the pledge workflow.
type PledgeConfig struct {
	MinTermDays int
	MaxTermDays int
	ReleaseFee  decimal.Decimal
}

func (c PledgeConfig) withDefaults() PledgeConfig {
	if c.MinTermDays <= 0 {
		c.MinTermDays = 30
	}
	if c.MaxTermDays <= 0 {
		c.MaxTermDays = 365
	}
	return c
}

type InitiatePledgeRequest struct {
	ReceiptID              string          `json:"receiptId" validate:"required"`
	FinancialInstitutionID string          `json:"financialInstitutionId" validate:"required"`
	PledgeAmount           decimal.Decimal `json:"pledgeAmount"`
	PledgeRate             decimal.Decimal `json:"pledgeRate"`
	PledgeStartDate        string          `json:"pledgeStartDate" validate:"required,datetime=2006-01-02"`
	PledgeEndDate          string          `json:"pledgeEndDate" validate:"required,datetime=2006-01-02"`
	Reason                 string          `json:"reason" validate:"max=500"`
}

type PledgeInitiateResponse struct {
	Endorsement   *models.EndorsementRecord `json:"endorsement"`
	ReceiptID     string                    `json:"receiptId"`
	ReceiptStatus models.ReceiptStatus      `json:"receiptStatus"`
}

type ConfirmPledgeRequest struct {
	EndorsementID string `json:"endorsementId" validate:"required"`
	EndorsementNo string `json:"endorsementNo" validate:"required"`
	Decision      string `json:"decision" validate:"required,oneof=CONFIRMED CANCELLED"`
	Remarks       string `json:"remarks" validate:"max=500"`
}

type PledgeConfirmResponse struct {
	Endorsement   *models.EndorsementRecord `json:"endorsement"`
	Pledge        *models.PledgeRecord      `json:"pledge,omitempty"`
	Financing     *models.FinancingRecord   `json:"financing,omitempty"`
	ReceiptStatus models.ReceiptStatus      `json:"receiptStatus"`
}

type ReleasePledgeRequest struct {
	PledgeID    string          `json:"pledgeId" validate:"required"`
	RepayAmount decimal.Decimal `json:"repayAmount"`
	Remarks     string          `json:"remarks" validate:"max=500"`
}

type ReleaseResult struct {
	Pledge        *models.PledgeRecord      `json:"pledge"`
	Endorsement   *models.EndorsementRecord `json:"endorsement"`
	Release       *models.ReleaseRecord     `json:"release"`
	ReceiptStatus models.ReceiptStatus      `json:"receiptStatus"`
}

type CreateEndorsementRequest struct {
	ReceiptID       string          `json:"receiptId" validate:"required"`
	EndorsementType string          `json:"endorsementType" validate:"required,oneof=TRANSFER CANCEL"`
	EndorseTo       string          `json:"endorseTo" validate:"required"`
	EndorseToName   string          `json:"endorseToName" validate:"max=255"`
	TransferPrice   decimal.Decimal `json:"transferPrice"`
	TransferAmount  decimal.Decimal `json:"transferAmount"`
	Reason          string          `json:"reason" validate:"max=500"`
}

type ConfirmEndorsementRequest struct {
	EndorsementNo string `json:"endorsementNo" validate:"required"`
	Decision      string `json:"decision" validate:"required,oneof=CONFIRMED CANCELLED"`
	Remarks       string `json:"remarks" validate:"max=500"`
}

type EndorsementConfirmResponse struct {
	Endorsement   *models.EndorsementRecord `json:"endorsement"`
	Pledge        *models.PledgeRecord      `json:"pledge,omitempty"`
	ReceiptStatus models.ReceiptStatus      `json:"receiptStatus"`
}

type PledgeSearch struct {
	ReceiptID     string
	OwnerID       string
	InstitutionID string
	Status        models.PledgeStatus
	Page          int
	Size          int
}

type PledgePage struct {
	Items []models.PledgeRecord `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Size  int                   `json:"size"`
}

const (
	replayConfirmPledge      = "confirmPledge"
	replayConfirmEndorsement = "confirmEndorsement"
	replayReleasePledge      = "releasePledge"
)

// replayRequest is stored with a ledger submission so a result that arrives
// later can drive the same business step.
type replayRequest struct {
	Kind          string          `json:"kind"`
	EntityID      string          `json:"entityId"`
	EndorsementNo string          `json:"endorsementNo,omitempty"`
	ActorID       string          `json:"actorId"`
	ActorName     string          `json:"actorName,omitempty"`
	Remarks       string          `json:"remarks,omitempty"`
	RepayAmount   decimal.Decimal `json:"repayAmount,omitempty"`
	QuotedAt      *time.Time      `json:"quotedAt,omitempty"`
}

// PledgeService is the orchestrator. It owns the transactional boundary of
// every endorsement and pledge write.
type PledgeService struct {
	store        repository.Store
	endorsements *EndorsementService
	committer    *LedgerCommitter
	settlement   *SettlementService
	publisher    events.Publisher
	audit        *audit.AuditLogger
	validator    *ValidationHelper
	cfg          PledgeConfig
	now          func() time.Time
}

func NewPledgeService(store repository.Store, endorsements *EndorsementService, committer *LedgerCommitter,
	settlement *SettlementService, publisher events.Publisher, auditLogger *audit.AuditLogger, cfg PledgeConfig) *PledgeService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger()
	}
	if settlement == nil {
		settlement = NewSettlementService("", "")
	}
	return &PledgeService{
		store:        store,
		endorsements: endorsements,
		committer:    committer,
		settlement:   settlement,
		publisher:    publisher,
		audit:        auditLogger,
		validator:    NewValidationHelper(),
		cfg:          cfg.withDefaults(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// InitiatePledge registers the intent to pledge: a PENDING PLEDGE endorsement
// and a FROZEN receipt, committed together. No ledger call is made.
func (s *PledgeService) InitiatePledge(ctx context.Context, req InitiatePledgeRequest, ownerID, ownerName string) (*PledgeInitiateResponse, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	terms, err := s.pledgeTerms(req)
	if err != nil {
		return nil, err
	}

	out := &PledgeInitiateResponse{ReceiptID: req.ReceiptID}
	err = s.store.WithTx(ctx, func(repos repository.Repos) error {
		receipt, err := lockReceipt(ctx, repos, req.ReceiptID)
		if err != nil {
			return err
		}
		if receipt.OwnerID != ownerID {
			return ForbiddenError(CodeNotReceiptOwner, "receipt %s is not owned by %s", receipt.ID, ownerID)
		}
		if err := requireNormal(ctx, repos, receipt); err != nil {
			return err
		}

		institution, err := repos.Institutions().Get(ctx, req.FinancialInstitutionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return NotFoundError(CodeInstitutionNotFound, "financial institution %s not found", req.FinancialInstitutionID)
			}
			return err
		}
		if !institution.IsActive() {
			return ConflictError(CodeInstitutionInactive, "financial institution %s is not active", institution.ID)
		}

		record, err := s.endorsements.create(ctx, repos, newEndorsement{
			Receipt:         receipt,
			Type:            models.EndorsementTypePledge,
			EndorseFrom:     ownerID,
			EndorseFromName: ownerName,
			EndorseTo:       institution.ID,
			EndorseToName:   institution.Name,
			TransferAmount:  terms.Amount,
			PledgeTerms:     terms,
			Reason:          req.Reason,
			OperatorID:      ownerID,
		})
		if err != nil {
			return err
		}
		if err := transitionReceipt(ctx, repos, receipt, EventFreeze); err != nil {
			return err
		}
		out.Endorsement = record
		out.ReceiptStatus = receipt.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PLEDGE] Initiated %s on receipt %s for %s", out.Endorsement.EndorsementNo, req.ReceiptID, terms.Amount.StringFixed(2))
	s.audit.LogPledge(out.Endorsement.ID, req.ReceiptID, ownerID, terms.Amount, string(models.EndorsementStatusPending))
	s.publish(ctx, events.TypePledgeInitiated, req.ReceiptID, out.Endorsement.ID, ownerID, map[string]any{
		"endorsementNo":          out.Endorsement.EndorsementNo,
		"financialInstitutionId": terms.FinancialInstitutionID,
		"pledgeAmount":           terms.Amount.StringFixed(2),
	})
	return out, nil
}

func (s *PledgeService) pledgeTerms(req InitiatePledgeRequest) (*models.PledgeTerms, error) {
	start, err := time.Parse(dateLayout, req.PledgeStartDate)
	if err != nil {
		return nil, ValidationError("pledgeStartDate must be formatted as %s", dateLayout)
	}
	end, err := time.Parse(dateLayout, req.PledgeEndDate)
	if err != nil {
		return nil, ValidationError("pledgeEndDate must be formatted as %s", dateLayout)
	}
	if end.Before(start) {
		return nil, ValidationError("pledgeStartDate must not be after pledgeEndDate")
	}
	if days := models.DaysBetween(start, end); days < s.cfg.MinTermDays || days > s.cfg.MaxTermDays {
		return nil, ValidationError("pledge term must be between %d and %d days, got %d",
			s.cfg.MinTermDays, s.cfg.MaxTermDays, days)
	}
	if !req.PledgeAmount.IsPositive() {
		return nil, ValidationError("pledgeAmount must be greater than zero")
	}
	if req.PledgeAmount.Exponent() < -moneyPrecision {
		return nil, ValidationError("pledgeAmount supports at most %d decimal places", moneyPrecision)
	}
	if !req.PledgeRate.IsPositive() || req.PledgeRate.GreaterThan(hundred) {
		return nil, ValidationError("pledgeRate must be in (0, 100]")
	}
	return &models.PledgeTerms{
		FinancialInstitutionID: req.FinancialInstitutionID,
		Amount:                 req.PledgeAmount,
		Rate:                   req.PledgeRate,
		StartDate:              start,
		EndDate:                end,
	}, nil
}

// ConfirmPledge applies the institution's decision on a PLEDGE endorsement.
// Approval commits only after the ledger has confirmed the pledge; replaying an
// approval that already committed returns the existing pledge.
func (s *PledgeService) ConfirmPledge(ctx context.Context, req ConfirmPledgeRequest, confirmerID, confirmerName string) (*PledgeConfirmResponse, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	record, err := s.endorsements.Get(ctx, req.EndorsementID)
	if err != nil {
		return nil, err
	}
	if record.EndorsementType != models.EndorsementTypePledge {
		return nil, InvalidStateError(CodeUnsupportedEndorsement, "endorsement %s is a %s endorsement", record.EndorsementNo, record.EndorsementType)
	}
	if record.EndorsementNo != req.EndorsementNo {
		return nil, ConflictError(CodeEndorsementNoMismatch, "endorsement number %s does not match %s", req.EndorsementNo, record.EndorsementNo)
	}
	if record.EndorseTo != confirmerID {
		return nil, ForbiddenError(CodeNotEndorsee, "only %s can confirm endorsement %s", record.EndorseTo, record.EndorsementNo)
	}

	if models.EndorsementStatus(req.Decision) == models.EndorsementStatusCancelled {
		rejected, status, err := s.reject(ctx, record, req.Remarks, confirmerID)
		if err != nil {
			return nil, err
		}
		return &PledgeConfirmResponse{Endorsement: rejected, ReceiptStatus: status}, nil
	}

	switch record.EndorsementStatus {
	case models.EndorsementStatusConfirmed:
		return s.confirmedPledge(ctx, record)
	case models.EndorsementStatusCancelled:
		return nil, InvalidStateError(CodeEndorsementNotPending, "endorsement %s was cancelled", record.EndorsementNo)
	}
	terms := record.PledgeTerms
	if terms == nil {
		return nil, InvalidStateError(CodeInvalidTransition, "endorsement %s carries no pledge terms", record.EndorsementNo)
	}

	cmd := ledgerCommand{
		Operation: models.LedgerOpPledge,
		EntityID:  record.ID,
		ReceiptID: record.ReceiptID,
		Params: map[string]any{
			"receiptId":              record.ReceiptID,
			"receiptNo":              record.GoodsSnapshot.ReceiptNo,
			"endorsementId":          record.ID,
			"endorsementNo":          record.EndorsementNo,
			"ownerId":                record.EndorseFrom,
			"financialInstitutionId": terms.FinancialInstitutionID,
			"pledgeAmount":           terms.Amount.StringFixed(2),
			"pledgeRate":             terms.Rate.String(),
			"pledgeStartDate":        terms.StartDate.Format(dateLayout),
			"pledgeEndDate":          terms.EndDate.Format(dateLayout),
		},
		Replay: replayRequest{
			Kind:          replayConfirmPledge,
			EntityID:      record.ID,
			EndorsementNo: record.EndorsementNo,
			ActorID:       confirmerID,
			ActorName:     confirmerName,
			Remarks:       req.Remarks,
		},
	}

	out := &PledgeConfirmResponse{}
	replayed := false
	err = s.committer.Execute(ctx, cmd, func(res *ledger.Result) error {
		return s.store.WithTx(ctx, func(repos repository.Repos) error {
			receipt, err := lockReceipt(ctx, repos, record.ReceiptID)
			if err != nil {
				return err
			}
			current, err := repos.Endorsements().GetForUpdate(ctx, record.ID)
			if err != nil {
				return endorsementLookupError(record.ID, err)
			}
			if current.EndorsementStatus == models.EndorsementStatusConfirmed {
				replayed = true
				return nil
			}

			confirmed, err := s.endorsements.confirm(ctx, repos, record.ID, record.EndorsementNo, models.EndorsementStatusConfirmed, req.Remarks)
			if err != nil {
				return err
			}
			confirmed, err = s.endorsements.attachLedger(ctx, repos, record.ID, res.TxHash, res.BlockNumber)
			if err != nil {
				return err
			}

			now := s.now()
			pledge := &models.PledgeRecord{
				ID:                     uuid.New().String(),
				ReceiptID:              receipt.ID,
				EndorsementID:          confirmed.ID,
				Cycle:                  confirmed.Sequence,
				OwnerID:                confirmed.EndorseFrom,
				FinancialInstitutionID: terms.FinancialInstitutionID,
				PledgeAmount:           terms.Amount,
				PledgeRate:             terms.Rate,
				PledgeStartDate:        terms.StartDate,
				PledgeEndDate:          terms.EndDate,
				Status:                 models.PledgeStatusActive,
				TxHash:                 res.TxHash,
				BlockNumber:            res.BlockNumber,
				CreatedAt:              now,
			}
			if err := repos.Pledges().Insert(ctx, pledge); err != nil {
				if errors.Is(err, repository.ErrUniqueViolation) {
					return ConflictError(CodeConcurrentModification, "receipt %s already has an active pledge", receipt.ID)
				}
				return fmt.Errorf("insert pledge: %w", err)
			}
			financing := &models.FinancingRecord{
				ID:                     uuid.New().String(),
				PledgeID:               pledge.ID,
				ReceiptID:              receipt.ID,
				FinancialInstitutionID: pledge.FinancialInstitutionID,
				FinancingAmount:        pledge.PledgeAmount,
				InterestRate:           pledge.PledgeRate,
				DueDate:                pledge.PledgeEndDate,
				RepaymentStatus:        models.RepaymentStatusUnpaid,
				RepaidAmount:           decimal.Zero,
				CreatedAt:              now,
			}
			if err := repos.Financings().Insert(ctx, financing); err != nil {
				return fmt.Errorf("insert financing: %w", err)
			}
			if err := transitionReceipt(ctx, repos, receipt, EventPledge); err != nil {
				return err
			}

			out.Endorsement = confirmed
			out.Pledge = pledge
			out.Financing = financing
			out.ReceiptStatus = receipt.Status
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return s.confirmedPledge(ctx, record)
	}

	log.Printf("[PLEDGE] %s confirmed, pledge %s active (tx %s)", out.Endorsement.EndorsementNo, out.Pledge.ID, out.Pledge.TxHash)
	s.audit.LogPledge(out.Pledge.ID, out.Pledge.ReceiptID, confirmerID, out.Pledge.PledgeAmount, string(out.Pledge.Status))
	s.publish(ctx, events.TypePledgeConfirmed, out.Pledge.ReceiptID, out.Pledge.ID, confirmerID, map[string]any{
		"endorsementId": out.Endorsement.ID,
		"txHash":        out.Pledge.TxHash,
		"blockNumber":   out.Pledge.BlockNumber,
	})
	return out, nil
}

// confirmedPledge rebuilds the response of an approval that already committed.
func (s *PledgeService) confirmedPledge(ctx context.Context, record *models.EndorsementRecord) (*PledgeConfirmResponse, error) {
	repos := s.store.Repos()
	current, err := repos.Endorsements().Get(ctx, record.ID)
	if err != nil {
		return nil, endorsementLookupError(record.ID, err)
	}
	pledge, err := repos.Pledges().GetByEndorsement(ctx, record.ID)
	if err != nil {
		return nil, pledgeLookupError(record.ID, err)
	}
	financing, err := repos.Financings().GetByPledge(ctx, pledge.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	receipt, err := repos.Receipts().Get(ctx, record.ReceiptID)
	if err != nil {
		return nil, receiptLookupError(record.ReceiptID, err)
	}
	log.Printf("[PLEDGE] %s already confirmed, returning pledge %s", current.EndorsementNo, pledge.ID)
	return &PledgeConfirmResponse{
		Endorsement:   current,
		Pledge:        pledge,
		Financing:     financing,
		ReceiptStatus: receipt.Status,
	}, nil
}

// reject cancels a PENDING endorsement and returns the receipt to the status it
// had before. Rejecting an already cancelled endorsement is a no-op.
func (s *PledgeService) reject(ctx context.Context, record *models.EndorsementRecord, remarks, actorID string) (*models.EndorsementRecord, models.ReceiptStatus, error) {
	var out *models.EndorsementRecord
	var status models.ReceiptStatus
	noop := false

	fn := func() error {
		if op, ok := ledgerOperationFor(record.EndorsementType); ok {
			inFlight, err := s.committer.InFlight(ctx, models.BusinessKey(op, record.ID))
			if err != nil {
				return err
			}
			if inFlight {
				return InvalidStateError(CodeLedgerSubmissionInProgress,
					"endorsement %s has a ledger submission; it can no longer be rejected", record.EndorsementNo)
			}
		}
		return s.store.WithTx(ctx, func(repos repository.Repos) error {
			receipt, err := lockReceipt(ctx, repos, record.ReceiptID)
			if err != nil {
				return err
			}
			current, err := repos.Endorsements().GetForUpdate(ctx, record.ID)
			if err != nil {
				return endorsementLookupError(record.ID, err)
			}
			switch current.EndorsementStatus {
			case models.EndorsementStatusCancelled:
				noop = true
				out, status = current, receipt.Status
				return nil
			case models.EndorsementStatusConfirmed:
				return InvalidStateError(CodeEndorsementNotPending, "endorsement %s is already confirmed", current.EndorsementNo)
			}

			cancelled, err := s.endorsements.confirm(ctx, repos, current.ID, current.EndorsementNo, models.EndorsementStatusCancelled, remarks)
			if err != nil {
				return err
			}
			event, err := revertEventFor(current.PreviousReceiptStatus)
			if err != nil {
				return err
			}
			if err := transitionReceipt(ctx, repos, receipt, event); err != nil {
				return err
			}
			out, status = cancelled, receipt.Status
			return nil
		})
	}

	var err error
	if op, ok := ledgerOperationFor(record.EndorsementType); ok {
		err = s.committer.Guard(ctx, models.BusinessKey(op, record.ID), fn)
	} else {
		err = fn()
	}
	if err != nil {
		return nil, "", err
	}
	if noop {
		return out, status, nil
	}

	log.Printf("[ENDORSEMENT] %s rejected by %s, receipt %s back to %s", out.EndorsementNo, actorID, out.ReceiptID, status)
	s.audit.LogEndorsement(out.ID, out.ReceiptID, actorID, string(out.EndorsementType), string(out.EndorsementStatus))
	eventType := events.TypeEndorsementCancelled
	if out.EndorsementType == models.EndorsementTypePledge {
		eventType = events.TypePledgeRejected
	}
	s.publish(ctx, eventType, out.ReceiptID, out.ID, actorID, map[string]any{"endorsementNo": out.EndorsementNo})
	return out, status, nil
}

// ReleasePledge closes an active pledge once repayment covers principal,
// interest and fees. The RELEASE endorsement is created and confirmed in the
// same transaction as the pledge release, after the ledger confirmed it.
func (s *PledgeService) ReleasePledge(ctx context.Context, req ReleasePledgeRequest, ownerID string) (*ReleaseResult, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	if !req.RepayAmount.IsPositive() {
		return nil, ValidationError("repayAmount must be greater than zero")
	}

	pledge, err := s.Get(ctx, req.PledgeID)
	if err != nil {
		return nil, err
	}
	if pledge.OwnerID != ownerID {
		return nil, ForbiddenError(CodeNotReceiptOwner, "pledge %s is not owned by %s", pledge.ID, ownerID)
	}
	if pledge.Status == models.PledgeStatusReleased {
		return s.releasedResult(ctx, pledge.ID)
	}
	if pledge.Status != models.PledgeStatusActive {
		return nil, InvalidStateError(CodePledgeNotActive, "pledge %s is %s", pledge.ID, pledge.Status)
	}
	receipt, err := s.store.Repos().Receipts().Get(ctx, pledge.ReceiptID)
	if err != nil {
		return nil, receiptLookupError(pledge.ReceiptID, err)
	}
	if receipt.Status != models.ReceiptStatusPledged {
		return nil, InvalidStateError(CodeInvalidTransition, "receipt %s is %s, expected %s", receipt.ID, receipt.Status, models.ReceiptStatusPledged)
	}
	active, err := s.store.Repos().Pledges().FindActive(ctx, receipt.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if active == nil || active.ID != pledge.ID {
		return nil, InvalidStateError(CodePledgeNotActive, "pledge %s is not the active pledge of receipt %s", pledge.ID, receipt.ID)
	}

	key := models.BusinessKey(models.LedgerOpRelease, pledge.ID)
	quotedAt := s.now()
	prior, err := inFlightRelease(ctx, s.store.Repos(), key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if err := sameRepayment(pledge.ID, prior, req.RepayAmount); err != nil {
			return nil, err
		}
		if prior.QuotedAt != nil {
			quotedAt = *prior.QuotedAt
		}
	}
	quote := QuoteRepayment(pledge, quotedAt, s.cfg.ReleaseFee)
	if req.RepayAmount.LessThan(quote.Total) {
		return nil, InvalidArgumentError(CodeInsufficientRepayment,
			"repayment %s is less than %s (principal %s, interest %s for %d days, fees %s)",
			req.RepayAmount.StringFixed(2), quote.Total.StringFixed(2), quote.Principal.StringFixed(2),
			quote.Interest.StringFixed(2), quote.InterestDays, quote.Fees.StringFixed(2))
	}

	cmd := ledgerCommand{
		Operation: models.LedgerOpRelease,
		EntityID:  pledge.ID,
		ReceiptID: pledge.ReceiptID,
		Params: map[string]any{
			"receiptId":              pledge.ReceiptID,
			"receiptNo":              receipt.ReceiptNo,
			"pledgeId":               pledge.ID,
			"ownerId":                pledge.OwnerID,
			"financialInstitutionId": pledge.FinancialInstitutionID,
			"repayAmount":            req.RepayAmount.StringFixed(2),
			"principal":              quote.Principal.StringFixed(2),
			"interest":               quote.Interest.StringFixed(2),
			"fees":                   quote.Fees.StringFixed(2),
		},
		Replay: replayRequest{
			Kind:        replayReleasePledge,
			EntityID:    pledge.ID,
			ActorID:     ownerID,
			Remarks:     req.Remarks,
			RepayAmount: req.RepayAmount,
			QuotedAt:    &quotedAt,
		},
	}

	out := &ReleaseResult{}
	replayed := false
	err = s.committer.Execute(ctx, cmd, func(res *ledger.Result) error {
		return s.store.WithTx(ctx, func(repos repository.Repos) error {
			receipt, err := lockReceipt(ctx, repos, pledge.ReceiptID)
			if err != nil {
				return err
			}
			current, err := repos.Pledges().GetForUpdate(ctx, pledge.ID)
			if err != nil {
				return pledgeLookupError(pledge.ID, err)
			}
			if current.Status == models.PledgeStatusReleased {
				replayed = true
				return nil
			}
			if current.Status != models.PledgeStatusActive {
				return InvalidStateError(CodePledgeNotActive, "pledge %s is %s", current.ID, current.Status)
			}
			// The ledger recorded the amount of the attempt that created the
			// submission; a concurrent request may have won that race.
			recorded, err := inFlightRelease(ctx, repos, key)
			if err != nil {
				return err
			}
			if recorded != nil {
				if err := sameRepayment(current.ID, recorded, req.RepayAmount); err != nil {
					return err
				}
			}

			institutionName := current.FinancialInstitutionID
			if inst, err := repos.Institutions().Get(ctx, current.FinancialInstitutionID); err == nil {
				institutionName = inst.Name
			}
			record, err := s.endorsements.create(ctx, repos, newEndorsement{
				Receipt:         receipt,
				Type:            models.EndorsementTypeRelease,
				EndorseFrom:     current.FinancialInstitutionID,
				EndorseFromName: institutionName,
				EndorseTo:       current.OwnerID,
				EndorseToName:   receipt.OwnerName,
				TransferAmount:  req.RepayAmount,
				Reason:          req.Remarks,
				OperatorID:      ownerID,
			})
			if err != nil {
				return err
			}
			if _, err := s.endorsements.confirm(ctx, repos, record.ID, record.EndorsementNo, models.EndorsementStatusConfirmed, req.Remarks); err != nil {
				return err
			}
			record, err = s.endorsements.attachLedger(ctx, repos, record.ID, res.TxHash, res.BlockNumber)
			if err != nil {
				return err
			}

			now := s.now()
			if err := repos.Pledges().MarkReleased(ctx, current.ID, now); err != nil {
				if errors.Is(err, repository.ErrStaleWrite) {
					return ConflictError(CodeConcurrentModification, "pledge %s changed concurrently", current.ID)
				}
				return err
			}
			if err := repos.Financings().MarkRepaid(ctx, current.ID, req.RepayAmount, now); err != nil {
				if errors.Is(err, repository.ErrStaleWrite) {
					log.Printf("[PLEDGE] Pledge %s has no outstanding financing record", current.ID)
					return InvalidStateError(CodeFinancingNotOutstanding, "pledge %s has no unpaid financing record", current.ID)
				}
				return err
			}

			message, err := s.settlement.RepaymentMessage(Repayment{
				PledgeID:      current.ID,
				ReceiptNo:     receipt.ReceiptNo,
				OwnerName:     receipt.OwnerName,
				InstitutionID: current.FinancialInstitutionID,
				Amount:        req.RepayAmount,
			})
			if err != nil {
				return fmt.Errorf("build settlement message: %w", err)
			}
			release := &models.ReleaseRecord{
				ID:                uuid.New().String(),
				PledgeID:          current.ID,
				ReceiptID:         receipt.ID,
				EndorsementID:     record.ID,
				RepayAmount:       req.RepayAmount,
				Principal:         quote.Principal,
				Interest:          quote.Interest,
				Fees:              quote.Fees,
				ExcessAmount:      req.RepayAmount.Sub(quote.Total),
				InterestDays:      quote.InterestDays,
				SettlementMessage: message,
				TxHash:            res.TxHash,
				BlockNumber:       res.BlockNumber,
				ReleasedAt:        now,
			}
			if err := repos.Releases().Insert(ctx, release); err != nil {
				return fmt.Errorf("insert release: %w", err)
			}
			if err := transitionReceipt(ctx, repos, receipt, EventRelease); err != nil {
				return err
			}

			current.Status = models.PledgeStatusReleased
			current.ReleasedAt = &now
			out.Pledge = current
			out.Endorsement = record
			out.Release = release
			out.ReceiptStatus = receipt.Status
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return s.releasedResult(ctx, pledge.ID)
	}

	log.Printf("[PLEDGE] Pledge %s released with %s (interest %s, %d days)",
		pledge.ID, req.RepayAmount.StringFixed(2), quote.Interest.StringFixed(2), quote.InterestDays)
	s.audit.LogPledge(pledge.ID, pledge.ReceiptID, ownerID, req.RepayAmount, string(models.PledgeStatusReleased))
	s.publish(ctx, events.TypePledgeReleased, pledge.ReceiptID, pledge.ID, ownerID, map[string]any{
		"endorsementId": out.Endorsement.ID,
		"repayAmount":   req.RepayAmount.StringFixed(2),
		"txHash":        out.Release.TxHash,
	})
	return out, nil
}

// inFlightRelease returns the request stored with a release submission that
// may still land on the ledger, or nil when a fresh attempt would start.
func inFlightRelease(ctx context.Context, repos repository.Repos, key string) (*replayRequest, error) {
	sub, err := repos.LedgerSubmissions().Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubmissionStatusFailed || len(sub.Request) == 0 {
		return nil, nil
	}
	var replay replayRequest
	if err := json.Unmarshal(sub.Request, &replay); err != nil {
		return nil, fmt.Errorf("decode release request %s: %w", key, err)
	}
	return &replay, nil
}

func sameRepayment(pledgeID string, prior *replayRequest, amount decimal.Decimal) error {
	if prior.RepayAmount.Equal(amount) {
		return nil
	}
	return ConflictError(CodeRepaymentMismatch,
		"release of pledge %s was submitted with repayment %s, got %s",
		pledgeID, prior.RepayAmount.StringFixed(2), amount.StringFixed(2))
}

func (s *PledgeService) releasedResult(ctx context.Context, pledgeID string) (*ReleaseResult, error) {
	repos := s.store.Repos()
	pledge, err := repos.Pledges().Get(ctx, pledgeID)
	if err != nil {
		return nil, pledgeLookupError(pledgeID, err)
	}
	release, err := repos.Releases().GetByPledge(ctx, pledgeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFoundError(CodeReleaseNotFound, "pledge %s has no release record", pledgeID)
		}
		return nil, err
	}
	record, err := repos.Endorsements().Get(ctx, release.EndorsementID)
	if err != nil {
		return nil, endorsementLookupError(release.EndorsementID, err)
	}
	receipt, err := repos.Receipts().Get(ctx, pledge.ReceiptID)
	if err != nil {
		return nil, receiptLookupError(pledge.ReceiptID, err)
	}
	return &ReleaseResult{Pledge: pledge, Endorsement: record, Release: release, ReceiptStatus: receipt.Status}, nil
}

// CreateEndorsement opens a TRANSFER or CANCEL endorsement and freezes the
// receipt until the endorsee decides.
func (s *PledgeService) CreateEndorsement(ctx context.Context, req CreateEndorsementRequest, callerID, callerName string) (*models.EndorsementRecord, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	endorsementType := models.EndorsementType(req.EndorsementType)
	if endorsementType == models.EndorsementTypeTransfer && req.EndorseTo == callerID {
		return nil, ValidationError("a receipt cannot be transferred to its current owner")
	}
	if req.TransferPrice.IsNegative() || req.TransferAmount.IsNegative() {
		return nil, ValidationError("transfer price and amount must not be negative")
	}

	var out *models.EndorsementRecord
	err := s.store.WithTx(ctx, func(repos repository.Repos) error {
		receipt, err := lockReceipt(ctx, repos, req.ReceiptID)
		if err != nil {
			return err
		}
		if receipt.OwnerID != callerID {
			return ForbiddenError(CodeNotReceiptOwner, "receipt %s is not owned by %s", receipt.ID, callerID)
		}
		if err := requireNormal(ctx, repos, receipt); err != nil {
			return err
		}
		record, err := s.endorsements.create(ctx, repos, newEndorsement{
			Receipt:         receipt,
			Type:            endorsementType,
			EndorseFrom:     callerID,
			EndorseFromName: callerName,
			EndorseTo:       req.EndorseTo,
			EndorseToName:   req.EndorseToName,
			TransferPrice:   req.TransferPrice,
			TransferAmount:  req.TransferAmount,
			Reason:          req.Reason,
			OperatorID:      callerID,
		})
		if err != nil {
			return err
		}
		if err := transitionReceipt(ctx, repos, receipt, EventFreeze); err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogEndorsement(out.ID, out.ReceiptID, callerID, string(out.EndorsementType), string(out.EndorsementStatus))
	s.publish(ctx, events.TypeEndorsementCreated, out.ReceiptID, out.ID, callerID, map[string]any{
		"endorsementNo":   out.EndorsementNo,
		"endorsementType": string(out.EndorsementType),
		"endorseTo":       out.EndorseTo,
	})
	return out, nil
}

// ConfirmEndorsement applies the endorsee's decision. PLEDGE endorsements are
// handed to ConfirmPledge; RELEASE endorsements are confirmed by the release
// flow only.
func (s *PledgeService) ConfirmEndorsement(ctx context.Context, id string, req ConfirmEndorsementRequest, confirmerID, confirmerName string) (*EndorsementConfirmResponse, error) {
	if err := s.validator.Validate(&req); err != nil {
		return nil, err
	}
	record, err := s.endorsements.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch record.EndorsementType {
	case models.EndorsementTypePledge:
		res, err := s.ConfirmPledge(ctx, ConfirmPledgeRequest{
			EndorsementID: id,
			EndorsementNo: req.EndorsementNo,
			Decision:      req.Decision,
			Remarks:       req.Remarks,
		}, confirmerID, confirmerName)
		if err != nil {
			return nil, err
		}
		return &EndorsementConfirmResponse{Endorsement: res.Endorsement, Pledge: res.Pledge, ReceiptStatus: res.ReceiptStatus}, nil
	case models.EndorsementTypeRelease:
		return nil, InvalidStateError(CodeUnsupportedEndorsement, "release endorsements are confirmed by the release flow")
	}

	if record.EndorsementNo != req.EndorsementNo {
		return nil, ConflictError(CodeEndorsementNoMismatch, "endorsement number %s does not match %s", req.EndorsementNo, record.EndorsementNo)
	}
	if record.EndorseTo != confirmerID {
		return nil, ForbiddenError(CodeNotEndorsee, "only %s can confirm endorsement %s", record.EndorseTo, record.EndorsementNo)
	}

	if models.EndorsementStatus(req.Decision) == models.EndorsementStatusCancelled {
		rejected, status, err := s.reject(ctx, record, req.Remarks, confirmerID)
		if err != nil {
			return nil, err
		}
		return &EndorsementConfirmResponse{Endorsement: rejected, ReceiptStatus: status}, nil
	}

	switch record.EndorsementStatus {
	case models.EndorsementStatusConfirmed:
		return s.confirmedEndorsement(ctx, record.ID)
	case models.EndorsementStatusCancelled:
		return nil, InvalidStateError(CodeEndorsementNotPending, "endorsement %s was cancelled", record.EndorsementNo)
	}

	op, _ := ledgerOperationFor(record.EndorsementType)
	event := EventUnfreeze
	if record.EndorsementType == models.EndorsementTypeCancel {
		event = EventVoid
	}
	cmd := ledgerCommand{
		Operation: op,
		EntityID:  record.ID,
		ReceiptID: record.ReceiptID,
		Params: map[string]any{
			"receiptId":      record.ReceiptID,
			"receiptNo":      record.GoodsSnapshot.ReceiptNo,
			"endorsementId":  record.ID,
			"endorsementNo":  record.EndorsementNo,
			"endorseFrom":    record.EndorseFrom,
			"endorseTo":      record.EndorseTo,
			"transferPrice":  record.TransferPrice.StringFixed(2),
			"transferAmount": record.TransferAmount.StringFixed(2),
		},
		Replay: replayRequest{
			Kind:          replayConfirmEndorsement,
			EntityID:      record.ID,
			EndorsementNo: record.EndorsementNo,
			ActorID:       confirmerID,
			ActorName:     confirmerName,
			Remarks:       req.Remarks,
		},
	}

	out := &EndorsementConfirmResponse{}
	replayed := false
	err = s.committer.Execute(ctx, cmd, func(res *ledger.Result) error {
		return s.store.WithTx(ctx, func(repos repository.Repos) error {
			receipt, err := lockReceipt(ctx, repos, record.ReceiptID)
			if err != nil {
				return err
			}
			current, err := repos.Endorsements().GetForUpdate(ctx, record.ID)
			if err != nil {
				return endorsementLookupError(record.ID, err)
			}
			if current.EndorsementStatus == models.EndorsementStatusConfirmed {
				replayed = true
				return nil
			}
			if _, err := s.endorsements.confirm(ctx, repos, record.ID, record.EndorsementNo, models.EndorsementStatusConfirmed, req.Remarks); err != nil {
				return err
			}
			confirmed, err := s.endorsements.attachLedger(ctx, repos, record.ID, res.TxHash, res.BlockNumber)
			if err != nil {
				return err
			}
			if record.EndorsementType == models.EndorsementTypeTransfer {
				if err := repos.Receipts().UpdateOwner(ctx, receipt.ID, confirmed.EndorseTo, confirmed.EndorseToName); err != nil {
					return fmt.Errorf("update receipt owner: %w", err)
				}
			}
			if err := transitionReceipt(ctx, repos, receipt, event); err != nil {
				return err
			}
			out.Endorsement = confirmed
			out.ReceiptStatus = receipt.Status
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return s.confirmedEndorsement(ctx, record.ID)
	}

	s.audit.LogEndorsement(out.Endorsement.ID, out.Endorsement.ReceiptID, confirmerID, string(out.Endorsement.EndorsementType), string(out.Endorsement.EndorsementStatus))
	eventType := events.TypeReceiptTransferred
	if record.EndorsementType == models.EndorsementTypeCancel {
		eventType = events.TypeReceiptCancelled
	}
	s.publish(ctx, eventType, out.Endorsement.ReceiptID, out.Endorsement.ID, confirmerID, map[string]any{
		"endorsementNo": out.Endorsement.EndorsementNo,
		"endorseTo":     out.Endorsement.EndorseTo,
		"txHash":        out.Endorsement.TxHash,
	})
	return out, nil
}

func (s *PledgeService) confirmedEndorsement(ctx context.Context, id string) (*EndorsementConfirmResponse, error) {
	record, err := s.endorsements.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	receipt, err := s.store.Repos().Receipts().Get(ctx, record.ReceiptID)
	if err != nil {
		return nil, receiptLookupError(record.ReceiptID, err)
	}
	return &EndorsementConfirmResponse{Endorsement: record, ReceiptStatus: receipt.Status}, nil
}

// Replay drives the business step recorded with a confirmed submission. It is
// used when a ledger result arrives after the original request gave up.
func (s *PledgeService) Replay(ctx context.Context, sub *models.LedgerSubmission) error {
	if len(sub.Request) == 0 {
		return fmt.Errorf("submission %s has no replay request", sub.BusinessKey)
	}
	var req replayRequest
	if err := json.Unmarshal(sub.Request, &req); err != nil {
		return fmt.Errorf("decode replay request for %s: %w", sub.BusinessKey, err)
	}

	var err error
	switch req.Kind {
	case replayConfirmPledge:
		_, err = s.ConfirmPledge(ctx, ConfirmPledgeRequest{
			EndorsementID: req.EntityID,
			EndorsementNo: req.EndorsementNo,
			Decision:      string(models.EndorsementStatusConfirmed),
			Remarks:       req.Remarks,
		}, req.ActorID, req.ActorName)
	case replayConfirmEndorsement:
		_, err = s.ConfirmEndorsement(ctx, req.EntityID, ConfirmEndorsementRequest{
			EndorsementNo: req.EndorsementNo,
			Decision:      string(models.EndorsementStatusConfirmed),
			Remarks:       req.Remarks,
		}, req.ActorID, req.ActorName)
	case replayReleasePledge:
		_, err = s.ReleasePledge(ctx, ReleasePledgeRequest{
			PledgeID:    req.EntityID,
			RepayAmount: req.RepayAmount,
			Remarks:     req.Remarks,
		}, req.ActorID)
	default:
		return fmt.Errorf("unknown replay kind %q for %s", req.Kind, sub.BusinessKey)
	}
	return err
}

func (s *PledgeService) Get(ctx context.Context, id string) (*models.PledgeRecord, error) {
	pledge, err := s.store.Repos().Pledges().Get(ctx, id)
	if err != nil {
		return nil, pledgeLookupError(id, err)
	}
	return pledge, nil
}

func (s *PledgeService) GetRelease(ctx context.Context, pledgeID string) (*models.ReleaseRecord, error) {
	release, err := s.store.Repos().Releases().GetByPledge(ctx, pledgeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFoundError(CodeReleaseNotFound, "pledge %s has no release record", pledgeID)
		}
		return nil, err
	}
	return release, nil
}

// PendingForInstitution lists PLEDGE endorsements waiting on an institution.
func (s *PledgeService) PendingForInstitution(ctx context.Context, institutionID string) ([]models.EndorsementRecord, error) {
	return s.endorsements.Query(ctx, models.EndorsementFilter{
		EndorseTo: institutionID,
		Type:      models.EndorsementTypePledge,
		Status:    models.EndorsementStatusPending,
	})
}

// History returns every pledge cycle of a receipt, oldest first.
func (s *PledgeService) History(ctx context.Context, receiptID string) ([]models.PledgeRecord, error) {
	items, _, err := s.store.Repos().Pledges().Search(ctx, models.PledgeFilter{ReceiptID: receiptID})
	return items, err
}

func (s *PledgeService) Search(ctx context.Context, q PledgeSearch) (*PledgePage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size < 1 {
		q.Size = 20
	}
	if q.Size > 100 {
		return nil, ValidationError("size must not exceed 100")
	}
	switch q.Status {
	case "", models.PledgeStatusActive, models.PledgeStatusReleased, models.PledgeStatusLiquidated:
	default:
		return nil, ValidationError("unknown pledge status %q", q.Status)
	}

	items, total, err := s.store.Repos().Pledges().Search(ctx, models.PledgeFilter{
		ReceiptID:     q.ReceiptID,
		OwnerID:       q.OwnerID,
		InstitutionID: q.InstitutionID,
		Status:        q.Status,
		Offset:        (q.Page - 1) * q.Size,
		Limit:         q.Size,
	})
	if err != nil {
		return nil, err
	}
	return &PledgePage{Items: items, Total: total, Page: q.Page, Size: q.Size}, nil
}

func (s *PledgeService) publish(ctx context.Context, eventType, receiptID, entityID, actorID string, data map[string]any) {
	event := events.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ReceiptID:  receiptID,
		EntityID:   entityID,
		ActorID:    actorID,
		Data:       data,
		OccurredAt: s.now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[EVENTS] Failed to publish %s for %s: %v", eventType, entityID, err)
	}
}

func lockReceipt(ctx context.Context, repos repository.Repos, id string) (*models.Receipt, error) {
	receipt, err := repos.Receipts().GetForUpdate(ctx, id)
	if err != nil {
		return nil, receiptLookupError(id, err)
	}
	return receipt, nil
}

// requireNormal reports why a receipt cannot start a new endorsement.
func requireNormal(ctx context.Context, repos repository.Repos, receipt *models.Receipt) error {
	if receipt.Status == models.ReceiptStatusNormal {
		return nil
	}
	if _, err := repos.Endorsements().FindPending(ctx, receipt.ID); err == nil {
		return ConflictError(CodePendingEndorsementExists, "receipt %s already has a pending endorsement", receipt.ID)
	}
	return InvalidStateError(CodeInvalidTransition, "receipt %s is %s, expected %s", receipt.ID, receipt.Status, models.ReceiptStatusNormal)
}

func receiptLookupError(id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return NotFoundError(CodeReceiptNotFound, "receipt %s not found", id)
	}
	return fmt.Errorf("load receipt %s: %w", id, err)
}

func pledgeLookupError(id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return NotFoundError(CodePledgeNotFound, "pledge %s not found", id)
	}
	return fmt.Errorf("load pledge %s: %w", id, err)
}

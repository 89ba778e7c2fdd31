// Package memory is an in-process implementation of repository.Store. It keeps
// the same uniqueness and compare-and-set rules as the Postgres schema and is
// used by service tests and the database.driver=memory mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/repository"
	"github.com/shopspring/decimal"
)

type state struct {
	receipts     map[string]models.Receipt
	institutions map[string]models.FinancialInstitution
	endorsements map[string]models.EndorsementRecord
	pledges      map[string]models.PledgeRecord
	financings   map[string]models.FinancingRecord // by pledge id
	releases     map[string]models.ReleaseRecord   // by pledge id
	submissions  map[string]models.LedgerSubmission
}

func newState() *state {
	return &state{
		receipts:     map[string]models.Receipt{},
		institutions: map[string]models.FinancialInstitution{},
		endorsements: map[string]models.EndorsementRecord{},
		pledges:      map[string]models.PledgeRecord{},
		financings:   map[string]models.FinancingRecord{},
		releases:     map[string]models.ReleaseRecord{},
		submissions:  map[string]models.LedgerSubmission{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.institutions {
		c.institutions[k] = v
	}
	for k, v := range s.endorsements {
		c.endorsements[k] = v
	}
	for k, v := range s.pledges {
		c.pledges[k] = v
	}
	for k, v := range s.financings {
		c.financings[k] = v
	}
	for k, v := range s.releases {
		c.releases[k] = v
	}
	for k, v := range s.submissions {
		c.submissions[k] = v
	}
	return c
}

// Store serialises transactions on one mutex. A transaction works on a copy of
// the state that replaces the live state only when fn returns nil.
type Store struct {
	mu sync.RWMutex
	st *state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

// PutReceipt seeds or overwrites a receipt.
func (s *Store) PutReceipt(r models.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	s.st.receipts[r.ID] = r
}

// PutInstitution seeds or overwrites a financial institution.
func (s *Store) PutInstitution(fi models.FinancialInstitution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.institutions[fi.ID] = fi
}

func (s *Store) Repos() repository.Repos {
	return repos{store: s}
}

func (s *Store) WithTx(ctx context.Context, fn func(repository.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(repos{store: s, tx: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// repos is bound either to a transaction copy (tx != nil, lock already held)
// or to the live state, taking the lock per call.
type repos struct {
	store *Store
	tx    *state
}

func (r repos) read(fn func(*state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return fn(r.store.st)
}

func (r repos) write(fn func(*state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.st)
}

func (r repos) Receipts() repository.ReceiptRepository         { return receiptRepo{r} }
func (r repos) Institutions() repository.InstitutionRepository { return institutionRepo{r} }
func (r repos) Endorsements() repository.EndorsementRepository { return endorsementRepo{r} }
func (r repos) Pledges() repository.PledgeRepository           { return pledgeRepo{r} }
func (r repos) Financings() repository.FinancingRepository     { return financingRepo{r} }
func (r repos) Releases() repository.ReleaseRepository         { return releaseRepo{r} }
func (r repos) LedgerSubmissions() repository.LedgerSubmissionRepository {
	return submissionRepo{r}
}

func uniqueViolation(constraint string) error {
	return fmt.Errorf("%w: %s", repository.ErrUniqueViolation, constraint)
}

type receiptRepo struct{ repos }

func (r receiptRepo) Get(_ context.Context, id string) (*models.Receipt, error) {
	var out *models.Receipt
	err := r.read(func(st *state) error {
		rc, ok := st.receipts[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &rc
		return nil
	})
	return out, err
}

func (r receiptRepo) GetForUpdate(ctx context.Context, id string) (*models.Receipt, error) {
	return r.Get(ctx, id)
}

func (r receiptRepo) UpdateStatus(_ context.Context, id string, from, to models.ReceiptStatus) error {
	return r.write(func(st *state) error {
		rc, ok := st.receipts[id]
		if !ok || rc.Status != from {
			return repository.ErrStaleWrite
		}
		rc.Status = to
		rc.UpdatedAt = time.Now().UTC()
		st.receipts[id] = rc
		return nil
	})
}

func (r receiptRepo) UpdateOwner(_ context.Context, id, ownerID, ownerName string) error {
	return r.write(func(st *state) error {
		rc, ok := st.receipts[id]
		if !ok {
			return repository.ErrStaleWrite
		}
		rc.OwnerID = ownerID
		rc.OwnerName = ownerName
		rc.UpdatedAt = time.Now().UTC()
		st.receipts[id] = rc
		return nil
	})
}

type institutionRepo struct{ repos }

func (r institutionRepo) Get(_ context.Context, id string) (*models.FinancialInstitution, error) {
	var out *models.FinancialInstitution
	err := r.read(func(st *state) error {
		fi, ok := st.institutions[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &fi
		return nil
	})
	return out, err
}

type endorsementRepo struct{ repos }

func (r endorsementRepo) Insert(_ context.Context, e *models.EndorsementRecord) error {
	return r.write(func(st *state) error {
		if _, ok := st.endorsements[e.ID]; ok {
			return uniqueViolation("endorsement_records_pkey")
		}
		for _, other := range st.endorsements {
			if other.EndorsementNo == e.EndorsementNo {
				return uniqueViolation("endorsement_records_endorsement_no_key")
			}
			if other.ReceiptID != e.ReceiptID {
				continue
			}
			if other.Sequence == e.Sequence {
				return uniqueViolation("endorsement_records_receipt_id_sequence_key")
			}
			if other.IsPending() && e.IsPending() {
				return uniqueViolation("uq_endorsement_pending_receipt")
			}
		}
		st.endorsements[e.ID] = *e
		return nil
	})
}

func (r endorsementRepo) Get(_ context.Context, id string) (*models.EndorsementRecord, error) {
	var out *models.EndorsementRecord
	err := r.read(func(st *state) error {
		e, ok := st.endorsements[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &e
		return nil
	})
	return out, err
}

func (r endorsementRepo) GetForUpdate(ctx context.Context, id string) (*models.EndorsementRecord, error) {
	return r.Get(ctx, id)
}

func (r endorsementRepo) FindPending(_ context.Context, receiptID string) (*models.EndorsementRecord, error) {
	var out *models.EndorsementRecord
	err := r.read(func(st *state) error {
		for _, e := range st.endorsements {
			if e.ReceiptID == receiptID && e.IsPending() {
				e := e
				out = &e
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r endorsementRepo) MaxSequence(_ context.Context, receiptID string) (int, error) {
	seq := 0
	err := r.read(func(st *state) error {
		for _, e := range st.endorsements {
			if e.ReceiptID == receiptID && e.Sequence > seq {
				seq = e.Sequence
			}
		}
		return nil
	})
	return seq, err
}

func (r endorsementRepo) Count(_ context.Context, receiptID string) (int, error) {
	n := 0
	err := r.read(func(st *state) error {
		for _, e := range st.endorsements {
			if e.ReceiptID == receiptID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r endorsementRepo) Finalize(_ context.Context, id string, status models.EndorsementStatus, remarks string, confirmedAt *time.Time) error {
	return r.write(func(st *state) error {
		e, ok := st.endorsements[id]
		if !ok || !e.IsPending() {
			return repository.ErrStaleWrite
		}
		e.EndorsementStatus = status
		e.Remarks = remarks
		e.ConfirmedTime = confirmedAt
		st.endorsements[id] = e
		return nil
	})
}

func (r endorsementRepo) AttachLedgerInfo(_ context.Context, id, txHash string, blockNumber uint64) error {
	return r.write(func(st *state) error {
		e, ok := st.endorsements[id]
		if !ok || e.TxHash != "" {
			return repository.ErrStaleWrite
		}
		e.TxHash = txHash
		e.BlockNumber = blockNumber
		st.endorsements[id] = e
		return nil
	})
}

func (r endorsementRepo) List(_ context.Context, f models.EndorsementFilter) ([]models.EndorsementRecord, error) {
	out := []models.EndorsementRecord{}
	err := r.read(func(st *state) error {
		for _, e := range st.endorsements {
			if f.ReceiptID != "" && e.ReceiptID != f.ReceiptID {
				continue
			}
			if f.EndorseFrom != "" && e.EndorseFrom != f.EndorseFrom {
				continue
			}
			if f.EndorseTo != "" && e.EndorseTo != f.EndorseTo {
				continue
			}
			if f.OperatorID != "" && e.OperatorID != f.OperatorID {
				continue
			}
			if f.Type != "" && e.EndorsementType != f.Type {
				continue
			}
			if f.Status != "" && e.EndorsementStatus != f.Status {
				continue
			}
			if f.CreatedBefore != nil && !e.EndorsementTime.Before(*f.CreatedBefore) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if f.ReceiptID != "" {
		sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	} else {
		sort.Slice(out, func(i, j int) bool {
			if out[i].EndorsementTime.Equal(out[j].EndorsementTime) {
				return out[i].Sequence > out[j].Sequence
			}
			return out[i].EndorsementTime.After(out[j].EndorsementTime)
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type pledgeRepo struct{ repos }

func (r pledgeRepo) Insert(_ context.Context, p *models.PledgeRecord) error {
	return r.write(func(st *state) error {
		if _, ok := st.pledges[p.ID]; ok {
			return uniqueViolation("pledge_records_pkey")
		}
		for _, other := range st.pledges {
			if other.EndorsementID == p.EndorsementID {
				return uniqueViolation("pledge_records_endorsement_id_key")
			}
			if other.ReceiptID == p.ReceiptID && !other.Deleted && other.Status == models.PledgeStatusActive &&
				p.Status == models.PledgeStatusActive {
				return uniqueViolation("uq_pledge_active_receipt")
			}
		}
		st.pledges[p.ID] = *p
		return nil
	})
}

func (r pledgeRepo) Get(_ context.Context, id string) (*models.PledgeRecord, error) {
	var out *models.PledgeRecord
	err := r.read(func(st *state) error {
		p, ok := st.pledges[id]
		if !ok || p.Deleted {
			return repository.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r pledgeRepo) GetForUpdate(ctx context.Context, id string) (*models.PledgeRecord, error) {
	return r.Get(ctx, id)
}

func (r pledgeRepo) FindActive(_ context.Context, receiptID string) (*models.PledgeRecord, error) {
	return r.findOne(func(p models.PledgeRecord) bool {
		return p.ReceiptID == receiptID && p.Status == models.PledgeStatusActive && !p.Deleted
	})
}

func (r pledgeRepo) GetByEndorsement(_ context.Context, endorsementID string) (*models.PledgeRecord, error) {
	return r.findOne(func(p models.PledgeRecord) bool { return p.EndorsementID == endorsementID })
}

func (r pledgeRepo) findOne(match func(models.PledgeRecord) bool) (*models.PledgeRecord, error) {
	var out *models.PledgeRecord
	err := r.read(func(st *state) error {
		for _, p := range st.pledges {
			if match(p) {
				p := p
				out = &p
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r pledgeRepo) MarkReleased(_ context.Context, id string, at time.Time) error {
	return r.write(func(st *state) error {
		p, ok := st.pledges[id]
		if !ok || p.Status != models.PledgeStatusActive {
			return repository.ErrStaleWrite
		}
		p.Status = models.PledgeStatusReleased
		p.ReleasedAt = &at
		st.pledges[id] = p
		return nil
	})
}

func (r pledgeRepo) Search(_ context.Context, f models.PledgeFilter) ([]models.PledgeRecord, int, error) {
	var all []models.PledgeRecord
	err := r.read(func(st *state) error {
		for _, p := range st.pledges {
			if p.Deleted {
				continue
			}
			if f.ReceiptID != "" && p.ReceiptID != f.ReceiptID {
				continue
			}
			if f.OwnerID != "" && p.OwnerID != f.OwnerID {
				continue
			}
			if f.InstitutionID != "" && p.FinancialInstitutionID != f.InstitutionID {
				continue
			}
			if f.Status != "" && p.Status != f.Status {
				continue
			}
			all = append(all, p)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ReceiptID != all[j].ReceiptID {
			return all[i].ReceiptID < all[j].ReceiptID
		}
		return all[i].Cycle < all[j].Cycle
	})

	total := len(all)
	out := []models.PledgeRecord{}
	if f.Limit <= 0 {
		return append(out, all...), total, nil
	}
	if f.Offset < total {
		end := f.Offset + f.Limit
		if end > total {
			end = total
		}
		out = append(out, all[f.Offset:end]...)
	}
	return out, total, nil
}

type financingRepo struct{ repos }

func (r financingRepo) Insert(_ context.Context, f *models.FinancingRecord) error {
	return r.write(func(st *state) error {
		if _, ok := st.financings[f.PledgeID]; ok {
			return uniqueViolation("financing_records_pledge_id_key")
		}
		st.financings[f.PledgeID] = *f
		return nil
	})
}

func (r financingRepo) GetByPledge(_ context.Context, pledgeID string) (*models.FinancingRecord, error) {
	var out *models.FinancingRecord
	err := r.read(func(st *state) error {
		f, ok := st.financings[pledgeID]
		if !ok {
			return repository.ErrNotFound
		}
		out = &f
		return nil
	})
	return out, err
}

func (r financingRepo) MarkRepaid(_ context.Context, pledgeID string, amount decimal.Decimal, at time.Time) error {
	return r.write(func(st *state) error {
		f, ok := st.financings[pledgeID]
		if !ok || f.RepaymentStatus != models.RepaymentStatusUnpaid {
			return repository.ErrStaleWrite
		}
		f.RepaymentStatus = models.RepaymentStatusRepaid
		f.RepaidAmount = amount
		f.RepaidAt = &at
		st.financings[pledgeID] = f
		return nil
	})
}

type releaseRepo struct{ repos }

func (r releaseRepo) Insert(_ context.Context, rel *models.ReleaseRecord) error {
	return r.write(func(st *state) error {
		if _, ok := st.releases[rel.PledgeID]; ok {
			return uniqueViolation("release_records_pledge_id_key")
		}
		st.releases[rel.PledgeID] = *rel
		return nil
	})
}

func (r releaseRepo) GetByPledge(_ context.Context, pledgeID string) (*models.ReleaseRecord, error) {
	var out *models.ReleaseRecord
	err := r.read(func(st *state) error {
		rel, ok := st.releases[pledgeID]
		if !ok {
			return repository.ErrNotFound
		}
		out = &rel
		return nil
	})
	return out, err
}

type submissionRepo struct{ repos }

func (r submissionRepo) Get(_ context.Context, businessKey string) (*models.LedgerSubmission, error) {
	var out *models.LedgerSubmission
	err := r.read(func(st *state) error {
		s, ok := st.submissions[businessKey]
		if !ok {
			return repository.ErrNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func (r submissionRepo) GetByHandle(_ context.Context, handle string) (*models.LedgerSubmission, error) {
	var out *models.LedgerSubmission
	err := r.read(func(st *state) error {
		for _, s := range st.submissions {
			if handle != "" && s.Handle == handle {
				s := s
				out = &s
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r submissionRepo) Save(_ context.Context, s *models.LedgerSubmission) error {
	return r.write(func(st *state) error {
		now := time.Now().UTC()
		if prev, ok := st.submissions[s.BusinessKey]; ok {
			s.CreatedAt = prev.CreatedAt
		} else if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
		st.submissions[s.BusinessKey] = *s
		return nil
	})
}

func (r submissionRepo) ListByStatus(_ context.Context, status models.SubmissionStatus, updatedBefore time.Time, limit int) ([]models.LedgerSubmission, error) {
	out := []models.LedgerSubmission{}
	err := r.read(func(st *state) error {
		for _, s := range st.submissions {
			if s.Status == status && s.UpdatedAt.Before(updatedBefore) {
				out = append(out, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/models"
)

// MemoryStore keeps contracts, payments, users and audit entries in memory with
// the same conflict semantics as the Postgres repos. Used by tests and local runs.
type MemoryStore struct {
	mu        sync.Mutex
	contracts map[uuid.UUID]*models.Contract
	payments  map[string]*models.Payment // by transfer id
	users     map[uuid.UUID]*models.User
	audit     []models.AuditLog
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[uuid.UUID]*models.Contract),
		payments:  make(map[string]*models.Payment),
		users:     make(map[uuid.UUID]*models.User),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = &u
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateContract(_ context.Context, c *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.New()
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.contracts[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id uuid.UUID) (*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateContract(_ context.Context, c *models.Contract, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(c, expectedVersion); err != nil {
		return err
	}
	s.storeContract(c, expectedVersion)
	return nil
}

func (s *MemoryStore) checkVersion(c *models.Contract, expectedVersion int64) error {
	stored, ok := s.contracts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	return nil
}

func (s *MemoryStore) storeContract(c *models.Contract, expectedVersion int64) {
	c.Version = expectedVersion + 1
	s.contracts[c.ID] = c.Clone()
}

func (s *MemoryStore) ListContracts(_ context.Context, f ContractFilter) ([]models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Contract
	for _, c := range s.contracts {
		if f.PartyID != nil && !c.IsParty(*f.PartyID) {
			continue
		}
		if f.State != nil && c.State != *f.State {
			continue
		}
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit, offset := models.ContractPage(f.Limit, f.Offset)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnfundedContracts(_ context.Context, cutoff time.Time, limit int) ([]models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasPayment := make(map[uuid.UUID]bool)
	for _, p := range s.payments {
		hasPayment[p.ContractID] = true
	}
	var out []models.Contract
	for _, c := range s.contracts {
		if c.State == models.ContractStatePending && c.CreatedAt.Before(cutoff) && !hasPayment[c.ID] {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetPaymentByTransferID(_ context.Context, transferID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPayments(_ context.Context, contractID uuid.UUID, kind string) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if p.ContractID == contractID && (kind == "" || p.Kind == kind) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPendingPayments(_ context.Context, limit int) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordPayment(_ context.Context, p *models.Payment, c *models.Contract, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.TransferID]; ok {
		return ErrDuplicateTransfer
	}
	if c != nil {
		if err := s.checkVersion(c, expectedVersion); err != nil {
			return err
		}
	}

	p.ID = uuid.New()
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.payments[p.TransferID] = &cp
	if c != nil {
		s.storeContract(c, expectedVersion)
	}
	return nil
}

func (s *MemoryStore) SettlePayment(_ context.Context, p *models.Payment, c *models.Contract, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[p.TransferID]
	if !ok || stored.Status != models.PaymentStatusPending || !models.IsValidPaymentTransition(stored.Status, p.Status) {
		return ErrPaymentNotPending
	}
	if c != nil {
		if err := s.checkVersion(c, expectedVersion); err != nil {
			return err
		}
	}

	p.UpdatedAt = s.now()
	cp := *p
	s.payments[p.TransferID] = &cp
	if c != nil {
		s.storeContract(c, expectedVersion)
	}
	return nil
}

func (s *MemoryStore) Log(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.New()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit, offset = models.AuditPage(limit, offset)
	var out []models.AuditLog
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

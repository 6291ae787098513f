package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

// MemoryStore is a single-process store for tests and local development.
// The mutex plays the role of the database's row lock.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*models.TenantAccount
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*models.TenantAccount),
	}
}

func (s *MemoryStore) CreateTenant(ctx context.Context, acct *models.TenantAccount) (bool, error) {
	if err := acct.Validate(); err != nil {
		return false, &errors.ErrInvalidArgument{Field: "tenant account", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[acct.TenantID]; ok {
		return false, nil
	}
	cp := *acct
	s.tenants[acct.TenantID] = &cp
	return true, nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*models.TenantAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.tenants[tenantID]
	if !ok {
		return nil, &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SetTier(ctx context.Context, tenantID string, tier models.Tier, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.tenants[tenantID]
	if !ok {
		return &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	acct.Tier = tier
	acct.UpdatedAt = now
	return nil
}

func (s *MemoryStore) DeleteTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	delete(s.tenants, tenantID)
	return nil
}

func (s *MemoryStore) TryIncrement(ctx context.Context, req IncrementRequest) (IncrementResult, error) {
	if err := validateIncrement(req); err != nil {
		return IncrementResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.tenants[req.TenantID]
	if !ok {
		return IncrementResult{}, &errors.ErrTenantNotFound{TenantID: req.TenantID}
	}

	current := acct.Value(req.Counter)
	resetAt := acct.ExpenseCounterResetAt
	if req.Window != nil && !req.Window.Now.Before(resetAt) {
		current = 0
		resetAt = req.Window.NextResetAt
	}

	if req.Limit != NoLimit && current+req.Amount > req.Limit {
		return IncrementResult{Success: false, Current: current, ResetAt: acct.ExpenseCounterResetAt}, nil
	}

	s.set(acct, req.Counter, current+req.Amount)
	acct.ExpenseCounterResetAt = resetAt
	acct.UpdatedAt = req.Now
	return IncrementResult{Success: true, Current: current + req.Amount, ResetAt: resetAt}, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, tenantID string, counter models.Counter, amount int64, now time.Time) (int64, error) {
	if !counter.Valid() {
		return 0, &errors.ErrInvalidArgument{Field: "counter", Err: errUnknownCounter(counter)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.tenants[tenantID]
	if !ok {
		return 0, &errors.ErrTenantNotFound{TenantID: tenantID}
	}
	next := acct.Value(counter) - amount
	if next < 0 {
		next = 0
	}
	s.set(acct, counter, next)
	acct.UpdatedAt = now
	return next, nil
}

func (s *MemoryStore) set(acct *models.TenantAccount, c models.Counter, v int64) {
	switch c {
	case models.CounterProjects:
		acct.CurrentProjects = v
	case models.CounterMonthExpenses:
		acct.CurrentMonthExpenses = v
	case models.CounterUsers:
		acct.CurrentUsers = v
	}
}

// Clear removes all tenants
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = make(map[string]*models.TenantAccount)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close closes the store (no-op for memory store)
func (s *MemoryStore) Close() error {
	return nil
}

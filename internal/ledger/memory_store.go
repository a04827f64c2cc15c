package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/idgen"
	"github.com/mbd888/creditsaga/internal/syncutil"
)

type opKey struct {
	op   string
	kind string
}

// MemoryStore is an in-memory ledger for demo/development mode and tests.
// Writers stage appends in a MemoryTx and publish them atomically on Commit.
type MemoryStore struct {
	mu         sync.RWMutex
	credit     []*CreditEntry
	company    []*CompanyEntry
	creditOps  map[opKey]*CreditEntry
	companyOps map[opKey]*CompanyEntry

	customers *syncutil.KeyedMutex
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creditOps:  make(map[opKey]*CreditEntry),
		companyOps: make(map[opKey]*CompanyEntry),
		customers:  syncutil.NewKeyedMutex(),
		now:        time.Now,
	}
}

// LockCustomer blocks until the customer's lock is held or ctx ends.
func (m *MemoryStore) LockCustomer(ctx context.Context, customerID string) (func(), error) {
	return m.customers.LockContext(ctx, customerID)
}

// Begin starts a transaction. The caller must hold any locks it relies on.
func (m *MemoryStore) Begin() *MemoryTx {
	return &MemoryTx{store: m}
}

// WithCustomerLock implements Runner.
func (m *MemoryStore) WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, b Book) error) error {
	unlock, err := m.LockCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := m.Begin()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(nil)
}

// View implements Runner.
func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, b Book) error) error {
	return fn(ctx, &MemoryTx{store: m, readOnly: true})
}

// MemoryTx stages appends against a MemoryStore.
type MemoryTx struct {
	store    *MemoryStore
	readOnly bool
	credit   []*CreditEntry
	company  []*CompanyEntry
	done     bool
}

var _ Book = (*MemoryTx)(nil)

// Commit publishes the staged entries. extra, when non-nil, runs under the
// store's write lock after uniqueness is re-checked and before anything is
// applied; an error from extra aborts the commit. Composite stores use it to
// apply their own staged rows in the same critical section.
func (t *MemoryTx) Commit(extra func() error) error {
	if t.done {
		return nil
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range t.credit {
		if e.OperationID != "" {
			if _, dup := s.creditOps[opKey{e.OperationID, string(e.Kind)}]; dup {
				return ErrDuplicateEntry
			}
		}
	}
	for _, e := range t.company {
		if e.OperationID != "" {
			if _, dup := s.companyOps[opKey{e.OperationID, string(e.Kind)}]; dup {
				return ErrDuplicateEntry
			}
		}
	}

	if extra != nil {
		if err := extra(); err != nil {
			return err
		}
	}

	for _, e := range t.credit {
		s.credit = append(s.credit, e)
		if e.OperationID != "" {
			s.creditOps[opKey{e.OperationID, string(e.Kind)}] = e
		}
	}
	for _, e := range t.company {
		s.company = append(s.company, e)
		if e.OperationID != "" {
			s.companyOps[opKey{e.OperationID, string(e.Kind)}] = e
		}
	}
	t.done = true
	return nil
}

func (t *MemoryTx) AppendCredit(_ context.Context, e *CreditEntry) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := validateCredit(e); err != nil {
		return err
	}
	if e.OperationID != "" {
		if found, _ := t.FindCredit(context.Background(), e.OperationID, e.Kind); found != nil {
			return ErrDuplicateEntry
		}
	}
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.store.now()
	}
	cp := *e
	t.credit = append(t.credit, &cp)
	return nil
}

func (t *MemoryTx) AppendCompany(_ context.Context, e *CompanyEntry) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if err := validateCompany(e); err != nil {
		return err
	}
	if e.OperationID != "" {
		if found, _ := t.FindCompany(context.Background(), e.OperationID, e.Kind); found != nil {
			return ErrDuplicateEntry
		}
	}
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.store.now()
	}
	cp := *e
	t.company = append(t.company, &cp)
	return nil
}

func (t *MemoryTx) CreditBalance(_ context.Context, customerID string) (decimal.Decimal, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range t.store.credit {
		if e.CustomerID == customerID {
			sum = sum.Add(e.Amount)
		}
	}
	for _, e := range t.credit {
		if e.CustomerID == customerID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (t *MemoryTx) CompanyBalance(_ context.Context) (decimal.Decimal, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range t.store.company {
		sum = sum.Add(e.Amount)
	}
	for _, e := range t.company {
		sum = sum.Add(e.Amount)
	}
	return sum, nil
}

func (t *MemoryTx) RecentCredit(_ context.Context, customerID string, limit int) ([]*CreditEntry, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var out []*CreditEntry
	collect := func(entries []*CreditEntry) {
		for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
			if entries[i].CustomerID == customerID {
				cp := *entries[i]
				out = append(out, &cp)
			}
		}
	}
	collect(t.credit)
	collect(t.store.credit)
	return out, nil
}

func (t *MemoryTx) RecentCompany(_ context.Context, limit int) ([]*CompanyEntry, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var out []*CompanyEntry
	collect := func(entries []*CompanyEntry) {
		for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
			cp := *entries[i]
			out = append(out, &cp)
		}
	}
	collect(t.company)
	collect(t.store.company)
	return out, nil
}

func (t *MemoryTx) FindCredit(_ context.Context, operationID string, kind CreditKind) (*CreditEntry, error) {
	for _, e := range t.credit {
		if e.OperationID == operationID && e.Kind == kind {
			cp := *e
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if e, ok := t.store.creditOps[opKey{operationID, string(kind)}]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (t *MemoryTx) FindCompany(_ context.Context, operationID string, kind CompanyKind) (*CompanyEntry, error) {
	for _, e := range t.company {
		if e.OperationID == operationID && e.Kind == kind {
			cp := *e
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if e, ok := t.store.companyOps[opKey{operationID, string(kind)}]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (t *MemoryTx) OpenEscrows(_ context.Context) (map[string]decimal.Decimal, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	held := make(map[string]decimal.Decimal)
	add := func(entries []*CompanyEntry) {
		for _, e := range entries {
			if e.Kind != CompanyEscrow && e.Kind != CompanyEscrowRelease {
				continue
			}
			held[e.ReferenceID] = held[e.ReferenceID].Add(e.Amount)
		}
	}
	add(t.store.company)
	add(t.company)

	for ref, amt := range held {
		if amt.IsZero() {
			delete(held, ref)
		}
	}
	return held, nil
}

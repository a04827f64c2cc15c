package purchase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/queue"
	"github.com/mbd888/creditsaga/internal/syncutil"
)

// MemoryStore keeps purchases in process, on top of a ledger.MemoryStore.
// Staged rows are applied inside the ledger commit so money and status
// changes publish together.
type MemoryStore struct {
	ledger *ledger.MemoryStore
	queue  queue.Queue
	rows   *syncutil.KeyedMutex

	mu           sync.RWMutex
	purchases    map[string]*Purchase
	byShipment   map[string]string
	transactions map[string][]*Transaction
	requests     map[string]*RefundRequest
	order        []string // purchase ids, oldest first
}

// NewMemoryStore creates an in-memory purchase store. Retry messages go to q
// after commit.
func NewMemoryStore(l *ledger.MemoryStore, q queue.Queue) *MemoryStore {
	return &MemoryStore{
		ledger:       l,
		queue:        q,
		rows:         syncutil.NewKeyedMutex(),
		purchases:    make(map[string]*Purchase),
		byShipment:   make(map[string]string),
		transactions: make(map[string][]*Transaction),
		requests:     make(map[string]*RefundRequest),
	}
}

type outboxMsg struct {
	topic   string
	payload any
	delay   time.Duration
}

type memoryTx struct {
	*ledger.MemoryTx
	store *MemoryStore

	purchases    map[string]*Purchase
	transactions []*Transaction
	requests     map[string]*RefundRequest
	outbox       []outboxMsg
	held         map[string]bool
	unlocks      []func()
}

var _ Tx = (*memoryTx)(nil)

// WithCustomerLock implements Store.
func (m *MemoryStore) WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock, err := m.ledger.LockCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memoryTx{
		MemoryTx:  m.ledger.Begin(),
		store:     m,
		purchases: make(map[string]*Purchase),
		requests:  make(map[string]*RefundRequest),
		held:      make(map[string]bool),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(tx.apply); err != nil {
		return err
	}
	for _, msg := range tx.outbox {
		if err := m.queue.Publish(context.WithoutCancel(ctx), msg.topic, msg.payload, msg.delay); err != nil {
			return err
		}
	}
	return nil
}

// apply runs under the ledger's commit lock.
func (t *memoryTx) apply() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range t.purchases {
		if _, exists := s.purchases[id]; !exists {
			s.order = append(s.order, id)
		}
		cp := *p
		s.purchases[id] = &cp
		if p.ShipmentID != "" {
			s.byShipment[p.ShipmentID] = id
		}
	}
	for _, tr := range t.transactions {
		s.transactions[tr.PurchaseID] = append(s.transactions[tr.PurchaseID], tr)
	}
	for id, r := range t.requests {
		cp := *r
		s.requests[id] = &cp
	}
	return nil
}

func (t *memoryTx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}

// lockRow is reentrant within one transaction.
func (t *memoryTx) lockRow(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	unlock, err := t.store.rows.LockContext(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = true
	t.unlocks = append(t.unlocks, unlock)
	return nil
}

func (t *memoryTx) LockPurchase(ctx context.Context, id string) (*Purchase, error) {
	if p, ok := t.purchases[id]; ok {
		cp := *p
		return &cp, nil
	}
	if err := t.lockRow(ctx, "purchase:"+id); err != nil {
		return nil, err
	}
	return t.store.GetPurchase(ctx, id)
}

func (t *memoryTx) InsertPurchase(_ context.Context, p *Purchase) error {
	cp := *p
	t.purchases[p.ID] = &cp
	return nil
}

func (t *memoryTx) UpdatePurchase(ctx context.Context, p *Purchase) error {
	if _, staged := t.purchases[p.ID]; !staged {
		if _, err := t.store.GetPurchase(ctx, p.ID); err != nil {
			return err
		}
	}
	cp := *p
	t.purchases[p.ID] = &cp
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, tr *Transaction) error {
	cp := *tr
	t.transactions = append(t.transactions, &cp)
	return nil
}

func (t *memoryTx) LockRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	if r, ok := t.requests[id]; ok {
		cp := *r
		return &cp, nil
	}
	if err := t.lockRow(ctx, "refund:"+id); err != nil {
		return nil, err
	}
	return t.store.GetRefundRequest(ctx, id)
}

func (t *memoryTx) PendingRefundRequest(_ context.Context, purchaseID string) (*RefundRequest, error) {
	for _, r := range t.requests {
		if r.PurchaseID == purchaseID && r.Status == RequestPending {
			cp := *r
			return &cp, nil
		}
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.PurchaseID != purchaseID || r.Status != RequestPending {
			continue
		}
		if staged, ok := t.requests[r.ID]; ok && staged.Status != RequestPending {
			continue
		}
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (t *memoryTx) InsertRefundRequest(_ context.Context, r *RefundRequest) error {
	cp := *r
	t.requests[r.ID] = &cp
	return nil
}

func (t *memoryTx) UpdateRefundRequest(ctx context.Context, r *RefundRequest) error {
	if _, staged := t.requests[r.ID]; !staged {
		if _, err := t.store.GetRefundRequest(ctx, r.ID); err != nil {
			return err
		}
	}
	cp := *r
	t.requests[r.ID] = &cp
	return nil
}

func (t *memoryTx) Enqueue(_ context.Context, topic string, payload any, delay time.Duration) error {
	t.outbox = append(t.outbox, outboxMsg{topic: topic, payload: payload, delay: delay})
	return nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPurchaseByShipment(ctx context.Context, shipmentID string) (*Purchase, error) {
	m.mu.RLock()
	id, ok := m.byShipment[shipmentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return m.GetPurchase(ctx, id)
}

func (m *MemoryStore) ListPurchases(_ context.Context, f ListFilter) ([]*Purchase, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Purchase
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.purchases[m.order[i]]
		if f.CustomerID != "" && p.CustomerID != f.CustomerID {
			continue
		}
		matched = append(matched, p)
	}
	total := len(matched)

	out := []*Purchase{}
	for i := f.Offset; i < total && (f.Limit <= 0 || len(out) < f.Limit); i++ {
		cp := *matched[i]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, purchaseID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, len(m.transactions[purchaseID]))
	for _, tr := range m.transactions[purchaseID] {
		cp := *tr
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetRefundRequest(_ context.Context, id string) (*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRefundRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRefundRequests(_ context.Context, f RequestFilter) ([]*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*RefundRequest{}
	for _, r := range m.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CustomerID != "" && r.CustomerID != f.CustomerID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Statuses(_ context.Context, ids []string) (map[string]Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		if p, ok := m.purchases[id]; ok {
			out[id] = p.Status
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

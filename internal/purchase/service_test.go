package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/queue"
	"github.com/mbd888/creditsaga/internal/saga"
)

var testAddress = external.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc        *Service
	store      *MemoryStore
	faults     *faultyStore
	credits    *ledger.Service
	queue      *queue.MemoryQueue
	dispatcher *queue.Dispatcher
	products   *external.MemoryProducts
	customers  *external.MemoryCustomers
	shipments  *external.MemoryShipments
	promos     *external.MemoryPromos
	clock      *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	book := ledger.NewMemoryStore()
	q := queue.NewMemoryQueue()
	store := NewMemoryStore(book, q)
	faults := &faultyStore{Store: store}

	f := &fixture{
		store:     store,
		faults:    faults,
		credits:   ledger.NewService(book, logger),
		queue:     q,
		products:  external.NewMemoryProducts(external.Product{ID: "p1", SKU: "SKU-1", Name: "Widget", Price: money.MustParse("25.00"), Stock: 10}),
		customers: external.NewMemoryCustomers(external.Customer{ID: "c1", Name: "Ada", ShippingAddress: testAddress}),
		shipments: external.NewMemoryShipments(),
		promos:    external.NewMemoryPromos(),
		clock:     &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(faults, Collaborators{
		Products:  f.products,
		Customers: f.customers,
		Shipments: f.shipments,
		Promos:    f.promos,
	}, logger).WithRetry(DefaultMaxRetries, 0).WithClock(f.clock.Now)

	f.dispatcher = queue.NewDispatcher(q, time.Millisecond, logger)
	f.svc.RegisterRetryHandlers(f.dispatcher)
	return f
}

func (f *fixture) grant(t *testing.T, customerID, amount string) {
	t.Helper()
	if _, err := f.credits.Grant(context.Background(), customerID, money.MustParse(amount), "test"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, customerID string) decimal.Decimal {
	t.Helper()
	bal, err := f.credits.Balance(context.Background(), customerID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return bal.Balance
}

func (f *fixture) companyBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	stmt, err := f.credits.CompanyBalance(context.Background())
	if err != nil {
		t.Fatalf("CompanyBalance: %v", err)
	}
	return stmt.Balance
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := f.products.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	return p.Stock
}

func (f *fixture) buy(t *testing.T, quantity int) *Purchase {
	t.Helper()
	p, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: quantity})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	return p
}

func (f *fixture) deliver(t *testing.T, p *Purchase) *Purchase {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.UpdateShipmentStatus(ctx, p.ShipmentID, external.ShipmentShipped); err != nil {
		t.Fatalf("ship: %v", err)
	}
	out, err := f.svc.UpdateShipmentStatus(ctx, p.ShipmentID, external.ShipmentDelivered)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return out.Purchase
}

func (f *fixture) drain(topic string) int {
	return f.dispatcher.Drain(context.Background(), topic)
}

func (f *fixture) transactions(t *testing.T, purchaseID string, typ TxType) []*Transaction {
	t.Helper()
	all, err := f.svc.Transactions(context.Background(), purchaseID)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	var out []*Transaction
	for _, tr := range all {
		if tr.Type == typ {
			out = append(out, tr)
		}
	}
	return out
}

var errLedgerDown = errors.New("ledger unavailable")

// faultyStore fails company ledger appends of one kind while armed.
type faultyStore struct {
	Store

	mu        sync.Mutex
	kind      ledger.CompanyKind
	remaining int // -1 fails forever
}

func (f *faultyStore) failCompany(kind ledger.CompanyKind, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kind, f.remaining = kind, times
}

func (f *faultyStore) trip(kind ledger.CompanyKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 || kind != f.kind {
		return false
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return true
}

func (f *faultyStore) WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, tx Tx) error) error {
	return f.Store.WithCustomerLock(ctx, customerID, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, store: f})
	})
}

type faultyTx struct {
	Tx
	store *faultyStore
}

func (t *faultyTx) AppendCompany(ctx context.Context, e *ledger.CompanyEntry) error {
	if t.store.trip(e.Kind) {
		return errLedgerDown
	}
	return t.Tx.AppendCompany(ctx, e)
}

// failingShipments rejects every new shipment.
type failingShipments struct {
	external.ShipmentService
}

func (failingShipments) CreateShipment(context.Context, external.Address, []external.ShipmentItem) (*external.Shipment, error) {
	return nil, external.ErrUnavailable
}

// failingProducts cannot restock.
type failingProducts struct {
	external.ProductService
}

func (failingProducts) IncrementStock(context.Context, string, int) (*external.Product, error) {
	return nil, external.ErrUnavailable
}

func TestCreatePurchase_MovesCreditIntoEscrow(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")

	p := f.buy(t, 2)

	if p.Status != StatusPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if !p.TotalAmount.Equal(money.MustParse("50.00")) || !p.PriceAtPurchase.Equal(money.MustParse("25.00")) {
		t.Errorf("total = %s price = %s", p.TotalAmount, p.PriceAtPurchase)
	}
	if p.ProductSKU != "SKU-1" || p.ShipmentID == "" {
		t.Errorf("product snapshot or shipment missing: %+v", p)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("50.00")) {
		t.Errorf("balance = %s, want 50.00", got)
	}
	if got := f.companyBalance(t); !got.Equal(money.MustParse("50.00")) {
		t.Errorf("company balance = %s, want 50.00 held in escrow", got)
	}
	if got := f.stock(t, "p1"); got != 8 {
		t.Errorf("stock = %d, want 8", got)
	}
	sh, err := f.shipments.GetShipment(context.Background(), p.ShipmentID)
	if err != nil || sh.Status != external.ShipmentProcessing {
		t.Errorf("shipment = %+v, %v", sh, err)
	}
	placed := f.transactions(t, p.ID, TxOrderPlaced)
	if len(placed) != 1 || placed[0].Status != TxPending {
		t.Errorf("order_placed transactions = %+v", placed)
	}
}

func TestCreatePurchase_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "49.99")

	_, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 2})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("49.99")) {
		t.Errorf("balance changed to %s", got)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Errorf("stock changed to %d", got)
	}
	res, _ := f.svc.List(context.Background(), "c1", pageOf(1, 20))
	if res.Total != 0 {
		t.Errorf("expected no purchase rows, got %d", res.Total)
	}
}

func TestCreatePurchase_AppliesPromo(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	f.promos.Put(external.PromoCode{Code: "save10", Type: external.DiscountPercentage, Value: decimal.NewFromInt(10), Active: true})

	p, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 2, PromoCode: "SAVE10"})
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if !p.DiscountAmount.Equal(money.MustParse("5.00")) || !p.TotalAmount.Equal(money.MustParse("45.00")) {
		t.Errorf("discount = %s total = %s", p.DiscountAmount, p.TotalAmount)
	}
	if p.PromoCodeID == "" {
		t.Error("promo code id not recorded")
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("55.00")) {
		t.Errorf("balance = %s, want 55.00", got)
	}
}

func TestCreatePurchase_InvalidPromo(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")

	_, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 1, PromoCode: "NOPE"})
	if !errors.Is(err, external.ErrInvalidPromo) {
		t.Fatalf("expected ErrInvalidPromo, got %v", err)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("100.00")) {
		t.Errorf("balance changed to %s", got)
	}
}

func TestCreatePurchase_StockFailureRevertsPromo(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "1000.00")
	f.promos.Put(external.PromoCode{Code: "ONCE", Type: external.DiscountFixed, Value: decimal.NewFromInt(5), MaxUses: 1, Active: true})

	_, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 11, PromoCode: "ONCE"})
	if !errors.Is(err, external.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	fail, ok := saga.AsFailure(err)
	if !ok || fail.Step != "decrement_stock" || !fail.Compensated {
		t.Fatalf("expected compensated failure at decrement_stock, got %+v", fail)
	}
	if uses := f.promos.Uses("ONCE", "c1"); uses != 0 {
		t.Errorf("promo uses = %d, want 0 after revert", uses)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("1000.00")) {
		t.Errorf("balance changed to %s", got)
	}
	if got := f.companyBalance(t); !got.IsZero() {
		t.Errorf("company balance = %s, want 0", got)
	}

	// The code is usable again.
	if _, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 1, PromoCode: "ONCE"}); err != nil {
		t.Fatalf("retry with reverted promo: %v", err)
	}
}

func TestCreatePurchase_ShipmentFailureRestoresStock(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	f.svc.shipments = failingShipments{f.shipments}

	_, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 3})
	if !errors.Is(err, ErrShipmentCreationFailed) {
		t.Fatalf("expected ErrShipmentCreationFailed, got %v", err)
	}
	fail, ok := saga.AsFailure(err)
	if !ok || !fail.Compensated {
		t.Fatalf("expected compensated saga failure, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Errorf("stock = %d, want 10 after compensation", got)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("100.00")) {
		t.Errorf("balance changed to %s", got)
	}
}

func TestCreatePurchase_NoShippingAddress(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c2", "100.00")
	f.customers.Put(external.Customer{ID: "c2", Name: "Bob"})

	_, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c2", ProductID: "p1", Quantity: 1})
	if !errors.Is(err, ErrNoShippingAddress) {
		t.Fatalf("expected ErrNoShippingAddress, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Errorf("stock = %d, want 10 after rollback", got)
	}

	p, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c2", ProductID: "p1", Quantity: 1, ShippingAddress: &testAddress})
	if err != nil {
		t.Fatalf("with explicit address: %v", err)
	}
	sh, _ := f.shipments.GetShipment(context.Background(), p.ShipmentID)
	if sh.ShippingAddress != testAddress {
		t.Errorf("shipment address = %+v", sh.ShippingAddress)
	}
}

func TestCreatePurchase_ConcurrentPurchasesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreatePurchase(context.Background(), CreateRequest{CustomerID: "c1", ProductID: "p1", Quantity: 1})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 4 {
		t.Errorf("succeeded = %d, want 4", succeeded)
	}
	if got := f.balance(t, "c1"); !got.IsZero() {
		t.Errorf("balance = %s, want 0", got)
	}
}

func TestDelivery_SettlesPurchase(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 2)

	settled := f.deliver(t, p)

	if settled.Status != StatusSettled || settled.SettledAt == nil {
		t.Fatalf("purchase = %+v, want settled", settled)
	}
	if got := f.companyBalance(t); !got.Equal(money.MustParse("50.00")) {
		t.Errorf("company balance = %s, want 50.00 (escrow released, sale booked)", got)
	}
	delivered := f.transactions(t, p.ID, TxShipmentDelivered)
	if len(delivered) != 1 || delivered[0].Status != TxCompleted {
		t.Errorf("shipment_delivered transactions = %+v", delivered)
	}

	// A second settle is rejected.
	if _, err := f.svc.Settle(context.Background(), p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second settle, got %v", err)
	}
}

func TestSettlementFailure_RetriedFromQueue(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 2)
	f.faults.failCompany(ledger.CompanySale, 2)

	after := f.deliver(t, p)
	if after.Status != StatusSettlementFailed || after.ErrorMessage == "" {
		t.Fatalf("purchase = %+v, want settlement_failed with message", after)
	}
	if failed := f.transactions(t, p.ID, TxSettlementFailed); len(failed) != 1 || failed[0].Status != TxFailed {
		t.Fatalf("settlement_failed transactions = %+v", failed)
	}
	if n, _ := f.queue.Depth(context.Background(), queue.TopicSettlementRetry); n != 1 {
		t.Fatalf("queue depth = %d, want 1", n)
	}

	// First retry fails again and re-queues; second succeeds.
	f.drain(queue.TopicSettlementRetry)

	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != StatusSettled || got.ErrorMessage != "" || got.SettledAt == nil {
		t.Fatalf("purchase = %+v, want settled with cleared error", got)
	}
	if failed := f.transactions(t, p.ID, TxSettlementFailed); len(failed) != 2 {
		t.Errorf("settlement_failed transactions = %d, want 2", len(failed))
	}
	if got := f.companyBalance(t); !got.Equal(money.MustParse("50.00")) {
		t.Errorf("company balance = %s, want 50.00", got)
	}
	if n, _ := f.queue.Depth(context.Background(), queue.TopicSettlementRetry); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestSettlementFailure_GivesUpAfterBudget(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 1)
	f.faults.failCompany(ledger.CompanyEscrowRelease, -1)

	f.deliver(t, p)
	f.drain(queue.TopicSettlementRetry)

	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != StatusSettlementFailed {
		t.Fatalf("status = %s, want settlement_failed", got.Status)
	}
	// The first failure plus one per retry (counts 0..3).
	if failed := f.transactions(t, p.ID, TxSettlementFailed); len(failed) != 1+DefaultMaxRetries+1 {
		t.Errorf("settlement_failed transactions = %d, want %d", len(failed), 1+DefaultMaxRetries+1)
	}
	if n, _ := f.queue.Depth(context.Background(), queue.TopicSettlementRetry); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
	if got := f.companyBalance(t); !got.Equal(money.MustParse("25.00")) {
		t.Errorf("company balance = %s, want escrow still held", got)
	}
}

func TestSettlementRetry_SkipsSettledPurchase(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 1)
	f.deliver(t, p)

	_ = f.queue.Publish(context.Background(), queue.TopicSettlementRetry, SettlementRetry{PurchaseID: p.ID}, 0)
	f.drain(queue.TopicSettlementRetry)

	if got := f.companyBalance(t); !got.Equal(money.MustParse("25.00")) {
		t.Errorf("company balance = %s, want 25.00 (no double booking)", got)
	}
}

func TestShipmentUpdate_BlockedForCancelledPurchase(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 1)
	if _, err := f.svc.CancelPurchase(context.Background(), p.ID, "c1"); err != nil {
		t.Fatalf("CancelPurchase: %v", err)
	}

	_, err := f.svc.UpdateShipmentStatus(context.Background(), p.ShipmentID, external.ShipmentShipped)
	if !errors.Is(err, ErrPurchaseCancelled) {
		t.Fatalf("expected ErrPurchaseCancelled, got %v", err)
	}
}

func TestShipmentUpdate_InvalidTransition(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 1)

	_, err := f.svc.UpdateShipmentStatus(context.Background(), p.ShipmentID, external.ShipmentDelivered)
	if !errors.Is(err, external.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestCancelPurchase_RestoresEverything(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 2)

	cancelled, err := f.svc.CancelPurchase(context.Background(), p.ID, "c1")
	if err != nil {
		t.Fatalf("CancelPurchase: %v", err)
	}
	if cancelled.Status != StatusCancelled || !cancelled.RefundedAmount.Equal(cancelled.TotalAmount) {
		t.Errorf("purchase = %+v", cancelled)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("100.00")) {
		t.Errorf("balance = %s, want 100.00", got)
	}
	if got := f.companyBalance(t); !got.IsZero() {
		t.Errorf("company balance = %s, want 0", got)
	}
	if got := f.stock(t, "p1"); got != 10 {
		t.Errorf("stock = %d, want 10", got)
	}
	sh, _ := f.shipments.GetShipment(context.Background(), p.ShipmentID)
	if sh.Status != external.ShipmentCancelled {
		t.Errorf("shipment status = %s, want cancelled", sh.Status)
	}
	if rows := f.transactions(t, p.ID, TxOrderCancelled); len(rows) != 1 {
		t.Errorf("order_cancelled transactions = %d, want 1", len(rows))
	}

	if _, err := f.svc.CancelPurchase(context.Background(), p.ID, "c1"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable on second cancel, got %v", err)
	}
}

func TestCancelPurchase_Preconditions(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 1)

	if _, err := f.svc.CancelPurchase(context.Background(), p.ID, "someone-else"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	if _, err := f.svc.UpdateShipmentStatus(context.Background(), p.ShipmentID, external.ShipmentShipped); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := f.svc.CancelPurchase(context.Background(), p.ID, "c1"); !errors.Is(err, ErrShipmentNotCancellable) {
		t.Errorf("expected ErrShipmentNotCancellable, got %v", err)
	}
	if got := f.balance(t, "c1"); !got.Equal(money.MustParse("75.00")) {
		t.Errorf("balance = %s, want 75.00", got)
	}
}

func TestCancelPurchase_StockRestoreIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "100.00")
	p := f.buy(t, 1)
	f.svc.products = failingProducts{f.products}

	cancelled, err := f.svc.CancelPurchase(context.Background(), p.ID, "c1")
	if err != nil {
		t.Fatalf("CancelPurchase: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := f.stock(t, "p1"); got != 9 {
		t.Errorf("stock = %d, want 9 (restore failed)", got)
	}
}

func TestPurchaseListing(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "c1", "1000.00")
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.buy(t, 1).ID)
		f.clock.Advance(time.Second)
	}

	res, err := f.svc.List(context.Background(), "c1", pageOf(1, 2))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 3 || len(res.Items) != 2 || res.TotalPages != 2 {
		t.Fatalf("page = %+v", res)
	}
	if res.Items[0].ID != ids[2] {
		t.Errorf("expected newest first")
	}

	res, _ = f.svc.List(context.Background(), "other", pageOf(1, 20))
	if res.Total != 0 || len(res.Items) != 0 {
		t.Errorf("expected no purchases for other customer, got %+v", res)
	}
}

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/creditsaga/internal/money"
)

func TestMemoryTx_ReadsSeeOwnAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := store.Begin()

	if err := tx.AppendCredit(ctx, &CreditEntry{CustomerID: "c1", Amount: money.MustParse("100"), Kind: CreditGrant}); err != nil {
		t.Fatalf("AppendCredit: %v", err)
	}

	bal, _ := tx.CreditBalance(ctx, "c1")
	if !bal.Equal(money.MustParse("100")) {
		t.Errorf("in-tx balance = %s, want 100", bal)
	}

	// Not visible outside the transaction until commit.
	other := store.Begin()
	if bal, _ := other.CreditBalance(ctx, "c1"); !bal.IsZero() {
		t.Errorf("uncommitted append leaked: %s", bal)
	}

	if err := tx.Commit(nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if bal, _ := other.CreditBalance(ctx, "c1"); !bal.Equal(money.MustParse("100")) {
		t.Errorf("committed balance = %s, want 100", bal)
	}
}

func TestMemoryTx_DuplicateOperationRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := store.Begin()
	entry := &CompanyEntry{Amount: money.MustParse("30"), Kind: CompanySale, ReferenceID: "p1", OperationID: "p1"}
	if err := first.AppendCompany(ctx, entry); err != nil {
		t.Fatalf("AppendCompany: %v", err)
	}

	// Same operation in the same tx.
	err := first.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("30"), Kind: CompanySale, OperationID: "p1"})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry in-tx, got %v", err)
	}

	// Same operation staged concurrently in another tx: second commit loses.
	second := store.Begin()
	if err := second.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("30"), Kind: CompanySale, OperationID: "p1"}); err != nil {
		t.Fatalf("staging in second tx: %v", err)
	}
	if err := first.Commit(nil); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := second.Commit(nil); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry on second commit, got %v", err)
	}

	// A different kind for the same operation is allowed.
	third := store.Begin()
	if err := third.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("-30"), Kind: CompanyEscrowRelease, OperationID: "p1"}); err != nil {
		t.Fatalf("different kind should be allowed: %v", err)
	}
}

func TestMemoryTx_CommitExtraFailureAppliesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := store.Begin()
	_ = tx.AppendCredit(ctx, &CreditEntry{CustomerID: "c1", Amount: money.MustParse("5"), Kind: CreditGrant})

	boom := errors.New("purchase row conflict")
	if err := tx.Commit(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected extra's error, got %v", err)
	}
	if bal, _ := store.Begin().CreditBalance(ctx, "c1"); !bal.IsZero() {
		t.Errorf("aborted commit applied entries: %s", bal)
	}
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	store := NewMemoryStore()
	err := store.View(context.Background(), func(ctx context.Context, b Book) error {
		return b.AppendCredit(ctx, &CreditEntry{CustomerID: "c1", Amount: money.MustParse("1"), Kind: CreditGrant})
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestMemoryTx_ValidatesEntries(t *testing.T) {
	ctx := context.Background()
	tx := NewMemoryStore().Begin()

	tests := []struct {
		name  string
		entry *CreditEntry
		want  error
	}{
		{"missing customer", &CreditEntry{Amount: money.MustParse("1"), Kind: CreditGrant}, ErrCustomerRequired},
		{"unknown kind", &CreditEntry{CustomerID: "c", Amount: money.MustParse("1"), Kind: "bonus"}, ErrInvalidKind},
		{"zero amount", &CreditEntry{CustomerID: "c", Kind: CreditGrant}, ErrInvalidAmount},
		{"sub-cent amount", &CreditEntry{CustomerID: "c", Amount: money.MustParse("1").Div(money.MustParse("3")), Kind: CreditGrant}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tx.AppendCredit(ctx, tt.entry); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMemoryTx_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.WithCustomerLock(ctx, "c1", func(ctx context.Context, b Book) error {
		for _, amt := range []string{"1", "2", "3"} {
			if err := b.AppendCredit(ctx, &CreditEntry{CustomerID: "c1", Amount: money.MustParse(amt), Kind: CreditGrant}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	tx := store.Begin()
	_ = tx.AppendCredit(ctx, &CreditEntry{CustomerID: "c1", Amount: money.MustParse("4"), Kind: CreditGrant})
	_ = tx.AppendCredit(ctx, &CreditEntry{CustomerID: "c2", Amount: money.MustParse("9"), Kind: CreditGrant})

	got, _ := tx.RecentCredit(ctx, "c1", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"4", "3", "2"} {
		if !got[i].Amount.Equal(money.MustParse(want)) {
			t.Errorf("entry %d = %s, want %s", i, got[i].Amount, want)
		}
	}
}

func TestMemoryTx_OpenEscrows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := store.Begin()

	_ = tx.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("30"), Kind: CompanyEscrow, ReferenceID: "p1", OperationID: "p1"})
	_ = tx.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("20"), Kind: CompanyEscrow, ReferenceID: "p2", OperationID: "p2"})
	_ = tx.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("-30"), Kind: CompanyEscrowRelease, ReferenceID: "p1", OperationID: "p1"})
	_ = tx.AppendCompany(ctx, &CompanyEntry{Amount: money.MustParse("30"), Kind: CompanySale, ReferenceID: "p1", OperationID: "p1"})
	if err := tx.Commit(nil); err != nil {
		t.Fatal(err)
	}

	held, _ := store.Begin().OpenEscrows(ctx)
	if len(held) != 1 {
		t.Fatalf("expected 1 open escrow, got %v", held)
	}
	if !held["p2"].Equal(money.MustParse("20")) {
		t.Errorf("p2 escrow = %s, want 20", held["p2"])
	}
}

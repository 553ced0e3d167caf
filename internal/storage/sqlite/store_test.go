package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/louisbranch/chronicle/internal/book"
	"github.com/louisbranch/chronicle/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func page(seq uint64, typeName string) book.EventPage {
	return book.EventPage{
		Sequence: seq,
		Event:    book.Payload{TypeName: typeName, Data: []byte("{}")},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	cover := book.Cover{Domain: "customer", Root: []byte("root-1")}
	if err := first.Add(context.Background(), cover, []book.EventPage{page(0, "customer.E")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must replay no migrations and keep committed events.
	second, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	eb, err := second.Get(context.Background(), "customer", []byte("root-1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(eb.Pages) != 1 || eb.NextSequence != 1 {
		t.Fatalf("expected durable history, got %+v", eb)
	}
}

func TestAddStartsAtZero(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cover := book.Cover{Domain: "customer", Root: []byte("root-1"), CorrelationID: "corr-1"}

	if err := store.Add(ctx, cover, []book.EventPage{page(0, "customer.CustomerCreated")}); err != nil {
		t.Fatalf("add: %v", err)
	}

	next, err := store.GetNextSequence(ctx, "customer", []byte("root-1"))
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected next sequence 1, got %d", next)
	}
}

func TestAddConflictOnStaleSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cover := book.Cover{Domain: "customer", Root: []byte("root-1")}

	if err := store.Add(ctx, cover, []book.EventPage{page(0, "customer.A")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := store.Add(ctx, cover, []book.EventPage{page(0, "customer.B")})
	if !errors.Is(err, storage.ErrSeqConflict) {
		t.Fatalf("expected ErrSeqConflict, got %v", err)
	}

	// Conflicting batch must not be partially applied.
	eb, err := store.Get(ctx, "customer", []byte("root-1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(eb.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(eb.Pages))
	}
}

func TestAddContiguousBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cover := book.Cover{Domain: "inventory", Root: []byte("sku-9")}

	batch := []book.EventPage{page(0, "inventory.StockReserved"), page(1, "inventory.LowStockAlert")}
	if err := store.Add(ctx, cover, batch); err != nil {
		t.Fatalf("add batch: %v", err)
	}

	eb, err := store.Get(ctx, "inventory", []byte("sku-9"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(eb.Pages) != 2 || eb.Pages[0].Sequence != 0 || eb.Pages[1].Sequence != 1 {
		t.Fatalf("expected contiguous pages 0,1, got %+v", eb.Pages)
	}
	if eb.NextSequence != 2 {
		t.Fatalf("expected next sequence 2, got %d", eb.NextSequence)
	}
}

func TestForcedPagesMayLeaveGaps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cover := book.Cover{Domain: "ledger", Root: []byte("acct-1")}

	forced := page(7, "ledger.CorrectionRecorded")
	forced.Forced = true
	if err := store.Add(ctx, cover, []book.EventPage{forced}); err != nil {
		t.Fatalf("add forced: %v", err)
	}

	next, err := store.GetNextSequence(ctx, "ledger", []byte("acct-1"))
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 8 {
		t.Fatalf("expected next sequence 8 after forced write, got %d", next)
	}

	// A duplicate forced sequence still conflicts.
	dup := page(7, "ledger.CorrectionRecorded")
	dup.Forced = true
	if err := store.Add(ctx, cover, []book.EventPage{dup}); !errors.Is(err, storage.ErrSeqConflict) {
		t.Fatalf("expected ErrSeqConflict for duplicate forced seq, got %v", err)
	}
}

func TestGetRanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cover := book.Cover{Domain: "customer", Root: []byte("root-1")}

	for i := uint64(0); i < 5; i++ {
		if err := store.Add(ctx, cover, []book.EventPage{page(i, "customer.E")}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	from, err := store.GetFrom(ctx, "customer", []byte("root-1"), 3)
	if err != nil {
		t.Fatalf("get from: %v", err)
	}
	if len(from.Pages) != 2 || from.Pages[0].Sequence != 3 {
		t.Fatalf("expected pages 3,4, got %+v", from.Pages)
	}

	window, err := store.GetFromTo(ctx, "customer", []byte("root-1"), 1, 3)
	if err != nil {
		t.Fatalf("get from to: %v", err)
	}
	if len(window.Pages) != 2 || window.Pages[0].Sequence != 1 || window.Pages[1].Sequence != 2 {
		t.Fatalf("expected pages 1,2, got %+v", window.Pages)
	}
}

func TestUnknownRootYieldsEmptyBook(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	eb, err := store.Get(ctx, "customer", []byte("missing"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(eb.Pages) != 0 || eb.NextSequence != 0 {
		t.Fatalf("expected empty book, got %+v", eb)
	}
}

func TestListRootsAndDomains(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Add(ctx, book.Cover{Domain: "customer", Root: []byte("a")}, []book.EventPage{page(0, "customer.E")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(ctx, book.Cover{Domain: "customer", Root: []byte("b")}, []book.EventPage{page(0, "customer.E")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(ctx, book.Cover{Domain: "inventory", Root: []byte("c")}, []book.EventPage{page(0, "inventory.E")}); err != nil {
		t.Fatalf("add: %v", err)
	}

	roots, err := store.ListRoots(ctx, "customer")
	if err != nil {
		t.Fatalf("list roots: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}

	domains, err := store.ListDomains(ctx)
	if err != nil {
		t.Fatalf("list domains: %v", err)
	}
	if len(domains) != 2 || domains[0] != "customer" || domains[1] != "inventory" {
		t.Fatalf("expected [customer inventory], got %v", domains)
	}
}

func TestGetByCorrelation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	corr := book.Cover{Domain: "customer", Root: []byte("a"), CorrelationID: "corr-7"}
	other := book.Cover{Domain: "customer", Root: []byte("b"), CorrelationID: "corr-8"}
	if err := store.Add(ctx, corr, []book.EventPage{page(0, "customer.E")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(ctx, other, []book.EventPage{page(0, "customer.E")}); err != nil {
		t.Fatalf("add: %v", err)
	}

	books, err := store.GetByCorrelation(ctx, "corr-7")
	if err != nil {
		t.Fatalf("get by correlation: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("expected 1 book, got %d", len(books))
	}
	if books[0].Cover.CorrelationID != "corr-7" {
		t.Fatalf("expected correlation corr-7, got %q", books[0].Cover.CorrelationID)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetSnapshot(ctx, "customer", []byte("a")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap := book.Snapshot{Sequence: 4, State: book.Payload{TypeName: "customer.State", Data: []byte(`{"loyalty_points":100}`)}}
	if err := store.PutSnapshot(ctx, "customer", []byte("a"), snap); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	// Replacing a snapshot keeps one row per root.
	snap.Sequence = 9
	if err := store.PutSnapshot(ctx, "customer", []byte("a"), snap); err != nil {
		t.Fatalf("replace snapshot: %v", err)
	}

	got, err := store.GetSnapshot(ctx, "customer", []byte("a"))
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.Sequence != 9 {
		t.Fatalf("expected sequence 9, got %d", got.Sequence)
	}

	if err := store.DeleteSnapshot(ctx, "customer", []byte("a")); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if _, err := store.GetSnapshot(ctx, "customer", []byte("a")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

package ledgerpostgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/storage"
)

// Runs against a scratch database named by COLDCHAIN_TEST_POSTGRES_DSN. The
// journal table is truncated first.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("COLDCHAIN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COLDCHAIN_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, dsn, 4, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	if _, err := store.pool.Exec(ctx, `TRUNCATE journal_records`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func maxSeq(ctx context.Context, s *Store) (int64, error) {
	var head int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM journal_records`).Scan(&head)
	return head, err
}

func TestPostgresJournalRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	engine, err := ledger.Open(ctx, "acct_admin", ledger.Options{Journal: store})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	id, err := engine.Create(ctx, "acct_admin", "Vaccine vials", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.AdminOverride(ctx, "acct_admin", id, "recall"); err != nil {
		t.Fatalf("AdminOverride: %v", err)
	}

	again, err := ledger.Open(ctx, "", ledger.Options{Journal: store})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	b, err := again.GetBatch(id)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !b.Compromised || b.Status != ledger.StatusCompromised {
		t.Fatalf("unexpected batch after reopen %+v", b)
	}
	head, err := maxSeq(ctx, store)
	if err != nil || head != 3 {
		t.Fatalf("expected head 3, got %d (%v)", head, err)
	}
}

func TestPostgresJournalRejectsStaleWriter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec := ledger.Record{Seq: 1, Type: ledger.RecordGenesis, Actor: "a", Account: "a", RecordedAt: time.Now().UTC()}
	if err := store.Append(ctx, []ledger.Record{rec}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, []ledger.Record{rec}); !errors.Is(err, storage.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
}

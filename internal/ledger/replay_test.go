package ledger

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func populate(t *testing.T, e *Engine) []uint64 {
	t.Helper()
	ctx := context.Background()
	mustDo(t, e.Grant(ctx, admin, RoleObserver, sensor))
	a := mustCreate(t, e, maker)
	b := mustCreate(t, e, maker)
	c := mustCreate(t, e, maker)
	steps := []error{
		func() error { _, err := e.RecordObservation(ctx, maker, a, "plant", readingPtr(4), ""); return err }(),
		func() error { _, err := e.TransferCustody(ctx, maker, a, carrier, "pickup"); return err }(),
		func() error { _, err := e.TransferCustody(ctx, maker, b, retailer, "direct"); return err }(),
		func() error {
			_, err := e.IngestBatchObservations(ctx, sensor, a, floatPtrs(3, 11, 2), []string{"x", "y", "z"}, timePtrs(testNow, testNow, testNow))
			return err
		}(),
		func() error { _, err := e.TransferCustody(ctx, carrier, a, retailer, "drop"); return err }(),
		func() error { _, err := e.AdminOverride(ctx, admin, c, "recall"); return err }(),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("populate step %d: %v", i, err)
		}
	}
	return []uint64{a, b, c}
}

func TestReplayMatchesProjection(t *testing.T) {
	e := newTestEngine(t, nil)
	ids := populate(t, e)
	for _, id := range ids {
		entries, err := e.EntriesFor(id)
		if err != nil {
			t.Fatalf("EntriesFor: %v", err)
		}
		replayed, err := Replay(entries)
		if err != nil {
			t.Fatalf("Replay(%d): %v", id, err)
		}
		if len(replayed) != 1 {
			t.Fatalf("expected one batch from replay, got %d", len(replayed))
		}
		if got, want := replayed[0], mustBatch(t, e, id); got != want {
			t.Fatalf("batch %d: replay %+v differs from projection %+v", id, got, want)
		}
	}

	snap := e.Snapshot()
	all, err := Replay(snap.Entries)
	if err != nil {
		t.Fatalf("Replay(all): %v", err)
	}
	if !reflect.DeepEqual(all, snap.Batches) {
		t.Fatalf("full replay differs from snapshot")
	}
}

func TestReplayRejectsBrokenHistories(t *testing.T) {
	e := newTestEngine(t, nil)
	populate(t, e)
	entries := e.Snapshot().Entries

	if _, err := Replay(entries[1:]); err == nil {
		t.Fatalf("expected error when CREATED entry is missing")
	}
	dup := append([]AuditEntry{}, entries...)
	dup = append(dup, entries[0])
	if _, err := Replay(dup); err == nil {
		t.Fatalf("expected error on duplicate CREATED entry")
	}
}

func TestVerifyChain(t *testing.T) {
	e := newTestEngine(t, nil)
	populate(t, e)
	entries := e.Snapshot().Entries
	if err := VerifyChain(entries); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if err := VerifyChain(nil); err != nil {
		t.Fatalf("empty chain should verify: %v", err)
	}

	tampered := append([]AuditEntry(nil), entries...)
	hot := 42.0
	tampered[3].Reading = &hot
	if err := VerifyChain(tampered); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}

	dropped := append(append([]AuditEntry(nil), entries[:2]...), entries[3:]...)
	if err := VerifyChain(dropped); err == nil {
		t.Fatalf("expected error for dropped entry")
	}

	relinked := append([]AuditEntry(nil), entries...)
	relinked[2].PreviousHash = relinked[0].EntryHash
	if err := VerifyChain(relinked); err == nil {
		t.Fatalf("expected error for broken link")
	}
}

func TestEntryHashCoversSentinel(t *testing.T) {
	zero := 0.0
	base := AuditEntry{Index: 1, BatchID: 1, Actor: maker, Timestamp: testNow, Kind: KindObservation}
	withZero := base
	withZero.Reading = &zero
	h1, err := ComputeEntryHash(base)
	if err != nil {
		t.Fatalf("ComputeEntryHash: %v", err)
	}
	h2, err := ComputeEntryHash(withZero)
	if err != nil {
		t.Fatalf("ComputeEntryHash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("absent reading and a zero reading must hash differently")
	}
}

func TestOpenReplaysJournal(t *testing.T) {
	journal := NewMemoryJournal()
	first := newTestEngine(t, journal)
	populate(t, first)
	want := first.Snapshot()

	reopened, err := Open(context.Background(), "", Options{Journal: journal})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("reopened snapshot differs:\n got %+v\nwant %+v", got, want)
	}
	if reopened.Initializer() != admin {
		t.Fatalf("expected initializer %q, got %q", admin, reopened.Initializer())
	}
	for _, a := range []Account{maker, carrier, retailer, sensor, admin} {
		if !reflect.DeepEqual(reopened.RolesOf(a), first.RolesOf(a)) {
			t.Fatalf("roles of %q differ after reopen", a)
		}
	}
	id, err := reopened.Create(context.Background(), maker, "next", "")
	if err != nil {
		t.Fatalf("Create after reopen: %v", err)
	}
	if id != uint64(len(want.Batches))+1 {
		t.Fatalf("expected id %d after reopen, got %d", len(want.Batches)+1, id)
	}
}

func TestOpenRejectsForeignAdmin(t *testing.T) {
	journal := NewMemoryJournal()
	newTestEngine(t, journal)
	if _, err := Open(context.Background(), "acct_other", Options{Journal: journal}); err == nil {
		t.Fatalf("expected error when admin differs from genesis")
	}
	if _, err := Open(context.Background(), admin, Options{Journal: journal}); err != nil {
		t.Fatalf("matching admin should reopen: %v", err)
	}
}

func TestOpenRejectsTamperedJournal(t *testing.T) {
	journal := NewMemoryJournal()
	e := newTestEngine(t, journal)
	populate(t, e)

	var records []Record
	_ = journal.Load(context.Background(), func(r Record) error {
		records = append(records, r)
		return nil
	})
	for i := range records {
		if records[i].Type == RecordAuditEntry && records[i].Entry.Kind == KindBreach {
			entry := *records[i].Entry
			entry.Details = "location=nowhere"
			records[i].Entry = &entry
			break
		}
	}
	forged := NewMemoryJournal()
	if err := forged.Append(context.Background(), records); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := Open(context.Background(), "", Options{Journal: forged}); err == nil {
		t.Fatalf("expected tampered journal to be rejected")
	}
}

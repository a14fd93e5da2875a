package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

func TestLedgerServiceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "Salmon fillets", Details: "lot 3"})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if created.BatchID != 1 || created.Batch.Status != ledger.StatusCreated {
		t.Fatalf("unexpected create response %+v", created)
	}
	obs, err := f.svc.RecordObservation(ctx, sensor, created.BatchID, protocol.RecordObservationRequest{Location: "dock", Reading: ptr(9.5)})
	if err != nil {
		t.Fatalf("RecordObservation: %v", err)
	}
	if obs.Entry.Kind != ledger.KindBreach || !obs.Batch.Compromised {
		t.Fatalf("expected breach, got %+v", obs)
	}
	moved, err := f.svc.TransferCustody(ctx, admin, created.BatchID, protocol.TransferCustodyRequest{NewOwner: carrier})
	if err != nil {
		t.Fatalf("TransferCustody: %v", err)
	}
	if moved.Batch.Owner != carrier || moved.Batch.Status != ledger.StatusInTransit {
		t.Fatalf("unexpected transfer response %+v", moved.Batch)
	}

	if !strings.Contains(f.logs.String(), `"msg":"temperature breach recorded"`) {
		t.Fatalf("expected breach warning in logs, got %s", f.logs.String())
	}
	text := scrape(t, f)
	for _, want := range []string{
		`coldchain_operations_total{op="create",outcome="ok"} 1`,
		`coldchain_breaches_total 1`,
		`coldchain_batches 1`,
		`coldchain_audit_head_index 3`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestLedgerServiceRejectsMissingReading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "Milk"})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	_, err = f.svc.RecordObservation(ctx, admin, created.BatchID, protocol.RecordObservationRequest{Location: "dock"})
	if !IsCode(err, "INVALID_ARGUMENT") {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	entries, _ := f.svc.EntriesFor(created.BatchID)
	if len(entries.Entries) != 1 {
		t.Fatalf("rejected call must not append, got %d entries", len(entries.Entries))
	}
	if !strings.Contains(scrape(t, f), `coldchain_operations_total{op="record_observation",outcome="INVALID_ARGUMENT"} 1`) {
		t.Fatalf("expected rejected outcome to be counted")
	}

	if _, err := f.svc.RecordObservation(ctx, admin, 99, protocol.RecordObservationRequest{}); !IsCode(err, "BATCH_NOT_FOUND") {
		t.Fatalf("expected BATCH_NOT_FOUND for an unknown batch without reading, got %v", err)
	}
	if _, err := f.svc.RecordObservation(ctx, carrier, created.BatchID, protocol.RecordObservationRequest{}); !IsCode(err, "UNAUTHORIZED") {
		t.Fatalf("expected UNAUTHORIZED for a stranger without reading, got %v", err)
	}
	_, err = f.svc.IngestObservations(ctx, sensor, created.BatchID, protocol.IngestObservationsRequest{
		Readings:   []*float64{nil, ptr(20)},
		Locations:  []string{"a", "b"},
		Timestamps: times(fixedNow, fixedNow),
	})
	if !IsCode(err, "INVALID_ARGUMENT") {
		t.Fatalf("expected INVALID_ARGUMENT for a null ingest reading, got %v", err)
	}
	if entries, _ := f.svc.EntriesFor(created.BatchID); len(entries.Entries) != 1 {
		t.Fatalf("rejected ingest must not append, got %d entries", len(entries.Entries))
	}
}

func TestLedgerServiceMapsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateBatch(ctx, sensor, protocol.CreateBatchRequest{ProductLabel: "x"}); !IsCode(err, "UNAUTHORIZED") {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if _, err := f.svc.GetBatch(42); !IsCode(err, "BATCH_NOT_FOUND") {
		t.Fatalf("expected BATCH_NOT_FOUND, got %v", err)
	}
	if _, err := f.svc.AdminOverride(ctx, admin, 42, protocol.AdminOverrideRequest{Reason: "x"}); !IsCode(err, "BATCH_NOT_FOUND") {
		t.Fatalf("expected BATCH_NOT_FOUND, got %v", err)
	}
}

func TestLedgerServiceIngestAndOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _ := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "Vaccines"})
	resp, err := f.svc.IngestObservations(ctx, sensor, created.BatchID, protocol.IngestObservationsRequest{
		Readings:   ptrs(4, 5),
		Locations:  []string{"a", "b"},
		Timestamps: times(fixedNow, fixedNow.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("IngestObservations: %v", err)
	}
	if len(resp.Entries) != 2 || resp.Batch.Compromised {
		t.Fatalf("unexpected ingest response %+v", resp)
	}
	over, err := f.svc.AdminOverride(ctx, admin, created.BatchID, protocol.AdminOverrideRequest{Reason: "seal broken"})
	if err != nil {
		t.Fatalf("AdminOverride: %v", err)
	}
	if over.Batch.Status != ledger.StatusCompromised {
		t.Fatalf("expected COMPROMISED after override")
	}
	if !strings.Contains(f.logs.String(), "batch compromised by admin override") {
		t.Fatalf("expected override warning in logs")
	}
}

func TestLedgerServiceRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.Grant(ctx, admin, protocol.RoleRequest{Role: ledger.RoleCreator, Account: "acct_farm"})
	if err != nil || !m.Member {
		t.Fatalf("Grant = %+v, %v", m, err)
	}
	roles, err := f.svc.GrantMany(ctx, admin, protocol.GrantManyRequest{Account: "acct_hub", Roles: []ledger.Role{ledger.RoleCarrier, ledger.RoleObserver}})
	if err != nil || len(roles.Roles) != 2 {
		t.Fatalf("GrantMany = %+v, %v", roles, err)
	}
	m, err = f.svc.Revoke(ctx, admin, protocol.RoleRequest{Role: ledger.RoleCreator, Account: "acct_farm"})
	if err != nil || m.Member {
		t.Fatalf("Revoke = %+v, %v", m, err)
	}
	if _, err := f.svc.Renounce(ctx, carrier, protocol.RoleRequest{Role: ledger.RoleCarrier, Account: shop}); !IsCode(err, "UNAUTHORIZED") {
		t.Fatalf("renouncing for someone else must be UNAUTHORIZED, got %v", err)
	}
	if got := f.svc.Members(ledger.RoleObserver); len(got.Members) != 2 {
		t.Fatalf("expected two observers, got %+v", got)
	}
	if got := f.svc.RolesOf("acct_unknown"); got.Roles == nil || len(got.Roles) != 0 {
		t.Fatalf("expected empty role list, got %+v", got)
	}
	if _, err := f.svc.Renounce(ctx, admin, protocol.RoleRequest{Role: ledger.RoleAdmin, Account: admin}); err != nil {
		t.Fatalf("Renounce: %v", err)
	}
	if !strings.Contains(f.logs.String(), "last admin renounced") {
		t.Fatalf("expected last-admin warning")
	}
}

func TestLedgerServiceEntriesPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "crate"}); err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
	}
	page, err := f.svc.Entries(0, 2)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(page.Entries) != 2 || page.NextAfter != 2 || page.HeadIndex != 3 {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, _ = f.svc.Entries(page.NextAfter, 2)
	if len(page.Entries) != 1 || page.NextAfter != 0 {
		t.Fatalf("unexpected last page %+v", page)
	}
	if _, err := f.svc.Entries(-1, 10); !IsCode(err, "INVALID_ARGUMENT") {
		t.Fatalf("expected INVALID_ARGUMENT for negative after")
	}
}

func TestLedgerServiceEntryProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "crate"})
	}
	resp, err := f.svc.EntryProof(4)
	if err != nil {
		t.Fatalf("EntryProof: %v", err)
	}
	ok, err := protocol.VerifyInclusionProof(&resp.Proof)
	if err != nil || !ok {
		t.Fatalf("proof does not verify: %v", err)
	}
	if resp.Proof.LeafHash != resp.Entry.EntryHash || resp.Entry.Index != 4 {
		t.Fatalf("proof is for the wrong entry")
	}
	if _, err := f.svc.EntryProof(6); !IsCode(err, "ENTRY_NOT_FOUND") {
		t.Fatalf("expected ENTRY_NOT_FOUND, got %v", err)
	}
}

func TestLedgerServiceHealth(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.CreateBatch(context.Background(), admin, protocol.CreateBatchRequest{ProductLabel: "x"})
	h := f.svc.Health()
	if h.BatchCount != 1 || h.HeadIndex != 1 || h.HeadHash == "" || h.Threshold != ledger.DefaultThreshold || h.Initializer != string(admin) || h.Storage != "memory" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func scrape(t *testing.T, f *fixture) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

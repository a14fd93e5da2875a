package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

func TestNewIDHasPrefix(t *testing.T) {
	a := NewID("exp")
	b := NewID("exp")
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "exp_") || strings.Contains(a, "-") {
		t.Fatalf("unexpected id shape %q", a)
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatalf("expected bare id without prefix")
	}
}

func TestRequestSigningPayloadBindsEveryPart(t *testing.T) {
	base := RequestSigningPayload("post", "/v1/batches", "2026-03-14T09:00:00Z", []byte(`{"a":1}`))
	want := "POST\n/v1/batches\n2026-03-14T09:00:00Z\n" + SHA256Hex([]byte(`{"a":1}`))
	if string(base) != want {
		t.Fatalf("unexpected payload %q", base)
	}
	variants := [][]byte{
		RequestSigningPayload("POST", "/v1/batches/1", "2026-03-14T09:00:00Z", []byte(`{"a":1}`)),
		RequestSigningPayload("POST", "/v1/batches", "2026-03-14T09:00:01Z", []byte(`{"a":1}`)),
		RequestSigningPayload("POST", "/v1/batches", "2026-03-14T09:00:00Z", []byte(`{"a":2}`)),
	}
	for i, v := range variants {
		if string(v) == string(base) {
			t.Fatalf("variant %d collides with base payload", i)
		}
	}
}

func TestExportBundleIntegrityDetectsChange(t *testing.T) {
	reading := 9.5
	bundle := ExportBundle{
		BundleID:    "exp_1",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Initializer: "acct_admin",
		Threshold:   ledger.DefaultThreshold,
		HeadIndex:   1,
		Entries: []ledger.AuditEntry{{
			Index: 1, BatchID: 1, Kind: ledger.KindBreach, Reading: &reading, EntryHash: "ab",
		}},
	}
	h1, err := ComputeExportBundleIntegrity(bundle)
	if err != nil {
		t.Fatalf("ComputeExportBundleIntegrity: %v", err)
	}
	changed := 7.0
	bundle.Entries[0].Reading = &changed
	h2, err := ComputeExportBundleIntegrity(bundle)
	if err != nil {
		t.Fatalf("ComputeExportBundleIntegrity: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected integrity hash to change with entry contents")
	}

	bundle.IntegrityHash = h2
	p1, _ := ExportBundleSignaturePayload(bundle, "ed25519:a")
	p2, _ := ExportBundleSignaturePayload(bundle, "ed25519:b")
	if string(p1) == string(p2) {
		t.Fatalf("signature payload must bind the key id")
	}
}

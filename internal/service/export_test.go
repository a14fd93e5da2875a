package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/blob"
	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

func populated(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "Berries"})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := f.svc.IngestObservations(ctx, sensor, created.BatchID, protocol.IngestObservationsRequest{
		Readings:   ptrs(3, 8.5, 4),
		Locations:  []string{"farm", "road", "hub"},
		Timestamps: times(fixedNow, fixedNow.Add(time.Hour), fixedNow.Add(2*time.Hour)),
	}); err != nil {
		t.Fatalf("IngestObservations: %v", err)
	}
	if _, err := f.svc.TransferCustody(ctx, admin, created.BatchID, protocol.TransferCustodyRequest{NewOwner: shop}); err != nil {
		t.Fatalf("TransferCustody: %v", err)
	}
	if _, err := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "Cheese"}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return f
}

func newTestExporter(t *testing.T, f *fixture, signer *crypto.Signer) (*Exporter, string) {
	t.Helper()
	root := t.TempDir()
	store, err := blob.NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	x, err := NewExporter(ExporterParams{
		Engine:  f.engine,
		Store:   store,
		Signer:  signer,
		Logger:  quietLogger(),
		Metrics: f.metrics,
		Now:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	return x, root
}

func readBundle(t *testing.T, location string) protocol.ExportBundle {
	t.Helper()
	raw, err := os.ReadFile(location)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	var bundle protocol.ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	return bundle
}

func TestExportWritesVerifiableBundle(t *testing.T) {
	f := populated(t)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer := crypto.NewSigner(priv)
	x, _ := newTestExporter(t, f, signer)

	resp, err := x.Export(context.Background())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !resp.Signed || resp.EntryCount != 6 || resp.BatchCount != 2 || !strings.Contains(resp.Location, "2026/05/02") {
		t.Fatalf("unexpected export response %+v", resp)
	}
	raw, _ := os.ReadFile(resp.Location)
	if protocol.SHA256Hex(raw) != resp.BundleSHA256 {
		t.Fatalf("bundle sha256 does not match written bytes")
	}

	bundle := readBundle(t, resp.Location)
	v := &BundleVerifier{PublicKey: signer.Public, RequireSignature: true}
	result := v.Verify(bundle)
	if result.Status != "ok" {
		t.Fatalf("expected ok, got %+v", result.Checks)
	}
}

func TestVerifierDetectsTampering(t *testing.T) {
	f := populated(t)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer := crypto.NewSigner(priv)
	x, _ := newTestExporter(t, f, signer)
	resp, err := x.Export(context.Background())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)

	cases := []struct {
		name   string
		mutate func(b *protocol.ExportBundle)
		pub    ed25519.PublicKey
		failed string
	}{
		{"reading edited", func(b *protocol.ExportBundle) { *b.Entries[2].Reading = 7.9 }, signer.Public, "hash_chain"},
		{"entry dropped", func(b *protocol.ExportBundle) { b.Entries = b.Entries[:len(b.Entries)-1] }, signer.Public, "chain_head"},
		{"batch status edited", func(b *protocol.ExportBundle) { b.Batches[0].Compromised = false }, signer.Public, "replay"},
		{"threshold raised", func(b *protocol.ExportBundle) { b.Threshold = 100 }, signer.Public, "bundle_integrity"},
		{"threshold lowered", func(b *protocol.ExportBundle) { b.Threshold = 1 }, signer.Public, "breach_tags"},
		{"root edited", func(b *protocol.ExportBundle) { b.EntriesRoot = strings.Repeat("0", 64) }, signer.Public, "entries_root"},
		{"wrong key", func(b *protocol.ExportBundle) {}, otherPub, "bundle_signature"},
		{"signature stripped", func(b *protocol.ExportBundle) { b.Signature = nil }, signer.Public, "bundle_signature"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bundle := readBundle(t, resp.Location)
			tc.mutate(&bundle)
			result := (&BundleVerifier{PublicKey: tc.pub, RequireSignature: true}).Verify(bundle)
			if result.Status != "fail" {
				t.Fatalf("expected fail")
			}
			for _, c := range result.Checks {
				if c.Name == tc.failed && c.Status == "fail" {
					return
				}
			}
			t.Fatalf("expected %s to fail, checks=%+v", tc.failed, result.Checks)
		})
	}
}

func TestUnsignedExport(t *testing.T) {
	f := populated(t)
	x, _ := newTestExporter(t, f, nil)
	resp, err := x.Export(context.Background())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if resp.Signed {
		t.Fatalf("expected unsigned bundle")
	}
	bundle := readBundle(t, resp.Location)
	if got := (&BundleVerifier{}).Verify(bundle); got.Status != "ok" {
		t.Fatalf("unsigned bundle should pass when signatures are optional: %+v", got.Checks)
	}
	if got := (&BundleVerifier{RequireSignature: true}).Verify(bundle); got.Status != "fail" {
		t.Fatalf("unsigned bundle must fail when a signature is required")
	}
}

func TestEmptyLedgerExportVerifies(t *testing.T) {
	engine, err := ledger.Open(context.Background(), admin, ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	store, _ := blob.NewFS(t.TempDir())
	x, _ := NewExporter(ExporterParams{Engine: engine, Store: store, Logger: quietLogger()})
	bundle, err := x.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := (&BundleVerifier{}).Verify(bundle); got.Status != "ok" {
		t.Fatalf("empty bundle should verify: %+v", got.Checks)
	}
}

func TestScheduledExportSkipsUnchangedHead(t *testing.T) {
	f := populated(t)
	x, root := newTestExporter(t, f, nil)
	ctx := context.Background()
	x.tick(ctx)
	x.tick(ctx)
	if got := countFiles(t, root); got != 1 {
		t.Fatalf("expected one export for an unchanged head, got %d", got)
	}
	if _, err := f.svc.CreateBatch(ctx, admin, protocol.CreateBatchRequest{ProductLabel: "Eggs"}); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	x.tick(ctx)
	if got := countFiles(t, root); got != 2 {
		t.Fatalf("expected a second export after the head moved, got %d", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := populated(t)
	x, _ := newTestExporter(t, f, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx, time.Hour) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return n
}

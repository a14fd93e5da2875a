package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/api"
	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/service"
)

func TestParseCSVSkipsHeader(t *testing.T) {
	rows, err := parseCSV([]byte("reading,location,timestamp\n4.5, dock, 2026-06-01T10:00:00Z\n9,truck,2026-06-01T11:00:00Z\n"))
	if err != nil {
		t.Fatalf("parseCSV: %v", err)
	}
	if len(rows) != 2 || rows[0].Location != "dock" || *rows[1].Reading != 9 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if _, err := parseCSV([]byte("warm,dock,2026-06-01T10:00:00Z\n")); err == nil {
		t.Fatalf("expected error for non-numeric reading")
	}
}

func TestReadRowsRejectsMissingValues(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}
	good := write("good.json", `[{"reading":4.5,"location":"dock","timestamp":"2026-06-01T10:00:00Z"},{"reading":0,"location":"dock","timestamp":"2026-06-01T10:01:00Z"}]`)
	rows, err := readRows(good)
	if err != nil {
		t.Fatalf("readRows: %v", err)
	}
	if len(rows) != 2 || rows[1].Reading == nil || *rows[1].Reading != 0 {
		t.Fatalf("explicit zero reading must survive, got %+v", rows)
	}
	for name, body := range map[string]string{
		"null.json":      `[{"reading":null,"location":"dock","timestamp":"2026-06-01T10:00:00Z"}]`,
		"absent.json":    `[{"location":"dock","timestamp":"2026-06-01T10:00:00Z"}]`,
		"no-time.json":   `[{"reading":3,"location":"dock"}]`,
		"null-time.json": `[{"reading":3,"location":"dock","timestamp":null}]`,
	} {
		if _, err := readRows(write(name, body)); err == nil {
			t.Fatalf("%s: expected missing value error", name)
		}
	}
}

func TestChunks(t *testing.T) {
	rows := make([]readingRow, 5)
	got := chunks(rows, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("unexpected chunking %d", len(got))
	}
	if len(chunks(rows, 0)) != 1 {
		t.Fatalf("non-positive size should send everything at once")
	}
}

func TestIngestAgainstSignedNode(t *testing.T) {
	ctx := context.Background()
	engine, err := ledger.Open(ctx, "acct_admin", ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if err := engine.Grant(ctx, "acct_admin", ledger.RoleObserver, "acct_sensor"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	batchID, err := engine.Create(ctx, "acct_admin", "Salmon", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer := crypto.NewSigner(priv)
	registryPath := filepath.Join(t.TempDir(), "accounts.yaml")
	registry := "accounts:\n  - account: acct_sensor\n    public_key: " + crypto.EncodePublicKey(signer.Public) + "\n"
	if err := os.WriteFile(registryPath, []byte(registry), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	accounts, err := service.LoadAccountRegistry(registryPath)
	if err != nil {
		t.Fatalf("LoadAccountRegistry: %v", err)
	}
	logger := logging.NewJSONLoggerTo(io.Discard, "error")
	svc, err := service.NewLedger(service.LedgerParams{Engine: engine, Logger: logger})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	handler := api.NewHandler(api.HandlerParams{
		Ledger: svc,
		Auth:   &api.Authenticator{Registry: accounts, RequireSignatures: true, MaxSkew: time.Minute},
		Logger: logger,
	})
	srv := httptest.NewServer(handler.Router())
	defer srv.Close()

	client := &feedClient{baseURL: srv.URL, account: "acct_sensor", signer: signer, http: srv.Client(), now: time.Now}
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	var rows []readingRow
	for i, v := range []float64{3, 4, 9.1, 5, 6} {
		v := v
		rows = append(rows, readingRow{Reading: &v, Location: "van", Timestamp: start.Add(time.Duration(i) * time.Minute)})
	}
	var last string
	for _, chunk := range chunks(rows, 2) {
		resp, err := client.ingest(ctx, batchID, chunk)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		last = string(resp.Batch.Status)
	}
	if last != string(ledger.StatusCompromised) {
		t.Fatalf("expected compromised batch, got %s", last)
	}
	entries, err := engine.EntriesFor(batchID)
	if err != nil {
		t.Fatalf("EntriesFor: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}

	client.account = "acct_admin"
	_, err = client.ingest(ctx, batchID, rows[:1])
	if err == nil || !strings.Contains(err.Error(), "UNAUTHENTICATED") {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

package service

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/logging"
	"github.com/coldchain/coldchain-ledger/internal/metrics"
)

const (
	admin   ledger.Account = "acct_admin"
	carrier ledger.Account = "acct_carrier"
	sensor  ledger.Account = "acct_sensor"
	shop    ledger.Account = "acct_shop"
)

var fixedNow = time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *ledger.Engine
	svc     *LedgerService
	metrics *metrics.Recorder
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	engine, err := ledger.Open(ctx, admin, ledger.Options{Now: func() time.Time { return fixedNow }})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	for role, account := range map[ledger.Role]ledger.Account{
		ledger.RoleCarrier:  carrier,
		ledger.RoleObserver: sensor,
		ledger.RoleRetailer: shop,
	} {
		if err := engine.Grant(ctx, admin, role, account); err != nil {
			t.Fatalf("Grant %s: %v", role, err)
		}
	}
	logs := &bytes.Buffer{}
	rec := metrics.New()
	svc, err := NewLedger(LedgerParams{
		Engine:  engine,
		Logger:  logging.NewJSONLoggerTo(logs, "debug"),
		Metrics: rec,
		Storage: "memory",
		Service: "coldchain-ledger-test",
		Version: "test",
	})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return &fixture{engine: engine, svc: svc, metrics: rec, logs: logs}
}

func quietLogger() *slog.Logger {
	return logging.NewJSONLoggerTo(&bytes.Buffer{}, "error")
}

func ptr(v float64) *float64 { return &v }

func ptrs(vs ...float64) []*float64 {
	out := make([]*float64, len(vs))
	for i := range vs {
		out[i] = &vs[i]
	}
	return out
}

func times(ts ...time.Time) []*time.Time {
	out := make([]*time.Time, len(ts))
	for i := range ts {
		out[i] = &ts[i]
	}
	return out
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/blob"
	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/metrics"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

// Exporter writes signed snapshots of the whole audit log to a blob store.
type Exporter struct {
	engine  *ledger.Engine
	store   blob.Store
	signer  *crypto.Signer
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	lastHead atomic.Int64
}

type ExporterParams struct {
	Engine  *ledger.Engine
	Store   blob.Store
	Signer  *crypto.Signer // optional; unsigned bundles when nil
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

func NewExporter(params ExporterParams) (*Exporter, error) {
	if params.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	x := &Exporter{
		engine:  params.Engine,
		store:   params.Store,
		signer:  params.Signer,
		logger:  params.Logger,
		metrics: params.Metrics,
		now:     params.Now,
	}
	x.lastHead.Store(-1)
	return x, nil
}

// Build assembles a bundle from one consistent snapshot of the ledger.
func (x *Exporter) Build() (protocol.ExportBundle, error) {
	snap := x.engine.Snapshot()
	root, err := protocol.ComputeMerkleRoot(protocol.EntryLeafHashes(snap.Entries))
	if err != nil {
		return protocol.ExportBundle{}, fmt.Errorf("compute entries root: %w", err)
	}
	bundle := protocol.ExportBundle{
		BundleID:    protocol.NewID("bundle"),
		CreatedAt:   x.now().UTC().Truncate(time.Microsecond),
		Initializer: x.engine.Initializer(),
		Threshold:   x.engine.Threshold(),
		HeadIndex:   snap.HeadIndex,
		HeadHash:    snap.HeadHash,
		EntriesRoot: root,
		Batches:     snap.Batches,
		Entries:     snap.Entries,
	}
	if bundle.Batches == nil {
		bundle.Batches = []ledger.Batch{}
	}
	if bundle.Entries == nil {
		bundle.Entries = []ledger.AuditEntry{}
	}
	integrity, err := protocol.ComputeExportBundleIntegrity(bundle)
	if err != nil {
		return protocol.ExportBundle{}, fmt.Errorf("compute bundle integrity: %w", err)
	}
	bundle.IntegrityHash = integrity
	if x.signer != nil {
		payload, err := protocol.ExportBundleSignaturePayload(bundle, x.signer.KeyID)
		if err != nil {
			return protocol.ExportBundle{}, fmt.Errorf("build bundle signature payload: %w", err)
		}
		bundle.Signature = &protocol.ExportSignature{
			Alg:   crypto.Algorithm,
			KeyID: x.signer.KeyID,
			Sig:   x.signer.Sign(payload),
		}
	}
	return bundle, nil
}

func (x *Exporter) Export(ctx context.Context) (protocol.ExportResponse, error) {
	resp, err := x.export(ctx)
	if err != nil {
		x.metrics.Export("error")
		return protocol.ExportResponse{}, err
	}
	x.metrics.Export("ok")
	return resp, nil
}

func (x *Exporter) export(ctx context.Context) (protocol.ExportResponse, error) {
	bundle, err := x.Build()
	if err != nil {
		return protocol.ExportResponse{}, Internal("build audit export", err)
	}
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return protocol.ExportResponse{}, Internal("encode audit export", err)
	}
	key := fmt.Sprintf("%s/%s.json", bundle.CreatedAt.Format("2006/01/02"), bundle.BundleID)
	location, err := x.store.Put(ctx, key, raw, "application/json")
	if err != nil {
		return protocol.ExportResponse{}, Internal("write audit export", err)
	}
	x.lastHead.Store(bundle.HeadIndex)
	resp := protocol.ExportResponse{
		Status:       "written",
		BundleID:     bundle.BundleID,
		Location:     location,
		BundleSHA256: protocol.SHA256Hex(raw),
		EntryCount:   len(bundle.Entries),
		BatchCount:   len(bundle.Batches),
		EntriesRoot:  bundle.EntriesRoot,
		Signed:       bundle.Signature != nil,
		CreatedAt:    bundle.CreatedAt,
	}
	x.logger.Info("audit export written",
		slog.String("bundle_id", resp.BundleID),
		slog.String("location", resp.Location),
		slog.String("driver", string(x.store.Driver())),
		slog.Int64("head_index", bundle.HeadIndex),
		slog.Int("entry_count", resp.EntryCount),
		slog.Bool("signed", resp.Signed),
	)
	return resp, nil
}

// Run exports on every tick until ctx is cancelled, skipping ticks where the
// audit head has not moved since the last export.
func (x *Exporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	x.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			x.tick(ctx)
		}
	}
}

func (x *Exporter) tick(ctx context.Context) {
	if head, _ := x.engine.Head(); head == x.lastHead.Load() {
		return
	}
	if _, err := x.Export(ctx); err != nil {
		x.logger.Error("scheduled audit export failed", slog.String("error", err.Error()))
	}
}

package protocol

import (
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

// EntryLeafHashes lists the chain hashes of entries in log order; they are
// the leaves of an export's entries root.
func EntryLeafHashes(entries []ledger.AuditEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EntryHash)
	}
	return out
}

func ComputeExportBundleIntegrity(bundle ExportBundle) (string, error) {
	payload := struct {
		BundleID    string              `json:"bundle_id"`
		CreatedAt   time.Time           `json:"created_at"`
		Initializer ledger.Account      `json:"initializer"`
		Threshold   float64             `json:"threshold"`
		HeadIndex   int64               `json:"head_index"`
		HeadHash    string              `json:"head_hash"`
		EntriesRoot string              `json:"entries_root"`
		Batches     []ledger.Batch      `json:"batches"`
		Entries     []ledger.AuditEntry `json:"entries"`
	}{
		BundleID:    bundle.BundleID,
		CreatedAt:   bundle.CreatedAt,
		Initializer: bundle.Initializer,
		Threshold:   bundle.Threshold,
		HeadIndex:   bundle.HeadIndex,
		HeadHash:    bundle.HeadHash,
		EntriesRoot: bundle.EntriesRoot,
		Batches:     bundle.Batches,
		Entries:     bundle.Entries,
	}
	return HashCanonical(payload)
}

// ExportBundleSignaturePayload binds the signature to the bundle's summary
// fields and integrity hash; the entries themselves are covered through the
// integrity hash and entries root.
func ExportBundleSignaturePayload(bundle ExportBundle, keyID string) ([]byte, error) {
	type payload struct {
		BundleID      string         `json:"bundle_id"`
		CreatedAt     time.Time      `json:"created_at"`
		Initializer   ledger.Account `json:"initializer"`
		HeadIndex     int64          `json:"head_index"`
		HeadHash      string         `json:"head_hash"`
		EntriesRoot   string         `json:"entries_root"`
		IntegrityHash string         `json:"integrity_hash"`
		KeyID         string         `json:"kid"`
	}
	return CanonicalJSON(payload{
		BundleID:      bundle.BundleID,
		CreatedAt:     bundle.CreatedAt,
		Initializer:   bundle.Initializer,
		HeadIndex:     bundle.HeadIndex,
		HeadHash:      bundle.HeadHash,
		EntriesRoot:   bundle.EntriesRoot,
		IntegrityHash: bundle.IntegrityHash,
		KeyID:         keyID,
	})
}

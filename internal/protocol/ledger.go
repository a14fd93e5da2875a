package protocol

import (
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

type EntriesResponse struct {
	BatchID uint64              `json:"batch_id"`
	Entries []ledger.AuditEntry `json:"entries"`
}

// EntriesPage is one page of the global audit log. NextAfter feeds the next
// request's after parameter; it is zero when the page reached the head.
type EntriesPage struct {
	After     int64               `json:"after"`
	Entries   []ledger.AuditEntry `json:"entries"`
	HeadIndex int64               `json:"head_index"`
	HeadHash  string              `json:"head_hash,omitempty"`
	NextAfter int64               `json:"next_after,omitempty"`
}

type EntryProofResponse struct {
	Entry ledger.AuditEntry `json:"entry"`
	Proof MerkleProof       `json:"proof"`
}

// ExportSignature is the platform's ed25519 signature over an export bundle.
type ExportSignature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"kid"`
	Sig   string `json:"sig"`
}

// ExportBundle is a self-contained, verifiable copy of the audit log and
// the batch projections derived from it.
type ExportBundle struct {
	BundleID      string              `json:"bundle_id"`
	CreatedAt     time.Time           `json:"created_at"`
	Initializer   ledger.Account      `json:"initializer"`
	Threshold     float64             `json:"threshold"`
	HeadIndex     int64               `json:"head_index"`
	HeadHash      string              `json:"head_hash,omitempty"`
	EntriesRoot   string              `json:"entries_root"`
	Batches       []ledger.Batch      `json:"batches"`
	Entries       []ledger.AuditEntry `json:"entries"`
	IntegrityHash string              `json:"integrity_hash"`
	Signature     *ExportSignature    `json:"signature,omitempty"`
}

type ExportResponse struct {
	Status       string    `json:"status"`
	BundleID     string    `json:"bundle_id"`
	Location     string    `json:"location"`
	BundleSHA256 string    `json:"bundle_sha256"`
	EntryCount   int       `json:"entry_count"`
	BatchCount   int       `json:"batch_count"`
	EntriesRoot  string    `json:"entries_root"`
	Signed       bool      `json:"signed"`
	CreatedAt    time.Time `json:"created_at"`
}

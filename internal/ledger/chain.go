package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ComputeEntryHash hashes every field of e except EntryHash itself, linking
// it to the previous entry through PreviousHash.
func ComputeEntryHash(e AuditEntry) (string, error) {
	shape := struct {
		Index        int64     `json:"index"`
		BatchID      uint64    `json:"batch_id"`
		Actor        Account   `json:"actor"`
		Timestamp    time.Time `json:"timestamp"`
		Kind         EntryKind `json:"kind"`
		Details      string    `json:"details"`
		Reading      *float64  `json:"reading"`
		Custodian    Account   `json:"custodian"`
		Status       Status    `json:"status"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Index:        e.Index,
		BatchID:      e.BatchID,
		Actor:        e.Actor,
		Timestamp:    e.Timestamp.UTC(),
		Kind:         e.Kind,
		Details:      e.Details,
		Reading:      e.Reading,
		Custodian:    e.Custodian,
		Status:       e.Status,
		PreviousHash: e.PreviousHash,
	}
	raw, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("encode entry %d: %w", e.Index, err)
	}
	h := sha256.Sum256(append([]byte("coldchain:audit:entry:v1:"), raw...))
	return hex.EncodeToString(h[:]), nil
}

// VerifyChain checks that entries form one contiguous hash chain starting at
// index 1.
func VerifyChain(entries []AuditEntry) error {
	prev := ""
	for i, e := range entries {
		if e.Index != int64(i)+1 {
			return fmt.Errorf("entry at position %d has index %d", i, e.Index)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("entry %d previous_hash does not link to entry %d", e.Index, e.Index-1)
		}
		want, err := ComputeEntryHash(e)
		if err != nil {
			return err
		}
		if want != e.EntryHash {
			return fmt.Errorf("entry %d hash mismatch", e.Index)
		}
		prev = e.EntryHash
	}
	return nil
}

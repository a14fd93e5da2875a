package service

import (
	"crypto/ed25519"
	"fmt"

	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/protocol"
)

type BundleVerification struct {
	Status string                 `json:"status"`
	Checks []protocol.VerifyCheck `json:"checks"`
}

// BundleVerifier checks an export bundle offline. PublicKey may be nil, in
// which case the signature check passes only when RequireSignature is false.
type BundleVerifier struct {
	PublicKey        ed25519.PublicKey
	RequireSignature bool
}

func (v *BundleVerifier) Verify(bundle protocol.ExportBundle) BundleVerification {
	checks := make([]protocol.VerifyCheck, 0, 8)

	if bundle.BundleID != "" {
		checks = append(checks, okCheck("bundle_id", bundle.BundleID))
	} else {
		checks = append(checks, failCheck("bundle_id", "missing bundle_id"))
	}

	if err := ledger.VerifyChain(bundle.Entries); err != nil {
		checks = append(checks, failCheck("hash_chain", err.Error()))
	} else {
		checks = append(checks, okCheck("hash_chain", fmt.Sprintf("count=%d", len(bundle.Entries))))
	}

	var lastIndex int64
	var lastHash string
	if n := len(bundle.Entries); n > 0 {
		lastIndex, lastHash = bundle.Entries[n-1].Index, bundle.Entries[n-1].EntryHash
	}
	if lastIndex == bundle.HeadIndex && lastHash == bundle.HeadHash {
		checks = append(checks, okCheck("chain_head", fmt.Sprintf("index=%d", bundle.HeadIndex)))
	} else {
		checks = append(checks, failCheck("chain_head", "head_index or head_hash does not match the last entry"))
	}

	root, err := protocol.ComputeMerkleRoot(protocol.EntryLeafHashes(bundle.Entries))
	if err != nil {
		checks = append(checks, failCheck("entries_root", "failed to compute merkle root"))
	} else if root == bundle.EntriesRoot {
		checks = append(checks, okCheck("entries_root", root))
	} else {
		checks = append(checks, failCheck("entries_root", "entries_root mismatch"))
	}

	breachesTagged := true
	for _, e := range bundle.Entries {
		if e.Reading != nil && *e.Reading > bundle.Threshold && e.Kind != ledger.KindBreach {
			breachesTagged = false
			checks = append(checks, failCheck("breach_tags", fmt.Sprintf("entry %d reads %.2f above threshold but is %s", e.Index, *e.Reading, e.Kind)))
			break
		}
	}
	if breachesTagged {
		checks = append(checks, okCheck("breach_tags", fmt.Sprintf("threshold=%.2f", bundle.Threshold)))
	}

	checks = append(checks, replayCheck(bundle))

	integrity, err := protocol.ComputeExportBundleIntegrity(bundle)
	if err != nil {
		checks = append(checks, failCheck("bundle_integrity", "failed to compute integrity hash"))
	} else if integrity == bundle.IntegrityHash {
		checks = append(checks, okCheck("bundle_integrity", integrity))
	} else {
		checks = append(checks, failCheck("bundle_integrity", "integrity hash mismatch"))
	}

	checks = append(checks, v.signatureCheck(bundle))

	status := "ok"
	for _, c := range checks {
		if c.Status != "ok" {
			status = "fail"
			break
		}
	}
	return BundleVerification{Status: status, Checks: checks}
}

// replayCheck rebuilds every batch from the bundled entries and compares the
// result with the bundled projections.
func replayCheck(bundle protocol.ExportBundle) protocol.VerifyCheck {
	replayed, err := ledger.Replay(bundle.Entries)
	if err != nil {
		return failCheck("replay", err.Error())
	}
	want, err := protocol.HashCanonical(bundle.Batches)
	if err != nil {
		return failCheck("replay", "cannot hash bundled batches")
	}
	got, err := protocol.HashCanonical(replayed)
	if err != nil {
		return failCheck("replay", "cannot hash replayed batches")
	}
	if got != want {
		return failCheck("replay", "replayed batches differ from bundled batches")
	}
	return okCheck("replay", fmt.Sprintf("batches=%d", len(replayed)))
}

func (v *BundleVerifier) signatureCheck(bundle protocol.ExportBundle) protocol.VerifyCheck {
	sig := bundle.Signature
	switch {
	case sig == nil && v.RequireSignature:
		return failCheck("bundle_signature", "bundle is unsigned")
	case sig == nil:
		return okCheck("bundle_signature", "unsigned")
	case v.PublicKey == nil && v.RequireSignature:
		return failCheck("bundle_signature", "no trusted public key")
	case v.PublicKey == nil:
		return okCheck("bundle_signature", "not checked")
	case sig.Alg != crypto.Algorithm:
		return failCheck("bundle_signature", fmt.Sprintf("unsupported alg %q", sig.Alg))
	case sig.KeyID != crypto.KeyID(v.PublicKey):
		return failCheck("bundle_signature", "key id does not match trusted key")
	}
	payload, err := protocol.ExportBundleSignaturePayload(bundle, sig.KeyID)
	if err != nil {
		return failCheck("bundle_signature", "cannot build bundle signature payload")
	}
	if !crypto.Verify(v.PublicKey, payload, sig.Sig) {
		return failCheck("bundle_signature", "bundle signature invalid")
	}
	return okCheck("bundle_signature", sig.KeyID)
}

func okCheck(name, details string) protocol.VerifyCheck {
	return protocol.VerifyCheck{Name: name, Status: "ok", Details: details}
}

func failCheck(name, details string) protocol.VerifyCheck {
	return protocol.VerifyCheck{Name: name, Status: "fail", Details: details}
}

// Package ledger is the permissioned batch lifecycle engine: the role registry,
// the batch store, the append-only audit log and the operations that tie them
// together.
package ledger

import (
	"strings"
	"time"
)

// Account identifies an authenticated caller. The zero identity is the empty
// string or an all-zero hex address.
type Account string

func (a Account) IsZero() bool {
	s := strings.TrimSpace(string(a))
	if s == "" {
		return true
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(digits) == len(s) {
		return false
	}
	return strings.Trim(digits, "0") == ""
}

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleCreator  Role = "CREATOR"
	RoleCarrier  Role = "CARRIER"
	RoleRetailer Role = "RETAILER"
	RoleObserver Role = "OBSERVER"
)

type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusInTransit   Status = "IN_TRANSIT"
	StatusDelivered   Status = "DELIVERED"
	StatusCompromised Status = "COMPROMISED"
)

type EntryKind string

const (
	KindCreated       EntryKind = "CREATED"
	KindObservation   EntryKind = "OBSERVATION"
	KindBreach        EntryKind = "BREACH"
	KindHandover      EntryKind = "HANDOVER"
	KindAdminOverride EntryKind = "ADMIN_OVERRIDE"
)

// DefaultThreshold is the temperature ceiling in degrees Celsius. A reading
// strictly above it is a breach.
const DefaultThreshold = 8.0

// Batch is the current projection of one tracked batch.
type Batch struct {
	ID          uint64    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Originator  Account   `json:"originator"`
	Owner       Account   `json:"owner"`
	Compromised bool      `json:"compromised"`
	Status      Status    `json:"status"`
}

// AuditEntry is one immutable record in the audit log. Custodian and Status
// capture the batch after the event was applied. Reading is nil when no
// measurement is associated with the event.
type AuditEntry struct {
	Index        int64     `json:"index"`
	BatchID      uint64    `json:"batch_id"`
	Actor        Account   `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         EntryKind `json:"kind"`
	Details      string    `json:"details"`
	Reading      *float64  `json:"reading"`
	Custodian    Account   `json:"custodian"`
	Status       Status    `json:"status"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	EntryHash    string    `json:"entry_hash"`
}

// Snapshot is a consistent read of the whole ledger.
type Snapshot struct {
	Batches   []Batch      `json:"batches"`
	Entries   []AuditEntry `json:"entries"`
	HeadIndex int64        `json:"head_index"`
	HeadHash  string       `json:"head_hash,omitempty"`
}

func readingPtr(v float64) *float64 {
	return &v
}

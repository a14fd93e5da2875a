package protocol

import (
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

type CreateBatchRequest struct {
	ProductLabel string `json:"product_label"`
	Details      string `json:"details"`
}

type CreateBatchResponse struct {
	BatchID uint64       `json:"batch_id"`
	Batch   ledger.Batch `json:"batch"`
}

// RecordObservationRequest carries a single reading. Reading is a pointer so
// a missing field is rejected instead of being read as zero degrees.
type RecordObservationRequest struct {
	Location string   `json:"location"`
	Reading  *float64 `json:"reading"`
	Notes    string   `json:"notes"`
}

// IngestObservationsRequest carries parallel sample arrays. A null reading or
// timestamp is a missing sample and fails the whole call.
type IngestObservationsRequest struct {
	Readings   []*float64   `json:"readings"`
	Locations  []string     `json:"locations"`
	Timestamps []*time.Time `json:"timestamps"`
}

type IngestObservationsResponse struct {
	BatchID uint64              `json:"batch_id"`
	Entries []ledger.AuditEntry `json:"entries"`
	Batch   ledger.Batch        `json:"batch"`
}

type TransferCustodyRequest struct {
	NewOwner ledger.Account `json:"new_owner"`
	Notes    string         `json:"notes"`
}

type AdminOverrideRequest struct {
	Reason string `json:"reason"`
}

// EntryResponse is returned by every call that appends one audit entry.
type EntryResponse struct {
	Entry ledger.AuditEntry `json:"entry"`
	Batch ledger.Batch      `json:"batch"`
}

type RoleRequest struct {
	Role    ledger.Role    `json:"role"`
	Account ledger.Account `json:"account"`
}

type GrantManyRequest struct {
	Account ledger.Account `json:"account"`
	Roles   []ledger.Role  `json:"roles"`
}

type RolesResponse struct {
	Account ledger.Account `json:"account"`
	Roles   []ledger.Role  `json:"roles"`
}

type MembershipResponse struct {
	Role    ledger.Role    `json:"role"`
	Account ledger.Account `json:"account"`
	Member  bool           `json:"member"`
}

type MembersResponse struct {
	Role    ledger.Role      `json:"role"`
	Members []ledger.Account `json:"members"`
}

type BatchCountResponse struct {
	Count uint64 `json:"count"`
}

type VerifyCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service     string  `json:"service"`
	Version     string  `json:"version"`
	Storage     string  `json:"storage"`
	Threshold   float64 `json:"threshold"`
	BatchCount  uint64  `json:"batch_count"`
	HeadIndex   int64   `json:"head_index"`
	HeadHash    string  `json:"head_hash,omitempty"`
	Initializer string  `json:"initializer"`
}

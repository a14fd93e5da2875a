package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type RecordType string

const (
	RecordGenesis     RecordType = "genesis"
	RecordRoleGranted RecordType = "role_granted"
	RecordRoleRevoked RecordType = "role_revoked"
	RecordAuditEntry  RecordType = "audit_entry"
)

// Record is one element of the mutation journal. A successful mutating call
// produces one or more records which are appended as a unit.
type Record struct {
	Seq        int64       `json:"seq"`
	Type       RecordType  `json:"type"`
	Actor      Account     `json:"actor"`
	Role       Role        `json:"role,omitempty"`
	Account    Account     `json:"account,omitempty"`
	Entry      *AuditEntry `json:"entry,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Journal is an ordered, atomic mutation log. Append must persist all records
// or none of them; Load must yield records in Seq order.
type Journal interface {
	Append(ctx context.Context, records []Record) error
	Load(ctx context.Context, fn func(Record) error) error
}

// MemoryJournal keeps records in process memory.
type MemoryJournal struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(_ context.Context, records []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	next := int64(len(j.records)) + 1
	for i, r := range records {
		if r.Seq != next+int64(i) {
			return fmt.Errorf("journal sequence gap: want %d got %d", next+int64(i), r.Seq)
		}
	}
	j.records = append(j.records, records...)
	return nil
}

func (j *MemoryJournal) Load(_ context.Context, fn func(Record) error) error {
	j.mu.Lock()
	records := append([]Record(nil), j.records...)
	j.mu.Unlock()
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

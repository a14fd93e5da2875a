// Package storage holds what the durable journal backends share: the row
// shape a ledger.Record is flattened into and the errors they report.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
)

var (
	// ErrSequenceConflict means another writer appended to the journal first.
	ErrSequenceConflict = errors.New("journal sequence conflict")
	ErrEmptyAppend      = errors.New("journal append without records")
)

// Journal is a ledger.Journal that owns a connection.
type Journal interface {
	ledger.Journal
	Close()
}

// Row is the flattened column form of a ledger.Record.
type Row struct {
	Seq        int64
	Type       string
	Actor      string
	Role       string
	Account    string
	BatchID    *int64
	EntryIndex *int64
	EntryHash  *string
	EntryJSON  []byte
	RecordedAt time.Time
}

func EncodeRecord(r ledger.Record) (Row, error) {
	row := Row{
		Seq:        r.Seq,
		Type:       string(r.Type),
		Actor:      string(r.Actor),
		Role:       string(r.Role),
		Account:    string(r.Account),
		RecordedAt: r.RecordedAt.UTC(),
	}
	if r.Entry == nil {
		return row, nil
	}
	raw, err := json.Marshal(r.Entry)
	if err != nil {
		return Row{}, fmt.Errorf("encode record %d entry: %w", r.Seq, err)
	}
	batchID := int64(r.Entry.BatchID)
	index := r.Entry.Index
	hash := r.Entry.EntryHash
	row.BatchID = &batchID
	row.EntryIndex = &index
	row.EntryHash = &hash
	row.EntryJSON = raw
	return row, nil
}

func DecodeRecord(row Row) (ledger.Record, error) {
	r := ledger.Record{
		Seq:        row.Seq,
		Type:       ledger.RecordType(row.Type),
		Actor:      ledger.Account(row.Actor),
		Role:       ledger.Role(row.Role),
		Account:    ledger.Account(row.Account),
		RecordedAt: row.RecordedAt.UTC(),
	}
	if len(row.EntryJSON) == 0 {
		if r.Type == ledger.RecordAuditEntry {
			return ledger.Record{}, fmt.Errorf("record %d: audit entry payload missing", row.Seq)
		}
		return r, nil
	}
	var entry ledger.AuditEntry
	if err := json.Unmarshal(row.EntryJSON, &entry); err != nil {
		return ledger.Record{}, fmt.Errorf("decode record %d entry: %w", row.Seq, err)
	}
	entry.Timestamp = entry.Timestamp.UTC()
	r.Entry = &entry
	return r, nil
}

// CheckContiguous verifies that records continue the journal after head.
func CheckContiguous(head int64, records []ledger.Record) error {
	if len(records) == 0 {
		return ErrEmptyAppend
	}
	for i, r := range records {
		if want := head + int64(i) + 1; r.Seq != want {
			return fmt.Errorf("%w: want seq %d, got %d", ErrSequenceConflict, want, r.Seq)
		}
	}
	return nil
}

// ReplayRows decodes rows in order and feeds them to fn.
func ReplayRows(ctx context.Context, rows []Row, fn func(ledger.Record) error) error {
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := DecodeRecord(row)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

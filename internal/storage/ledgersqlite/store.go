// Package ledgersqlite is the single-file SQLite ledger journal for nodes
// that run without a database server.
package ledgersqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal_records (
	seq         INTEGER PRIMARY KEY,
	record_type TEXT NOT NULL,
	actor       TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT '',
	account     TEXT NOT NULL DEFAULT '',
	batch_id    INTEGER,
	entry_index INTEGER UNIQUE,
	entry_hash  TEXT UNIQUE,
	entry_json  BLOB,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_records_batch_idx ON journal_records (batch_id, entry_index);
`

type Store struct {
	db *sql.DB
}

var _ storage.Journal = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "coldchain.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite admits one writer at a time.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`, schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) Append(ctx context.Context, records []ledger.Record) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM journal_records`).Scan(&head); err != nil {
		return fmt.Errorf("read journal head: %w", err)
	}
	if err := storage.CheckContiguous(head, records); err != nil {
		return err
	}
	for _, r := range records {
		row, err := storage.EncodeRecord(r)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO journal_records (seq, record_type, actor, role, account, batch_id, entry_index, entry_hash, entry_json, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.Seq, row.Type, row.Actor, row.Role, row.Account,
			row.BatchID, row.EntryIndex, row.EntryHash, row.EntryJSON,
			row.RecordedAt.Format(time.RFC3339Nano))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: record %d: %v", storage.ErrSequenceConflict, r.Seq, err)
			}
			return fmt.Errorf("insert record %d: %w", r.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Load(ctx context.Context, fn func(ledger.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, record_type, actor, role, account, batch_id, entry_index, entry_hash, entry_json, recorded_at
FROM journal_records ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("select journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]storage.Row, 0)
	for rows.Next() {
		var row storage.Row
		var batchID, entryIndex sql.NullInt64
		var entryHash sql.NullString
		var recordedAt string
		if err := rows.Scan(&row.Seq, &row.Type, &row.Actor, &row.Role, &row.Account,
			&batchID, &entryIndex, &entryHash, &row.EntryJSON, &recordedAt); err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		if batchID.Valid {
			row.BatchID = &batchID.Int64
		}
		if entryIndex.Valid {
			row.EntryIndex = &entryIndex.Int64
		}
		if entryHash.Valid {
			row.EntryHash = &entryHash.String
		}
		row.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return fmt.Errorf("parse recorded_at of record %d: %w", row.Seq, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return storage.ReplayRows(ctx, out, fn)
}

// Package ledgerpostgres is the Postgres-backed ledger journal.
package ledgerpostgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"github.com/coldchain/coldchain-ledger/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Journal = (*Store)(nil)

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration001)
	if err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

// Append writes records in one serializable transaction. A concurrent writer
// that got there first surfaces as storage.ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, records []ledger.Record) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM journal_records`).Scan(&head); err != nil {
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
		_, err = tx.Exec(ctx, `
INSERT INTO journal_records (
  seq,
  record_type,
  actor,
  role,
  account,
  batch_id,
  entry_index,
  entry_hash,
  entry_json,
  recorded_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10)
`, row.Seq, row.Type, row.Actor, row.Role, row.Account, row.BatchID, row.EntryIndex, row.EntryHash, nullableJSON(row.EntryJSON), row.RecordedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: record %d: %v", storage.ErrSequenceConflict, r.Seq, err)
			}
			return fmt.Errorf("insert record %d: %w", r.Seq, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", storage.ErrSequenceConflict, err)
		}
		return err
	}
	return nil
}

func (s *Store) Load(ctx context.Context, fn func(ledger.Record) error) error {
	rows, err := s.pool.Query(ctx, `
SELECT seq, record_type, actor, role, account, batch_id, entry_index, entry_hash, entry_json, recorded_at
FROM journal_records ORDER BY seq ASC
`)
	if err != nil {
		return fmt.Errorf("select journal: %w", err)
	}
	defer rows.Close()

	out := make([]storage.Row, 0)
	for rows.Next() {
		var row storage.Row
		if err := rows.Scan(
			&row.Seq,
			&row.Type,
			&row.Actor,
			&row.Role,
			&row.Account,
			&row.BatchID,
			&row.EntryIndex,
			&row.EntryHash,
			&row.EntryJSON,
			&row.RecordedAt,
		); err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return storage.ReplayRows(ctx, out, fn)
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001"
}

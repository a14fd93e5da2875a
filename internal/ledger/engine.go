package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// appendTimeout bounds one journal append, independent of the caller.
const appendTimeout = 30 * time.Second

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Threshold is the breach ceiling; a reading strictly above it breaches.
	// Nil selects DefaultThreshold.
	Threshold *float64
	// CarrierRoles put a batch IN_TRANSIT when its new owner holds any of them.
	CarrierRoles []Role
	// RetailerRoles mark a batch DELIVERED when its new owner holds any of them.
	RetailerRoles []Role
	// Journal persists every committed mutation. Nil keeps the ledger in memory.
	Journal Journal
	Now     func() time.Time
}

// Engine owns the role registry, the batch store and the audit log. Mutations
// are serialized and applied all-or-nothing; reads observe committed state.
type Engine struct {
	mu            sync.RWMutex
	st            *state
	journal       Journal
	threshold     float64
	carrierRoles  []Role
	retailerRoles []Role
	now           func() time.Time
	initializer   Account
}

// Open builds an engine, replaying opts.Journal when it holds records. An
// empty journal is seeded with a genesis record naming admin, who receives
// ADMIN and CREATOR. When the journal already has a genesis record, admin
// must be empty or match it.
func Open(ctx context.Context, admin Account, opts Options) (*Engine, error) {
	threshold := DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if !finite(threshold) {
		return nil, errors.New("threshold must be finite")
	}
	if len(opts.CarrierRoles) == 0 {
		opts.CarrierRoles = []Role{RoleCarrier}
	}
	if len(opts.RetailerRoles) == 0 {
		opts.RetailerRoles = []Role{RoleRetailer}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	e := &Engine{
		st:            newState(),
		journal:       opts.Journal,
		threshold:     threshold,
		carrierRoles:  append([]Role(nil), opts.CarrierRoles...),
		retailerRoles: append([]Role(nil), opts.RetailerRoles...),
		now:           opts.Now,
	}
	if e.journal != nil {
		if err := e.journal.Load(ctx, e.replayRecord); err != nil {
			return nil, fmt.Errorf("replay journal: %w", err)
		}
	}
	if e.initializer != "" {
		if admin != "" && admin != e.initializer {
			return nil, fmt.Errorf("journal was initialized by %q, not %q", e.initializer, admin)
		}
		return e, nil
	}
	if admin.IsZero() {
		return nil, errors.New("admin account is required to initialize an empty ledger")
	}
	genesis := Record{
		Seq:        1,
		Type:       RecordGenesis,
		Actor:      admin,
		Account:    admin,
		RecordedAt: e.timestamp(),
	}
	if e.journal != nil {
		if err := e.journal.Append(ctx, []Record{genesis}); err != nil {
			return nil, fmt.Errorf("append genesis: %w", err)
		}
	}
	if err := e.replayRecord(genesis); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) replayRecord(r Record) error {
	if r.Seq != e.st.seq+1 {
		return fmt.Errorf("record %d out of sequence after %d", r.Seq, e.st.seq)
	}
	switch r.Type {
	case RecordGenesis:
		if e.initializer != "" {
			return fmt.Errorf("record %d: duplicate genesis", r.Seq)
		}
		e.initializer = r.Account
		e.st.grant(RoleAdmin, r.Account)
		e.st.grant(RoleCreator, r.Account)
	case RecordRoleGranted:
		e.st.grant(r.Role, r.Account)
	case RecordRoleRevoked:
		e.st.revoke(r.Role, r.Account)
	case RecordAuditEntry:
		if r.Entry == nil {
			return fmt.Errorf("record %d: missing audit entry", r.Seq)
		}
		entry := *r.Entry
		index, prev := e.st.head()
		if entry.Index != index+1 || entry.PreviousHash != prev {
			return fmt.Errorf("record %d: audit entry %d breaks the hash chain", r.Seq, entry.Index)
		}
		if want, err := ComputeEntryHash(entry); err != nil {
			return err
		} else if want != entry.EntryHash {
			return fmt.Errorf("record %d: audit entry %d hash mismatch", r.Seq, entry.Index)
		}
		if err := e.st.applyEntry(entry); err != nil {
			return fmt.Errorf("record %d: %w", r.Seq, err)
		}
	default:
		return fmt.Errorf("record %d: unknown type %q", r.Seq, r.Type)
	}
	if r.Type != RecordGenesis && e.initializer == "" {
		return fmt.Errorf("record %d precedes genesis", r.Seq)
	}
	e.st.seq = r.Seq
	return nil
}

// timestamp is the platform time, truncated so it survives storage in
// microsecond-precision columns with its hash intact.
func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// mutate runs fn against a staged transaction and publishes the result only
// when fn succeeds and the journal accepted every record.
func (e *Engine) mutate(ctx context.Context, caller Account, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newTxn(e.st, e.timestamp(), caller)
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.records) == 0 {
		return nil
	}
	for i := range tx.records {
		tx.records[i].Seq = e.st.seq + int64(i) + 1
	}
	if e.journal != nil {
		// A caller that goes away must not abandon an append the store may
		// already have committed.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
		defer cancel()
		if err := e.journal.Append(actx, tx.records); err != nil {
			return fmt.Errorf("append journal: %w", err)
		}
	}
	tx.commit()
	return nil
}

func (e *Engine) breaches(reading float64) bool {
	return reading > e.threshold
}

// Threshold reports the breach ceiling fixed at construction.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Initializer is the account named by the genesis record.
func (e *Engine) Initializer() Account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initializer
}

// Create registers a new batch owned by caller.
func (e *Engine) Create(ctx context.Context, caller Account, productLabel, details string) (uint64, error) {
	const op = "create"
	var id uint64
	err := e.mutate(ctx, caller, func(tx *txn) error {
		if err := requireRole(op, tx, RoleCreator, caller); err != nil {
			return err
		}
		id = tx.nextBatchID()
		b := Batch{
			ID:         id,
			CreatedAt:  tx.now,
			Originator: caller,
			Owner:      caller,
			Status:     StatusCreated,
		}
		tx.putBatch(b)
		_, err := tx.appendEntry(AuditEntry{
			BatchID:   id,
			Kind:      KindCreated,
			Details:   packDetails("product", productLabel, "details", details),
			Custodian: b.Owner,
			Status:    b.Status,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecordObservation logs one reading for a batch, latching the compromise
// flag when the reading is above the threshold. A nil reading is rejected
// once the batch and the caller have been checked.
func (e *Engine) RecordObservation(ctx context.Context, caller Account, batchID uint64, location string, reading *float64, notes string) (AuditEntry, error) {
	const op = "record_observation"
	var out AuditEntry
	err := e.mutate(ctx, caller, func(tx *txn) error {
		b, err := requireBatch(op, tx, batchID)
		if err != nil {
			return err
		}
		if err := requireOwnerOrRole(op, tx, b, RoleObserver, caller); err != nil {
			return err
		}
		if reading == nil {
			return invalidArgument(op, "reading is required")
		}
		if !finite(*reading) {
			return invalidArgument(op, "reading must be a finite number")
		}
		kind := KindObservation
		if e.breaches(*reading) {
			kind = KindBreach
			b.Compromised = true
			b.Status = StatusCompromised
			tx.putBatch(b)
		}
		out, err = tx.appendEntry(AuditEntry{
			BatchID:   batchID,
			Kind:      kind,
			Details:   packDetails("location", location, "notes", notes),
			Reading:   readingPtr(*reading),
			Custodian: b.Owner,
			Status:    b.Status,
		})
		return err
	})
	if err != nil {
		return AuditEntry{}, err
	}
	return out, nil
}

// TransferCustody hands a batch to newOwner. The resulting status follows
// the new owner's role class; the compromise flag is left alone.
func (e *Engine) TransferCustody(ctx context.Context, caller Account, batchID uint64, newOwner Account, notes string) (AuditEntry, error) {
	const op = "transfer_custody"
	var out AuditEntry
	err := e.mutate(ctx, caller, func(tx *txn) error {
		b, err := requireBatch(op, tx, batchID)
		if err != nil {
			return err
		}
		if err := requireOwner(op, b, caller); err != nil {
			return err
		}
		if newOwner.IsZero() {
			return invalidArgument(op, "new owner must not be the zero account")
		}
		if newOwner == caller {
			return invalidArgument(op, "new owner must differ from the current owner")
		}
		from := b.Owner
		b.Owner = newOwner
		switch {
		case e.holdsAny(tx, newOwner, e.carrierRoles):
			b.Status = StatusInTransit
		case e.holdsAny(tx, newOwner, e.retailerRoles):
			b.Status = StatusDelivered
		}
		tx.putBatch(b)
		out, err = tx.appendEntry(AuditEntry{
			BatchID:   batchID,
			Kind:      KindHandover,
			Details:   packDetails("from", string(from), "to", string(newOwner), "notes", notes),
			Custodian: b.Owner,
			Status:    b.Status,
		})
		return err
	})
	if err != nil {
		return AuditEntry{}, err
	}
	return out, nil
}

// IngestBatchObservations records a run of sensor readings in one call. The
// first breach latches the batch; every later entry in the same call is then
// tagged BREACH because the batch is compromised when it is written. Nil
// readings and timestamps are missing samples and fail the whole call.
func (e *Engine) IngestBatchObservations(ctx context.Context, caller Account, batchID uint64, readings []*float64, locations []string, timestamps []*time.Time) ([]AuditEntry, error) {
	const op = "ingest_batch_observations"
	var out []AuditEntry
	err := e.mutate(ctx, caller, func(tx *txn) error {
		b, err := requireBatch(op, tx, batchID)
		if err != nil {
			return err
		}
		if err := requireRole(op, tx, RoleObserver, caller); err != nil {
			return err
		}
		if len(readings) == 0 {
			return invalidArgument(op, "readings must not be empty")
		}
		if len(readings) != len(locations) || len(readings) != len(timestamps) {
			return invalidArgument(op, "readings, locations and timestamps must have equal length (got %d, %d, %d)", len(readings), len(locations), len(timestamps))
		}
		for i, r := range readings {
			if r == nil {
				return invalidArgument(op, "reading %d is missing", i)
			}
			if !finite(*r) {
				return invalidArgument(op, "reading %d must be a finite number", i)
			}
			if timestamps[i] == nil {
				return invalidArgument(op, "timestamp %d is missing", i)
			}
		}
		out = make([]AuditEntry, 0, len(readings))
		for i, r := range readings {
			if e.breaches(*r) {
				b.Compromised = true
				b.Status = StatusCompromised
				tx.putBatch(b)
			}
			kind := KindObservation
			if b.Compromised {
				kind = KindBreach
			}
			entry, err := tx.appendEntry(AuditEntry{
				BatchID:   batchID,
				Kind:      kind,
				Details:   packDetails("location", locations[i], "observed_at", timestamps[i].UTC().Format(time.RFC3339Nano)),
				Reading:   readingPtr(*r),
				Custodian: b.Owner,
				Status:    b.Status,
			})
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdminOverride marks a batch compromised without a measurement.
func (e *Engine) AdminOverride(ctx context.Context, caller Account, batchID uint64, reason string) (AuditEntry, error) {
	const op = "admin_override"
	var out AuditEntry
	err := e.mutate(ctx, caller, func(tx *txn) error {
		b, err := requireBatch(op, tx, batchID)
		if err != nil {
			return err
		}
		if err := requireRole(op, tx, RoleAdmin, caller); err != nil {
			return err
		}
		b.Compromised = true
		b.Status = StatusCompromised
		tx.putBatch(b)
		out, err = tx.appendEntry(AuditEntry{
			BatchID:   batchID,
			Kind:      KindAdminOverride,
			Details:   packDetails("reason", reason),
			Custodian: b.Owner,
			Status:    b.Status,
		})
		return err
	})
	if err != nil {
		return AuditEntry{}, err
	}
	return out, nil
}

func (e *Engine) holdsAny(tx *txn, account Account, roles []Role) bool {
	for _, r := range roles {
		if tx.has(r, account) {
			return true
		}
	}
	return false
}

// GetBatch returns the current projection of a batch.
func (e *Engine) GetBatch(batchID uint64) (Batch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.st.batch(batchID)
	if !ok {
		return Batch{}, notFound("get_batch", batchID)
	}
	return b, nil
}

// BatchCount is the number of batches ever created, which is also the
// highest assigned id.
func (e *Engine) BatchCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(len(e.st.batches))
}

// EntriesFor returns a batch's audit entries in creation order.
func (e *Engine) EntriesFor(batchID uint64) ([]AuditEntry, error) {
	_, entries, err := e.history("entries_for", batchID)
	return entries, err
}

// History returns a batch and its audit entries read under one lock, so the
// projection always matches the last entry of the trail.
func (e *Engine) History(batchID uint64) (Batch, []AuditEntry, error) {
	return e.history("history", batchID)
}

func (e *Engine) history(op string, batchID uint64) (Batch, []AuditEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.st.batch(batchID)
	if !ok {
		return Batch{}, nil, notFound(op, batchID)
	}
	idx := e.st.byBatch[batchID]
	out := make([]AuditEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, e.st.entries[i])
	}
	return b, out, nil
}

// Entries pages through the global audit log. after is an exclusive entry
// index; limit <= 0 returns everything after it.
func (e *Engine) Entries(after int64, limit int) []AuditEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(e.st.entries)) {
		return []AuditEntry{}
	}
	rest := e.st.entries[after:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	return append([]AuditEntry(nil), rest...)
}

// Head returns the index and hash of the latest audit entry.
func (e *Engine) Head() (int64, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.head()
}

// Snapshot copies the whole ledger under one read lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	index, hash := e.st.head()
	return Snapshot{
		Batches:   append([]Batch(nil), e.st.batches...),
		Entries:   append([]AuditEntry(nil), e.st.entries...),
		HeadIndex: index,
		HeadHash:  hash,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// packDetails renders key/value pairs as "k=v; k=v".
func packDetails(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, kv[i]+"="+kv[i+1])
	}
	return strings.Join(parts, "; ")
}

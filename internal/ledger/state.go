package ledger

import (
	"fmt"
	"sort"
	"time"
)

type state struct {
	roles   map[Role]map[Account]struct{}
	batches []Batch
	entries []AuditEntry
	byBatch map[uint64][]int
	seq     int64
}

func newState() *state {
	return &state{
		roles:   make(map[Role]map[Account]struct{}),
		byBatch: make(map[uint64][]int),
	}
}

func (s *state) has(role Role, account Account) bool {
	members, ok := s.roles[role]
	if !ok {
		return false
	}
	_, ok = members[account]
	return ok
}

func (s *state) grant(role Role, account Account) {
	members, ok := s.roles[role]
	if !ok {
		members = make(map[Account]struct{})
		s.roles[role] = members
	}
	members[account] = struct{}{}
}

func (s *state) revoke(role Role, account Account) {
	if members, ok := s.roles[role]; ok {
		delete(members, account)
	}
}

func (s *state) members(role Role) []Account {
	out := make([]Account, 0, len(s.roles[role]))
	for account := range s.roles[role] {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *state) rolesOf(account Account) []Role {
	out := make([]Role, 0)
	for role, members := range s.roles {
		if _, ok := members[account]; ok {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *state) batch(id uint64) (Batch, bool) {
	if id == 0 || id > uint64(len(s.batches)) {
		return Batch{}, false
	}
	return s.batches[id-1], true
}

func (s *state) head() (int64, string) {
	if len(s.entries) == 0 {
		return 0, ""
	}
	last := s.entries[len(s.entries)-1]
	return last.Index, last.EntryHash
}

// putBatch stores b, appending it when its id is the next one.
func (s *state) putBatch(b Batch) {
	if b.ID == uint64(len(s.batches))+1 {
		s.batches = append(s.batches, b)
		return
	}
	s.batches[b.ID-1] = b
}

func (s *state) appendEntry(e AuditEntry) {
	s.entries = append(s.entries, e)
	s.byBatch[e.BatchID] = append(s.byBatch[e.BatchID], len(s.entries)-1)
}

// applyEntry projects one audit entry onto the batch it names and appends it
// to the log. Entries reach here only in chain order during journal replay.
func (s *state) applyEntry(e AuditEntry) error {
	var b Batch
	if e.Kind != KindCreated {
		existing, ok := s.batch(e.BatchID)
		if !ok {
			return fmt.Errorf("entry %d references unknown batch %d", e.Index, e.BatchID)
		}
		b = existing
	} else if e.BatchID != uint64(len(s.batches))+1 {
		return fmt.Errorf("entry %d creates batch %d out of order", e.Index, e.BatchID)
	}
	project(&b, e)
	s.putBatch(b)
	s.appendEntry(e)
	return nil
}

type roleChange struct {
	grant   bool
	role    Role
	account Account
}

// txn stages the effects of one mutating call. Nothing reaches the base
// state until commit, so an aborted call leaves no trace.
type txn struct {
	base    *state
	now     time.Time
	actor   Account
	batches map[uint64]Batch
	entries []AuditEntry
	roles   []roleChange
	records []Record
}

func newTxn(base *state, now time.Time, actor Account) *txn {
	return &txn{base: base, now: now, actor: actor, batches: make(map[uint64]Batch)}
}

func (tx *txn) batch(id uint64) (Batch, bool) {
	if b, ok := tx.batches[id]; ok {
		return b, true
	}
	return tx.base.batch(id)
}

func (tx *txn) has(role Role, account Account) bool {
	held := tx.base.has(role, account)
	for _, c := range tx.roles {
		if c.role == role && c.account == account {
			held = c.grant
		}
	}
	return held
}

func (tx *txn) nextBatchID() uint64 {
	return uint64(len(tx.base.batches)+len(tx.newBatchIDs())) + 1
}

func (tx *txn) newBatchIDs() []uint64 {
	out := make([]uint64, 0)
	for id := range tx.batches {
		if id > uint64(len(tx.base.batches)) {
			out = append(out, id)
		}
	}
	return out
}

func (tx *txn) putBatch(b Batch) {
	tx.batches[b.ID] = b
}

func (tx *txn) setRole(grant bool, role Role, account Account) {
	if tx.has(role, account) == grant {
		return
	}
	tx.roles = append(tx.roles, roleChange{grant: grant, role: role, account: account})
	typ := RecordRoleRevoked
	if grant {
		typ = RecordRoleGranted
	}
	tx.records = append(tx.records, Record{
		Type:       typ,
		Actor:      tx.actor,
		Role:       role,
		Account:    account,
		RecordedAt: tx.now,
	})
}

// appendEntry seals e into the hash chain after everything already staged.
func (tx *txn) appendEntry(e AuditEntry) (AuditEntry, error) {
	index, prev := tx.base.head()
	if n := len(tx.entries); n > 0 {
		index, prev = tx.entries[n-1].Index, tx.entries[n-1].EntryHash
	}
	e.Index = index + 1
	e.PreviousHash = prev
	e.Actor = tx.actor
	e.Timestamp = tx.now
	hash, err := ComputeEntryHash(e)
	if err != nil {
		return AuditEntry{}, err
	}
	e.EntryHash = hash
	tx.entries = append(tx.entries, e)
	entry := e
	tx.records = append(tx.records, Record{
		Type:       RecordAuditEntry,
		Actor:      tx.actor,
		Entry:      &entry,
		RecordedAt: tx.now,
	})
	return e, nil
}

func (tx *txn) commit() {
	for _, c := range tx.roles {
		if c.grant {
			tx.base.grant(c.role, c.account)
		} else {
			tx.base.revoke(c.role, c.account)
		}
	}
	ids := make([]uint64, 0, len(tx.batches))
	for id := range tx.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		tx.base.putBatch(tx.batches[id])
	}
	for _, e := range tx.entries {
		tx.base.appendEntry(e)
	}
	if n := len(tx.records); n > 0 {
		tx.base.seq = tx.records[n-1].Seq
	}
}

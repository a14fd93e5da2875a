package ledger

import (
	"fmt"
	"sort"
)

// project applies e to b. It is the single definition of how audit entries
// map to batch state, shared by journal replay and Replay.
func project(b *Batch, e AuditEntry) {
	switch e.Kind {
	case KindCreated:
		*b = Batch{
			ID:         e.BatchID,
			CreatedAt:  e.Timestamp,
			Originator: e.Actor,
			Owner:      e.Custodian,
			Status:     StatusCreated,
		}
	case KindBreach, KindAdminOverride:
		// Ingestion on an already compromised batch can write BREACH entries
		// that keep a handover status.
		b.Compromised = true
		b.Status = e.Status
	case KindHandover:
		b.Owner = e.Custodian
		b.Status = e.Status
	case KindObservation:
	}
}

// Replay rebuilds batch projections from audit entries in log order. The
// entries may cover any subset of batches as long as each batch's history
// is complete and starts with its CREATED entry.
func Replay(entries []AuditEntry) ([]Batch, error) {
	byID := make(map[uint64]*Batch)
	for _, e := range entries {
		b, ok := byID[e.BatchID]
		switch {
		case e.Kind == KindCreated && ok:
			return nil, fmt.Errorf("entry %d recreates batch %d", e.Index, e.BatchID)
		case e.Kind == KindCreated:
			b = &Batch{}
			byID[e.BatchID] = b
		case !ok:
			return nil, fmt.Errorf("entry %d precedes creation of batch %d", e.Index, e.BatchID)
		}
		project(b, e)
	}
	out := make([]Batch, 0, len(byID))
	for _, b := range byID {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

package ledger

func requireBatch(op string, tx *txn, batchID uint64) (Batch, error) {
	b, ok := tx.batch(batchID)
	if !ok {
		return Batch{}, notFound(op, batchID)
	}
	return b, nil
}

func requireRole(op string, tx *txn, role Role, caller Account) error {
	if !tx.has(role, caller) {
		return unauthorized(op, "account %q lacks role %s", caller, role)
	}
	return nil
}

func requireOwner(op string, b Batch, caller Account) error {
	if b.Owner != caller {
		return unauthorized(op, "account %q is not the current owner of batch %d", caller, b.ID)
	}
	return nil
}

func requireOwnerOrRole(op string, tx *txn, b Batch, role Role, caller Account) error {
	if b.Owner == caller || tx.has(role, caller) {
		return nil
	}
	return unauthorized(op, "account %q is neither the owner of batch %d nor holds role %s", caller, b.ID, role)
}

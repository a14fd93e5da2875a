package ledger

import "context"

// Grant adds account to role. Granting a role already held succeeds without
// writing anything.
func (e *Engine) Grant(ctx context.Context, caller Account, role Role, account Account) error {
	return e.mutate(ctx, caller, func(tx *txn) error {
		if err := requireRole("grant", tx, RoleAdmin, caller); err != nil {
			return err
		}
		tx.setRole(true, role, account)
		return nil
	})
}

// Revoke removes account from role. Revoking a role not held is a no-op.
func (e *Engine) Revoke(ctx context.Context, caller Account, role Role, account Account) error {
	return e.mutate(ctx, caller, func(tx *txn) error {
		if err := requireRole("revoke", tx, RoleAdmin, caller); err != nil {
			return err
		}
		tx.setRole(false, role, account)
		return nil
	})
}

// GrantMany grants every role in roles to account as one unit.
func (e *Engine) GrantMany(ctx context.Context, caller Account, account Account, roles []Role) error {
	const op = "grant_many"
	return e.mutate(ctx, caller, func(tx *txn) error {
		if err := requireRole(op, tx, RoleAdmin, caller); err != nil {
			return err
		}
		if account.IsZero() {
			return invalidArgument(op, "account must not be the zero account")
		}
		for _, role := range roles {
			tx.setRole(true, role, account)
		}
		return nil
	})
}

// Renounce lets an account drop one of its own roles.
func (e *Engine) Renounce(ctx context.Context, caller Account, role Role, account Account) error {
	return e.mutate(ctx, caller, func(tx *txn) error {
		if caller != account {
			return unauthorized("renounce", "account %q can only renounce its own roles", caller)
		}
		tx.setRole(false, role, account)
		return nil
	})
}

// Has reports whether account holds role.
func (e *Engine) Has(role Role, account Account) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.has(role, account)
}

// Members lists the holders of role in sorted order.
func (e *Engine) Members(role Role) []Account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.members(role)
}

// RolesOf lists the roles account holds in sorted order.
func (e *Engine) RolesOf(account Account) []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.rolesOf(account)
}

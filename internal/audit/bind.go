package audit

import (
	"context"
	"strconv"

	"github.com/jmoiron/sqlx"

	"medisys.org/internal/store/pg"
)

const bindSQL = `select set_config('medisys.user_id', $1, true),
	set_config('medisys.ip_address', $2, true),
	set_config('medisys.session_id', $3, true)`

// Bind publishes ac to the database for the rest of the current transaction.
// Values are transaction-local (is_local = true): they vanish at commit or rollback
// and never reach another caller that reuses the pooled connection.
// Calling Bind outside a transaction has no lasting effect.
func Bind(ctx context.Context, ex sqlx.ExecerContext, ac Context) error {
	ac = ac.Normalized()
	_, err := ex.ExecContext(ctx, bindSQL, strconv.FormatInt(ac.UserID, 10), ac.IPAddress, ac.SessionID)
	return pg.Wrap("bind audit context", err)
}

// Scoped runs fn in a store transaction with ac bound, so every audited write in
// fn is attributed to ac and commits or rolls back together with its audit rows.
func Scoped(ctx context.Context, store *pg.Store, ac Context, fn func(tx *sqlx.Tx) error) error {
	return store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := Bind(ctx, tx, ac); err != nil {
			return err
		}
		return fn(tx)
	})
}

package rbac

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/governance/internal/platform/db"
)

// Repository stores permission overrides in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const listOverridesSQL = `SELECT user_id, module, can_read, can_write, can_delete, can_approve
FROM permission_overrides
WHERE user_id = $1
ORDER BY module`

// Get returns the overrides of userID; nil when the user has none.
func (r *Repository) Get(ctx context.Context, userID int64) ([]PermissionOverride, error) {
	rows, err := r.pool.Query(ctx, listOverridesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []PermissionOverride
	for rows.Next() {
		var o PermissionOverride
		var module string
		if err := rows.Scan(&o.UserID, &module, &o.Permission.CanRead, &o.Permission.CanWrite, &o.Permission.CanDelete, &o.Permission.CanApprove); err != nil {
			return nil, fmt.Errorf("rbac: scan override: %w", err)
		}
		o.Module = ModuleName(module)
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: list overrides: %w", err)
	}
	return overrides, nil
}

const upsertOverrideSQL = `INSERT INTO permission_overrides (user_id, module, can_read, can_write, can_delete, can_approve, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (user_id, module) DO UPDATE SET
	can_read = EXCLUDED.can_read,
	can_write = EXCLUDED.can_write,
	can_delete = EXCLUDED.can_delete,
	can_approve = EXCLUDED.can_approve,
	updated_at = NOW()`

// Upsert replaces each listed module of userID in a single transaction.
func (r *Repository) Upsert(ctx context.Context, userID int64, overrides []PermissionOverride) error {
	if len(overrides) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, o := range overrides {
			if !o.Module.Known() {
				return fmt.Errorf("%w: %q", ErrUnknownModule, o.Module)
			}
			p := o.Permission.Normalize()
			batch.Queue(upsertOverrideSQL, userID, string(o.Module), p.CanRead, p.CanWrite, p.CanDelete, p.CanApprove)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("rbac: upsert overrides: %w", err)
		}
		return nil
	})
}

// Clear removes every override of userID, restoring role defaults.
func (r *Repository) Clear(ctx context.Context, userID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM permission_overrides WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("rbac: clear overrides: %w", err)
	}
	return nil
}

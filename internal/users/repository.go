package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/governance/internal/platform/db"
	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/roles"
	"github.com/odyssey-erp/governance/internal/shared"
)

// sqlStateLastSuperAdmin is raised by the users_keep_super_admin trigger.
const sqlStateLastSuperAdmin = "GV001"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, role, is_active, profile_id, manager_profile_id, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.IsActive, &u.ProfileID, &u.ManagerProfileID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	u.Role = rbac.Role(role)
	return u, nil
}

// GetUser loads a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("users: user %d: %w", id, shared.ErrNotFound)
		}
		return User{}, fmt.Errorf("users: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns one page of users and the total match count.
func (r *Repository) ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error) {
	var where []string
	var args []any
	if filters.Role != "" {
		args = append(args, string(filters.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if filters.Active != nil {
		args = append(args, *filters.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("users: count users: %w", err)
	}

	page := shared.NewPagination(filters.Page, filters.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY id LIMIT $%d OFFSET $%d`, userColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("users: list users: %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("users: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("users: list users: %w", err)
	}
	return users, total, nil
}

// CountByRole returns how many users hold role.
func (r *Repository) CountByRole(ctx context.Context, role rbac.Role) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(role)).Scan(&n); err != nil {
		return 0, fmt.Errorf("users: count by role: %w", err)
	}
	return n, nil
}

// ManagerProfileID returns the manager profile of userID, or 0 when the user
// reports to nobody.
func (r *Repository) ManagerProfileID(ctx context.Context, userID int64) (int64, error) {
	var manager *int64
	err := r.pool.QueryRow(ctx, `SELECT manager_profile_id FROM users WHERE id = $1`, userID).Scan(&manager)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("users: user %d: %w", userID, shared.ErrNotFound)
		}
		return 0, fmt.Errorf("users: manager profile: %w", err)
	}
	if manager == nil {
		return 0, nil
	}
	return *manager, nil
}

// ChangeRole updates the role of id. Every super administrator row is locked
// first so two concurrent demotions cannot both observe a spare holder.
func (r *Repository) ChangeRole(ctx context.Context, id int64, role rbac.Role) (User, error) {
	var updated User
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY id FOR UPDATE`, string(rbac.RoleSuperAdministrator))
		if err != nil {
			return fmt.Errorf("users: lock super administrators: %w", err)
		}
		superAdmins := map[int64]struct{}{}
		for rows.Next() {
			var sid int64
			if err := rows.Scan(&sid); err != nil {
				rows.Close()
				return fmt.Errorf("users: lock super administrators: %w", err)
			}
			superAdmins[sid] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("users: lock super administrators: %w", err)
		}

		current, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("users: user %d: %w", id, shared.ErrNotFound)
			}
			return fmt.Errorf("users: load user: %w", err)
		}
		if current.Role == rbac.RoleSuperAdministrator && role != rbac.RoleSuperAdministrator && len(superAdmins) <= 1 {
			return &roles.LastSuperAdminError{UserID: id}
		}

		updated, err = scanUser(tx.QueryRow(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1 RETURNING `+userColumns, id, string(role)))
		if err != nil {
			return fmt.Errorf("users: update role: %w", err)
		}
		return nil
	})
	if err != nil {
		return User{}, mapWriteError(id, err)
	}
	return updated, nil
}

// Bootstrap is the first account of an installation.
type Bootstrap struct {
	Email     string
	Name      string
	ProfileID int64
}

// EnsureSuperAdmin creates b as a super administrator unless one already
// exists. It reports whether a row was inserted.
func (r *Repository) EnsureSuperAdmin(ctx context.Context, b Bootstrap) (User, bool, error) {
	var out User
	created := false
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('users.bootstrap'))`); err != nil {
			return fmt.Errorf("users: bootstrap lock: %w", err)
		}
		existing, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY id LIMIT 1`, string(rbac.RoleSuperAdministrator)))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("users: bootstrap lookup: %w", err)
		}
		out, err = scanUser(tx.QueryRow(ctx, `INSERT INTO users (email, name, role, is_active, profile_id)
VALUES ($1, $2, $3, TRUE, $4)
RETURNING `+userColumns, b.Email, b.Name, string(rbac.RoleSuperAdministrator), b.ProfileID))
		if err != nil {
			return fmt.Errorf("users: bootstrap insert: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return User{}, false, err
	}
	return out, created, nil
}

// SetActive enables or disables an account.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) (User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1 RETURNING `+userColumns, id, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("users: user %d: %w", id, shared.ErrNotFound)
		}
		return User{}, fmt.Errorf("users: set active: %w", err)
	}
	return u, nil
}

// DeleteUser removes id unless it holds a protected role at delete time.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	protected := make([]string, 0, len(roles.ProtectedRoles))
	for _, role := range roles.ProtectedRoles {
		protected = append(protected, string(role))
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1 AND NOT (role = ANY($2))`, id, protected)
	if err != nil {
		return mapWriteError(id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	u, err := r.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if !roles.IsProtected(u.Role) {
		return fmt.Errorf("users: user %d: %w", id, shared.ErrConcurrentChange)
	}
	return &roles.ProtectedRoleError{UserID: id, Role: u.Role}
}

func mapWriteError(id int64, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("users: user %d: %w", id, shared.ErrConcurrentChange)
		case sqlStateLastSuperAdmin:
			return &roles.LastSuperAdminError{UserID: id}
		}
	}
	return err
}

// Reader loads single users.
type Reader interface {
	GetUser(ctx context.Context, id int64) (User, error)
}

// Directory adapts a Reader to permission resolution.
type Directory struct {
	repo Reader
}

// NewDirectory wraps repo.
func NewDirectory(repo Reader) *Directory {
	return &Directory{repo: repo}
}

// GetUser implements rbac.UserDirectory.
func (d *Directory) GetUser(ctx context.Context, id int64) (rbac.User, error) {
	u, err := d.repo.GetUser(ctx, id)
	if err != nil {
		return rbac.User{}, err
	}
	return u.Principal(), nil
}

package leave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/governance/internal/shared"
)

// Repository stores leave requests in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const requestColumns = `id, user_id, start_date, end_date, status, is_urgent, urgency_reason, manager_id,
approval_reason, rejection_reason, decided_by, decided_at, created_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	var status string
	if err := row.Scan(&req.ID, &req.UserID, &req.StartDate, &req.EndDate, &status, &req.IsUrgent, &req.UrgencyReason, &req.ManagerID,
		&req.ApprovalReason, &req.RejectionReason, &req.DecidedBy, &req.DecidedAt, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return Request{}, err
	}
	req.Status = Status(status)
	return req, nil
}

// Create inserts a new request.
func (r *Repository) Create(ctx context.Context, req Request) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO leave_requests (id, user_id, start_date, end_date, status, is_urgent, urgency_reason, manager_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		req.ID, req.UserID, req.StartDate, req.EndDate, string(req.Status), req.IsUrgent, req.UrgencyReason, req.ManagerID, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("leave: insert request: %w", err)
	}
	return nil
}

// Get loads a request by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("leave: request %s: %w", id, shared.ErrNotFound)
		}
		return Request{}, fmt.Errorf("leave: get request: %w", err)
	}
	return req, nil
}

// List returns one page of requests matching filter.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	var where []string
	var args []any
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ManagerID != nil {
		args = append(args, *filter.ManagerID)
		where = append(where, fmt.Sprintf("manager_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM leave_requests`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("leave: count requests: %w", err)
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM leave_requests%s ORDER BY start_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		requestColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("leave: list requests: %w", err)
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("leave: scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("leave: list requests: %w", err)
	}
	return out, total, nil
}

// Transition persists req only if the stored status still equals from.
// ErrInvalidState is returned when another actor moved it first.
func (r *Repository) Transition(ctx context.Context, req Request, from Status) (Request, error) {
	updated, err := scanRequest(r.pool.QueryRow(ctx, `UPDATE leave_requests SET
	status = $3,
	approval_reason = $4,
	rejection_reason = $5,
	decided_by = $6,
	decided_at = $7,
	updated_at = NOW()
WHERE id = $1 AND status = $2
RETURNING `+requestColumns,
		req.ID, string(from), string(req.Status), req.ApprovalReason, req.RejectionReason, req.DecidedBy, req.DecidedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrInvalidState
		}
		return Request{}, fmt.Errorf("leave: transition request: %w", err)
	}
	return updated, nil
}

// MostRecentCompleted returns the end date of userID's latest approved or
// completed leave.
func (r *Repository) MostRecentCompleted(ctx context.Context, userID int64) (time.Time, bool, error) {
	var end time.Time
	err := r.pool.QueryRow(ctx, `SELECT end_date FROM leave_requests
WHERE user_id = $1 AND status IN ('approved', 'completed')
ORDER BY end_date DESC
LIMIT 1`, userID).Scan(&end)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("leave: most recent completed: %w", err)
	}
	return end, true, nil
}

// CompleteElapsed marks approved requests that ended before cutoff as completed.
func (r *Repository) CompleteElapsed(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE leave_requests SET status = 'completed', updated_at = NOW()
WHERE status = 'approved' AND end_date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("leave: complete elapsed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Package migrations embeds the schema and applies it with goose.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// Runner applies embedded migrations to a pool.
type Runner struct {
	provider *goose.Provider
	logger   *slog.Logger
}

// NewRunner prepares a goose provider over pool. Close releases the
// database/sql handle but leaves the pool open.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("migrations: pool required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, stdlib.OpenDBFromPool(pool), files)
	if err != nil {
		return nil, fmt.Errorf("migrations: provider: %w", err)
	}
	return &Runner{provider: provider, logger: logger}, nil
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	for _, res := range results {
		r.log(res)
	}
	if err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	if len(results) == 0 {
		r.logger.Info("schema up to date")
	}
	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) error {
	res, err := r.provider.Down(ctx)
	if res != nil {
		r.log(res)
	}
	if err != nil {
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Status lists every migration and whether it is applied.
func (r *Runner) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrations: status: %w", err)
	}
	return statuses, nil
}

// Close releases the underlying database handle.
func (r *Runner) Close() error {
	return r.provider.Close()
}

func (r *Runner) log(res *goose.MigrationResult) {
	attrs := []any{
		slog.Int64("version", res.Source.Version),
		slog.String("source", res.Source.Path),
		slog.String("direction", res.Direction),
		slog.Duration("duration", res.Duration),
	}
	if res.Error != nil {
		r.logger.Error("migration failed", append(attrs, slog.Any("error", res.Error))...)
		return
	}
	r.logger.Info("migration applied", attrs...)
}

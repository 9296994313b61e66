package schemagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type (
	// Applier applies versioned migration scripts to a database and keeps its history table
	Applier struct {
		db           Database
		historyTable string
		timeout      time.Duration
		logger       *slog.Logger
	}

	// ApplyResult summarises an Apply run
	ApplyResult struct {
		Applied []Migration
		Skipped int // Scripts already recorded in the history
	}
)

// NewApplier creates a new migration applier. A zero timeout disables the deadline.
func NewApplier(db Database, historyTable string, timeout time.Duration, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		db:           db,
		historyTable: historyTable,
		timeout:      timeout,
		logger:       logger,
	}
}

// Apply discovers the scripts in migrationsPath and applies every unapplied one to schema, in version order.
// Each script commits together with its history row; a failing script leaves the history untouched.
func (a *Applier) Apply(ctx context.Context, migrationsPath, schema string) (*ApplyResult, error) {
	local, err := LoadMigrations(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load local migrations: %w", err)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	status, applied, release, err := a.prepare(ctx, local, schema)
	if err != nil {
		return nil, a.timeoutErr(ctx, err)
	}
	defer release()

	result := &ApplyResult{Skipped: len(status.Applied)}
	if len(status.Pending) == 0 {
		a.logger.Info("schema is up to date", "schema", schema, "applied", len(applied))
		return result, nil
	}

	for _, migration := range status.Pending {
		a.logger.Info("applying migration",
			"schema", schema,
			"version", migration.Version.String(),
			"script", migration.Script)

		start := time.Now()
		if err := a.db.ApplyMigration(ctx, schema, a.historyTable, migration); err != nil {
			return result, a.timeoutErr(ctx, fmt.Errorf("failed to apply migration %s (%s): %w", migration.Version, migration.Script, err))
		}

		a.logger.Debug("migration applied",
			"version", migration.Version.String(),
			"elapsed", time.Since(start))
		result.Applied = append(result.Applied, migration)
	}

	a.logger.Info("migrations applied", "schema", schema, "count", len(result.Applied))
	return result, nil
}

// Validate checks the history against the local scripts without applying anything
func (a *Applier) Validate(ctx context.Context, migrationsPath, schema string) (*MigrationStatus, error) {
	local, err := LoadMigrations(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load local migrations: %w", err)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	status, _, release, err := a.prepare(ctx, local, schema)
	if err != nil {
		return status, a.timeoutErr(ctx, err)
	}
	release()
	return status, nil
}

// prepare ensures the history table, takes the applier lock and validates the history.
// The returned release func must be called once the caller is done with the database.
func (a *Applier) prepare(ctx context.Context, local []Migration, schema string) (*MigrationStatus, []HistoryRecord, func(), error) {
	if err := a.db.EnsureHistory(ctx, schema, a.historyTable); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize migration history: %w", err)
	}

	release, err := a.db.Lock(ctx, schema+"."+a.historyTable)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	applied, err := a.db.AppliedMigrations(ctx, schema, a.historyTable)
	if err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	status := CompareMigrations(local, applied)
	if err := ValidateMigrations(status, applied); err != nil {
		release()
		return status, applied, nil, fmt.Errorf("migration validation failed: %w", err)
	}

	return status, applied, release, nil
}

func (a *Applier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// timeoutErr tags err with ErrMigrationTimeout when the apply deadline caused it
func (a *Applier) timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrMigrationTimeout) {
		return fmt.Errorf("%w after %v: %w", ErrMigrationTimeout, a.timeout, err)
	}
	return err
}

package schemagen

import (
	"context"
	"fmt"
	"io"
)

// ListMigrations loads the local scripts, optionally compares them with the history in db, and writes a status report to w
func ListMigrations(ctx context.Context, w io.Writer, migrationsPath string, db Database, schema, historyTable string) (*MigrationStatus, error) {
	local, err := LoadMigrations(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load local migrations: %w", err)
	}

	var applied []HistoryRecord
	if db != nil {
		if err := db.EnsureHistory(ctx, schema, historyTable); err != nil {
			return nil, fmt.Errorf("failed to initialize migration history: %w", err)
		}

		applied, err = db.AppliedMigrations(ctx, schema, historyTable)
		if err != nil {
			return nil, fmt.Errorf("failed to get applied migrations: %w", err)
		}
	}

	status := CompareMigrations(local, applied)

	fmt.Fprintln(w, "Migration Status:")
	fmt.Fprintln(w, "=================")

	if len(status.Applied) > 0 {
		fmt.Fprintf(w, "\nApplied (%d):\n", len(status.Applied))
		for _, m := range status.Applied {
			fmt.Fprintf(w, "  ✓ %s - %s (applied: %s)\n", m.Version, m.Description, m.AppliedAt.Format("2006-01-02 15:04:05"))
		}
	}

	if len(status.Pending) > 0 {
		fmt.Fprintf(w, "\nPending (%d):\n", len(status.Pending))
		for _, m := range status.Pending {
			note := ""
			if !IsNonEmptySQL(m) {
				note = " [empty]"
			}
			fmt.Fprintf(w, "  ○ %s - %s%s\n", m.Version, m.Description, note)
		}
	}

	if len(status.Missing) > 0 {
		fmt.Fprintf(w, "\nMissing Locally (%d):\n", len(status.Missing))
		for _, r := range status.Missing {
			fmt.Fprintf(w, "  ! %s - %s (applied: %s)\n", r.Version, r.Description, r.AppliedAt.Format("2006-01-02 15:04:05"))
		}
	}

	if len(status.Local) == 0 && len(status.Missing) == 0 {
		fmt.Fprintln(w, "\nNo migrations found.")
	}

	return status, nil
}

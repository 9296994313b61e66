package schemagen

import (
	"context"
	"time"
)

type (
	// Migration represents a single versioned SQL script discovered in the migrations directory
	Migration struct {
		Version     Version
		Description string
		Script      string // Path relative to the migrations directory, slash separated
		Path        string
		Content     string
		Checksum    string
		AppliedAt   *time.Time
	}

	// HistoryRecord represents a row of the migration history table
	HistoryRecord struct {
		InstalledRank int
		Version       string
		Description   string
		Script        string
		Checksum      string
		AppliedAt     time.Time
		ExecutionTime time.Duration
	}

	// MigrationStatus represents the status of migrations in the system
	MigrationStatus struct {
		Local   []Migration
		Applied []Migration
		Pending []Migration
		Missing []HistoryRecord // Versions recorded in the database but not present locally
	}

	// ObjectKind identifies the kind of schema object an artifact is generated for
	ObjectKind string

	// Column describes a single column of an introspected table or view
	Column struct {
		Name       string
		Ordinal    int
		Type       string // Postgres udt_name, e.g. int4, text, timestamptz
		Nullable   bool
		HasDefault bool
	}

	// SchemaObject is a table, view or sequence visible in the target database
	SchemaObject struct {
		Schema     string
		Name       string
		Kind       ObjectKind
		View       bool
		Columns    []Column
		PrimaryKey []string

		// Sequence attributes
		DataType  string
		Start     int64
		Increment int64
	}

	// Snapshot is the set of schema objects visible at introspection time
	Snapshot struct {
		Schemas []string
		Objects []SchemaObject
	}

	// Database abstracts the operations the pipeline needs from a live database
	Database interface {
		// EnsureHistory creates the schema and its history table if they don't exist
		EnsureHistory(ctx context.Context, schema, table string) error
		// AppliedMigrations returns the history rows ordered by installed rank
		AppliedMigrations(ctx context.Context, schema, table string) ([]HistoryRecord, error)
		// ApplyMigration executes the script and appends its history row in a single transaction
		ApplyMigration(ctx context.Context, schema, table string, migration Migration) error
		// Lock serialises appliers against the same history table
		Lock(ctx context.Context, key string) (release func(), err error)
		// Introspect reads the schema objects of the given schemas
		Introspect(ctx context.Context, schemas []string) (*Snapshot, error)
		ConnectionString() string
		Close() error
	}

	// Connector opens a Database for an endpoint
	Connector func(ctx context.Context, endpoint Endpoint) (Database, error)

	// Instance is a disposable, network-addressable database
	Instance interface {
		// Start provisions the instance and returns its coordinates once it reports ready
		Start(ctx context.Context) (Endpoint, error)
		// Stop tears the instance down; it is safe to call when nothing is running
		Stop(ctx context.Context) error
		IsReady(ctx context.Context) bool
	}

	// CommandExecutor abstracts command execution
	CommandExecutor interface {
		ExecuteCommands(ctx context.Context, commands []string, workingDir string, env map[string]string) error
	}
)

const (
	KindTable    ObjectKind = "table"
	KindSequence ObjectKind = "sequence"
)

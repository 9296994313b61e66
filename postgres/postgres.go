package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mantty/schemagen"
)

const defaultConnectTimeout = 10 * time.Second

type (
	// DB wraps a PostgreSQL connection pool and implements schemagen.Database
	DB struct {
		pool    *pgxpool.Pool
		connStr string
	}
)

var (
	//go:embed assets/setup_history.sql
	setupHistorySQL string

	//go:embed assets/introspect_tables.sql
	introspectTablesSQL string

	//go:embed assets/introspect_columns.sql
	introspectColumnsSQL string

	//go:embed assets/introspect_primary_keys.sql
	introspectPrimaryKeysSQL string

	//go:embed assets/introspect_sequences.sql
	introspectSequencesSQL string
)

// Connect opens a database for endpoint; it satisfies schemagen.Connector
func Connect(ctx context.Context, endpoint schemagen.Endpoint) (schemagen.Database, error) {
	return NewDB(ctx, endpoint.URL())
}

// NewDB creates a new PostgreSQL database connection. Unreachable or unparsable targets yield schemagen.ErrConnection.
func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse database URL: %w", schemagen.ErrConnection, err)
	}
	if config.ConnConfig.ConnectTimeout == 0 {
		config.ConnConfig.ConnectTimeout = defaultConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create connection pool: %w", schemagen.ErrConnection, err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", schemagen.ErrConnection, err)
	}

	return &DB{
		pool:    pool,
		connStr: databaseURL,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// ConnectionString returns the database connection string
func (db *DB) ConnectionString() string {
	return db.connStr
}

// EnsureHistory creates the schema and its history table if they don't exist
func (db *DB) EnsureHistory(ctx context.Context, schema, table string) error {
	sql := fmt.Sprintf(setupHistorySQL, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{schema, table}.Sanitize())
	if _, err := db.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to initialize history table %s.%s: %w", schema, table, err)
	}
	return nil
}

// AppliedMigrations returns the history rows ordered by installed rank
func (db *DB) AppliedMigrations(ctx context.Context, schema, table string) ([]schemagen.HistoryRecord, error) {
	query := fmt.Sprintf(`
		SELECT installed_rank, version, description, script, checksum, applied_at, execution_ms
		FROM %s
		ORDER BY installed_rank ASC
	`, pgx.Identifier{schema, table}.Sanitize())

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []schemagen.HistoryRecord
	for rows.Next() {
		var (
			r  schemagen.HistoryRecord
			ms int64
		)
		if err := rows.Scan(&r.InstalledRank, &r.Version, &r.Description, &r.Script, &r.Checksum, &r.AppliedAt, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		r.ExecutionTime = time.Duration(ms) * time.Millisecond
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history records: %w", err)
	}

	return records, nil
}

// ApplyMigration executes the script with schema first on the search path and records it, within one transaction
func (db *DB) ApplyMigration(ctx context.Context, schema, table string, migration schemagen.Migration) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", schemagen.ErrConnection, err)
	}
	defer tx.Rollback(ctx) // Will be ignored if transaction is committed

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}

	start := time.Now()
	if schemagen.IsNonEmptySQL(migration) {
		if _, err := tx.Exec(ctx, migration.Content); err != nil {
			return fmt.Errorf("failed to execute %s: %w", migration.Script, err)
		}
	}
	elapsed := time.Since(start)

	history := pgx.Identifier{schema, table}.Sanitize()
	insert := fmt.Sprintf(`
		INSERT INTO %s (installed_rank, version, description, script, checksum, execution_ms)
		SELECT COALESCE(MAX(installed_rank), 0) + 1, $1, $2, $3, $4, $5 FROM %s
	`, history, history)

	if _, err := tx.Exec(ctx, insert,
		migration.Version.String(),
		migration.Description,
		migration.Script,
		migration.Checksum,
		elapsed.Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Lock takes a session-level advisory lock derived from key on a dedicated connection.
// The returned func releases both.
func (db *DB) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire connection: %w", schemagen.ErrConnection, err)
	}

	id := lockID(key)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", id); err != nil {
			// A connection whose unlock failed must not go back to the pool holding the lock
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Introspect reads the tables, views and sequences of schemas
func (db *DB) Introspect(ctx context.Context, schemas []string) (*schemagen.Snapshot, error) {
	objects := make(map[string]*schemagen.SchemaObject)
	key := func(schema, name string) string { return schema + "\x00" + name }

	rows, err := db.pool.Query(ctx, introspectTablesSQL, schemas)
	if err != nil {
		return nil, introspectionErr("tables", err)
	}
	var tables []string
	for rows.Next() {
		o := &schemagen.SchemaObject{Kind: schemagen.KindTable}
		if err := rows.Scan(&o.Schema, &o.Name, &o.View); err != nil {
			rows.Close()
			return nil, introspectionErr("tables", err)
		}
		k := key(o.Schema, o.Name)
		objects[k] = o
		tables = append(tables, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, introspectionErr("tables", err)
	}

	rows, err = db.pool.Query(ctx, introspectColumnsSQL, schemas)
	if err != nil {
		return nil, introspectionErr("columns", err)
	}
	for rows.Next() {
		var schema, table string
		var c schemagen.Column
		if err := rows.Scan(&schema, &table, &c.Name, &c.Ordinal, &c.Type, &c.Nullable, &c.HasDefault); err != nil {
			rows.Close()
			return nil, introspectionErr("columns", err)
		}
		if o, ok := objects[key(schema, table)]; ok {
			o.Columns = append(o.Columns, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, introspectionErr("columns", err)
	}

	rows, err = db.pool.Query(ctx, introspectPrimaryKeysSQL, schemas)
	if err != nil {
		return nil, introspectionErr("primary keys", err)
	}
	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			rows.Close()
			return nil, introspectionErr("primary keys", err)
		}
		if o, ok := objects[key(schema, table)]; ok {
			o.PrimaryKey = append(o.PrimaryKey, column)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, introspectionErr("primary keys", err)
	}

	snapshot := &schemagen.Snapshot{Schemas: append([]string(nil), schemas...)}
	for _, k := range tables {
		snapshot.Objects = append(snapshot.Objects, *objects[k])
	}

	rows, err = db.pool.Query(ctx, introspectSequencesSQL, schemas)
	if err != nil {
		return nil, introspectionErr("sequences", err)
	}
	for rows.Next() {
		o := schemagen.SchemaObject{Kind: schemagen.KindSequence}
		if err := rows.Scan(&o.Schema, &o.Name, &o.DataType, &o.Start, &o.Increment); err != nil {
			rows.Close()
			return nil, introspectionErr("sequences", err)
		}
		snapshot.Objects = append(snapshot.Objects, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, introspectionErr("sequences", err)
	}

	sort.SliceStable(snapshot.Objects, func(i, j int) bool {
		a, b := snapshot.Objects[i], snapshot.Objects[j]
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})

	return snapshot, nil
}

func introspectionErr(what string, err error) error {
	return fmt.Errorf("%w: failed to read %s: %w", schemagen.ErrIntrospection, what, err)
}

package schemagen_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mantty/schemagen"
)

// fakeDB is an in-memory schemagen.Database
type fakeDB struct {
	mu            sync.Mutex
	history       map[string][]schemagen.HistoryRecord
	executed      []string
	snapshot      *schemagen.Snapshot
	failScript    string
	introspectErr error
	block         bool // ApplyMigration waits for the context like a stalled connection
	locked        bool
	closed        int
}

func newFakeDB(snapshot *schemagen.Snapshot) *fakeDB {
	return &fakeDB{history: make(map[string][]schemagen.HistoryRecord), snapshot: snapshot}
}

func (f *fakeDB) EnsureHistory(ctx context.Context, schema, table string) error {
	return nil
}

func (f *fakeDB) AppliedMigrations(ctx context.Context, schema, table string) ([]schemagen.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemagen.HistoryRecord(nil), f.history[schema+"."+table]...), nil
}

func (f *fakeDB) ApplyMigration(ctx context.Context, schema, table string, m schemagen.Migration) error {
	if f.block {
		<-ctx.Done()
		return fmt.Errorf("%w: failed to begin transaction: %w", schemagen.ErrConnection, ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.Script == f.failScript {
		return fmt.Errorf("syntax error in %s", m.Script)
	}
	key := schema + "." + table
	f.executed = append(f.executed, m.Script)
	f.history[key] = append(f.history[key], schemagen.HistoryRecord{
		InstalledRank: len(f.history[key]) + 1,
		Version:       m.Version.String(),
		Description:   m.Description,
		Script:        m.Script,
		Checksum:      m.Checksum,
		AppliedAt:     time.Now(),
	})
	return nil
}

func (f *fakeDB) Lock(ctx context.Context, key string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return nil, fmt.Errorf("lock %s already held", key)
	}
	f.locked = true
	return func() {
		f.mu.Lock()
		f.locked = false
		f.mu.Unlock()
	}, nil
}

func (f *fakeDB) Introspect(ctx context.Context, schemas []string) (*schemagen.Snapshot, error) {
	if f.introspectErr != nil {
		return nil, f.introspectErr
	}
	return f.snapshot, nil
}

func (f *fakeDB) ConnectionString() string { return "postgres://fake" }

func (f *fakeDB) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// ports simulates the host's port table shared by fake instances
type ports struct {
	mu   sync.Mutex
	used map[int]bool
}

func newPorts() *ports { return &ports{used: make(map[int]bool)} }

// fakeInstance is a schemagen.Instance bound to a port in a shared port table
type fakeInstance struct {
	ports    *ports
	port     int
	startErr error
	stopErr  error
	started  chan struct{} // Closed when Start is entered, if set
	proceed  chan struct{} // Start waits on it, if set

	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (f *fakeInstance) Start(ctx context.Context) (schemagen.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.started != nil {
		close(f.started)
		<-f.proceed
	}
	if f.startErr != nil {
		return schemagen.Endpoint{}, f.startErr
	}

	f.ports.mu.Lock()
	defer f.ports.mu.Unlock()
	if f.ports.used[f.port] {
		return schemagen.Endpoint{}, fmt.Errorf("%w: %d", schemagen.ErrPortInUse, f.port)
	}
	f.ports.used[f.port] = true
	f.running = true
	return schemagen.Endpoint{Host: "127.0.0.1", Port: f.port, Database: "postgres", User: "postgres", Password: "postgres"}, nil
}

func (f *fakeInstance) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.running {
		f.ports.mu.Lock()
		delete(f.ports.used, f.port)
		f.ports.mu.Unlock()
		f.running = false
	}
	return f.stopErr
}

func (f *fakeInstance) IsReady(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// fakeExecutor records hook invocations
type fakeExecutor struct {
	commands []string
	dir      string
	env      map[string]string
	err      error
}

func (f *fakeExecutor) ExecuteCommands(ctx context.Context, commands []string, workingDir string, env map[string]string) error {
	f.commands = append(f.commands, commands...)
	f.dir = workingDir
	f.env = env
	return f.err
}

package schemagen_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mantty/schemagen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	cfg       *schemagen.Config
	db        *fakeDB
	connects  int
	endpoints []schemagen.Endpoint
	executor  *fakeExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := schemagen.DefaultConfig()
	cfg.Migrations = "testdata/migrations"
	cfg.Output = t.TempDir()
	return &harness{cfg: cfg, db: newFakeDB(sampleSnapshot()), executor: &fakeExecutor{}}
}

func (h *harness) connect(ctx context.Context, endpoint schemagen.Endpoint) (schemagen.Database, error) {
	h.connects++
	h.endpoints = append(h.endpoints, endpoint)
	return h.db, nil
}

func (h *harness) pipeline(inst schemagen.Instance) *schemagen.Pipeline {
	return schemagen.NewPipeline(h.cfg, inst, h.connect, h.executor, nil)
}

func TestGenerateLocal(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356}
	p := h.pipeline(inst)

	report, err := p.GenerateLocal(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, schemagen.StateDone, report.State)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []schemagen.State{
		schemagen.StateIdle,
		schemagen.StateStarting,
		schemagen.StateMigrating,
		schemagen.StateIntrospecting,
		schemagen.StateStopping,
		schemagen.StateDone,
	}, p.States())

	assert.Len(t, report.Applied, 4)
	assert.Len(t, report.Artifacts, 4)
	assert.Equal(t, 1, inst.starts)
	assert.Equal(t, 1, inst.stops)
	assert.False(t, inst.running)
	assert.Equal(t, 1, h.db.closed)
	assert.Equal(t, 60356, h.endpoints[0].Port)

	assert.FileExists(t, filepath.Join(h.cfg.Output, "alpha_table.go"))
	assert.FileExists(t, filepath.Join(h.cfg.Output, schemagen.StampFile))
}

func TestGenerateLocalSkipsUnchangedInputs(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356}
	p := h.pipeline(inst)

	_, err := p.GenerateLocal(context.Background(), false)
	require.NoError(t, err)

	report, err := p.GenerateLocal(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, inst.starts, "an up-to-date run must not start the instance")

	// A deleted artifact invalidates the stamp
	require.NoError(t, os.Remove(filepath.Join(h.cfg.Output, "alpha_table.go")))
	report, err = p.GenerateLocal(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Empty(t, report.Applied)
	assert.FileExists(t, filepath.Join(h.cfg.Output, "alpha_table.go"))

	report, err = p.GenerateLocal(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 3, inst.starts)
}

func TestGenerateLocalTeardownAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.db.failScript = "V1.1__create_beta_gamma.sql"
	table := newPorts()
	inst := &fakeInstance{ports: table, port: 60356}

	report, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, schemagen.StateFailed, report.State)
	assert.Equal(t, err, report.Err)
	assert.Equal(t, 1, inst.stops)
	assert.False(t, table.used[60356], "the port must be released after a failed run")
	assert.Equal(t, []string{"V1__create_alpha.sql"}, h.db.executed)
	assert.NoFileExists(t, filepath.Join(h.cfg.Output, schemagen.StampFile))

	// A second run right after the forced failure gets the port
	h.db.failScript = ""
	next := &fakeInstance{ports: table, port: 60356}
	report, err = h.pipeline(next).GenerateLocal(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, schemagen.StateDone, report.State)
	assert.Len(t, report.Applied, 3)
}

func TestGenerateLocalPortInUse(t *testing.T) {
	h := newHarness(t)
	table := newPorts()
	holder := &fakeInstance{ports: table, port: 60356}
	_, err := holder.Start(context.Background())
	require.NoError(t, err)

	inst := &fakeInstance{ports: table, port: 60356}
	p := h.pipeline(inst)
	report, err := p.GenerateLocal(context.Background(), false)
	require.ErrorIs(t, err, schemagen.ErrPortInUse)
	assert.Equal(t, "PortInUse", schemagen.KindOf(err))
	assert.Equal(t, schemagen.StateFailed, report.State)

	assert.Zero(t, h.connects, "no migration may be attempted when provisioning fails")
	assert.Equal(t, 1, inst.stops)
	assert.True(t, table.used[60356], "a rejected run must not release a port it does not own")
	assert.Contains(t, p.States(), schemagen.StateStopping)
}

func TestGenerateLocalFirstErrorWins(t *testing.T) {
	h := newHarness(t)
	h.db.introspectErr = errors.New("permission denied for schema public")
	inst := &fakeInstance{ports: newPorts(), port: 60356, stopErr: errors.New("container stuck")}

	_, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.ErrorIs(t, err, schemagen.ErrIntrospection)
	assert.Equal(t, "IntrospectionError", schemagen.KindOf(err))
	assert.NotContains(t, err.Error(), "container stuck")
}

func TestGenerateLocalProvisionTimeout(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356, startErr: schemagen.ErrProvisionTimeout}

	_, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.ErrorIs(t, err, schemagen.ErrProvisionTimeout)
	assert.Equal(t, 1, inst.stops)
	assert.Zero(t, h.connects)
}

func TestGenerateLocalInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Package = "not-a-package"
	inst := &fakeInstance{ports: newPorts(), port: 60356}

	_, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.ErrorIs(t, err, schemagen.ErrMissingConfiguration)
	assert.Zero(t, inst.starts)
}

func TestGenerateLocalRunsHooks(t *testing.T) {
	h := newHarness(t)
	h.cfg.Hooks.AfterGenerate = []string{"go vet ./..."}
	inst := &fakeInstance{ports: newPorts(), port: 60356}

	_, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"go vet ./..."}, h.executor.commands)
	assert.Equal(t, h.cfg.Output, h.executor.dir)
	assert.Equal(t, "db", h.executor.env["SCHEMAGEN_PACKAGE"])
	assert.Equal(t, "public", h.executor.env["SCHEMAGEN_SCHEMAS"])
}

func TestGenerateLocalHookFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.Hooks.AfterGenerate = []string{"false"}
	h.executor.err = schemagen.ErrHookFailed
	inst := &fakeInstance{ports: newPorts(), port: 60356}

	_, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.ErrorIs(t, err, schemagen.ErrHookFailed)
	assert.Equal(t, 1, inst.stops)
	assert.NoFileExists(t, filepath.Join(h.cfg.Output, schemagen.StampFile))
}

func TestMigrateRemoteMissingConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts schemagen.RemoteOptions
	}{
		{"user unset", schemagen.RemoteOptions{URL: "postgres://db:5432/app", Password: "secret"}},
		{"password unset", schemagen.RemoteOptions{URL: "postgres://db:5432/app", User: "app"}},
		{"url unset", schemagen.RemoteOptions{User: "app", Password: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.pipeline(nil)

			report, err := p.MigrateRemote(context.Background(), tt.opts)
			require.ErrorIs(t, err, schemagen.ErrMissingConfiguration)
			assert.Equal(t, "MissingConfiguration", schemagen.KindOf(err))
			assert.Equal(t, schemagen.StateFailed, report.State)
			assert.Zero(t, h.connects, "no connection may be attempted")
		})
	}
}

func TestMigrateRemote(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil)

	report, err := p.MigrateRemote(context.Background(), schemagen.RemoteOptions{
		URL:      "jdbc:postgresql://db.internal:6543/app?sslmode=require",
		User:     "app",
		Password: "secret",
		Schemas:  []string{"app"},
	})
	require.NoError(t, err)

	assert.Equal(t, []schemagen.State{schemagen.StateIdle, schemagen.StateMigrating, schemagen.StateDone}, p.States())
	assert.Len(t, report.Applied, 4)
	assert.Empty(t, report.Artifacts)
	assert.Equal(t, 1, h.db.closed)

	require.Len(t, h.endpoints, 1)
	assert.Equal(t, "db.internal", h.endpoints[0].Host)
	assert.Equal(t, 6543, h.endpoints[0].Port)
	assert.Equal(t, "app", h.endpoints[0].Database)

	records, err := h.db.AppliedMigrations(context.Background(), "app", h.cfg.HistoryTable)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestMigrateRemoteWithGenerate(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil)

	report, err := p.MigrateRemote(context.Background(), schemagen.RemoteOptions{
		URL:      "postgres://localhost/app",
		User:     "app",
		Password: "secret",
		Generate: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []schemagen.State{
		schemagen.StateIdle,
		schemagen.StateMigrating,
		schemagen.StateIntrospecting,
		schemagen.StateDone,
	}, p.States())
	assert.Len(t, report.Artifacts, 4)
	assert.FileExists(t, filepath.Join(h.cfg.Output, "beta_gamma_record.go"))
}

func TestMigrateRemoteChecksumMismatch(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil)
	opts := schemagen.RemoteOptions{URL: "postgres://localhost/app", User: "app", Password: "secret"}

	_, err := p.MigrateRemote(context.Background(), opts)
	require.NoError(t, err)

	key := "public." + h.cfg.HistoryTable
	h.db.history[key][0].Checksum = "tampered"

	_, err = p.MigrateRemote(context.Background(), opts)
	require.ErrorIs(t, err, schemagen.ErrChecksumMismatch)
	assert.Len(t, h.db.history[key], 4)
	assert.Equal(t, 2, h.db.closed)
}

func TestStartAndStopInstance(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356}
	p := h.pipeline(inst)

	endpoint, err := p.StartInstance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60356, endpoint.Port)
	assert.True(t, inst.IsReady(context.Background()))

	require.NoError(t, p.StopInstance(context.Background()))
	require.NoError(t, p.StopInstance(context.Background()))
	assert.False(t, inst.IsReady(context.Background()))

	_, err = h.pipeline(nil).StartInstance(context.Background())
	require.ErrorIs(t, err, schemagen.ErrMissingConfiguration)
}

func TestGenerateLocalConcurrentRunGetsPortInUse(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356, started: make(chan struct{}), proceed: make(chan struct{})}
	p := h.pipeline(inst)

	done := make(chan error, 1)
	go func() {
		_, err := p.GenerateLocal(context.Background(), false)
		done <- err
	}()
	<-inst.started

	_, err := p.GenerateLocal(context.Background(), true)
	require.ErrorIs(t, err, schemagen.ErrPortInUse)
	assert.Equal(t, "PortInUse", schemagen.KindOf(err))
	assert.Equal(t, 10, schemagen.ExitCode(err))

	_, err = p.MigrateRemote(context.Background(), schemagen.RemoteOptions{URL: "postgres://localhost/app", User: "app", Password: "secret"})
	require.ErrorIs(t, err, schemagen.ErrAlreadyRunning)

	close(inst.proceed)
	require.NoError(t, <-done)
	assert.Equal(t, 1, inst.starts)
}

func TestGenerateLocalMigrationTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.MigrateTimeout = 50 * time.Millisecond
	h.db.block = true
	table := newPorts()
	inst := &fakeInstance{ports: table, port: 60356}

	report, err := h.pipeline(inst).GenerateLocal(context.Background(), false)
	require.ErrorIs(t, err, schemagen.ErrMigrationTimeout)
	assert.Equal(t, "MigrationTimeout", schemagen.KindOf(err))
	assert.Equal(t, schemagen.StateFailed, report.State)
	assert.Equal(t, 1, inst.stops)
	assert.False(t, table.used[60356])
}

func TestMigrateRemoteGenerateInvalidatesStamp(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356}
	p := h.pipeline(inst)

	_, err := p.GenerateLocal(context.Background(), false)
	require.NoError(t, err)

	remote := sampleSnapshot()
	remote.Objects = append(remote.Objects, table("public", "legacy", schemagen.Column{Name: "id", Type: "int4"}))
	h.db.snapshot = remote
	_, err = p.MigrateRemote(context.Background(), schemagen.RemoteOptions{
		URL:      "postgres://localhost/app",
		User:     "app",
		Password: "secret",
		Generate: true,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(h.cfg.Output, "legacy_table.go"))
	assert.NoFileExists(t, filepath.Join(h.cfg.Output, schemagen.StampFile))

	h.db.snapshot = sampleSnapshot()
	report, err := p.GenerateLocal(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, inst.starts)
	assert.NoFileExists(t, filepath.Join(h.cfg.Output, "legacy_table.go"))
}

func TestGenerateLocalCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	inst := &fakeInstance{ports: newPorts(), port: 60356}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.pipeline(inst).GenerateLocal(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, schemagen.IsCancelled(err))
	assert.Equal(t, schemagen.StateFailed, report.State)
	assert.Zero(t, inst.starts)
	assert.Zero(t, inst.stops, "nothing was started, so there is nothing to stop")
}

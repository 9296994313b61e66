package schemagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task names of the pipeline graph
const (
	TaskStartInstance = "start-instance"
	TaskMigrate       = "migrate"
	TaskGenerate      = "generate"
	TaskAfterGenerate = "after-generate"
	TaskStopInstance  = "stop-instance"
	TaskDisconnect    = "disconnect"
)

// State is a pipeline run state
type State string

const (
	StateIdle          State = "idle"
	StateStarting      State = "starting"
	StateMigrating     State = "migrating"
	StateIntrospecting State = "introspecting"
	StateStopping      State = "stopping"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

type (
	// Pipeline sequences instance lifecycle, migration and code generation
	Pipeline struct {
		cfg             *Config
		instance        Instance
		connect         Connector
		executor        CommandExecutor
		logger          *slog.Logger
		teardownTimeout time.Duration

		mu        sync.Mutex
		running   bool
		holdsPort bool
		history   []State
	}

	// Report describes the outcome of one run
	Report struct {
		RunID     string
		State     State
		Skipped   bool // Inputs were unchanged since the last successful run
		Applied   []Migration
		Artifacts []Artifact
		Err       error // Originating error when State is StateFailed
	}

	// RemoteOptions are the externally supplied coordinates of migrate-remote
	RemoteOptions struct {
		URL      string
		User     string
		Password string
		Schemas  []string // Overrides the configured schemas when set
		Generate bool     // Also introspect and generate after migrating
	}
)

// NewPipeline creates a pipeline. instance may be nil when only MigrateRemote is used;
// executor may be nil when no hooks are configured.
func NewPipeline(cfg *Config, instance Instance, connect Connector, executor CommandExecutor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:             cfg,
		instance:        instance,
		connect:         connect,
		executor:        executor,
		logger:          logger,
		teardownTimeout: defaultTeardownTimeout,
	}
}

// SetTeardownTimeout bounds how long stopping the instance may take
func (p *Pipeline) SetTeardownTimeout(d time.Duration) {
	p.teardownTimeout = d
}

// States returns the states the last run went through, in order
func (p *Pipeline) States() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.history...)
}

// GenerateLocal runs the ephemeral flow: start the instance, apply migrations, generate, stop the instance.
// The instance is stopped whatever happens once starting it was attempted. Unless force is set, the run is
// skipped when the migrations and generation settings are unchanged since the last successful run.
func (p *Pipeline) GenerateLocal(ctx context.Context, force bool) (*Report, error) {
	report, err := p.begin(true)
	if err != nil {
		return nil, err
	}
	defer p.end()
	logger := p.logger.With("run", report.RunID)

	if err := p.cfg.Validate(); err != nil {
		return p.fail(report, logger, err)
	}
	if p.instance == nil {
		return p.fail(report, logger, fmt.Errorf("%w: no instance driver", ErrMissingConfiguration))
	}

	generator, err := NewGenerator(p.cfg, logger)
	if err != nil {
		return p.fail(report, logger, err)
	}

	migrations, err := LoadMigrations(p.cfg.Migrations)
	if err != nil {
		return p.fail(report, logger, fmt.Errorf("failed to load local migrations: %w", err))
	}
	fingerprint, err := Fingerprint(p.cfg, migrations)
	if err != nil {
		return p.fail(report, logger, err)
	}

	if !force {
		stamp, err := ReadStamp(p.cfg.Output)
		if err != nil {
			return p.fail(report, logger, err)
		}
		if stamp.UpToDate(p.cfg.Output, fingerprint) {
			logger.Info("generated code is up to date", "output", p.cfg.Output)
			report.Skipped = true
			p.transition(report, logger, StateDone)
			return report, nil
		}
	}

	var (
		endpoint Endpoint
		db       Database
	)

	plan, err := NewPlan(
		Task{
			Name:        TaskStartInstance,
			FinalizedBy: []string{TaskStopInstance},
			Run: func(ctx context.Context) error {
				p.transition(report, logger, StateStarting)
				ep, err := p.instance.Start(ctx)
				if err != nil {
					return err
				}
				endpoint = ep
				logger.Info("instance ready", "endpoint", endpoint.Redacted())
				return nil
			},
		},
		Task{
			Name:      TaskMigrate,
			DependsOn: []string{TaskStartInstance},
			Run: func(ctx context.Context) error {
				p.transition(report, logger, StateMigrating)
				conn, err := p.connect(ctx, endpoint)
				if err != nil {
					return err
				}
				db = conn
				return p.migrate(ctx, p.cfg, db, report, logger)
			},
		},
		Task{
			Name:      TaskGenerate,
			DependsOn: []string{TaskMigrate},
			Run: func(ctx context.Context) error {
				p.transition(report, logger, StateIntrospecting)
				if err := RemoveStamp(p.cfg.Output); err != nil {
					return err
				}
				artifacts, err := generator.Generate(ctx, db, p.cfg.Schemas, p.cfg.Output)
				if err != nil {
					return err
				}
				report.Artifacts = artifacts
				logger.Info("code generated", "artifacts", len(artifacts), "output", p.cfg.Output)
				return nil
			},
		},
		Task{
			Name:      TaskAfterGenerate,
			DependsOn: []string{TaskGenerate},
			Run: func(ctx context.Context) error {
				return p.runHooks(ctx, p.cfg)
			},
		},
		Task{
			Name: TaskStopInstance,
			Run: func(ctx context.Context) error {
				p.transition(report, logger, StateStopping)
				var errs []error
				if db != nil {
					if err := db.Close(); err != nil {
						errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
					}
					db = nil
				}
				if err := p.instance.Stop(ctx); err != nil {
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			},
		},
	)
	if err != nil {
		return p.fail(report, logger, err)
	}

	result := plan.Execute(ctx, TaskAfterGenerate, p.teardownTimeout, logger)
	if result.Err != nil {
		return p.fail(report, logger, result.Err)
	}

	if err := WriteStamp(p.cfg.Output, fingerprint, report.Artifacts); err != nil {
		return p.fail(report, logger, err)
	}

	p.transition(report, logger, StateDone)
	return report, nil
}

// MigrateRemote applies migrations to an externally supplied database, and optionally generates from it.
// No instance is started or stopped. Missing coordinates fail before any connection is attempted.
func (p *Pipeline) MigrateRemote(ctx context.Context, opts RemoteOptions) (*Report, error) {
	report, err := p.begin(false)
	if err != nil {
		return nil, err
	}
	defer p.end()
	logger := p.logger.With("run", report.RunID)

	endpoint, err := ParseEndpoint(opts.URL, opts.User, opts.Password)
	if err != nil {
		return p.fail(report, logger, err)
	}

	cfg := *p.cfg
	if len(opts.Schemas) > 0 {
		cfg.Schemas = opts.Schemas
	}
	if err := cfg.Validate(); err != nil {
		return p.fail(report, logger, err)
	}

	var generator *Generator
	if opts.Generate {
		if generator, err = NewGenerator(&cfg, logger); err != nil {
			return p.fail(report, logger, err)
		}
	}

	var db Database
	target := TaskMigrate
	tasks := []Task{
		{
			Name:        TaskMigrate,
			FinalizedBy: []string{TaskDisconnect},
			Run: func(ctx context.Context) error {
				p.transition(report, logger, StateMigrating)
				logger.Info("connecting", "endpoint", endpoint.Redacted())
				conn, err := p.connect(ctx, endpoint)
				if err != nil {
					return err
				}
				db = conn
				return p.migrate(ctx, &cfg, db, report, logger)
			},
		},
		{
			Name: TaskDisconnect,
			Run: func(ctx context.Context) error {
				if db == nil {
					return nil
				}
				err := db.Close()
				db = nil
				return err
			},
		},
	}
	if opts.Generate {
		target = TaskAfterGenerate
		tasks = append(tasks,
			Task{
				Name:      TaskGenerate,
				DependsOn: []string{TaskMigrate},
				Run: func(ctx context.Context) error {
					p.transition(report, logger, StateIntrospecting)
					// The output no longer reflects the local migrations
					if err := RemoveStamp(cfg.Output); err != nil {
						return err
					}
					artifacts, err := generator.Generate(ctx, db, cfg.Schemas, cfg.Output)
					if err != nil {
						return err
					}
					report.Artifacts = artifacts
					logger.Info("code generated", "artifacts", len(artifacts), "output", cfg.Output)
					return nil
				},
			},
			Task{
				Name:      TaskAfterGenerate,
				DependsOn: []string{TaskGenerate},
				Run: func(ctx context.Context) error {
					return p.runHooks(ctx, &cfg)
				},
			},
		)
	}

	plan, err := NewPlan(tasks...)
	if err != nil {
		return p.fail(report, logger, err)
	}

	result := plan.Execute(ctx, target, p.teardownTimeout, logger)
	if result.Err != nil {
		return p.fail(report, logger, result.Err)
	}

	p.transition(report, logger, StateDone)
	return report, nil
}

// StartInstance starts the ephemeral instance and leaves it running
func (p *Pipeline) StartInstance(ctx context.Context) (Endpoint, error) {
	if p.instance == nil {
		return Endpoint{}, fmt.Errorf("%w: no instance driver", ErrMissingConfiguration)
	}
	endpoint, err := p.instance.Start(ctx)
	if err != nil {
		// A half-started instance must not hold the port
		stopCtx, cancel := context.WithTimeout(context.Background(), p.teardownTimeout)
		defer cancel()
		if stopErr := p.instance.Stop(stopCtx); stopErr != nil {
			p.logger.Warn("teardown failed", "error", stopErr)
		}
		return Endpoint{}, err
	}
	p.logger.Info("instance ready", "endpoint", endpoint.Redacted())
	return endpoint, nil
}

// StopInstance stops the ephemeral instance; stopping an instance that is not running is not an error
func (p *Pipeline) StopInstance(ctx context.Context) error {
	if p.instance == nil {
		return fmt.Errorf("%w: no instance driver", ErrMissingConfiguration)
	}
	if err := p.instance.Stop(ctx); err != nil {
		return err
	}
	p.logger.Info("instance stopped")
	return nil
}

func (p *Pipeline) migrate(ctx context.Context, cfg *Config, db Database, report *Report, logger *slog.Logger) error {
	applier := NewApplier(db, cfg.HistoryTable, cfg.MigrateTimeout, logger)
	result, err := applier.Apply(ctx, cfg.Migrations, cfg.Schemas[0])
	if result != nil {
		report.Applied = result.Applied
	}
	return err
}

func (p *Pipeline) runHooks(ctx context.Context, cfg *Config) error {
	if len(cfg.Hooks.AfterGenerate) == 0 {
		return nil
	}
	if p.executor == nil {
		return fmt.Errorf("%w: hooks configured but no executor", ErrHookFailed)
	}
	env := map[string]string{
		"SCHEMAGEN_OUTPUT_DIR": cfg.Output,
		"SCHEMAGEN_PACKAGE":    cfg.Package,
		"SCHEMAGEN_SCHEMAS":    strings.Join(cfg.Schemas, ","),
	}
	return p.executor.ExecuteCommands(ctx, cfg.Hooks.AfterGenerate, cfg.Output, env)
}

// begin starts a run; runs are not reentrant. A second ephemeral run would need the instance port
// the running one holds.
func (p *Pipeline) begin(ephemeral bool) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		if ephemeral && p.holdsPort {
			return nil, fmt.Errorf("%w: %d is held by a run of this pipeline", ErrPortInUse, p.cfg.Instance.Port)
		}
		return nil, ErrAlreadyRunning
	}
	p.running = true
	p.holdsPort = ephemeral
	p.history = []State{StateIdle}
	return &Report{RunID: uuid.NewString(), State: StateIdle}, nil
}

func (p *Pipeline) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.holdsPort = false
}

func (p *Pipeline) transition(report *Report, logger *slog.Logger, state State) {
	p.mu.Lock()
	p.history = append(p.history, state)
	p.mu.Unlock()

	report.State = state
	logger.Debug("pipeline state", "state", string(state))
}

func (p *Pipeline) fail(report *Report, logger *slog.Logger, err error) (*Report, error) {
	report.Err = err
	p.transition(report, logger, StateFailed)
	if IsCancelled(err) {
		logger.Warn("pipeline cancelled", "error", err)
	} else {
		logger.Error("pipeline failed", "kind", KindOf(err), "error", err)
	}
	return report, err
}

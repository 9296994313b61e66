package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mantty/schemagen"
	"github.com/mantty/schemagen/instance"
	"github.com/mantty/schemagen/postgres"
	"github.com/urfave/cli/v3"
)

const (
	version = "0.1.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remoteFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Database URL (postgres://, postgresql:// or jdbc:postgresql://)",
				Sources: cli.EnvVars("SCHEMAGEN_REMOTE_URL"),
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "Database user",
				Sources: cli.EnvVars("SCHEMAGEN_REMOTE_USER"),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Database password",
				Sources: cli.EnvVars("SCHEMAGEN_REMOTE_PASSWORD"),
			},
		}
	}

	cmd := &cli.Command{
		Name:    "schemagen",
		Usage:   "Apply SQL migrations to a throwaway Postgres and generate Go code from the resulting schema",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   schemagen.DefaultConfigFile,
			},
			&cli.StringFlag{
				Name:    "migrations",
				Aliases: []string{"m"},
				Usage:   "Path to the migrations directory",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Directory generated code is written to",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("SCHEMAGEN_VERBOSE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "generate-local",
				Usage: "Start an ephemeral instance, migrate it, generate code and stop it",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Regenerate even when migrations and settings are unchanged",
					},
				},
				Action: generateLocalCommand,
			},
			{
				Name:  "migrate-remote",
				Usage: "Apply migrations to an existing database",
				Flags: append(remoteFlags(),
					&cli.StringSliceFlag{
						Name:  "schemas",
						Usage: "Target schemas; the first one holds the history table",
					},
					&cli.BoolFlag{
						Name:  "generate",
						Usage: "Generate code from the database after migrating",
					},
				),
				Action: migrateRemoteCommand,
			},
			{
				Name:   "start-instance",
				Usage:  "Start the ephemeral instance and leave it running",
				Action: startInstanceCommand,
			},
			{
				Name:   "stop-instance",
				Usage:  "Stop the ephemeral instance and release its port",
				Action: stopInstanceCommand,
			},
			{
				Name:  "create",
				Usage: "Create a new migration script",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name:      "name",
						UsageText: "NAME",
						Config: cli.StringConfig{
							TrimSpace: true,
						},
					},
				},
				Action: createCommand,
			},
			{
				Name:   "status",
				Usage:  "List migrations and their status",
				Flags:  remoteFlags(),
				Action: statusCommand,
			},
			{
				Name:   "validate",
				Usage:  "Check configuration, scripts and, with --url, the database history",
				Flags:  remoteFlags(),
				Action: validateCommand,
			},
			{
				Name:   "init",
				Usage:  "Write an example configuration file",
				Action: initCommand,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("schemagen failed", "kind", schemagen.KindOf(err), "error", err)
		os.Exit(schemagen.ExitCode(err))
	}
}

func newLogger(cmd *cli.Command) *slog.Logger {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads the config file (required only when --config was given explicitly) and applies flag overrides
func loadConfig(cmd *cli.Command) (*schemagen.Config, error) {
	cfg, err := schemagen.LoadConfig(cmd.String("config"), cmd.IsSet("config"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schemagen.ErrMissingConfiguration, err)
	}
	if cmd.IsSet("migrations") {
		cfg.Migrations = cmd.String("migrations")
	}
	if cmd.IsSet("output") {
		cfg.Output = cmd.String("output")
	}
	return cfg, nil
}

// newPipeline wires the pipeline; the returned func releases the instance back-end's resources
func newPipeline(cmd *cli.Command, cfg *schemagen.Config, withInstance bool) (*schemagen.Pipeline, func(), error) {
	logger := newLogger(cmd)

	var inst schemagen.Instance
	closeInstance := func() {}
	if withInstance {
		var err error
		inst, err = instance.New(cfg.Instance, logger)
		if err != nil {
			return nil, nil, err
		}
		if c, ok := inst.(io.Closer); ok {
			closeInstance = func() {
				if err := c.Close(); err != nil {
					logger.Warn("failed to close instance client", "error", err)
				}
			}
		}
	}

	executor := schemagen.NewShellCommandExecutor(cfg.Hooks.Timeout, logger)
	return schemagen.NewPipeline(cfg, inst, postgres.Connect, executor, logger), closeInstance, nil
}

func generateLocalCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pipeline, closeInstance, err := newPipeline(cmd, cfg, true)
	if err != nil {
		return err
	}
	defer closeInstance()

	report, err := pipeline.GenerateLocal(ctx, cmd.Bool("force"))
	if err != nil {
		return err
	}

	if report.Skipped {
		fmt.Printf("Generated code in %s is up to date\n", cfg.Output)
		return nil
	}
	fmt.Printf("Applied %d migration(s), generated %d file(s) in %s\n", len(report.Applied), len(report.Artifacts), cfg.Output)
	return nil
}

func migrateRemoteCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pipeline, _, err := newPipeline(cmd, cfg, false)
	if err != nil {
		return err
	}

	report, err := pipeline.MigrateRemote(ctx, schemagen.RemoteOptions{
		URL:      cmd.String("url"),
		User:     cmd.String("user"),
		Password: cmd.String("password"),
		Schemas:  cmd.StringSlice("schemas"),
		Generate: cmd.Bool("generate"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Applied %d migration(s)\n", len(report.Applied))
	if cmd.Bool("generate") {
		fmt.Printf("Generated %d file(s) in %s\n", len(report.Artifacts), cfg.Output)
	}
	return nil
}

func startInstanceCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	pipeline, closeInstance, err := newPipeline(cmd, cfg, true)
	if err != nil {
		return err
	}
	defer closeInstance()

	endpoint, err := pipeline.StartInstance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Instance ready at %s\n", endpoint.Redacted())
	return nil
}

func stopInstanceCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pipeline, closeInstance, err := newPipeline(cmd, cfg, true)
	if err != nil {
		return err
	}
	defer closeInstance()

	if err := pipeline.StopInstance(ctx); err != nil {
		return err
	}
	fmt.Printf("Instance on port %d stopped\n", cfg.Instance.Port)
	return nil
}

func createCommand(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("name")
	if name == "" {
		return fmt.Errorf("%w: migration name is required", schemagen.ErrMissingConfiguration)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	migration, err := schemagen.CreateMigration(cfg.Migrations, name)
	if err != nil {
		return fmt.Errorf("failed to create migration: %w", err)
	}

	fmt.Printf("Created migration %s\n", migration.Path)
	return nil
}

func statusCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	newLogger(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Connect to database if URL provided
	var db schemagen.Database
	if cmd.String("url") != "" {
		db, err = connectRemote(ctx, cmd)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	_, err = schemagen.ListMigrations(ctx, os.Stdout, cfg.Migrations, db, cfg.Schemas[0], cfg.HistoryTable)
	return err
}

func validateCommand(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)

	if err := cfg.Validate(); err != nil {
		return err
	}
	local, err := schemagen.LoadMigrations(cfg.Migrations)
	if err != nil {
		return err
	}

	if cmd.String("url") == "" {
		fmt.Printf("Configuration and %d migration script(s) are valid\n", len(local))
		return nil
	}

	db, err := connectRemote(ctx, cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	applier := schemagen.NewApplier(db, cfg.HistoryTable, cfg.MigrateTimeout, logger)
	status, err := applier.Validate(ctx, cfg.Migrations, cfg.Schemas[0])
	if err != nil {
		return err
	}

	fmt.Printf("History is valid: %d applied, %d pending\n", len(status.Applied), len(status.Pending))
	return nil
}

func initCommand(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(schemagen.GenerateExampleConfig()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Printf("Created %s\n", path)
	return nil
}

func connectRemote(ctx context.Context, cmd *cli.Command) (schemagen.Database, error) {
	endpoint, err := schemagen.ParseEndpoint(cmd.String("url"), cmd.String("user"), cmd.String("password"))
	if err != nil {
		return nil, err
	}
	return postgres.Connect(ctx, endpoint)
}

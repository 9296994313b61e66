package schemagen

import (
	"fmt"
	"go/token"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

const (
	// DefaultConfigFile is looked up in the working directory when no config path is given
	DefaultConfigFile = "schemagen.yaml"

	envPrefix = "SCHEMAGEN_"
)

type (
	// Config holds configuration for the schemagen pipeline
	Config struct {
		Schemas        []string       `yaml:"schemas" env:"SCHEMAS" envSeparator:","`
		Migrations     string         `yaml:"migrations" env:"MIGRATIONS"`
		Output         string         `yaml:"output" env:"OUTPUT"`
		Package        string         `yaml:"package" env:"PACKAGE"`
		HistoryTable   string         `yaml:"history_table" env:"HISTORY_TABLE"`
		Excludes       []string       `yaml:"excludes" env:"EXCLUDES" envSeparator:","`
		Naming         []NamingRule   `yaml:"naming"`
		Instance       InstanceConfig `yaml:"instance"`
		MigrateTimeout time.Duration  `yaml:"migrate_timeout" env:"MIGRATE_TIMEOUT"`
		Hooks          HooksConfig    `yaml:"hooks"`
	}

	// InstanceConfig configures the ephemeral database instance
	InstanceConfig struct {
		Driver         string        `yaml:"driver" env:"DRIVER"`
		Image          string        `yaml:"image" env:"IMAGE"`
		Host           string        `yaml:"host" env:"HOST"`
		Port           int           `yaml:"port" env:"PORT"`
		Database       string        `yaml:"database" env:"DATABASE"`
		User           string        `yaml:"user" env:"USER"`
		Password       string        `yaml:"password" env:"PASSWORD"`
		StartupTimeout time.Duration `yaml:"startup_timeout" env:"STARTUP_TIMEOUT"`
	}

	// HooksConfig lists commands run after a successful generation
	HooksConfig struct {
		AfterGenerate []string      `yaml:"after_generate" env:"AFTER_GENERATE" envSeparator:";"`
		Timeout       time.Duration `yaml:"timeout" env:"HOOK_TIMEOUT"`
	}
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DefaultConfig returns the configuration used when nothing else is specified
func DefaultConfig() *Config {
	return &Config{
		Schemas:      []string{"public"},
		Migrations:   migrationsDir,
		Output:       "internal/db",
		Package:      "db",
		HistoryTable: "schemagen_history",
		Naming:       DefaultNamingRules(),
		Instance: InstanceConfig{
			Driver:         "docker",
			Image:          "postgres:17-alpine",
			Host:           "127.0.0.1",
			Port:           60356,
			Database:       "postgres",
			User:           "postgres",
			Password:       "postgres",
			StartupTimeout: 60 * time.Second,
		},
		MigrateTimeout: 5 * time.Minute,
		Hooks: HooksConfig{
			Timeout: 5 * time.Minute,
		},
	}
}

// LoadConfig loads the defaults, then the YAML file at path, then SCHEMAGEN_* environment overrides.
// A missing file is only an error when required is true.
func LoadConfig(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !required:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// Validate reports the first missing or invalid setting
func (c *Config) Validate() error {
	var problems []string

	if len(c.Schemas) == 0 {
		problems = append(problems, "at least one schema is required")
	}
	for _, s := range c.Schemas {
		if strings.TrimSpace(s) == "" {
			problems = append(problems, "schema names must not be empty")
			break
		}
	}
	if strings.TrimSpace(c.Migrations) == "" {
		problems = append(problems, "migrations directory is required")
	}
	if strings.TrimSpace(c.Output) == "" {
		problems = append(problems, "output directory is required")
	}
	if !token.IsIdentifier(c.Package) {
		problems = append(problems, fmt.Sprintf("package %q is not a valid Go identifier", c.Package))
	}
	if !tableNamePattern.MatchString(c.HistoryTable) {
		problems = append(problems, fmt.Sprintf("history table %q is not a valid table name", c.HistoryTable))
	}
	if c.MigrateTimeout <= 0 {
		problems = append(problems, "migrate_timeout must be positive")
	}
	if c.Instance.Port <= 0 || c.Instance.Port > 65535 {
		problems = append(problems, fmt.Sprintf("instance port %d is out of range", c.Instance.Port))
	}
	if c.Instance.StartupTimeout <= 0 {
		problems = append(problems, "instance startup_timeout must be positive")
	}
	for _, pattern := range c.Excludes {
		if _, err := compileAnchored(pattern); err != nil {
			problems = append(problems, fmt.Sprintf("exclude %q: %v", pattern, err))
		}
	}
	if _, err := NewNamingStrategy(c.Naming); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Endpoint returns the coordinates the ephemeral instance is published on
func (c *Config) Endpoint() Endpoint {
	return Endpoint{
		Host:     c.Instance.Host,
		Port:     c.Instance.Port,
		Database: c.Instance.Database,
		User:     c.Instance.User,
		Password: c.Instance.Password,
	}
}

// GenerateExampleConfig creates a commented example configuration file
func GenerateExampleConfig() string {
	return `# Schemas migrations are applied to and introspected from. The history table lives in the first one.
schemas:
  - public

# Directory holding V<version>__<description>.sql scripts
migrations: db/migration

# Where generated Go sources are written, and their package name
output: internal/db
package: db

history_table: schemagen_history

# Object names (regular expressions) that never produce artifacts
excludes: []

# Naming rules: one artifact per matching rule and object
naming:
  - kind: table
    class: table
    transform: pascal
    expression: $0_Table
  - kind: table
    class: record
    transform: pascal
    expression: $0_Record
  - kind: sequence
    class: sequence
    transform: pascal
    expression: $0_Sequence

# Ephemeral instance used by generate-local
instance:
  driver: docker          # docker or testcontainers
  image: postgres:17-alpine
  host: 127.0.0.1
  port: 60356
  database: postgres
  user: postgres
  password: postgres
  startup_timeout: 60s

migrate_timeout: 5m

# Commands run in the output directory after a successful generation
hooks:
  after_generate:
    # - go vet ./...
  timeout: 5m
`
}

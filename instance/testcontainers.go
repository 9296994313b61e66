package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/mantty/schemagen"
	"github.com/testcontainers/testcontainers-go"
	pgTest "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Testcontainers runs the instance through testcontainers-go. Containers it starts are also
// removed by the testcontainers reaper once the process exits.
type Testcontainers struct {
	cfg    schemagen.InstanceConfig
	docker *client.Client
	guard  *portGuard
	logger *slog.Logger

	mu        sync.Mutex
	container *pgTest.PostgresContainer
	endpoint  *schemagen.Endpoint
}

// NewTestcontainers creates a testcontainers back-end
func NewTestcontainers(cfg schemagen.InstanceConfig, logger *slog.Logger) (*Testcontainers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Testcontainers{
		cfg:    cfg,
		docker: cli,
		guard:  &portGuard{host: cfg.Host, port: cfg.Port, docker: cli, logger: logger},
		logger: logger,
	}, nil
}

// Start runs the postgres module container bound to the configured port
func (t *Testcontainers) Start(ctx context.Context) (schemagen.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.guard.claim(ctx); err != nil {
		return schemagen.Endpoint{}, err
	}

	runID := uuid.NewString()
	port := strconv.Itoa(t.cfg.Port)
	bind := testcontainers.CustomizeRequestOption(func(req *testcontainers.GenericContainerRequest) error {
		req.Name = fmt.Sprintf("schemagen-%s-%s", port, runID[:8])
		if req.Labels == nil {
			req.Labels = make(map[string]string)
		}
		req.Labels[LabelPort] = port
		req.Labels[LabelRun] = runID
		req.HostConfigModifier = func(hc *container.HostConfig) {
			hc.PortBindings = nat.PortMap{
				postgresPort: []nat.PortBinding{{HostIP: t.cfg.Host, HostPort: port}},
			}
		}
		return nil
	})

	startCtx, cancel := context.WithTimeout(ctx, t.cfg.StartupTimeout)
	defer cancel()

	c, err := pgTest.Run(startCtx,
		t.cfg.Image,
		pgTest.WithDatabase(t.cfg.Database),
		pgTest.WithUsername(t.cfg.User),
		pgTest.WithPassword(t.cfg.Password),
		pgTest.BasicWaitStrategies(),
		bind,
	)
	if c != nil {
		t.container = c
	}
	if err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			return schemagen.Endpoint{}, fmt.Errorf("%w: container not ready after %v: %w", schemagen.ErrProvisionTimeout, t.cfg.StartupTimeout, err)
		}
		return schemagen.Endpoint{}, fmt.Errorf("failed to start postgres container: %w", err)
	}
	t.logger.Info("instance container started", "container", shortID(c.GetContainerID()), "port", t.cfg.Port)

	endpoint := endpointOf(t.cfg)
	if err := WaitReady(ctx, endpoint, t.cfg.StartupTimeout, t.logger); err != nil {
		return schemagen.Endpoint{}, err
	}

	t.endpoint = &endpoint
	return endpoint, nil
}

// Stop terminates the container and releases the port. It is a no-op when nothing runs.
func (t *Testcontainers) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.container != nil {
		if err := t.container.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate container: %w", err))
		}
		t.container = nil
	}
	t.endpoint = nil

	if err := t.guard.release(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsReady reports whether the started instance currently answers queries
func (t *Testcontainers) IsReady(ctx context.Context) bool {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()

	if endpoint == nil {
		return false
	}
	return Ping(ctx, *endpoint) == nil
}

// Close releases the Docker client used to reap stale instances
func (t *Testcontainers) Close() error {
	return t.docker.Close()
}

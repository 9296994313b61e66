package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/mantty/schemagen"
)

const postgresPort = nat.Port("5432/tcp")

// Docker runs the instance as a container through the Docker Engine API
type Docker struct {
	cfg    schemagen.InstanceConfig
	client *client.Client
	guard  *portGuard
	logger *slog.Logger

	mu          sync.Mutex
	containerID string
	endpoint    *schemagen.Endpoint
}

// NewDocker creates a Docker back-end using the environment's Docker settings
func NewDocker(cfg schemagen.InstanceConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerWithClient(cli, cfg, logger), nil
}

func newDockerWithClient(cli *client.Client, cfg schemagen.InstanceConfig, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{
		cfg:    cfg,
		client: cli,
		guard:  &portGuard{host: cfg.Host, port: cfg.Port, docker: cli, logger: logger},
		logger: logger,
	}
}

// Start provisions a fresh container on the configured port and waits until it accepts queries
func (d *Docker) Start(ctx context.Context) (schemagen.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.guard.claim(ctx); err != nil {
		return schemagen.Endpoint{}, err
	}

	if err := d.ensureImage(ctx); err != nil {
		return schemagen.Endpoint{}, fmt.Errorf("failed to pull image %s: %w", d.cfg.Image, err)
	}

	runID := uuid.NewString()
	containerConfig := &container.Config{
		Image: d.cfg.Image,
		Env: []string{
			"POSTGRES_DB=" + d.cfg.Database,
			"POSTGRES_USER=" + d.cfg.User,
			"POSTGRES_PASSWORD=" + d.cfg.Password,
		},
		ExposedPorts: nat.PortSet{postgresPort: struct{}{}},
		Labels: map[string]string{
			LabelPort: strconv.Itoa(d.cfg.Port),
			LabelRun:  runID,
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			postgresPort: []nat.PortBinding{{HostIP: d.cfg.Host, HostPort: strconv.Itoa(d.cfg.Port)}},
		},
	}

	name := fmt.Sprintf("schemagen-%d-%s", d.cfg.Port, runID[:8])
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return schemagen.Endpoint{}, fmt.Errorf("failed to create container: %w", err)
	}
	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return schemagen.Endpoint{}, fmt.Errorf("failed to start container: %w", err)
	}
	d.logger.Info("instance container started", "container", shortID(resp.ID), "port", d.cfg.Port)

	endpoint := endpointOf(d.cfg)
	if err := WaitReady(ctx, endpoint, d.cfg.StartupTimeout, d.logger); err != nil {
		return schemagen.Endpoint{}, err
	}

	d.endpoint = &endpoint
	return endpoint, nil
}

// Stop removes the container and releases the port. It is a no-op when nothing runs.
func (d *Docker) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.endpoint = nil
	d.containerID = ""
	return d.guard.release(ctx)
}

// IsReady reports whether the started instance currently answers queries
func (d *Docker) IsReady(ctx context.Context) bool {
	d.mu.Lock()
	endpoint := d.endpoint
	d.mu.Unlock()

	if endpoint == nil {
		return false
	}
	return Ping(ctx, *endpoint) == nil
}

// Close releases the Docker client
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) ensureImage(ctx context.Context) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, d.cfg.Image)
	if err == nil {
		return nil // Image already present
	}

	d.logger.Info("pulling image", "image", d.cfg.Image)
	reader, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func endpointOf(cfg schemagen.InstanceConfig) schemagen.Endpoint {
	return schemagen.Endpoint{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
		Password: cfg.Password,
	}
}

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	// LabelPort marks containers started for a port so a later run can find and remove them
	LabelPort = "io.schemagen.port"
	// LabelRun carries the id of the run that started the container
	LabelRun = "io.schemagen.run"
)

// portGuard owns the fixed host port of an instance: the lease and every container labelled with the port
type portGuard struct {
	host   string
	port   int
	docker client.APIClient
	logger *slog.Logger

	mu        sync.Mutex
	attempted bool
	lease     *Lease
}

// claim takes the port lease, removes containers left behind by earlier runs and makes sure nothing else listens on the port
func (g *portGuard) claim(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempted = true

	lease, stale, err := AcquireLease(g.port)
	if err != nil {
		return err
	}
	g.lease = lease

	if stale {
		g.logger.Warn("taking over stale instance lease", "port", g.port)
	}
	if err := g.reap(ctx); err != nil {
		return err
	}
	return CheckPortFree(g.host, g.port)
}

// release removes the port's containers and gives up the lease. A guard that never tried to claim the
// port adopts it first, so an instance started by an earlier process can be stopped. It does nothing
// when the claim failed because another live process holds the port.
func (g *portGuard) release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.attempted {
		lease, _, err := AcquireLease(g.port)
		if err != nil {
			return err
		}
		g.lease = lease
	}
	if g.lease == nil {
		return nil
	}

	err := g.reap(ctx)
	if rerr := g.lease.Release(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	g.lease = nil
	g.attempted = false
	return err
}

// reap force-removes every container labelled with the guarded port
func (g *portGuard) reap(ctx context.Context) error {
	list, err := g.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelPort+"="+strconv.Itoa(g.port))),
	})
	if err != nil {
		return fmt.Errorf("failed to list instances on port %d: %w", g.port, err)
	}

	var errs []error
	for _, c := range list {
		err := g.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to remove container %s: %w", shortID(c.ID), err))
			continue
		}
		g.logger.Info("removed instance container", "container", shortID(c.ID), "port", g.port)
	}
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

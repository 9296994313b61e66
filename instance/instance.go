// Package instance provides the ephemeral database back-ends used by the pipeline.
//
// Every back-end binds a fixed host port. Ownership of the port is tracked with a lease file
// holding the owner's PID, and every container is labelled with the port so that instances left
// behind by a crashed run are removed by the next one.
package instance

import (
	"fmt"
	"log/slog"

	"github.com/mantty/schemagen"
)

const (
	DriverDocker         = "docker"
	DriverTestcontainers = "testcontainers"
)

// New returns the back-end named by cfg.Driver
func New(cfg schemagen.InstanceConfig, logger *slog.Logger) (schemagen.Instance, error) {
	switch cfg.Driver {
	case DriverDocker, "":
		return NewDocker(cfg, logger)
	case DriverTestcontainers:
		return NewTestcontainers(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown instance driver %q", schemagen.ErrMissingConfiguration, cfg.Driver)
	}
}

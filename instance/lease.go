package instance

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mantty/schemagen"
	"github.com/shirou/gopsutil/v4/process"
)

// Lease marks a port as owned by this process. The lease file holds the owner PID;
// a lease whose owner is no longer alive is stale and may be taken over.
type Lease struct {
	path string
	pid  int
}

var (
	heldMu sync.Mutex
	held   = make(map[string]bool) // Lease paths owned by this process
)

// LeasePath returns the lease file used for port
func LeasePath(port int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("schemagen-%d.lease", port))
}

// AcquireLease claims port for the current process. stale reports that a lease left by a dead
// process was taken over, meaning its instance may still be running.
func AcquireLease(port int) (lease *Lease, stale bool, err error) {
	path := LeasePath(port)
	pid := os.Getpid()

	heldMu.Lock()
	defer heldMu.Unlock()
	if held[path] {
		return nil, false, fmt.Errorf("%w: port %d is held by another instance in this process", schemagen.ErrPortInUse, port)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid))
			cerr := f.Close()
			if err := errors.Join(werr, cerr); err != nil {
				_ = os.Remove(path)
				return nil, false, fmt.Errorf("failed to write lease %s: %w", path, err)
			}
			held[path] = true
			return &Lease{path: path, pid: pid}, stale, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, fmt.Errorf("failed to create lease %s: %w", path, err)
		}

		owner, err := readOwner(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if owner > 0 && owner != pid && alive(owner) {
			return nil, false, fmt.Errorf("%w: port %d is held by running process %d", schemagen.ErrPortInUse, port, owner)
		}

		// Stale; remove and race for it once more
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("failed to remove stale lease %s: %w", path, err)
		}
		stale = true
	}

	return nil, false, fmt.Errorf("%w: port %d was claimed concurrently", schemagen.ErrPortInUse, port)
}

// Release removes the lease if this process still owns it
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}

	heldMu.Lock()
	defer heldMu.Unlock()
	delete(held, l.path)

	owner, err := readOwner(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release lease %s: %w", l.path, err)
	}
	return nil
}

// readOwner returns the PID stored in a lease file; 0 when the content is unreadable
func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read lease %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

func alive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown liveness counts as alive so a running owner is never displaced
		return true
	}
	return exists
}

// CheckPortFree fails with ErrPortInUse when something is already listening on host:port
func CheckPortFree(host string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %s:%d: %v", schemagen.ErrPortInUse, host, port, err)
	}
	return l.Close()
}

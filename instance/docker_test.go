package instance

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/mantty/schemagen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testInstanceConfig(t *testing.T, driver string) schemagen.InstanceConfig {
	cfg := schemagen.DefaultConfig().Instance
	cfg.Driver = driver
	cfg.Port = freePort(t)
	cfg.StartupTimeout = 2 * time.Minute
	return cfg
}

func TestDockerLifecycle(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	ctx := context.Background()
	cfg := testInstanceConfig(t, DriverDocker)

	first, err := NewDocker(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = first.Stop(context.Background())
		_ = first.Close()
	})

	assert.False(t, first.IsReady(ctx))

	endpoint, err := first.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Port, endpoint.Port)
	assert.True(t, first.IsReady(ctx))

	second, err := NewDocker(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	_, err = second.Start(ctx)
	require.ErrorIs(t, err, schemagen.ErrPortInUse)
	require.NoError(t, second.Stop(ctx))
	assert.True(t, first.IsReady(ctx), "a rejected start must not disturb the running instance")

	require.NoError(t, first.Stop(ctx))
	require.NoError(t, first.Stop(ctx))
	assert.False(t, first.IsReady(ctx))
	assert.NoError(t, CheckPortFree(cfg.Host, cfg.Port))

	_, err = second.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Stop(ctx))
}

func TestDockerStartRemovesStaleInstance(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	ctx := context.Background()
	cfg := testInstanceConfig(t, DriverDocker)

	crashed, err := NewDocker(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = crashed.Close() })

	_, err = crashed.Start(ctx)
	require.NoError(t, err)

	// Simulate a process that died without stopping its instance
	crashed.guard.lease.pid = deadPID
	require.NoError(t, os.WriteFile(LeasePath(cfg.Port), []byte(strconv.Itoa(deadPID)), 0644))
	heldMu.Lock()
	delete(held, LeasePath(cfg.Port))
	heldMu.Unlock()

	next, err := NewDocker(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = next.Stop(context.Background())
		_ = next.Close()
	})

	_, err = next.Start(ctx)
	require.NoError(t, err)
	assert.True(t, next.IsReady(ctx))
}

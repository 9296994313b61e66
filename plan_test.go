package schemagen_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mantty/schemagen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) task(name string, err error, deps ...string) schemagen.Task {
	return schemagen.Task{
		Name:      name,
		DependsOn: deps,
		Run: func(ctx context.Context) error {
			r.mu.Lock()
			r.calls = append(r.calls, name)
			r.mu.Unlock()
			return err
		},
	}
}

func TestPlanOrder(t *testing.T) {
	r := &recorder{}
	plan, err := schemagen.NewPlan(
		r.task("generate", nil, "migrate"),
		r.task("migrate", nil, "start"),
		r.task("start", nil),
		r.task("lint", nil, "generate"),
		r.task("docs", nil, "generate"),
		r.task("unrelated", nil),
	)
	require.NoError(t, err)

	order, err := plan.Order("lint")
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "migrate", "generate", "lint"}, order)

	_, err = plan.Order("nope")
	require.Error(t, err)
}

func TestPlanOrderTieBreak(t *testing.T) {
	r := &recorder{}
	plan, err := schemagen.NewPlan(
		r.task("all", nil, "c", "a", "b"),
		r.task("c", nil),
		r.task("b", nil),
		r.task("a", nil),
	)
	require.NoError(t, err)

	order, err := plan.Order("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "all"}, order)
}

func TestNewPlanRejectsInvalidGraphs(t *testing.T) {
	r := &recorder{}

	_, err := schemagen.NewPlan(r.task("a", nil, "b"), r.task("b", nil, "a"))
	require.ErrorContains(t, err, "cycle")

	_, err = schemagen.NewPlan(r.task("a", nil, "missing"))
	require.ErrorContains(t, err, "unknown task")

	_, err = schemagen.NewPlan(r.task("a", nil), r.task("a", nil))
	require.ErrorContains(t, err, "duplicate")

	bad := r.task("a", nil)
	bad.FinalizedBy = []string{"missing"}
	_, err = schemagen.NewPlan(bad)
	require.ErrorContains(t, err, "unknown task")

	assert.Empty(t, r.calls)
}

func TestExecuteRunsFinalizerAfterFailure(t *testing.T) {
	r := &recorder{}
	boom := errors.New("boom")

	start := r.task("start", nil)
	start.FinalizedBy = []string{"stop"}
	plan, err := schemagen.NewPlan(
		start,
		r.task("migrate", boom, "start"),
		r.task("generate", nil, "migrate"),
		r.task("stop", nil),
	)
	require.NoError(t, err)

	result := plan.Execute(context.Background(), "generate", time.Second, nil)
	require.ErrorIs(t, result.Err, boom)
	assert.Equal(t, []string{"start", "migrate", "stop"}, r.calls)
	assert.Equal(t, []string{"start", "migrate"}, result.Executed)
	assert.Equal(t, []string{"stop"}, result.Finalized)
}

func TestExecuteRunsFinalizerWhenArmingTaskFails(t *testing.T) {
	r := &recorder{}
	start := r.task("start", schemagen.ErrProvisionTimeout)
	start.FinalizedBy = []string{"stop"}
	plan, err := schemagen.NewPlan(start, r.task("migrate", nil, "start"), r.task("stop", nil))
	require.NoError(t, err)

	result := plan.Execute(context.Background(), "migrate", time.Second, nil)
	require.ErrorIs(t, result.Err, schemagen.ErrProvisionTimeout)
	assert.Equal(t, []string{"start", "stop"}, r.calls)
}

func TestExecuteKeepsFirstError(t *testing.T) {
	r := &recorder{}
	stopErr := errors.New("stop failed")

	start := r.task("start", nil)
	start.FinalizedBy = []string{"stop"}
	plan, err := schemagen.NewPlan(start, r.task("migrate", schemagen.ErrChecksumMismatch, "start"), r.task("stop", stopErr))
	require.NoError(t, err)

	result := plan.Execute(context.Background(), "migrate", time.Second, nil)
	require.ErrorIs(t, result.Err, schemagen.ErrChecksumMismatch)
	require.Len(t, result.Teardown, 1)
	assert.ErrorIs(t, result.Teardown[0], stopErr)
}

func TestExecuteSurfacesTeardownErrorWhenNothingElseFailed(t *testing.T) {
	r := &recorder{}
	stopErr := errors.New("stop failed")

	start := r.task("start", nil)
	start.FinalizedBy = []string{"stop"}
	plan, err := schemagen.NewPlan(start, r.task("stop", stopErr))
	require.NoError(t, err)

	result := plan.Execute(context.Background(), "start", time.Second, nil)
	require.ErrorIs(t, result.Err, stopErr)
	assert.Empty(t, result.Teardown)
}

func TestExecuteFinalizesWithFreshContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var stopCtxErr error
	stopped := false
	plan, err := schemagen.NewPlan(
		schemagen.Task{
			Name:        "start",
			FinalizedBy: []string{"stop"},
			Run: func(context.Context) error {
				cancel()
				return nil
			},
		},
		schemagen.Task{
			Name:      "migrate",
			DependsOn: []string{"start"},
			Run:       func(ctx context.Context) error { return ctx.Err() },
		},
		schemagen.Task{
			Name: "stop",
			Run: func(ctx context.Context) error {
				stopped = true
				stopCtxErr = ctx.Err()
				return nil
			},
		},
	)
	require.NoError(t, err)

	result := plan.Execute(ctx, "migrate", time.Second, nil)
	require.ErrorIs(t, result.Err, context.Canceled)
	assert.True(t, schemagen.IsCancelled(result.Err))
	assert.True(t, stopped)
	assert.NoError(t, stopCtxErr)
}

func TestExecuteRecoversFinalizerPanic(t *testing.T) {
	plan, err := schemagen.NewPlan(
		schemagen.Task{Name: "start", FinalizedBy: []string{"stop"}, Run: func(context.Context) error { return nil }},
		schemagen.Task{Name: "stop", Run: func(context.Context) error { panic("docker went away") }},
	)
	require.NoError(t, err)

	result := plan.Execute(context.Background(), "start", time.Second, nil)
	require.ErrorContains(t, result.Err, "docker went away")
}

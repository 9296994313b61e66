package schemagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const defaultTeardownTimeout = 2 * time.Minute

type (
	// Task is a named unit of pipeline work
	Task struct {
		Name        string
		DependsOn   []string
		FinalizedBy []string // Tasks that run after this one once it has started, whatever the outcome
		Run         func(ctx context.Context) error
	}

	// Plan is a validated task graph
	Plan struct {
		tasks map[string]Task
	}

	// PlanResult reports what Execute did
	PlanResult struct {
		Executed  []string
		Finalized []string
		Err       error   // First error raised by a task or finalizer
		Teardown  []error // Finalizer errors that were not the first error
	}
)

// NewPlan validates tasks: names must be unique, dependencies and finalizers must exist and the graph must be acyclic
func NewPlan(tasks ...Task) (*Plan, error) {
	p := &Plan{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task name is required")
		}
		if _, ok := p.tasks[t.Name]; ok {
			return nil, fmt.Errorf("duplicate task %q", t.Name)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("task %q has no action", t.Name)
		}
		p.tasks[t.Name] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := p.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
		}
		for _, fin := range t.FinalizedBy {
			if _, ok := p.tasks[fin]; !ok {
				return nil, fmt.Errorf("task %q is finalized by unknown task %q", t.Name, fin)
			}
		}
	}

	if _, err := p.order(p.names()); err != nil {
		return nil, err
	}
	return p, nil
}

// Order returns the tasks needed to run target, dependencies first. Ties are broken by name.
func (p *Plan) Order(target string) ([]string, error) {
	if _, ok := p.tasks[target]; !ok {
		return nil, fmt.Errorf("unknown task %q", target)
	}

	needed := make(map[string]bool)
	var visit func(string)
	visit = func(name string) {
		if needed[name] {
			return
		}
		needed[name] = true
		for _, dep := range p.tasks[name].DependsOn {
			visit(dep)
		}
	}
	visit(target)

	names := make([]string, 0, len(needed))
	for name := range needed {
		names = append(names, name)
	}
	return p.order(names)
}

// Execute runs target and its dependencies in order, stopping at the first failure.
// Finalizers of every task that started run afterwards, most recent first, with a fresh
// context bounded by teardownTimeout so that a cancelled run still tears down.
func (p *Plan) Execute(ctx context.Context, target string, teardownTimeout time.Duration, logger *slog.Logger) *PlanResult {
	if logger == nil {
		logger = slog.Default()
	}
	if teardownTimeout <= 0 {
		teardownTimeout = defaultTeardownTimeout
	}

	result := &PlanResult{}
	order, err := p.Order(target)
	if err != nil {
		result.Err = err
		return result
	}

	// Finalizers scheduled to run later are not executed as part of the main order
	finalizer := make(map[string]bool)
	for _, name := range order {
		for _, fin := range p.tasks[name].FinalizedBy {
			finalizer[fin] = true
		}
	}

	var armed []string
	armedSet := make(map[string]bool)
	for _, name := range order {
		if finalizer[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("run cancelled before %s: %w", name, err)
			break
		}

		task := p.tasks[name]
		for _, fin := range task.FinalizedBy {
			if !armedSet[fin] {
				armedSet[fin] = true
				armed = append(armed, fin)
			}
		}

		logger.Debug("task started", "task", name)
		result.Executed = append(result.Executed, name)
		if err := task.Run(ctx); err != nil {
			result.Err = fmt.Errorf("%s: %w", name, err)
			logger.Debug("task failed", "task", name, "error", err)
			break
		}
	}

	for i := len(armed) - 1; i >= 0; i-- {
		name := armed[i]
		err := p.finalize(name, teardownTimeout)
		result.Finalized = append(result.Finalized, name)
		if err == nil {
			continue
		}
		err = fmt.Errorf("%s: %w", name, err)
		if result.Err == nil {
			result.Err = err
			continue
		}
		logger.Warn("teardown failed", "task", name, "error", err)
		result.Teardown = append(result.Teardown, err)
	}

	return result
}

func (p *Plan) finalize(name string, timeout time.Duration) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.tasks[name].Run(ctx)
}

func (p *Plan) names() []string {
	names := make([]string, 0, len(p.tasks))
	for name := range p.tasks {
		names = append(names, name)
	}
	return names
}

// order topologically sorts names (Kahn), restricted to dependencies inside the set
func (p *Plan) order(names []string) ([]string, error) {
	in := make(map[string]bool, len(names))
	for _, n := range names {
		in[n] = true
	}

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string)
	for _, n := range names {
		indegree[n] += 0
		for _, dep := range p.tasks[n].DependsOn {
			if !in[dep] {
				continue
			}
			indegree[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var ready []string
	for n, d := range indegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}

	var out []string
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
			}
		}
	}

	if len(out) != len(names) {
		var cyclic []string
		for n, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, n)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("task graph has a cycle through %v", cyclic)
	}
	return out, nil
}

// IsCancelled reports whether err stems from context cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Package pipeline runs named build steps with declared dependencies. Steps
// form a DAG; independent steps run concurrently, and a failing step cancels
// everything still pending.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dominikbraun/graph"
	"golang.org/x/sync/errgroup"
)

var (
	errDuplicateStep     = errors.New("step already registered")
	errUnknownDependency = errors.New("step depends on an unregistered step")
)

type Step struct {
	Name  string
	Needs []string
	Run   func(ctx context.Context) error
}

type Pipeline struct {
	logger *slog.Logger
	steps  map[string]*Step
}

func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger,
		steps:  make(map[string]*Step),
	}
}

func (p *Pipeline) Add(step *Step) error {
	if _, ok := p.steps[step.Name]; ok {
		return fmt.Errorf("%w: '%s'", errDuplicateStep, step.Name)
	}

	p.steps[step.Name] = step
	return nil
}

// order validates the step graph (no unknown dependencies, no cycles) and
// returns a topological ordering.
func (p *Pipeline) order() ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	for name := range p.steps {
		if err := g.AddVertex(name); err != nil {
			return nil, fmt.Errorf("failed to add step '%s' to graph: %w", name, err)
		}
	}

	for name, step := range p.steps {
		for _, need := range step.Needs {
			if _, ok := p.steps[need]; !ok {
				return nil, fmt.Errorf("%w: '%s' needs '%s'", errUnknownDependency, name, need)
			}

			if err := g.AddEdge(need, name); err != nil {
				return nil, fmt.Errorf("invalid dependency '%s' -> '%s': %w", need, name, err)
			}
		}
	}

	order, err := graph.TopologicalSort(g)
	if err != nil {
		return nil, fmt.Errorf("failed to order steps: %w", err)
	}

	return order, nil
}

// Run executes the pipeline, running up to parallelism ready steps at once.
func (p *Pipeline) Run(ctx context.Context, parallelism int) error {
	order, err := p.order()
	if err != nil {
		return err
	}

	p.logger.Debug("running pipeline",
		"order", order,
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)

	pending := make(map[string]int, len(p.steps))
	dependents := make(map[string][]string)

	for name, step := range p.steps {
		pending[name] = len(step.Needs)

		for _, need := range step.Needs {
			dependents[need] = append(dependents[need], name)
		}
	}

	// Buffered so finished steps never block on the scheduler, which may
	// itself be blocked starting a step at the parallelism limit
	completedCh := make(chan string, len(p.steps))

	start := func(name string) {
		step := p.steps[name]

		eg.Go(func() error {
			p.logger.Info("running step",
				"step", name,
			)

			if err := step.Run(ctx); err != nil {
				return fmt.Errorf("step '%s' failed: %w", name, err)
			}

			completedCh <- name
			return nil
		})
	}

	for _, name := range order {
		if pending[name] == 0 {
			start(name)
		}
	}

	completed := 0

scheduling:
	for completed < len(p.steps) {
		select {
		case <-ctx.Done():
			// A step failed or the caller cancelled; stop scheduling and
			// collect errors below
			break scheduling
		case name := <-completedCh:
			completed++

			for _, dependent := range dependents[name] {
				pending[dependent]--
				if pending[dependent] == 0 {
					start(dependent)
				}
			}
		}
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline cancelled: %w", err)
	}

	return nil
}

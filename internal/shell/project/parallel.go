package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/flotilla/internal/core/compose"
)

// =============================================================================
// Failure Collection
// =============================================================================

// Failure is the error of one container (or one service when Container is
// empty) within a larger operation.
type Failure struct {
	Service   string
	Container string
	Err       error
}

func (f Failure) Error() string {
	switch {
	case f.Container != "":
		return fmt.Sprintf("%s: %v", f.Container, f.Err)
	case f.Service != "":
		return fmt.Sprintf("service %s: %v", f.Service, f.Err)
	}
	return f.Err.Error()
}

func (f Failure) Unwrap() error {
	return f.Err
}

// OperationError aggregates the per-container failures of one operation.
// Containers not listed converged normally.
type OperationError struct {
	Op       string
	Failures []Failure
}

func (e *OperationError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	noun := "containers"
	if len(e.Failures) == 1 {
		noun = "container"
	}
	return fmt.Sprintf("%s: %d %s failed: %s", e.Op, len(e.Failures), noun, strings.Join(msgs, "; "))
}

func (e *OperationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Services returns the distinct services with a failure.
func (e *OperationError) Services() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range e.Failures {
		if !seen[f.Service] {
			seen[f.Service] = true
			out = append(out, f.Service)
		}
	}
	return out
}

// collector merges task results at a barrier. Configuration and project
// errors are kept apart from per-container failures.
type collector struct {
	op       string
	mu       sync.Mutex
	fatal    error
	failures []Failure
}

func newCollector(op string) *collector {
	return &collector{op: op}
}

func (c *collector) add(service, container string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if compose.IsFatal(err) {
		if c.fatal == nil {
			c.fatal = err
		}
		return
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		c.failures = append(c.failures, opErr.Failures...)
		return
	}
	c.failures = append(c.failures, Failure{Service: service, Container: container, Err: err})
}

func (c *collector) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// err returns the fatal error if any, else the aggregated failures, else nil.
func (c *collector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	if len(c.failures) > 0 {
		return &OperationError{Op: c.op, Failures: append([]Failure(nil), c.failures...)}
	}
	return nil
}

// =============================================================================
// Bounded Parallel Execution
// =============================================================================

type task struct {
	service   string
	container string
	run       func(ctx context.Context) error
}

// runTasks runs tasks with at most limit in flight and returns once all
// issued tasks have finished. A failing task never cancels its siblings.
// Once ctx is done no further task is issued; in-flight ones run to
// completion.
func runTasks(ctx context.Context, limit int, tasks []task, c *collector) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.add(t.service, t.container, t.run(ctx))
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

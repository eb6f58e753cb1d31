// Package project runs project-wide operations against a container runtime.
//
// A Project binds a resolved descriptor to a docker.Client. It walks the
// dependency graph level by level, runs the services of one level in
// parallel and waits for all of them before the next level starts.
// Start-type operations walk producers first, stop-type operations walk
// consumers first. Configuration and project errors abort the operation;
// per-container failures are collected into an *OperationError while the
// remaining containers proceed.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/convergence"
	"github.com/artpar/flotilla/internal/core/domain"
	"github.com/artpar/flotilla/internal/core/graph"
	"github.com/artpar/flotilla/internal/core/identity"
	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Options
// =============================================================================

const (
	DefaultWorkers = 8
	DefaultTimeout = 10 * time.Second
)

// Recorder persists the outcome of project-wide operations.
type Recorder interface {
	RecordOperation(ctx context.Context, op *domain.Operation) error
}

// Options configures a Project.
type Options struct {
	Logger   *slog.Logger
	Workers  int           // parallel runtime calls per level, default 8
	Timeout  time.Duration // default stop timeout, default 10s
	Recorder Recorder      // optional operation journal
}

// UpOptions configures Up. The zero value converges every service with
// the changed strategy and starts dependencies.
type UpOptions struct {
	Services      []string
	Strategy      convergence.Strategy
	NoDeps        bool
	RemoveOrphans bool
	Timeout       time.Duration
	// Detached is accepted for callers that attach to container output;
	// the engine itself never attaches.
	Detached bool
}

// CreateOptions configures Create.
type CreateOptions struct {
	Services []string
	Strategy convergence.Strategy
	NoDeps   bool
}

// DownOptions configures Down.
type DownOptions struct {
	RemoveOrphans bool
	RemoveVolumes bool
	Timeout       time.Duration
}

// =============================================================================
// Project
// =============================================================================

// Project is a descriptor bound to a runtime. It owns no container state.
type Project struct {
	name     string
	spec     *compose.ProjectSpec
	client   docker.Client
	logger   *slog.Logger
	workers  int
	stopWait time.Duration
	recorder Recorder

	graph    *graph.Graph
	order    []string
	services map[string]*Service
	networks *Networks
	volumes  *Volumes
}

// New binds spec to client. Container-kind volumes_from and network_mode
// references are resolved against the runtime here; a missing container is a
// ConfigurationError. The dependency graph is built and checked for cycles.
func New(ctx context.Context, spec *compose.ProjectSpec, client docker.Client, opts Options) (*Project, error) {
	if spec == nil || spec.Name == "" {
		return nil, compose.NewConfigurationError("name", "project name is required", nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	p := &Project{
		name:     spec.Name,
		spec:     spec,
		client:   client,
		logger:   opts.Logger.With("project", spec.Name),
		workers:  opts.Workers,
		stopWait: opts.Timeout,
		recorder: opts.Recorder,
		order:    spec.ServiceNames(),
		services: make(map[string]*Service, len(spec.Services)),
	}
	p.networks = newNetworks(spec.Name, spec.Networks, client, p.logger)
	p.volumes = newVolumes(spec.Name, spec.Volumes, client, p.logger)

	services := make([]compose.ServiceSpec, 0, len(spec.Services))
	for _, svcSpec := range spec.Services {
		svcSpec.Volumes = append([]compose.VolumeMount(nil), svcSpec.Volumes...)
		for i, m := range svcSpec.Volumes {
			if m.IsNamed() && m.ExternalName == "" {
				svcSpec.Volumes[i].ExternalName = p.volumes.RuntimeName(m.Source)
			}
		}
		services = append(services, svcSpec)
	}

	g, err := graph.Build(services)
	if err != nil {
		return nil, err
	}
	p.graph = g

	for _, svcSpec := range services {
		svc := &Service{spec: svcSpec, project: p, networkMode: svcSpec.NetworkMode}
		for _, vf := range svcSpec.VolumesFrom {
			src := volumeSource{mode: vf.Mode}
			if vf.Kind == compose.VolumeFromService {
				src.service = vf.Source
			} else {
				id, err := p.containerID(ctx, vf.Source)
				if err != nil {
					return nil, err
				}
				if id == "" {
					return nil, compose.NewConfigurationError("services."+svcSpec.Name+".volumes_from",
						fmt.Sprintf("service '%s' mounts volumes from container '%s' which does not exist", svcSpec.Name, vf.Source),
						compose.ErrMissingContainer)
				}
				src.containerID = id
			}
			if src.mode == "" {
				src.mode = "rw"
			}
			svc.volumesFrom = append(svc.volumesFrom, src)
		}
		if svcSpec.NetworkMode.Kind == compose.NetworkModeContainer {
			id, err := p.containerID(ctx, svcSpec.NetworkMode.Ref)
			if err != nil {
				return nil, err
			}
			if id == "" {
				return nil, compose.NewConfigurationError("services."+svcSpec.Name+".network_mode",
					fmt.Sprintf("service '%s' uses the network stack of container '%s' which does not exist", svcSpec.Name, svcSpec.NetworkMode.Ref),
					compose.ErrMissingContainer)
			}
			svc.networkMode.Ref = id
		}
		p.services[svcSpec.Name] = svc
	}

	return p, nil
}

// containerID returns the id of the runtime container ref, or "" when it
// does not exist.
func (p *Project) containerID(ctx context.Context, ref string) (string, error) {
	info, err := p.client.InspectContainer(ctx, ref)
	if docker.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", ref, err)
	}
	return info.ID, nil
}

// Name returns the project name.
func (p *Project) Name() string {
	return p.name
}

// ServiceNames returns the services in declaration order.
func (p *Project) ServiceNames() []string {
	return append([]string(nil), p.order...)
}

// Service returns the controller of one service.
func (p *Project) Service(name string) (*Service, error) {
	svc, ok := p.services[name]
	if !ok {
		return nil, compose.NewConfigurationError("services", "no such service: "+name, compose.ErrUnknownService)
	}
	return svc, nil
}

// Networks returns the network reconciler.
func (p *Project) Networks() *Networks {
	return p.networks
}

// Volumes returns the volume reconciler.
func (p *Project) Volumes() *Volumes {
	return p.volumes
}

func (p *Project) timeout(d time.Duration) *time.Duration {
	if d <= 0 {
		d = p.stopWait
	}
	return &d
}

func (p *Project) firstContainer(ctx context.Context, service string) (*Container, error) {
	svc, err := p.Service(service)
	if err != nil {
		return nil, err
	}
	containers, err := svc.Containers(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

// =============================================================================
// Operation Bookkeeping
// =============================================================================

type loggerKey struct{}

func withLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return fallback
}

// run wraps a project-wide operation: it assigns an operation id, tags the
// logger with it and records the outcome.
func (p *Project) run(ctx context.Context, name string, services []string, strategy string, fn func(ctx context.Context) error) error {
	op := domain.NewOperation(p.name, name, services, strategy)
	log := p.logger.With("operation", name, "operation_id", op.ID)
	ctx = withLogger(ctx, log)

	log.Debug("operation started", "services", services)
	p.record(ctx, op)
	err := fn(ctx)

	var opErr *OperationError
	partial := err != nil && !compose.IsFatal(err) && errors.As(err, &opErr)
	if ferr := op.Finish(err, partial); ferr != nil {
		log.Warn("failed to finish operation record", "error", ferr)
	}
	if partial {
		for _, f := range opErr.Failures {
			op.Failures = append(op.Failures, domain.OperationFailure{Service: f.Service, Container: f.Container, Error: f.Err.Error()})
		}
	}

	switch {
	case err == nil:
		log.Info("operation finished", "duration", op.Duration())
	case partial:
		log.Warn("operation finished with failures", "failed", len(opErr.Failures), "error", err)
	default:
		log.Error("operation failed", "error", err)
	}

	p.record(ctx, op)
	return err
}

// record writes op to the journal, if one is configured. The write uses a
// detached context so a cancelled operation is still journaled.
func (p *Project) record(ctx context.Context, op *domain.Operation) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.RecordOperation(context.WithoutCancel(ctx), op); err != nil {
		loggerFrom(ctx, p.logger).Warn("failed to record operation", "error", err, "status", op.Status)
	}
}

// targets validates names and, when withDeps is set, adds their transitive
// dependencies. Empty names means every service.
func (p *Project) targets(names []string, withDeps bool) ([]string, error) {
	if len(names) == 0 {
		return p.ServiceNames(), nil
	}
	for _, name := range names {
		if !p.graph.Has(name) {
			return nil, compose.NewConfigurationError("services", "no such service: "+name, compose.ErrUnknownService)
		}
	}
	if withDeps {
		return p.graph.Expand(names)
	}
	return append([]string(nil), names...), nil
}

// walk runs fn for every service in subset level by level. A fatal error
// stops the walk at the next barrier.
func (p *Project) walk(ctx context.Context, op string, subset []string, reverse bool, fn func(ctx context.Context, svc *Service) error) error {
	var levels [][]string
	var err error
	if reverse {
		levels, err = p.graph.ReverseLevels(subset)
	} else {
		levels, err = p.graph.Levels(subset)
	}
	if err != nil {
		return err
	}

	c := newCollector(op)
	for _, level := range levels {
		tasks := make([]task, 0, len(level))
		for _, name := range level {
			svc := p.services[name]
			tasks = append(tasks, task{service: name, run: func(ctx context.Context) error {
				return fn(ctx, svc)
			}})
		}
		if err := runTasks(ctx, p.workers, tasks, c); err != nil {
			return err
		}
		if fatal := c.fatalErr(); fatal != nil {
			return fatal
		}
	}
	return c.err()
}

// =============================================================================
// Environment
// =============================================================================

// usedNetworks returns the networks services attach to.
func (p *Project) usedNetworks(services []string) []string {
	set := make(map[string]bool)
	for _, name := range services {
		svc := p.services[name]
		if svc.spec.NetworkMode.Kind != compose.NetworkModeDefault {
			continue
		}
		for net := range svc.spec.Networks {
			set[net] = true
		}
	}
	out := make([]string, 0, len(set))
	for net := range set {
		out = append(out, net)
	}
	sort.Strings(out)
	return out
}

// InitializeEnvironment makes the declared volumes and the networks used by
// services exist.
func (p *Project) InitializeEnvironment(ctx context.Context, services []string) error {
	if err := p.volumes.Initialize(ctx); err != nil {
		return err
	}
	return p.networks.Initialize(ctx, p.usedNetworks(services))
}

// =============================================================================
// Create / Up
// =============================================================================

// Up converges and starts the targeted services and, unless NoDeps is set,
// their dependencies. Dependencies that were not named never get the
// always strategy. Orphans are removed when RemoveOrphans is set, otherwise
// reported in one warning.
func (p *Project) Up(ctx context.Context, opts UpOptions) ([]Container, error) {
	var out []Container
	strategy := defaultStrategy(opts.Strategy)
	err := p.run(ctx, "up", opts.Services, string(strategy), func(ctx context.Context) error {
		var err error
		out, err = p.converge(ctx, "up", opts.Services, strategy, opts.NoDeps, true)
		if err != nil && (compose.IsFatal(err) || ctx.Err() != nil) {
			return err
		}
		if oerr := p.handleOrphans(ctx, opts.RemoveOrphans, opts.Timeout); oerr != nil {
			return errors.Join(err, oerr)
		}
		return err
	})
	return out, err
}

// Create converges the targeted services without starting them.
func (p *Project) Create(ctx context.Context, opts CreateOptions) ([]Container, error) {
	var out []Container
	strategy := defaultStrategy(opts.Strategy)
	err := p.run(ctx, "create", opts.Services, string(strategy), func(ctx context.Context) error {
		var err error
		out, err = p.converge(ctx, "create", opts.Services, strategy, opts.NoDeps, false)
		return err
	})
	return out, err
}

func defaultStrategy(s convergence.Strategy) convergence.Strategy {
	if s == "" {
		return convergence.StrategyChanged
	}
	return s
}

func (p *Project) converge(ctx context.Context, op string, names []string, strategy convergence.Strategy, noDeps, start bool) ([]Container, error) {
	targets, err := p.targets(names, !noDeps)
	if err != nil {
		return nil, err
	}
	if err := p.InitializeEnvironment(ctx, targets); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool, len(names))
	for _, name := range names {
		explicit[name] = true
	}

	var mu sync.Mutex
	var out []Container
	err = p.walk(ctx, op, targets, false, func(ctx context.Context, svc *Service) error {
		s := strategy
		if len(names) > 0 && !explicit[svc.Name()] {
			s = strategy.ForPrerequisite()
		}
		var containers []Container
		var err error
		if start {
			containers, err = svc.Up(ctx, s)
		} else {
			containers, err = svc.Create(ctx, s)
		}
		mu.Lock()
		out = append(out, containers...)
		mu.Unlock()
		return err
	})
	return out, err
}

// =============================================================================
// Orphans
// =============================================================================

// Orphans returns the project's containers whose service is no longer
// declared.
func (p *Project) Orphans(ctx context.Context) ([]Container, error) {
	infos, err := p.client.ListContainers(ctx, docker.ListOptions{All: true, Labels: identity.Filter(p.name, "")})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var out []Container
	for _, info := range infos {
		if !identity.Matches(info.Labels, p.name) {
			continue
		}
		c := containerFromInfo(info)
		if _, declared := p.services[c.Service]; !declared {
			out = append(out, c)
		}
	}
	sortByNumber(out)
	return out, nil
}

func (p *Project) handleOrphans(ctx context.Context, remove bool, timeout time.Duration) error {
	orphans, err := p.Orphans(ctx)
	if err != nil || len(orphans) == 0 {
		return err
	}
	log := loggerFrom(ctx, p.logger)

	if !remove {
		seen := make(map[string]bool)
		var services []string
		for _, o := range orphans {
			if !seen[o.Service] {
				seen[o.Service] = true
				services = append(services, o.Service)
			}
		}
		sort.Strings(services)
		log.Warn("found orphan containers for services not declared in the project; remove them with remove_orphans",
			"services", strings.Join(services, ", "),
			"containers", len(orphans))
		return nil
	}

	c := newCollector("remove orphans")
	tasks := make([]task, 0, len(orphans))
	for _, o := range orphans {
		tasks = append(tasks, task{service: o.Service, container: o.Name, run: func(ctx context.Context) error {
			if o.Running {
				if err := ignore(p.client.StopContainer(ctx, o.ID, p.timeout(timeout)), docker.ErrContainerNotRunning); err != nil {
					return err
				}
			}
			if err := ignore(p.client.RemoveContainer(ctx, o.ID, docker.RemoveOptions{}), nil); err != nil {
				return err
			}
			log.Info("orphan container removed", "container", o.Name)
			return nil
		}})
	}
	if err := runTasks(ctx, p.workers, tasks, c); err != nil {
		return err
	}
	return c.err()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the existing containers of the targeted services, producers
// first.
func (p *Project) Start(ctx context.Context, services []string) error {
	return p.lifecycle(ctx, "start", services, false, func(ctx context.Context, svc *Service) error {
		return svc.Start(ctx)
	})
}

// Stop stops the targeted services, consumers first.
func (p *Project) Stop(ctx context.Context, services []string, timeout time.Duration) error {
	return p.lifecycle(ctx, "stop", services, true, func(ctx context.Context, svc *Service) error {
		return svc.Stop(ctx, timeout)
	})
}

// Pause pauses the targeted services, consumers first.
func (p *Project) Pause(ctx context.Context, services []string) error {
	return p.lifecycle(ctx, "pause", services, true, func(ctx context.Context, svc *Service) error {
		return svc.Pause(ctx)
	})
}

// Unpause resumes the targeted services, producers first.
func (p *Project) Unpause(ctx context.Context, services []string) error {
	return p.lifecycle(ctx, "unpause", services, false, func(ctx context.Context, svc *Service) error {
		return svc.Unpause(ctx)
	})
}

// Kill sends signal to the targeted services, consumers first.
func (p *Project) Kill(ctx context.Context, services []string, signal string) error {
	if signal == "" {
		signal = "SIGKILL"
	}
	return p.lifecycle(ctx, "kill", services, true, func(ctx context.Context, svc *Service) error {
		return svc.Kill(ctx, signal)
	})
}

// RemoveStopped removes the stopped containers of the targeted services.
func (p *Project) RemoveStopped(ctx context.Context, services []string, removeVolumes bool) error {
	return p.lifecycle(ctx, "rm", services, true, func(ctx context.Context, svc *Service) error {
		return svc.RemoveStopped(ctx, removeVolumes)
	})
}

func (p *Project) lifecycle(ctx context.Context, op string, services []string, reverse bool, fn func(ctx context.Context, svc *Service) error) error {
	return p.run(ctx, op, services, "", func(ctx context.Context) error {
		targets, err := p.targets(services, false)
		if err != nil {
			return err
		}
		return p.walk(ctx, op, targets, reverse, fn)
	})
}

// Scale converges the number of running containers of one service.
func (p *Project) Scale(ctx context.Context, service string, desired int, timeout time.Duration) error {
	return p.run(ctx, "scale", []string{service}, "", func(ctx context.Context) error {
		svc, err := p.Service(service)
		if err != nil {
			return err
		}
		if desired > 0 {
			if err := p.InitializeEnvironment(ctx, []string{service}); err != nil {
				return err
			}
		}
		return svc.Scale(ctx, desired, timeout)
	})
}

// Down stops and removes every container of the project, consumers first,
// then removes the project networks and, with RemoveVolumes, its volumes.
func (p *Project) Down(ctx context.Context, opts DownOptions) error {
	return p.run(ctx, "down", nil, "", func(ctx context.Context) error {
		all := p.ServiceNames()
		err := p.walk(ctx, "down", all, true, func(ctx context.Context, svc *Service) error {
			if err := svc.Stop(ctx, opts.Timeout); err != nil {
				return err
			}
			return svc.RemoveStopped(ctx, opts.RemoveVolumes)
		})
		if compose.IsFatal(err) || ctx.Err() != nil {
			return err
		}

		errs := []error{err}
		if opts.RemoveOrphans {
			errs = append(errs, p.handleOrphans(ctx, true, opts.Timeout))
		}
		errs = append(errs, p.networks.Remove(ctx, p.usedNetworks(all)))
		if opts.RemoveVolumes {
			errs = append(errs, p.volumes.Remove(ctx))
		}
		return errors.Join(errs...)
	})
}

// =============================================================================
// Queries
// =============================================================================

// Containers returns the containers of the targeted services, service by
// service. Without stopped only running containers are returned.
func (p *Project) Containers(ctx context.Context, services []string, stopped bool) ([]Container, error) {
	targets, err := p.targets(services, false)
	if err != nil {
		return nil, err
	}
	var out []Container
	for _, name := range targets {
		containers, err := p.services[name].Containers(ctx, stopped)
		if err != nil {
			return nil, err
		}
		out = append(out, containers...)
	}
	return out, nil
}

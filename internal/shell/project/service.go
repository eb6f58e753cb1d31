package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/convergence"
	"github.com/artpar/flotilla/internal/core/identity"
	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Service Controller
// =============================================================================

// volumeSource is a volumes_from entry after project construction: either a
// service of the project or the id of an existing runtime container.
type volumeSource struct {
	service     string
	containerID string
	mode        string
}

// Service controls the containers of one service. All state is read from
// the runtime on every call.
type Service struct {
	spec    compose.ServiceSpec
	project *Project

	volumesFrom []volumeSource
	networkMode compose.NetworkMode // container kind carries the resolved id
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.spec.Name
}

// Spec returns the service descriptor.
func (s *Service) Spec() compose.ServiceSpec {
	return s.spec
}

func (s *Service) client() docker.Client {
	return s.project.client
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return loggerFrom(ctx, s.project.logger).With("service", s.spec.Name)
}

// Containers returns the containers of the service ordered by number.
// Without stopped only running (and paused) containers are returned.
func (s *Service) Containers(ctx context.Context, stopped bool) ([]Container, error) {
	infos, err := s.client().ListContainers(ctx, docker.ListOptions{
		All:    stopped,
		Labels: identity.Filter(s.project.name, s.spec.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", s.spec.Name, err)
	}
	out := make([]Container, 0, len(infos))
	for _, info := range infos {
		if !identity.Matches(info.Labels, s.project.name, s.spec.Name) {
			continue
		}
		out = append(out, containerFromInfo(info))
	}
	sortByNumber(out)
	return out, nil
}

// =============================================================================
// Resolution
// =============================================================================

// ResolvedNetworkMode returns the runtime network mode. A service:<name>
// mode resolves to the lowest-numbered container of that service.
func (s *Service) ResolvedNetworkMode(ctx context.Context) (string, error) {
	mode := s.networkMode
	switch mode.Kind {
	case compose.NetworkModeDefault:
		return "", nil
	case compose.NetworkModeContainer:
		return "container:" + mode.Ref, nil
	case compose.NetworkModeService:
		target, err := s.project.firstContainer(ctx, mode.Ref)
		if err != nil {
			return "", err
		}
		if target == nil {
			return "", compose.NewConfigurationError("services."+s.spec.Name+".network_mode",
				fmt.Sprintf("service '%s' uses the network stack of service '%s' which has no container", s.spec.Name, mode.Ref),
				compose.ErrMissingContainer)
		}
		return "container:" + target.ID, nil
	}
	return string(mode.Kind), nil
}

func (s *Service) resolvedVolumesFrom(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.volumesFrom))
	for _, vf := range s.volumesFrom {
		if vf.containerID != "" {
			out = append(out, vf.containerID+":"+vf.mode)
			continue
		}
		target, err := s.project.firstContainer(ctx, vf.service)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, compose.NewConfigurationError("services."+s.spec.Name+".volumes_from",
				fmt.Sprintf("service '%s' shares volumes from service '%s' which has no container", s.spec.Name, vf.service),
				compose.ErrMissingContainer)
		}
		out = append(out, target.ID+":"+vf.mode)
	}
	return out, nil
}

// mounts returns the runtime mounts of the service. Anonymous volumes take
// their name from previous, keyed by container path, when set. Paths in
// previous that the service does not declare are mounted after the declared
// ones.
func (s *Service) mounts(previous map[string]string) []docker.Mount {
	out := make([]docker.Mount, 0, len(s.spec.Volumes))
	for _, v := range s.spec.Volumes {
		m := docker.Mount{Target: v.Target, ReadOnly: v.ReadOnly}
		switch {
		case v.Type == compose.VolumeMountTypeBind:
			m.Type = docker.MountTypeBind
			m.Source = v.Source
		case v.Type == compose.VolumeMountTypeTmpfs:
			m.Type = docker.MountTypeTmpfs
		case v.IsNamed():
			m.Type = docker.MountTypeVolume
			m.Source = v.ExternalName
		default:
			m.Type = docker.MountTypeVolume
			m.Source = previous[v.Target]
		}
		out = append(out, m)
	}

	var extra []string
	for path := range previous {
		if !declaresPath(s.spec.Volumes, path) {
			extra = append(extra, path)
		}
	}
	sort.Strings(extra)
	for _, path := range extra {
		out = append(out, docker.Mount{Type: docker.MountTypeVolume, Source: previous[path], Target: path})
	}
	return out
}

func declaresPath(volumes []compose.VolumeMount, path string) bool {
	for _, v := range volumes {
		if v.Target == path {
			return true
		}
	}
	return false
}

// mountKeys describes the mounts for the fingerprint. Anonymous volumes are
// keyed by path only so that reattaching them does not change the hash.
func mountKeys(mounts []docker.Mount, spec []compose.VolumeMount) []string {
	out := make([]string, 0, len(mounts))
	for i, m := range mounts {
		source := m.Source
		if spec[i].IsAnonymous() {
			source = ""
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		out = append(out, fmt.Sprintf("%s:%s:%s:%s", m.Type, source, m.Target, mode))
	}
	return out
}

// resolution is everything a container of the service needs that only the
// runtime knows.
type resolution struct {
	imageID     string
	networkMode string
	volumesFrom []string
	hash        string
}

func (s *Service) resolve(ctx context.Context) (resolution, error) {
	imageID, err := s.ensureImage(ctx)
	if err != nil {
		return resolution{}, err
	}
	mode, err := s.ResolvedNetworkMode(ctx)
	if err != nil {
		return resolution{}, err
	}
	volumesFrom, err := s.resolvedVolumesFrom(ctx)
	if err != nil {
		return resolution{}, err
	}
	r := resolution{imageID: imageID, networkMode: mode, volumesFrom: volumesFrom}
	r.hash = convergence.Fingerprint(s.spec, convergence.Resolved{
		ImageID:     imageID,
		NetworkMode: mode,
		VolumesFrom: volumesFrom,
		Mounts:      mountKeys(s.mounts(nil), s.spec.Volumes),
	})
	return r, nil
}

// ImageName returns the image reference containers are created from. A
// build-only service uses <project>_<service>.
func (s *Service) ImageName() string {
	if s.spec.Image != "" {
		return s.spec.Image
	}
	return s.project.name + "_" + s.spec.Name
}

// ensureImage returns the local id of the service image, pulling it when
// missing.
func (s *Service) ensureImage(ctx context.Context) (string, error) {
	ref := s.ImageName()
	info, err := s.client().InspectImage(ctx, ref)
	if err == nil {
		return info.ID, nil
	}
	if !docker.IsNotFound(err) {
		return "", fmt.Errorf("inspect image %s: %w", ref, err)
	}
	if s.spec.Image == "" {
		return "", fmt.Errorf("image %s for service %s must be built first", ref, s.spec.Name)
	}

	s.log(ctx).Info("pulling image", "image", ref)
	if err := s.client().PullImage(ctx, ref, docker.PullOptions{}); err != nil {
		return "", fmt.Errorf("pull image %s: %w", ref, err)
	}
	info, err = s.client().InspectImage(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return info.ID, nil
}

// links returns the legacy links in "<container>:<alias>" form.
func (s *Service) links(ctx context.Context) ([]string, error) {
	var out []string
	for _, link := range s.spec.Links {
		target, ok := s.project.services[link.Service]
		if !ok {
			continue
		}
		containers, err := target.Containers(ctx, true)
		if err != nil {
			return nil, err
		}
		alias := link.Alias
		if alias == "" {
			alias = link.Service
		}
		prefix := s.project.name + "_"
		for _, c := range containers {
			out = append(out, c.Name+":"+alias, c.Name+":"+c.Name)
			if short := strings.TrimPrefix(c.Name, prefix); short != c.Name {
				out = append(out, c.Name+":"+short)
			}
		}
	}
	return out, nil
}

// containerSpec builds the runtime request for instance number.
func (s *Service) containerSpec(ctx context.Context, number int, r resolution, previous map[string]string) (docker.ContainerSpec, error) {
	links, err := s.links(ctx)
	if err != nil {
		return docker.ContainerSpec{}, err
	}

	labels := mergeLabels(s.spec.Labels, identity.Labels(s.project.name, s.spec.Name, number))
	spec := docker.ContainerSpec{
		Name:        identity.ContainerName(s.project.name, s.spec.Name, number),
		Image:       s.ImageName(),
		Command:     s.spec.Command,
		Entrypoint:  s.spec.Entrypoint,
		Env:         s.spec.Environment,
		Labels:      identity.WithConfigHash(labels, r.hash),
		Mounts:      s.mounts(previous),
		VolumesFrom: r.volumesFrom,
		Links:       links,
		NetworkMode: r.networkMode,
		WorkingDir:  s.spec.WorkingDir,
		User:        s.spec.User,
		Resources: docker.ResourceLimits{
			CPULimit:    s.spec.Resources.CPULimit,
			MemoryLimit: s.spec.Resources.MemoryLimit,
		},
		Isolation:     s.spec.Isolation,
		RestartPolicy: restartPolicy(s.spec.Restart),
	}

	for _, p := range s.spec.Ports {
		spec.Ports = append(spec.Ports, docker.PortBinding{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	if s.spec.NetworkMode.Kind == compose.NetworkModeDefault {
		spec.Networks = make(map[string]docker.EndpointSpec, len(s.spec.Networks))
		for _, name := range s.spec.NetworkNames() {
			decl := s.spec.Networks[name]
			spec.Networks[s.project.networks.RuntimeName(name)] = docker.EndpointSpec{
				Aliases:      append([]string{s.spec.Name}, decl.Aliases...),
				IPv4Address:  decl.IPv4Address,
				IPv6Address:  decl.IPv6Address,
				LinkLocalIPs: decl.LinkLocalIPs,
			}
		}
	}

	if hc := s.spec.HealthCheck; hc != nil {
		spec.HealthCheck = &docker.HealthCheck{
			Test:        hc.Test,
			Interval:    parseDuration(hc.Interval),
			Timeout:     parseDuration(hc.Timeout),
			Retries:     hc.Retries,
			StartPeriod: parseDuration(hc.StartPeriod),
		}
	}
	if lg := s.spec.Logging; lg != nil {
		spec.LogDriver = lg.Driver
		spec.LogOptions = lg.Options
	}
	return spec, nil
}

func restartPolicy(p compose.RestartPolicy) docker.RestartPolicy {
	name, retries, _ := strings.Cut(string(p), ":")
	policy := docker.RestartPolicy{Name: name}
	if n, err := strconv.Atoi(retries); err == nil {
		policy.MaximumRetryCount = n
	}
	return policy
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// runtimeError classifies a runtime failure. Rejections for project-level
// reasons become a ProjectError; everything else stays a plain error to be
// collected for the container.
func runtimeError(op string, err error) error {
	if docker.IsRejected(err) {
		return compose.NewProjectError(op, err.Error(), fmt.Errorf("%w: %w", compose.ErrRejected, err))
	}
	return err
}

// =============================================================================
// Create / Up
// =============================================================================

// Create converges the service's containers with strategy without starting
// them. It returns the containers after convergence.
func (s *Service) Create(ctx context.Context, strategy convergence.Strategy) ([]Container, error) {
	return s.converge(ctx, strategy, false)
}

// Up converges the service's containers with strategy and starts every
// container that is not running.
func (s *Service) Up(ctx context.Context, strategy convergence.Strategy) ([]Container, error) {
	return s.converge(ctx, strategy, true)
}

func (s *Service) converge(ctx context.Context, strategy convergence.Strategy, start bool) ([]Container, error) {
	existing, err := s.Containers(ctx, true)
	if err != nil {
		return nil, err
	}
	r, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}

	instances := make([]convergence.Instance, 0, len(existing))
	byID := make(map[string]Container, len(existing))
	for _, c := range existing {
		instances = append(instances, c.instance())
		byID[c.ID] = c
	}
	plan := convergence.Decide(strategy, r.hash, instances, s.spec.DesiredScale())
	s.log(ctx).Debug("convergence plan",
		"strategy", strategy,
		"reuse", plan.Count(convergence.ActionReuse),
		"recreate", plan.Count(convergence.ActionRecreate),
		"create", plan.Count(convergence.ActionCreate))

	c := newCollector("create")
	var mu sync.Mutex
	ids := make([]string, 0, len(plan.Actions))
	keep := func(id string) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
	}

	tasks := make([]task, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		name := identity.ContainerName(s.project.name, s.spec.Name, action.Number)
		tasks = append(tasks, task{service: s.spec.Name, container: name, run: func(ctx context.Context) error {
			var id string
			var err error
			switch action.Kind {
			case convergence.ActionReuse:
				id = action.Existing.ID
			case convergence.ActionRecreate:
				id, err = s.recreate(ctx, byID[action.Existing.ID], r)
			case convergence.ActionCreate:
				id, err = s.createInstance(ctx, action.Number, r, nil)
			}
			if err != nil {
				return err
			}
			keep(id)
			if start {
				return s.startFresh(ctx, id)
			}
			return nil
		}})
	}
	if err := runTasks(ctx, s.project.workers, tasks, c); err != nil {
		return nil, err
	}

	containers := s.snapshots(ctx, ids)
	return containers, c.err()
}

func (s *Service) createInstance(ctx context.Context, number int, r resolution, previous map[string]string) (string, error) {
	spec, err := s.containerSpec(ctx, number, r, previous)
	if err != nil {
		return "", err
	}
	id, err := s.client().CreateContainer(ctx, spec)
	if err != nil {
		return "", runtimeError("create container "+spec.Name, err)
	}
	s.log(ctx).Info("container created", "container", spec.Name, "number", number)
	return id, nil
}

// recreate replaces old with a container built from the current spec. The
// old container is stopped and moved aside under a stash name, the new one
// is created under the original name with the old anonymous volumes, and
// only then is the old container removed. If creation fails the old
// container gets its name back.
func (s *Service) recreate(ctx context.Context, old Container, r resolution) (string, error) {
	log := s.log(ctx).With("container", old.Name)

	info, err := s.client().InspectContainer(ctx, old.ID)
	if docker.IsNotFound(err) {
		log.Debug("container vanished before recreate")
		return s.createInstance(ctx, old.Number, r, nil)
	}
	if err != nil {
		return "", err
	}
	fresh := containerFromInfo(*info)

	if fresh.Running {
		if err := s.client().StopContainer(ctx, fresh.ID, s.project.timeout(0)); err != nil && !docker.IsNotFound(err) {
			return "", err
		}
	}

	stash := identity.StashName(fresh.ID, fresh.Name)
	if err := s.client().RenameContainer(ctx, fresh.ID, stash); err != nil {
		return "", err
	}

	previous, err := s.carriedVolumes(ctx, fresh, r)
	if err != nil {
		if rerr := s.client().RenameContainer(ctx, fresh.ID, fresh.Name); rerr != nil {
			log.Error("failed to restore container name", "stash", stash, "error", rerr)
		}
		return "", err
	}

	id, err := s.createInstance(ctx, old.Number, r, previous)
	if err != nil {
		if rerr := s.client().RenameContainer(ctx, fresh.ID, fresh.Name); rerr != nil {
			log.Error("failed to restore container name", "stash", stash, "error", rerr)
		}
		return "", err
	}

	if err := s.client().RemoveContainer(ctx, fresh.ID, docker.RemoveOptions{}); err != nil && !docker.IsNotFound(err) {
		return "", err
	}
	log.Info("container recreated", "old_id", fresh.ShortID())
	return id, nil
}

// carriedVolumes returns the volumes of old that the replacement must mount
// again, keyed by container path. These are the declared anonymous volumes
// and any volume the service does not declare at all, such as one created
// for an image VOLUME. Paths shared through volumes_from and named project
// volumes are left out.
func (s *Service) carriedVolumes(ctx context.Context, old Container, r resolution) (map[string]string, error) {
	declared := make(map[string]bool, len(s.spec.Volumes))
	for _, v := range s.spec.Volumes {
		if !v.IsAnonymous() {
			declared[v.Target] = true
		}
	}
	shared := make(map[string]bool)
	for _, vf := range r.volumesFrom {
		ref, _, _ := strings.Cut(vf, ":")
		info, err := s.client().InspectContainer(ctx, ref)
		if docker.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, m := range info.Mounts {
			shared[m.Destination] = true
		}
	}

	projectPrefix := identity.VolumeName(s.project.name, "")
	previous := make(map[string]string)
	for _, m := range old.Mounts {
		if m.Type != docker.MountTypeVolume || m.Name == "" {
			continue
		}
		if declared[m.Destination] || shared[m.Destination] || strings.HasPrefix(m.Name, projectPrefix) {
			continue
		}
		previous[m.Destination] = m.Name
	}
	return previous, nil
}

// startFresh starts id unless it already runs, and unpauses it if paused.
func (s *Service) startFresh(ctx context.Context, id string) error {
	info, err := s.client().InspectContainer(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case info.Paused:
		return ignore(s.client().UnpauseContainer(ctx, id), docker.ErrContainerNotPaused)
	case info.Running:
		return nil
	}
	if err := s.client().StartContainer(ctx, id); err != nil {
		return runtimeError("start container "+info.Name, err)
	}
	s.log(ctx).Info("container started", "container", info.Name)
	return nil
}

func (s *Service) snapshots(ctx context.Context, ids []string) []Container {
	out := make([]Container, 0, len(ids))
	for _, id := range ids {
		info, err := s.client().InspectContainer(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, containerFromInfo(*info))
	}
	sortByNumber(out)
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// each runs fn on every container of the service selected by keep.
func (s *Service) each(ctx context.Context, op string, stopped bool, keep func(Container) bool, fn func(context.Context, Container) error) error {
	containers, err := s.Containers(ctx, stopped)
	if err != nil {
		return err
	}
	c := newCollector(op)
	var tasks []task
	for _, ctr := range containers {
		if !keep(ctr) {
			continue
		}
		tasks = append(tasks, task{service: s.spec.Name, container: ctr.Name, run: func(ctx context.Context) error {
			return fn(ctx, ctr)
		}})
	}
	if err := runTasks(ctx, s.project.workers, tasks, c); err != nil {
		return err
	}
	return c.err()
}

// Start starts every stopped container. Missing instances are not created.
func (s *Service) Start(ctx context.Context) error {
	return s.each(ctx, "start", true, func(c Container) bool { return !c.Running }, func(ctx context.Context, c Container) error {
		if err := ignore(s.client().StartContainer(ctx, c.ID), nil); err != nil {
			return runtimeError("start container "+c.Name, err)
		}
		s.log(ctx).Info("container started", "container", c.Name)
		return nil
	})
}

// Stop stops every running container.
func (s *Service) Stop(ctx context.Context, timeout time.Duration) error {
	return s.each(ctx, "stop", false, func(Container) bool { return true }, func(ctx context.Context, c Container) error {
		if err := s.client().StopContainer(ctx, c.ID, s.project.timeout(timeout)); err != nil {
			return ignore(err, docker.ErrContainerNotRunning)
		}
		s.log(ctx).Info("container stopped", "container", c.Name)
		return nil
	})
}

// Kill sends signal to every running container.
func (s *Service) Kill(ctx context.Context, signal string) error {
	return s.each(ctx, "kill", false, func(Container) bool { return true }, func(ctx context.Context, c Container) error {
		if err := s.client().KillContainer(ctx, c.ID, signal); err != nil {
			return ignore(err, docker.ErrContainerNotRunning)
		}
		s.log(ctx).Info("container killed", "container", c.Name, "signal", signal)
		return nil
	})
}

// Pause pauses every running container.
func (s *Service) Pause(ctx context.Context) error {
	return s.each(ctx, "pause", false, func(c Container) bool { return !c.Paused }, func(ctx context.Context, c Container) error {
		if err := s.client().PauseContainer(ctx, c.ID); err != nil {
			return ignore(err, docker.ErrContainerNotRunning)
		}
		s.log(ctx).Info("container paused", "container", c.Name)
		return nil
	})
}

// Unpause resumes every paused container.
func (s *Service) Unpause(ctx context.Context) error {
	return s.each(ctx, "unpause", false, func(c Container) bool { return c.Paused }, func(ctx context.Context, c Container) error {
		if err := s.client().UnpauseContainer(ctx, c.ID); err != nil {
			return ignore(err, docker.ErrContainerNotPaused)
		}
		s.log(ctx).Info("container unpaused", "container", c.Name)
		return nil
	})
}

// RemoveStopped removes every stopped container, with its anonymous volumes
// when removeVolumes is set.
func (s *Service) RemoveStopped(ctx context.Context, removeVolumes bool) error {
	return s.each(ctx, "remove", true, func(c Container) bool { return !c.Running }, func(ctx context.Context, c Container) error {
		return s.remove(ctx, c, removeVolumes)
	})
}

func (s *Service) remove(ctx context.Context, c Container, removeVolumes bool) error {
	if err := s.client().RemoveContainer(ctx, c.ID, docker.RemoveOptions{RemoveVolumes: removeVolumes}); err != nil {
		return ignore(err, nil)
	}
	s.log(ctx).Info("container removed", "container", c.Name)
	return nil
}

// ignore drops not-found errors and the given already-satisfied sentinel.
func ignore(err, satisfied error) error {
	if err == nil || docker.IsNotFound(err) {
		return nil
	}
	if satisfied != nil && errors.Is(err, satisfied) {
		return nil
	}
	return err
}

// =============================================================================
// Scale
// =============================================================================

// Scale converges the number of running containers to desired. New
// instances take the lowest free numbers; surplus instances are removed
// highest number first. Stopped containers are removed afterwards.
func (s *Service) Scale(ctx context.Context, desired int, timeout time.Duration) error {
	if desired < 0 {
		return compose.NewConfigurationError("scale", fmt.Sprintf("invalid scale %d for service %s", desired, s.spec.Name), nil)
	}
	all, err := s.Containers(ctx, true)
	if err != nil {
		return err
	}
	var running []Container
	used := make([]int, 0, len(all))
	for _, c := range all {
		used = append(used, c.Number)
		if c.Running {
			running = append(running, c)
		}
	}

	c := newCollector("scale")
	var tasks []task
	switch {
	case len(running) < desired:
		r, err := s.resolve(ctx)
		if err != nil {
			return err
		}
		for _, n := range identity.NextNumbers(used, desired-len(running)) {
			name := identity.ContainerName(s.project.name, s.spec.Name, n)
			tasks = append(tasks, task{service: s.spec.Name, container: name, run: func(ctx context.Context) error {
				id, err := s.createInstance(ctx, n, r, nil)
				if err != nil {
					return err
				}
				return s.startFresh(ctx, id)
			}})
		}
	case len(running) > desired:
		surplus := append([]Container(nil), running...)
		sort.Slice(surplus, func(i, j int) bool { return surplus[i].Number > surplus[j].Number })
		for _, ctr := range surplus[:len(running)-desired] {
			tasks = append(tasks, task{service: s.spec.Name, container: ctr.Name, run: func(ctx context.Context) error {
				if err := s.client().StopContainer(ctx, ctr.ID, s.project.timeout(timeout)); err != nil {
					if err := ignore(err, docker.ErrContainerNotRunning); err != nil {
						return err
					}
				}
				return s.remove(ctx, ctr, false)
			}})
		}
	}
	if err := runTasks(ctx, s.project.workers, tasks, c); err != nil {
		return err
	}
	if err := c.err(); err != nil {
		return err
	}
	s.log(ctx).Info("service scaled", "from", len(running), "to", desired)
	return s.RemoveStopped(ctx, false)
}

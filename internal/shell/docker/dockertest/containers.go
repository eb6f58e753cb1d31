package dockertest

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Container Operations
// =============================================================================

var validIsolation = map[string]bool{"": true, "default": true, "process": true, "hyperv": true}

// CreateContainer creates a stopped container.
func (r *Runtime) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "CreateContainer"
	if err := r.faultLocked("create", spec.Name); err != nil {
		return "", err
	}
	if spec.Name != "" && r.findLocked(spec.Name) != nil {
		return "", docker.NewDockerError(op, "container", spec.Name, "container already exists", docker.ErrContainerAlreadyExists)
	}
	if !validIsolation[spec.Isolation] {
		return "", docker.NewDockerError(op, "container", spec.Name, "invalid isolation: "+spec.Isolation, docker.ErrInvalidRequest)
	}

	if mode := spec.NetworkMode; strings.HasPrefix(mode, "container:") {
		if r.findLocked(strings.TrimPrefix(mode, "container:")) == nil {
			return "", docker.NewDockerError(op, "container", mode, "container not found", docker.ErrContainerNotFound)
		}
	}
	for name, ep := range spec.Networks {
		n, ok := r.networks[name]
		if !ok {
			return "", docker.NewDockerError(op, "network", name, "network not found", docker.ErrNetworkNotFound)
		}
		if err := checkStaticAddress(n, ep); err != nil {
			return "", docker.NewDockerError(op, "container", spec.Name, err.Error(), docker.ErrInvalidRequest)
		}
	}

	id := r.nextID("container:" + spec.Name)
	c := &Container{
		ID:      id,
		Name:    spec.Name,
		Spec:    spec,
		ImageID: r.addImageLocked(spec.Image),
		Created: time.Now(),
	}
	if c.Name == "" {
		c.Name = id[:12]
	}
	c.Spec.Labels = copyMap(spec.Labels)
	c.Spec.Env = copyMap(spec.Env)

	for _, vf := range spec.VolumesFrom {
		ref, mode, _ := strings.Cut(vf, ":")
		src := r.findLocked(ref)
		if src == nil {
			return "", docker.NewDockerError(op, "container", ref, "container not found", docker.ErrContainerNotFound)
		}
		for _, m := range src.Mounts {
			m.RW = m.RW && mode != "ro"
			c.Mounts = append(c.Mounts, m)
		}
	}

	for _, m := range spec.Mounts {
		switch m.Type {
		case docker.MountTypeVolume:
			name := m.Source
			if name == "" {
				name = r.nextID("volume")
			}
			if _, ok := r.volumes[name]; !ok {
				r.volumes[name] = &Volume{
					Info:      docker.VolumeInfo{Name: name, Driver: "local", Mountpoint: "/var/lib/docker/volumes/" + name + "/_data"},
					Data:      map[string]string{},
					Anonymous: m.Source == "",
				}
			}
			c.Mounts = replaceMount(c.Mounts, docker.MountPoint{
				Type:        docker.MountTypeVolume,
				Name:        name,
				Source:      r.volumes[name].Info.Mountpoint,
				Destination: m.Target,
				RW:          !m.ReadOnly,
			})
		default:
			c.Mounts = replaceMount(c.Mounts, docker.MountPoint{
				Type:        m.Type,
				Source:      m.Source,
				Destination: m.Target,
				RW:          !m.ReadOnly,
			})
		}
	}

	r.containers[id] = c
	r.record("create", c.Name)
	return id, nil
}

func replaceMount(mounts []docker.MountPoint, m docker.MountPoint) []docker.MountPoint {
	for i := range mounts {
		if mounts[i].Destination == m.Destination {
			mounts[i] = m
			return mounts
		}
	}
	return append(mounts, m)
}

func checkStaticAddress(n *docker.NetworkInfo, ep docker.EndpointSpec) error {
	for _, raw := range []string{ep.IPv4Address, ep.IPv6Address} {
		if raw == "" {
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return err
		}
		found := false
		for _, pool := range n.IPAM.Config {
			prefix, err := netip.ParsePrefix(pool.Subnet)
			if err == nil && prefix.Contains(addr) {
				found = true
				break
			}
		}
		if !found {
			return errStaticAddress
		}
	}
	return nil
}

var errStaticAddress = errors.New("user specified IP address is supported only when connecting to networks with user configured subnets")

// StartContainer starts a container; starting a running one is a no-op.
func (r *Runtime) StartContainer(ctx context.Context, containerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("StartContainer", containerID)
	if err != nil {
		return err
	}
	if mode := c.Spec.NetworkMode; strings.HasPrefix(mode, "container:") {
		target := r.findLocked(strings.TrimPrefix(mode, "container:"))
		if target == nil || !target.Running {
			return docker.NewDockerError("StartContainer", "container", c.Name, "joined container is not running", docker.ErrContainerNotRunning)
		}
	}
	c.Running = true
	r.record("start", c.Name)
	return nil
}

// StopContainer stops a container; stopping a stopped one is a no-op.
func (r *Runtime) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("StopContainer", containerID)
	if err != nil {
		return err
	}
	c.Running = false
	c.Paused = false
	r.record("stop", c.Name)
	return nil
}

// KillContainer kills a running container.
func (r *Runtime) KillContainer(ctx context.Context, containerID, signal string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("KillContainer", containerID)
	if err != nil {
		return err
	}
	if !c.Running {
		return docker.NewDockerError("KillContainer", "container", c.Name, "container is not running", docker.ErrContainerNotRunning)
	}
	c.Running = false
	c.Paused = false
	r.record("kill", c.Name)
	return nil
}

// PauseContainer pauses a running container.
func (r *Runtime) PauseContainer(ctx context.Context, containerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("PauseContainer", containerID)
	if err != nil {
		return err
	}
	if !c.Running {
		return docker.NewDockerError("PauseContainer", "container", c.Name, "container is not running", docker.ErrContainerNotRunning)
	}
	c.Paused = true
	r.record("pause", c.Name)
	return nil
}

// UnpauseContainer resumes a paused container.
func (r *Runtime) UnpauseContainer(ctx context.Context, containerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("UnpauseContainer", containerID)
	if err != nil {
		return err
	}
	if !c.Paused {
		return docker.NewDockerError("UnpauseContainer", "container", c.Name, "container is not paused", docker.ErrContainerNotPaused)
	}
	c.Paused = false
	r.record("unpause", c.Name)
	return nil
}

// RemoveContainer removes a container and, with RemoveVolumes, its
// anonymous volumes.
func (r *Runtime) RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("RemoveContainer", containerID)
	if err != nil {
		return err
	}
	if c.Running && !opts.Force {
		return docker.NewDockerError("RemoveContainer", "container", c.Name, "cannot remove a running container", docker.ErrContainerAlreadyRunning)
	}
	delete(r.containers, c.ID)

	if opts.RemoveVolumes {
		for _, m := range c.Mounts {
			vol, ok := r.volumes[m.Name]
			if m.Type == docker.MountTypeVolume && ok && vol.Anonymous && !r.volumeInUseLocked(m.Name) {
				delete(r.volumes, m.Name)
			}
		}
	}

	r.record("remove", c.Name)
	return nil
}

// RenameContainer renames a container.
func (r *Runtime) RenameContainer(ctx context.Context, containerID, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("RenameContainer", containerID)
	if err != nil {
		return err
	}
	if other := r.findLocked(newName); other != nil && other != c {
		return docker.NewDockerError("RenameContainer", "container", newName, "container already exists", docker.ErrContainerAlreadyExists)
	}
	r.record("rename", c.Name+"->"+newName)
	c.Name = newName
	return nil
}

// InspectContainer returns the state of a container by id or name.
func (r *Runtime) InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.containerLocked("InspectContainer", containerID)
	if err != nil {
		return nil, err
	}
	info := c.info()
	return &info, nil
}

// ListContainers lists containers carrying every label in opts.Labels.
func (r *Runtime) ListContainers(ctx context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.faultLocked("list"); err != nil {
		return nil, err
	}

	var out []docker.ContainerInfo
	for _, c := range r.containers {
		if !opts.All && !c.Running {
			continue
		}
		if !matchLabels(c.Spec.Labels, opts.Labels) {
			continue
		}
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Container) info() docker.ContainerInfo {
	status := docker.ContainerStatusExited
	switch {
	case c.Paused:
		status = docker.ContainerStatusPaused
	case c.Running:
		status = docker.ContainerStatusRunning
	}

	networks := make(map[string]docker.EndpointSpec, len(c.Spec.Networks))
	for name, ep := range c.Spec.Networks {
		networks[name] = ep
	}

	mode := c.Spec.NetworkMode
	if mode == "" {
		mode = "default"
	}

	return docker.ContainerInfo{
		ID:          c.ID,
		Name:        c.Name,
		Image:       c.Spec.Image,
		ImageID:     c.ImageID,
		Status:      status,
		Running:     c.Running,
		Paused:      c.Paused,
		CreatedAt:   c.Created,
		Ports:       append([]docker.PortBinding(nil), c.Spec.Ports...),
		Labels:      copyMap(c.Spec.Labels),
		Mounts:      append([]docker.MountPoint(nil), c.Mounts...),
		NetworkMode: mode,
		Networks:    networks,
	}
}

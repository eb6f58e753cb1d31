package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient implements the Client interface using the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

var _ Client = (*DockerClient)(nil)

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if host == "" {
		if _, pingErr := cli.Ping(ctx); pingErr != nil {
			homeDir, _ := os.UserHomeDir()
			desktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

			cli2, err2 := client.NewClientWithOpts(
				client.WithHost(desktopSocket),
				client.WithAPIVersionNegotiation(),
			)
			if err2 == nil {
				if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
					cli.Close()
					return &DockerClient{cli: cli2}, nil
				}
				cli2.Close()
			}
		}
	}

	return &DockerClient{cli: cli}, nil
}

// Ping checks if Docker daemon is reachable.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// wrapError maps an SDK error onto the package sentinels.
func wrapError(op, entity, id string, err error, notFound error) error {
	msg := err.Error()
	switch {
	case client.IsErrNotFound(err) || errdefs.IsNotFound(err):
		if strings.Contains(msg, "plugin") {
			return NewDockerError(op, entity, id, msg, ErrDriverNotFound)
		}
		return NewDockerError(op, entity, id, entity+" not found", notFound)
	case strings.Contains(msg, "port is already allocated"):
		return NewDockerError(op, entity, id, msg, ErrPortAlreadyAllocated)
	case errdefs.IsConflict(err):
		return NewDockerError(op, entity, id, msg, ErrContainerAlreadyExists)
	case errdefs.IsInvalidParameter(err):
		return NewDockerError(op, entity, id, msg, ErrInvalidRequest)
	case errdefs.IsDeadline(err) || errdefs.IsCancelled(err):
		return NewDockerError(op, entity, id, msg, ErrTimeout)
	}
	return NewDockerError(op, entity, id, msg, err)
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec. The container
// joins the first network (by name) at creation and the others right after.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		WorkingDir: spec.WorkingDir,
		User:       spec.User,
		Labels:     spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(config.Env)

	hostConfig := &container.HostConfig{
		VolumesFrom: spec.VolumesFrom,
		Links:       spec.Links,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Isolation:   container.Isolation(spec.Isolation),
	}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = strconv.Itoa(p.HostPort)
			}
			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: hostPort,
			})
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if spec.Resources.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPULimit * 1e9)
	}
	if spec.Resources.MemoryLimit > 0 {
		hostConfig.Memory = spec.Resources.MemoryLimit
	}

	if spec.RestartPolicy.Name != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}

	if spec.LogDriver != "" {
		hostConfig.LogConfig = container.LogConfig{
			Type:   spec.LogDriver,
			Config: spec.LogOptions,
		}
	}

	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	networks := make([]string, 0, len(spec.Networks))
	for name := range spec.Networks {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	var networkConfig *network.NetworkingConfig
	if len(networks) > 0 {
		first := networks[0]
		if hostConfig.NetworkMode == "" {
			hostConfig.NetworkMode = container.NetworkMode(first)
		}
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				first: endpointSettings(spec.Networks[first]),
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		return "", wrapError("CreateContainer", "container", spec.Name, err, ErrImageNotFound)
	}

	for _, name := range networks[min(1, len(networks)):] {
		if err := d.cli.NetworkConnect(ctx, name, resp.ID, endpointSettings(spec.Networks[name])); err != nil {
			return resp.ID, wrapError("CreateContainer", "network", name, err, ErrNetworkNotFound)
		}
	}

	return resp.ID, nil
}

func endpointSettings(e EndpointSpec) *network.EndpointSettings {
	settings := &network.EndpointSettings{Aliases: e.Aliases}
	if e.IPv4Address != "" || e.IPv6Address != "" || len(e.LinkLocalIPs) > 0 {
		settings.IPAMConfig = &network.EndpointIPAMConfig{
			IPv4Address:  e.IPv4Address,
			IPv6Address:  e.IPv6Address,
			LinkLocalIPs: e.LinkLocalIPs,
		}
	}
	return settings
}

// StartContainer starts a stopped container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if strings.Contains(err.Error(), "is already running") {
			return NewDockerError("StartContainer", "container", containerID, "container is already running", ErrContainerAlreadyRunning)
		}
		return wrapError("StartContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// StopContainer stops a running container.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	if err := d.cli.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return wrapError("StopContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// KillContainer sends signal (SIGKILL when empty) to a running container.
func (d *DockerClient) KillContainer(ctx context.Context, containerID, signal string) error {
	if err := d.cli.ContainerKill(ctx, containerID, signal); err != nil {
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("KillContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return wrapError("KillContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// PauseContainer freezes the processes of a running container.
func (d *DockerClient) PauseContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerPause(ctx, containerID); err != nil {
		if strings.Contains(err.Error(), "is not running") {
			return NewDockerError("PauseContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return wrapError("PauseContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// UnpauseContainer resumes a paused container.
func (d *DockerClient) UnpauseContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerUnpause(ctx, containerID); err != nil {
		if strings.Contains(err.Error(), "is not paused") {
			return NewDockerError("UnpauseContainer", "container", containerID, "container is not paused", ErrContainerNotPaused)
		}
		return wrapError("UnpauseContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		return wrapError("RemoveContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// RenameContainer gives a container a new name.
func (d *DockerClient) RenameContainer(ctx context.Context, containerID, newName string) error {
	if err := d.cli.ContainerRename(ctx, containerID, newName); err != nil {
		return wrapError("RenameContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, wrapError("InspectContainer", "container", containerID, err, ErrContainerNotFound)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)

	info := &ContainerInfo{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		ImageID:   resp.Image,
		CreatedAt: createdAt,
		Networks:  map[string]EndpointSpec{},
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if resp.HostConfig != nil {
		info.NetworkMode = string(resp.HostConfig.NetworkMode)
	}

	if resp.State != nil {
		info.Status = ContainerStatus(resp.State.Status)
		info.Running = resp.State.Running
		info.Paused = resp.State.Paused
		info.ExitCode = resp.State.ExitCode
		if resp.State.Health != nil {
			info.Health = string(resp.State.Health.Status)
		}
		if resp.State.StartedAt != "" && resp.State.StartedAt != "0001-01-01T00:00:00Z" {
			t, _ := time.Parse(time.RFC3339Nano, resp.State.StartedAt)
			info.StartedAt = &t
		}
	}

	for _, m := range resp.Mounts {
		info.Mounts = append(info.Mounts, MountPoint{
			Type:        MountType(m.Type),
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
			RW:          m.RW,
		})
	}

	if resp.NetworkSettings != nil {
		for name, ep := range resp.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			spec := EndpointSpec{Aliases: ep.Aliases}
			if ep.IPAMConfig != nil {
				spec.IPv4Address = ep.IPAMConfig.IPv4Address
				spec.IPv6Address = ep.IPAMConfig.IPv6Address
				spec.LinkLocalIPs = ep.IPAMConfig.LinkLocalIPs
			}
			info.Networks[name] = spec
		}

		for containerPort, bindings := range resp.NetworkSettings.Ports {
			cport, _ := strconv.Atoi(containerPort.Port())
			for _, binding := range bindings {
				hostPort, _ := strconv.Atoi(binding.HostPort)
				info.Ports = append(info.Ports, PortBinding{
					ContainerPort: cport,
					HostPort:      hostPort,
					Protocol:      containerPort.Proto(),
					HostIP:        binding.HostIP,
				})
			}
		}
	}

	return info, nil
}

// ListContainers returns a summary of the containers matching opts.
func (d *DockerClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     opts.All,
		Filters: labelFilters(opts.Labels),
	})
	if err != nil {
		return nil, wrapError("ListContainers", "container", "", err, ErrContainerNotFound)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		var ports []PortBinding
		for _, p := range c.Ports {
			ports = append(ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
				HostIP:        p.IP,
			})
		}

		var mounts []MountPoint
		for _, m := range c.Mounts {
			mounts = append(mounts, MountPoint{
				Type:        MountType(m.Type),
				Name:        m.Name,
				Source:      m.Source,
				Destination: m.Destination,
				RW:          m.RW,
			})
		}

		state := string(c.State)
		result = append(result, ContainerInfo{
			ID:          c.ID,
			Name:        name,
			Image:       c.Image,
			ImageID:     c.ImageID,
			Status:      ContainerStatus(state),
			Running:     state == string(ContainerStatusRunning),
			Paused:      state == string(ContainerStatusPaused),
			CreatedAt:   time.Unix(c.Created, 0),
			Ports:       ports,
			Labels:      c.Labels,
			Mounts:      mounts,
			NetworkMode: c.HostConfig.NetworkMode,
		})
	}

	return result, nil
}

func labelFilters(labels map[string]string) filters.Args {
	f := filters.NewArgs()
	for k, v := range labels {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	return f
}

// =============================================================================
// Network Operations
// =============================================================================

// CreateNetwork creates a new Docker network.
func (d *DockerClient) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	opts := network.CreateOptions{
		Driver:     driver,
		Options:    spec.Options,
		Labels:     spec.Labels,
		Internal:   spec.Internal,
		Attachable: spec.Attachable,
	}
	if spec.EnableIPv6 {
		enable := true
		opts.EnableIPv6 = &enable
	}
	if spec.IPAM != nil {
		opts.IPAM = &network.IPAM{Driver: spec.IPAM.Driver}
		for _, pool := range spec.IPAM.Config {
			opts.IPAM.Config = append(opts.IPAM.Config, network.IPAMConfig{
				Subnet:     pool.Subnet,
				IPRange:    pool.IPRange,
				Gateway:    pool.Gateway,
				AuxAddress: pool.AuxAddresses,
			})
		}
	}

	resp, err := d.cli.NetworkCreate(ctx, spec.Name, opts)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return "", NewDockerError("CreateNetwork", "network", spec.Name, "network already exists", ErrNetworkAlreadyExists)
		}
		return "", wrapError("CreateNetwork", "network", spec.Name, err, ErrNetworkNotFound)
	}

	return resp.ID, nil
}

// InspectNetwork returns information about a network by name or id.
func (d *DockerClient) InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	resp, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return nil, wrapError("InspectNetwork", "network", name, err, ErrNetworkNotFound)
	}
	info := networkInfo(resp.ID, resp.Name, resp.Driver, resp.Options, resp.Labels, resp.Internal, resp.EnableIPv6, resp.IPAM)
	return &info, nil
}

// ListNetworks returns the networks carrying every label in opts.Labels.
func (d *DockerClient) ListNetworks(ctx context.Context, opts ListOptions) ([]NetworkInfo, error) {
	resp, err := d.cli.NetworkList(ctx, network.ListOptions{Filters: labelFilters(opts.Labels)})
	if err != nil {
		return nil, wrapError("ListNetworks", "network", "", err, ErrNetworkNotFound)
	}
	result := make([]NetworkInfo, 0, len(resp))
	for _, n := range resp {
		result = append(result, networkInfo(n.ID, n.Name, n.Driver, n.Options, n.Labels, n.Internal, n.EnableIPv6, n.IPAM))
	}
	return result, nil
}

func networkInfo(id, name, driver string, options, labels map[string]string, internal, ipv6 bool, ipam network.IPAM) NetworkInfo {
	info := NetworkInfo{
		ID:         id,
		Name:       name,
		Driver:     driver,
		Options:    options,
		Labels:     labels,
		Internal:   internal,
		EnableIPv6: ipv6,
		IPAM:       IPAM{Driver: ipam.Driver},
	}
	for _, pool := range ipam.Config {
		info.IPAM.Config = append(info.IPAM.Config, IPAMPool{
			Subnet:       pool.Subnet,
			IPRange:      pool.IPRange,
			Gateway:      pool.Gateway,
			AuxAddresses: pool.AuxAddress,
		})
	}
	return info
}

// RemoveNetwork removes a Docker network.
func (d *DockerClient) RemoveNetwork(ctx context.Context, networkID string) error {
	if err := d.cli.NetworkRemove(ctx, networkID); err != nil {
		if strings.Contains(err.Error(), "has active endpoints") {
			return NewDockerError("RemoveNetwork", "network", networkID, "network has active endpoints", ErrNetworkInUse)
		}
		return wrapError("RemoveNetwork", "network", networkID, err, ErrNetworkNotFound)
	}
	return nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// CreateVolume creates a new Docker volume.
func (d *DockerClient) CreateVolume(ctx context.Context, spec VolumeSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}

	resp, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:       spec.Name,
		Driver:     driver,
		DriverOpts: spec.DriverOpts,
		Labels:     spec.Labels,
	})
	if err != nil {
		if strings.Contains(err.Error(), "plugin") {
			return "", NewDockerError("CreateVolume", "volume", spec.Name, err.Error(), ErrDriverNotFound)
		}
		return "", wrapError("CreateVolume", "volume", spec.Name, err, ErrVolumeNotFound)
	}

	return resp.Name, nil
}

// InspectVolume returns information about a volume.
func (d *DockerClient) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	resp, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		return nil, wrapError("InspectVolume", "volume", name, err, ErrVolumeNotFound)
	}
	return &VolumeInfo{
		Name:       resp.Name,
		Driver:     resp.Driver,
		Options:    resp.Options,
		Labels:     resp.Labels,
		Mountpoint: resp.Mountpoint,
	}, nil
}

// ListVolumes returns the volumes carrying every label in opts.Labels.
func (d *DockerClient) ListVolumes(ctx context.Context, opts ListOptions) ([]VolumeInfo, error) {
	resp, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: labelFilters(opts.Labels)})
	if err != nil {
		return nil, wrapError("ListVolumes", "volume", "", err, ErrVolumeNotFound)
	}
	result := make([]VolumeInfo, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil {
			continue
		}
		result = append(result, VolumeInfo{
			Name:       v.Name,
			Driver:     v.Driver,
			Options:    v.Options,
			Labels:     v.Labels,
			Mountpoint: v.Mountpoint,
		})
	}
	return result, nil
}

// RemoveVolume removes a Docker volume.
func (d *DockerClient) RemoveVolume(ctx context.Context, volumeName string, force bool) error {
	if err := d.cli.VolumeRemove(ctx, volumeName, force); err != nil {
		if strings.Contains(err.Error(), "in use") {
			return NewDockerError("RemoveVolume", "volume", volumeName, "volume is in use", ErrVolumeInUse)
		}
		return wrapError("RemoveVolume", "volume", volumeName, err, ErrVolumeNotFound)
	}
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from the registry.
func (d *DockerClient) PullImage(ctx context.Context, imageName string, opts PullOptions) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{Platform: opts.Platform})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewDockerError("PullImage", "image", imageName, "image not found", ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", imageName, errStr, ErrImagePullFailed)
	}
	defer reader.Close()

	// the pull completes only once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewDockerError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}

	return nil
}

// InspectImage returns the local image for a reference.
func (d *DockerClient) InspectImage(ctx context.Context, imageName string) (*ImageInfo, error) {
	resp, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return nil, wrapError("InspectImage", "image", imageName, err, ErrImageNotFound)
	}
	return &ImageInfo{ID: resp.ID, RepoTags: resp.RepoTags}, nil
}

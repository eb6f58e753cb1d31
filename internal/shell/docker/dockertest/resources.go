package dockertest

import (
	"context"
	"net/netip"
	"sort"

	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Network Operations
// =============================================================================

// CreateNetwork creates a network. IPAM pools must be valid CIDRs.
func (r *Runtime) CreateNetwork(ctx context.Context, spec docker.NetworkSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "CreateNetwork"
	if err := r.faultLocked("network.create", spec.Name); err != nil {
		return "", err
	}
	if _, ok := r.networks[spec.Name]; ok {
		return "", docker.NewDockerError(op, "network", spec.Name, "network already exists", docker.ErrNetworkAlreadyExists)
	}
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}
	if !r.networkDrivers[driver] {
		return "", docker.NewDockerError(op, "network", spec.Name, "plugin \""+driver+"\" not found", docker.ErrDriverNotFound)
	}

	info := &docker.NetworkInfo{
		ID:         r.nextID("network:" + spec.Name),
		Name:       spec.Name,
		Driver:     driver,
		Options:    copyMap(spec.Options),
		Labels:     copyMap(spec.Labels),
		Internal:   spec.Internal,
		EnableIPv6: spec.EnableIPv6,
		IPAM:       docker.IPAM{Driver: "default"},
	}
	if spec.IPAM != nil {
		if spec.IPAM.Driver != "" {
			info.IPAM.Driver = spec.IPAM.Driver
		}
		for _, pool := range spec.IPAM.Config {
			prefix, err := netip.ParsePrefix(pool.Subnet)
			if err != nil {
				return "", docker.NewDockerError(op, "network", spec.Name, "invalid subnet "+pool.Subnet, docker.ErrInvalidRequest)
			}
			if pool.Gateway != "" {
				gw, err := netip.ParseAddr(pool.Gateway)
				if err != nil || !prefix.Contains(gw) {
					return "", docker.NewDockerError(op, "network", spec.Name, "invalid gateway "+pool.Gateway, docker.ErrInvalidRequest)
				}
			}
			info.IPAM.Config = append(info.IPAM.Config, pool)
		}
	}

	r.networks[spec.Name] = info
	r.record("network.create", spec.Name)
	return info.ID, nil
}

// InspectNetwork returns a network by name or id.
func (r *Runtime) InspectNetwork(ctx context.Context, name string) (*docker.NetworkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.networkLocked(name)
	if n == nil {
		return nil, docker.NewDockerError("InspectNetwork", "network", name, "network not found", docker.ErrNetworkNotFound)
	}
	out := *n
	return &out, nil
}

// ListNetworks lists networks carrying every label in opts.Labels.
func (r *Runtime) ListNetworks(ctx context.Context, opts docker.ListOptions) ([]docker.NetworkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []docker.NetworkInfo
	for _, n := range r.networks {
		if matchLabels(n.Labels, opts.Labels) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveNetwork removes a network no container is attached to.
func (r *Runtime) RemoveNetwork(ctx context.Context, networkID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.networkLocked(networkID)
	if n == nil {
		return docker.NewDockerError("RemoveNetwork", "network", networkID, "network not found", docker.ErrNetworkNotFound)
	}
	if err := r.faultLocked("network.remove", n.Name); err != nil {
		return err
	}
	for _, c := range r.containers {
		if _, ok := c.Spec.Networks[n.Name]; ok {
			return docker.NewDockerError("RemoveNetwork", "network", n.Name, "network has active endpoints", docker.ErrNetworkInUse)
		}
	}
	delete(r.networks, n.Name)
	r.record("network.remove", n.Name)
	return nil
}

func (r *Runtime) networkLocked(ref string) *docker.NetworkInfo {
	if n, ok := r.networks[ref]; ok {
		return n
	}
	for _, n := range r.networks {
		if n.ID == ref {
			return n
		}
	}
	return nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// CreateVolume creates a volume. Creating an existing volume with the same
// driver returns it unchanged.
func (r *Runtime) CreateVolume(ctx context.Context, spec docker.VolumeSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "CreateVolume"
	if err := r.faultLocked("volume.create", spec.Name); err != nil {
		return "", err
	}
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}
	if !r.volumeDrivers[driver] {
		return "", docker.NewDockerError(op, "volume", spec.Name, "error looking up volume plugin "+driver+": plugin \""+driver+"\" not found", docker.ErrDriverNotFound)
	}

	name := spec.Name
	if name == "" {
		name = r.nextID("volume")
	}
	if existing, ok := r.volumes[name]; ok {
		if existing.Info.Driver != driver {
			return "", docker.NewDockerError(op, "volume", name, "volume already exists with driver "+existing.Info.Driver, docker.ErrInvalidRequest)
		}
		return name, nil
	}

	r.volumes[name] = &Volume{
		Info: docker.VolumeInfo{
			Name:       name,
			Driver:     driver,
			Options:    copyMap(spec.DriverOpts),
			Labels:     copyMap(spec.Labels),
			Mountpoint: "/var/lib/docker/volumes/" + name + "/_data",
		},
		Data: map[string]string{},
	}
	r.record("volume.create", name)
	return name, nil
}

// InspectVolume returns a volume by name.
func (r *Runtime) InspectVolume(ctx context.Context, name string) (*docker.VolumeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.volumes[name]
	if !ok {
		return nil, docker.NewDockerError("InspectVolume", "volume", name, "volume not found", docker.ErrVolumeNotFound)
	}
	out := v.Info
	return &out, nil
}

// ListVolumes lists volumes carrying every label in opts.Labels.
func (r *Runtime) ListVolumes(ctx context.Context, opts docker.ListOptions) ([]docker.VolumeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []docker.VolumeInfo
	for _, v := range r.volumes {
		if matchLabels(v.Info.Labels, opts.Labels) {
			out = append(out, v.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveVolume removes a volume no container mounts.
func (r *Runtime) RemoveVolume(ctx context.Context, volumeName string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.volumes[volumeName]; !ok {
		return docker.NewDockerError("RemoveVolume", "volume", volumeName, "volume not found", docker.ErrVolumeNotFound)
	}
	if err := r.faultLocked("volume.remove", volumeName); err != nil {
		return err
	}
	if r.volumeInUseLocked(volumeName) {
		return docker.NewDockerError("RemoveVolume", "volume", volumeName, "volume is in use", docker.ErrVolumeInUse)
	}
	delete(r.volumes, volumeName)
	r.record("volume.remove", volumeName)
	return nil
}

func (r *Runtime) volumeInUseLocked(name string) bool {
	for _, c := range r.containers {
		for _, m := range c.Mounts {
			if m.Type == docker.MountTypeVolume && m.Name == name {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage registers the image locally.
func (r *Runtime) PullImage(ctx context.Context, image string, opts docker.PullOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.faultLocked("pull", image); err != nil {
		return err
	}
	r.addImageLocked(image)
	r.record("pull", image)
	return nil
}

// InspectImage returns a local image.
func (r *Runtime) InspectImage(ctx context.Context, image string) (*docker.ImageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.images[image]
	if !ok {
		return nil, docker.NewDockerError("InspectImage", "image", image, "image not found", docker.ErrImageNotFound)
	}
	return &docker.ImageInfo{ID: id, RepoTags: []string{image}}, nil
}

// Ping always succeeds.
func (r *Runtime) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (r *Runtime) Close() error {
	return nil
}

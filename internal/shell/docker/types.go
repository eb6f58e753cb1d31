// Package docker provides the container runtime client used by the engine.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Mounts        []Mount
	VolumesFrom   []string // "<container>:<mode>"
	Links         []string // "<container>:<alias>"
	NetworkMode   string   // "", "none", "host", "bridge", "container:<id>"
	Networks      map[string]EndpointSpec
	WorkingDir    string
	User          string
	RestartPolicy RestartPolicy
	Resources     ResourceLimits
	HealthCheck   *HealthCheck
	Isolation     string
	LogDriver     string
	LogOptions    map[string]string
}

// EndpointSpec configures a container's attachment to one network.
type EndpointSpec struct {
	Aliases      []string
	IPv4Address  string
	IPv6Address  string
	LinkLocalIPs []string
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// MountType is the kind of a mount.
type MountType string

const (
	MountTypeBind   MountType = "bind"
	MountTypeVolume MountType = "volume"
	MountTypeTmpfs  MountType = "tmpfs"
)

// Mount defines a mount requested at creation. A volume mount with an empty
// Source creates an anonymous volume.
type Mount struct {
	Type     MountType
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// HealthCheck defines container health check configuration.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// MountPoint is a mount as reported by the runtime.
type MountPoint struct {
	Type        MountType
	Name        string // volume name, empty for binds
	Source      string // host path
	Destination string // container path
	RW          bool
}

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID          string
	Name        string
	Image       string // image reference the container was created from
	ImageID     string
	Status      ContainerStatus
	Running     bool
	Paused      bool
	Health      string // "healthy", "unhealthy", "starting", ""
	CreatedAt   time.Time
	StartedAt   *time.Time
	Ports       []PortBinding
	Labels      map[string]string
	Mounts      []MountPoint
	NetworkMode string
	Networks    map[string]EndpointSpec
	ExitCode    int
}

// =============================================================================
// Network Types
// =============================================================================

// IPAMPool is one address pool of a network.
type IPAMPool struct {
	Subnet       string
	IPRange      string
	Gateway      string
	AuxAddresses map[string]string
}

// IPAM is a network's address management configuration.
type IPAM struct {
	Driver string
	Config []IPAMPool
}

// NetworkSpec defines the specification for creating a network.
type NetworkSpec struct {
	Name       string
	Driver     string // "bridge", "overlay", etc.
	Options    map[string]string
	Labels     map[string]string
	Internal   bool
	Attachable bool
	EnableIPv6 bool
	IPAM       *IPAM
}

// NetworkInfo contains information about a network.
type NetworkInfo struct {
	ID         string
	Name       string
	Driver     string
	Options    map[string]string
	Labels     map[string]string
	Internal   bool
	EnableIPv6 bool
	IPAM       IPAM
}

// =============================================================================
// Volume Types
// =============================================================================

// VolumeSpec defines the specification for creating a volume.
type VolumeSpec struct {
	Name       string
	Driver     string
	DriverOpts map[string]string
	Labels     map[string]string
}

// VolumeInfo contains information about a volume.
type VolumeInfo struct {
	Name       string
	Driver     string
	Options    map[string]string
	Labels     map[string]string
	Mountpoint string
}

// ImageInfo contains information about a local image.
type ImageInfo struct {
	ID       string
	RepoTags []string
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers, networks and volumes.
type ListOptions struct {
	All    bool              // Include stopped containers
	Labels map[string]string // label equality filters, all must match
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the container runtime interface. Every call may fail with a
// transport error; lookups of missing entities fail with the matching
// Err*NotFound sentinel.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	KillContainer(ctx context.Context, containerID, signal string) error
	PauseContainer(ctx context.Context, containerID string) error
	UnpauseContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	RenameContainer(ctx context.Context, containerID, newName string) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// Network operations
	CreateNetwork(ctx context.Context, spec NetworkSpec) (networkID string, err error)
	InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error)
	ListNetworks(ctx context.Context, opts ListOptions) ([]NetworkInfo, error)
	RemoveNetwork(ctx context.Context, networkID string) error

	// Volume operations
	CreateVolume(ctx context.Context, spec VolumeSpec) (volumeName string, err error)
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	ListVolumes(ctx context.Context, opts ListOptions) ([]VolumeInfo, error)
	RemoveVolume(ctx context.Context, volumeName string, force bool) error

	// Image operations
	PullImage(ctx context.Context, image string, opts PullOptions) error
	InspectImage(ctx context.Context, image string) (*ImageInfo, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

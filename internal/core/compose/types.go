package compose

import (
	"sort"
	"strings"
)

// =============================================================================
// ProjectSpec - Resolved Project Descriptor
// =============================================================================

// ProjectSpec is a fully resolved, validated project description.
// It is produced once per load and never mutated afterwards.
type ProjectSpec struct {
	Name     string             `json:"name"`
	Services []ServiceSpec      `json:"services"`
	Networks map[string]Network `json:"networks,omitempty"`
	Volumes  map[string]Volume  `json:"volumes,omitempty"`
}

// ServiceNames returns the service names in declaration order.
func (p ProjectSpec) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for _, svc := range p.Services {
		names = append(names, svc.Name)
	}
	return names
}

// Service returns the service with the given name.
func (p ProjectSpec) Service(name string) (ServiceSpec, bool) {
	for _, svc := range p.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// =============================================================================
// Service Types
// =============================================================================

// ServiceSpec describes one replicable service.
type ServiceSpec struct {
	Name        string                    `json:"name"`
	Image       string                    `json:"image,omitempty"`
	Build       *BuildConfig              `json:"build,omitempty"`
	Command     []string                  `json:"command,omitempty"`
	Entrypoint  []string                  `json:"entrypoint,omitempty"`
	Environment map[string]string         `json:"environment,omitempty"`
	Labels      map[string]string         `json:"labels,omitempty"`
	Ports       []Port                    `json:"ports,omitempty"`
	Links       []Link                    `json:"links,omitempty"`
	VolumesFrom []VolumeFromSpec          `json:"volumes_from,omitempty"`
	NetworkMode NetworkMode               `json:"network_mode,omitempty"`
	DependsOn   []string                  `json:"depends_on,omitempty"`
	Volumes     []VolumeMount             `json:"volumes,omitempty"`
	Networks    map[string]ServiceNetwork `json:"networks,omitempty"`
	Restart     RestartPolicy             `json:"restart,omitempty"`
	HealthCheck *HealthCheck              `json:"healthcheck,omitempty"`
	Resources   ServiceResources          `json:"resources"`
	Isolation   string                    `json:"isolation,omitempty"`
	WorkingDir  string                    `json:"working_dir,omitempty"`
	User        string                    `json:"user,omitempty"`
	Logging     *LoggingConfig            `json:"logging,omitempty"`
	Scale       *int                      `json:"scale,omitempty"` // nil = not set
}

// DesiredScale returns the number of instances `up` converges to: the
// declared scale, or 1 when none is declared.
func (s ServiceSpec) DesiredScale() int {
	if s.Scale != nil {
		return *s.Scale
	}
	return 1
}

// NetworkNames returns the declared network names sorted.
func (s ServiceSpec) NetworkNames() []string {
	names := make([]string, 0, len(s.Networks))
	for name := range s.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildConfig represents build configuration (optional).
type BuildConfig struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
}

// Link is a legacy link to another service of the same project.
type Link struct {
	Service string `json:"service"`
	Alias   string `json:"alias,omitempty"`
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Host port (0 = dynamic)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	HostIP    string `json:"host_ip,omitempty"`   // Bind IP
}

// ServiceNetwork holds the per-network attachment options of a service.
type ServiceNetwork struct {
	Aliases      []string `json:"aliases,omitempty"`
	IPv4Address  string   `json:"ipv4_address,omitempty"`
	IPv6Address  string   `json:"ipv6_address,omitempty"`
	LinkLocalIPs []string `json:"link_local_ips,omitempty"`
}

// ServiceResources represents resource limits for a service.
type ServiceResources struct {
	CPULimit    float64 `json:"cpu_limit"`
	MemoryLimit int64   `json:"memory_limit"` // Bytes
}

// RestartPolicy represents the restart policy.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// HealthCheck represents health check configuration.
type HealthCheck struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	Retries     int      `json:"retries,omitempty"`
	StartPeriod string   `json:"start_period,omitempty"`
}

// LoggingConfig selects the container log driver.
type LoggingConfig struct {
	Driver  string            `json:"driver,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// =============================================================================
// Volume Mounts
// =============================================================================

// VolumeMountType represents the type of volume mount.
type VolumeMountType string

const (
	VolumeMountTypeBind   VolumeMountType = "bind"
	VolumeMountTypeVolume VolumeMountType = "volume"
	VolumeMountTypeTmpfs  VolumeMountType = "tmpfs"
)

// VolumeMount is a volume declared by a service. A volume-type mount with an
// empty Source is anonymous.
type VolumeMount struct {
	Type     VolumeMountType `json:"type"`
	Source   string          `json:"source,omitempty"` // host path or declared volume name
	Target   string          `json:"target"`
	ReadOnly bool            `json:"readonly"`

	// ExternalName is the runtime volume name once the mount is bound to a
	// project, e.g. "myproject_data".
	ExternalName string `json:"external_name,omitempty"`
}

// IsAnonymous reports whether the mount is an unnamed volume.
func (m VolumeMount) IsAnonymous() bool {
	return m.Type == VolumeMountTypeVolume && m.Source == ""
}

// IsNamed reports whether the mount references a declared volume.
func (m VolumeMount) IsNamed() bool {
	return m.Type == VolumeMountTypeVolume && m.Source != ""
}

// =============================================================================
// Volumes From
// =============================================================================

// VolumeFromKind distinguishes the source of a volumes_from reference.
type VolumeFromKind string

const (
	VolumeFromService   VolumeFromKind = "service"
	VolumeFromContainer VolumeFromKind = "container"
)

// VolumeFromSpec references another service or an existing container whose
// volumes are shared.
type VolumeFromSpec struct {
	Source string         `json:"source"`
	Mode   string         `json:"mode"` // rw or ro
	Kind   VolumeFromKind `json:"kind"`
}

// String renders the reference in compose syntax.
func (v VolumeFromSpec) String() string {
	return string(v.Kind) + ":" + v.Source + ":" + v.Mode
}

// ParseVolumeFrom parses a volumes_from entry. Accepted forms are
// "name", "name:mode", "service:name[:mode]" and "container:name[:mode]".
// A bare name resolves to a service when one with that name is declared,
// and to an existing container otherwise.
func ParseVolumeFrom(value string, serviceNames []string) (VolumeFromSpec, error) {
	parts := strings.Split(value, ":")
	spec := VolumeFromSpec{Mode: "rw"}

	switch {
	case len(parts) >= 2 && (parts[0] == string(VolumeFromService) || parts[0] == string(VolumeFromContainer)):
		if len(parts) > 3 {
			return VolumeFromSpec{}, NewConfigurationError("volumes_from", "invalid volumes_from "+value, ErrInvalidVolumeFrom)
		}
		spec.Kind = VolumeFromKind(parts[0])
		spec.Source = parts[1]
		if len(parts) == 3 {
			spec.Mode = parts[2]
		}
	case len(parts) <= 2:
		spec.Source = parts[0]
		if len(parts) == 2 {
			spec.Mode = parts[1]
		}
		spec.Kind = VolumeFromContainer
		for _, name := range serviceNames {
			if name == spec.Source {
				spec.Kind = VolumeFromService
				break
			}
		}
	default:
		return VolumeFromSpec{}, NewConfigurationError("volumes_from", "invalid volumes_from "+value, ErrInvalidVolumeFrom)
	}

	if spec.Source == "" {
		return VolumeFromSpec{}, NewConfigurationError("volumes_from", "invalid volumes_from "+value, ErrInvalidVolumeFrom)
	}
	if spec.Mode != "rw" && spec.Mode != "ro" {
		return VolumeFromSpec{}, NewConfigurationError("volumes_from", "invalid access mode "+spec.Mode+" in "+value, ErrInvalidVolumeFrom)
	}
	return spec, nil
}

// =============================================================================
// Network Mode
// =============================================================================

// NetworkModeKind discriminates NetworkMode values.
type NetworkModeKind string

const (
	NetworkModeDefault   NetworkModeKind = ""
	NetworkModeNone      NetworkModeKind = "none"
	NetworkModeBridge    NetworkModeKind = "bridge"
	NetworkModeHost      NetworkModeKind = "host"
	NetworkModeService   NetworkModeKind = "service"
	NetworkModeContainer NetworkModeKind = "container"
)

// NetworkMode is one of none, bridge, host, service(name) or container(id).
// The zero value attaches the container to the project networks.
type NetworkMode struct {
	Kind NetworkModeKind `json:"kind,omitempty"`
	Ref  string          `json:"ref,omitempty"` // service name or container name/id
}

// String renders the mode in runtime syntax.
func (m NetworkMode) String() string {
	switch m.Kind {
	case NetworkModeService, NetworkModeContainer:
		return string(m.Kind) + ":" + m.Ref
	default:
		return string(m.Kind)
	}
}

// IsShared reports whether the mode joins another container's namespace.
func (m NetworkMode) IsShared() bool {
	return m.Kind == NetworkModeService || m.Kind == NetworkModeContainer
}

// ParseNetworkMode parses a network_mode value. "container:<name>" where
// <name> is a declared service is treated as "service:<name>" (the legacy
// `net` key used that form).
func ParseNetworkMode(value string, serviceNames []string) (NetworkMode, error) {
	if value == "" {
		return NetworkMode{}, nil
	}
	kind, ref, hasRef := strings.Cut(value, ":")
	switch NetworkModeKind(kind) {
	case NetworkModeNone, NetworkModeBridge, NetworkModeHost:
		if hasRef {
			break
		}
		return NetworkMode{Kind: NetworkModeKind(kind)}, nil
	case NetworkModeService:
		if ref != "" {
			return NetworkMode{Kind: NetworkModeService, Ref: ref}, nil
		}
	case NetworkModeContainer:
		if ref == "" {
			break
		}
		for _, name := range serviceNames {
			if name == ref {
				return NetworkMode{Kind: NetworkModeService, Ref: ref}, nil
			}
		}
		return NetworkMode{Kind: NetworkModeContainer, Ref: ref}, nil
	}
	return NetworkMode{}, NewConfigurationError("network_mode", "invalid network mode "+value, ErrInvalidNetworkMode)
}

// =============================================================================
// Network Types
// =============================================================================

// Network represents a top-level network declaration.
type Network struct {
	Name         string            `json:"name"`
	Driver       string            `json:"driver,omitempty"`
	DriverOpts   map[string]string `json:"driver_opts,omitempty"`
	External     bool              `json:"external"`
	ExternalName string            `json:"external_name,omitempty"`
	Internal     bool              `json:"internal"`
	Attachable   bool              `json:"attachable"`
	EnableIPv6   bool              `json:"enable_ipv6"`
	Labels       map[string]string `json:"labels,omitempty"`
	IPAM         *IPAM             `json:"ipam,omitempty"`
}

// IPAM represents IP address management configuration.
type IPAM struct {
	Driver string       `json:"driver,omitempty"`
	Config []IPAMConfig `json:"config,omitempty"`
}

// IPAMConfig represents one IPAM address pool.
type IPAMConfig struct {
	Subnet       string            `json:"subnet,omitempty"`
	IPRange      string            `json:"ip_range,omitempty"`
	Gateway      string            `json:"gateway,omitempty"`
	AuxAddresses map[string]string `json:"aux_addresses,omitempty"`
}

// =============================================================================
// Volume Types
// =============================================================================

// Volume represents a top-level volume declaration.
type Volume struct {
	Name         string            `json:"name"`
	Driver       string            `json:"driver,omitempty"`
	DriverOpts   map[string]string `json:"driver_opts,omitempty"`
	External     bool              `json:"external"`
	ExternalName string            `json:"external_name,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

package compose

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// DefaultNetwork is the network services join when they declare none.
const DefaultNetwork = "default"

// =============================================================================
// Parser Functions
// =============================================================================

// ParseComposeSpec parses compose YAML into a ProjectSpec named projectName.
// No files are read: extends and relative paths are not resolved.
func ParseComposeSpec(yamlContent, projectName string) (*ProjectSpec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, order, err := loadComposeSpec(yamlContent, projectName)
	if err != nil {
		return nil, err
	}

	return FromProject(project, order)
}

// loadComposeSpec loads a compose spec using compose-go and returns the
// service names in the order they appear in the document.
func loadComposeSpec(yamlContent, projectName string) (*types.Project, []string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil {
		return nil, nil, NewConfigurationError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	var dict map[string]interface{}
	if err := doc.Decode(&dict); err != nil || dict == nil {
		return nil, nil, NewConfigurationError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, true)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		// references are checked by FromProject and the dependency graph
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, nil, loaderError(err)
	}

	return project, serviceOrder(&doc), nil
}

// serviceOrder walks the document node for the keys of the services mapping.
func serviceOrder(doc *yaml.Node) []string {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "services" || root.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		services := root.Content[i+1]
		order := make([]string, 0, len(services.Content)/2)
		for j := 0; j+1 < len(services.Content); j += 2 {
			order = append(order, services.Content[j].Value)
		}
		return order
	}
	return nil
}

func loaderError(err error) error {
	errStr := err.Error()
	if strings.Contains(errStr, "dependency cycle detected") {
		return NewConfigurationError("", errStr, ErrDependencyCycle)
	}
	if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
		return NewConfigurationError("", "service must have image or build", ErrServiceNoImage)
	}
	return NewConfigurationError("", errStr, ErrInvalidYAML)
}

// =============================================================================
// Conversion
// =============================================================================

// FromProject converts a loaded compose-go project into a ProjectSpec.
// order lists service names in declaration order; services missing from it
// are appended sorted by name.
func FromProject(project *types.Project, order []string) (*ProjectSpec, error) {
	if len(project.Services) == 0 {
		return nil, NewConfigurationError("services", "compose spec must define at least one service", ErrNoServices)
	}

	names := orderedServiceNames(project, order)

	spec := &ProjectSpec{
		Name:     project.Name,
		Services: make([]ServiceSpec, 0, len(names)),
		Networks: make(map[string]Network, len(project.Networks)),
		Volumes:  make(map[string]Volume, len(project.Volumes)),
	}

	for name, net := range project.Networks {
		spec.Networks[name] = convertNetwork(name, net)
	}
	for name, vol := range project.Volumes {
		spec.Volumes[name] = convertVolume(name, vol)
	}

	for _, name := range names {
		svc := project.Services[name]
		svc.Name = name
		converted, err := convertService(svc, names)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}

	if err := bindResources(spec); err != nil {
		return nil, err
	}

	return spec, nil
}

func orderedServiceNames(project *types.Project, order []string) []string {
	seen := make(map[string]bool, len(project.Services))
	names := make([]string, 0, len(project.Services))
	for _, name := range order {
		if _, ok := project.Services[name]; ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	var rest []string
	for name := range project.Services {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// convertService converts a compose-go service to our ServiceSpec type
func convertService(svc types.ServiceConfig, serviceNames []string) (ServiceSpec, error) {
	field := "services." + svc.Name
	service := ServiceSpec{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Networks:    make(map[string]ServiceNetwork),
		Restart:     RestartPolicy(svc.Restart),
		Isolation:   svc.Isolation,
		WorkingDir:  svc.WorkingDir,
		User:        svc.User,
	}

	if svc.Build != nil {
		service.Build = &BuildConfig{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
		}
	}
	if service.Image == "" && service.Build == nil {
		return ServiceSpec{}, NewConfigurationError(field, "service must have image or build", ErrServiceNoImage)
	}

	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			if pub, err := strconv.ParseUint(p.Published, 10, 32); err == nil {
				published = uint32(pub)
			}
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			HostIP:    p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}
	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	for _, link := range svc.Links {
		name, alias, _ := strings.Cut(link, ":")
		service.Links = append(service.Links, Link{Service: name, Alias: alias})
	}

	for _, v := range svc.VolumesFrom {
		vf, err := ParseVolumeFrom(v, serviceNames)
		if err != nil {
			return ServiceSpec{}, withField(err, field)
		}
		service.VolumesFrom = append(service.VolumesFrom, vf)
	}

	mode, err := ParseNetworkMode(svc.NetworkMode, serviceNames)
	if err != nil {
		return ServiceSpec{}, withField(err, field)
	}
	service.NetworkMode = mode

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	for _, v := range svc.Volumes {
		service.Volumes = append(service.Volumes, convertMount(v))
	}

	for name, cfg := range svc.Networks {
		attach := ServiceNetwork{}
		if cfg != nil {
			attach.Aliases = cfg.Aliases
			attach.IPv4Address = cfg.Ipv4Address
			attach.IPv6Address = cfg.Ipv6Address
			attach.LinkLocalIPs = cfg.LinkLocalIPs
		}
		service.Networks[name] = attach
	}
	if len(service.Networks) == 0 && service.NetworkMode.Kind == NetworkModeDefault {
		service.Networks[DefaultNetwork] = ServiceNetwork{}
	}

	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		service.HealthCheck = &HealthCheck{
			Test: svc.HealthCheck.Test,
		}
		if svc.HealthCheck.Retries != nil {
			service.HealthCheck.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			service.HealthCheck.Interval = svc.HealthCheck.Interval.String()
		}
		if svc.HealthCheck.Timeout != nil {
			service.HealthCheck.Timeout = svc.HealthCheck.Timeout.String()
		}
		if svc.HealthCheck.StartPeriod != nil {
			service.HealthCheck.StartPeriod = svc.HealthCheck.StartPeriod.String()
		}
	}

	// compose-go's NanoCPUs holds the CPU count, not nanos
	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		service.Resources.CPULimit = float64(limits.NanoCPUs)
		service.Resources.MemoryLimit = int64(limits.MemoryBytes)
	}

	if svc.Logging != nil {
		service.Logging = &LoggingConfig{
			Driver:  svc.Logging.Driver,
			Options: svc.Logging.Options,
		}
	}

	switch {
	case svc.Scale != nil:
		scale := *svc.Scale
		service.Scale = &scale
	case svc.Deploy != nil && svc.Deploy.Replicas != nil:
		scale := *svc.Deploy.Replicas
		service.Scale = &scale
	}

	return service, nil
}

// withField prefixes the field of a ConfigurationError with the service path.
func withField(err error, prefix string) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return NewConfigurationError(prefix+"."+cfgErr.Field, cfgErr.Message, cfgErr.Err)
	}
	return err
}

func convertMount(v types.ServiceVolumeConfig) VolumeMount {
	mount := VolumeMount{
		Source:   v.Source,
		Target:   v.Target,
		ReadOnly: v.ReadOnly,
	}
	switch v.Type {
	case types.VolumeTypeBind:
		mount.Type = VolumeMountTypeBind
	case types.VolumeTypeVolume:
		mount.Type = VolumeMountTypeVolume
	case types.VolumeTypeTmpfs:
		mount.Type = VolumeMountTypeTmpfs
	default:
		if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~") {
			mount.Type = VolumeMountTypeBind
		} else {
			mount.Type = VolumeMountTypeVolume
		}
	}
	return mount
}

// convertNetwork converts a compose-go network to our Network type
func convertNetwork(name string, net types.NetworkConfig) Network {
	n := Network{
		Name:       name,
		Driver:     net.Driver,
		DriverOpts: net.DriverOpts,
		External:   bool(net.External),
		Internal:   net.Internal,
		Attachable: net.Attachable,
		Labels:     net.Labels,
	}
	if net.EnableIPv6 != nil {
		n.EnableIPv6 = *net.EnableIPv6
	}
	if n.External {
		n.ExternalName = net.Name
		if n.ExternalName == "" {
			n.ExternalName = name
		}
	}
	if net.Ipam.Driver != "" || len(net.Ipam.Config) > 0 {
		n.IPAM = &IPAM{Driver: net.Ipam.Driver}
		for _, pool := range net.Ipam.Config {
			if pool == nil {
				continue
			}
			n.IPAM.Config = append(n.IPAM.Config, IPAMConfig{
				Subnet:       pool.Subnet,
				IPRange:      pool.IPRange,
				Gateway:      pool.Gateway,
				AuxAddresses: pool.AuxiliaryAddresses,
			})
		}
	}
	return n
}

// convertVolume converts a compose-go volume to our Volume type
func convertVolume(name string, vol types.VolumeConfig) Volume {
	v := Volume{
		Name:       name,
		Driver:     vol.Driver,
		DriverOpts: vol.DriverOpts,
		External:   bool(vol.External),
		Labels:     vol.Labels,
	}
	if v.External {
		v.ExternalName = vol.Name
		if v.ExternalName == "" {
			v.ExternalName = name
		}
	}
	return v
}

// bindResources checks that every named volume and network a service uses
// is declared, declaring the implicit default network on first use.
func bindResources(spec *ProjectSpec) error {
	for _, svc := range spec.Services {
		field := "services." + svc.Name
		for _, m := range svc.Volumes {
			if !m.IsNamed() {
				continue
			}
			if _, ok := spec.Volumes[m.Source]; !ok {
				return NewConfigurationError(field+".volumes", "service refers to undefined volume "+m.Source, ErrUndeclaredResource)
			}
		}
		for name := range svc.Networks {
			if _, ok := spec.Networks[name]; ok {
				continue
			}
			if name != DefaultNetwork {
				return NewConfigurationError(field+".networks", "service refers to undefined network "+name, ErrUndeclaredResource)
			}
			spec.Networks[DefaultNetwork] = Network{Name: DefaultNetwork}
		}
	}
	return nil
}

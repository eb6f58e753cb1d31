package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/identity"
	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Networks
// =============================================================================

// Networks reconciles the networks a project declares.
type Networks struct {
	project  string
	declared map[string]compose.Network
	client   docker.Client
	logger   *slog.Logger
}

func newNetworks(project string, declared map[string]compose.Network, client docker.Client, logger *slog.Logger) *Networks {
	return &Networks{project: project, declared: declared, client: client, logger: logger}
}

// RuntimeName returns the runtime name of a declared network.
func (n *Networks) RuntimeName(name string) string {
	if decl, ok := n.declared[name]; ok && decl.External {
		return externalName(name, decl.ExternalName)
	}
	return identity.NetworkName(n.project, name)
}

// Initialize makes every declared network exist with its declared driver and
// address pools. The default network is created implicitly when a service
// uses it.
func (n *Networks) Initialize(ctx context.Context, used []string) error {
	for _, name := range n.names(used) {
		if err := n.ensure(ctx, name, n.declared[name]); err != nil {
			return err
		}
	}
	return nil
}

func (n *Networks) names(used []string) []string {
	set := make(map[string]bool, len(n.declared)+len(used))
	for name := range n.declared {
		set[name] = true
	}
	for _, name := range used {
		set[name] = true
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Networks) ensure(ctx context.Context, name string, decl compose.Network) error {
	runtimeName := n.RuntimeName(name)
	field := "networks." + name

	existing, err := n.client.InspectNetwork(ctx, runtimeName)
	if err != nil && !docker.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", runtimeName, err)
	}

	if decl.External {
		if existing == nil {
			return compose.NewConfigurationError(field,
				fmt.Sprintf("Network %s declared as external, but could not be found. Please create the network manually and try again.", runtimeName),
				compose.ErrExternalResourceMissing)
		}
		n.logger.Debug("using external network", "network", runtimeName)
		return nil
	}

	if existing != nil {
		return checkNetwork(field, runtimeName, decl, existing)
	}

	spec := docker.NetworkSpec{
		Name:       runtimeName,
		Driver:     decl.Driver,
		Options:    decl.DriverOpts,
		Labels:     mergeLabels(decl.Labels, identity.ProjectLabels(n.project)),
		Internal:   decl.Internal,
		Attachable: decl.Attachable,
		EnableIPv6: decl.EnableIPv6,
		IPAM:       toIPAM(decl.IPAM),
	}
	if _, err := n.client.CreateNetwork(ctx, spec); err != nil {
		switch {
		case errors.Is(err, docker.ErrNetworkAlreadyExists):
			return nil
		case errors.Is(err, docker.ErrDriverNotFound):
			return compose.NewConfigurationError(field+".driver",
				fmt.Sprintf("network %s uses unknown driver %q", runtimeName, spec.Driver),
				fmt.Errorf("%w: %w", compose.ErrInvalidDriver, err))
		case docker.IsRejected(err):
			return compose.NewProjectError("create network "+runtimeName, err.Error(),
				fmt.Errorf("%w: %w", compose.ErrRejected, err))
		}
		return fmt.Errorf("create network %s: %w", runtimeName, err)
	}
	n.logger.Info("network created", "network", runtimeName)
	return nil
}

func checkNetwork(field, runtimeName string, decl compose.Network, existing *docker.NetworkInfo) error {
	if decl.Driver != "" && existing.Driver != decl.Driver {
		return compose.NewConfigurationError(field+".driver",
			fmt.Sprintf("Network %s needs to be recreated - driver has changed (existing %s, declared %s)", runtimeName, existing.Driver, decl.Driver),
			compose.ErrDriverMismatch)
	}
	if decl.IPAM == nil {
		return nil
	}
	if decl.IPAM.Driver != "" && existing.IPAM.Driver != "" && decl.IPAM.Driver != existing.IPAM.Driver {
		return compose.NewConfigurationError(field+".ipam",
			fmt.Sprintf("Network %s needs to be recreated - IPAM driver has changed (existing %s, declared %s)", runtimeName, existing.IPAM.Driver, decl.IPAM.Driver),
			compose.ErrIPAMMismatch)
	}
	want := make([]string, 0, len(decl.IPAM.Config))
	for _, pool := range decl.IPAM.Config {
		want = append(want, pool.Subnet)
	}
	have := make([]string, 0, len(existing.IPAM.Config))
	for _, pool := range existing.IPAM.Config {
		have = append(have, pool.Subnet)
	}
	sort.Strings(want)
	sort.Strings(have)
	if fmt.Sprint(want) != fmt.Sprint(have) {
		return compose.NewConfigurationError(field+".ipam",
			fmt.Sprintf("Network %s needs to be recreated - IPAM config has changed (existing %v, declared %v)", runtimeName, have, want),
			compose.ErrIPAMMismatch)
	}
	return nil
}

// Remove deletes the project's non-external networks. Missing networks are
// skipped; a network still in use is logged and skipped.
func (n *Networks) Remove(ctx context.Context, used []string) error {
	var errs []error
	for _, name := range n.names(used) {
		if n.declared[name].External {
			continue
		}
		runtimeName := n.RuntimeName(name)
		err := n.client.RemoveNetwork(ctx, runtimeName)
		switch {
		case err == nil:
			n.logger.Info("network removed", "network", runtimeName)
		case docker.IsNotFound(err):
		case errors.Is(err, docker.ErrNetworkInUse):
			n.logger.Warn("network still in use, not removed", "network", runtimeName)
		default:
			errs = append(errs, fmt.Errorf("remove network %s: %w", runtimeName, err))
		}
	}
	return errors.Join(errs...)
}

func toIPAM(ipam *compose.IPAM) *docker.IPAM {
	if ipam == nil {
		return nil
	}
	out := &docker.IPAM{Driver: ipam.Driver}
	for _, pool := range ipam.Config {
		out.Config = append(out.Config, docker.IPAMPool{
			Subnet:       pool.Subnet,
			IPRange:      pool.IPRange,
			Gateway:      pool.Gateway,
			AuxAddresses: pool.AuxAddresses,
		})
	}
	return out
}

// =============================================================================
// Volumes
// =============================================================================

// Volumes reconciles the volumes a project declares.
type Volumes struct {
	project  string
	declared map[string]compose.Volume
	client   docker.Client
	logger   *slog.Logger
}

func newVolumes(project string, declared map[string]compose.Volume, client docker.Client, logger *slog.Logger) *Volumes {
	return &Volumes{project: project, declared: declared, client: client, logger: logger}
}

// RuntimeName returns the runtime name of a declared volume.
func (v *Volumes) RuntimeName(name string) string {
	if decl, ok := v.declared[name]; ok && decl.External {
		return externalName(name, decl.ExternalName)
	}
	return identity.VolumeName(v.project, name)
}

func (v *Volumes) names() []string {
	out := make([]string, 0, len(v.declared))
	for name := range v.declared {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Initialize makes every declared volume exist with its declared driver.
func (v *Volumes) Initialize(ctx context.Context) error {
	for _, name := range v.names() {
		if err := v.ensure(ctx, name, v.declared[name]); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volumes) ensure(ctx context.Context, name string, decl compose.Volume) error {
	runtimeName := v.RuntimeName(name)
	field := "volumes." + name

	existing, err := v.client.InspectVolume(ctx, runtimeName)
	if err != nil && !docker.IsNotFound(err) {
		return fmt.Errorf("inspect volume %s: %w", runtimeName, err)
	}

	if decl.External {
		if existing == nil {
			return compose.NewConfigurationError(field,
				fmt.Sprintf("Volume %s declared as external, but could not be found. Please create the volume manually and try again.", runtimeName),
				compose.ErrExternalResourceMissing)
		}
		v.logger.Debug("using external volume", "volume", runtimeName)
		return nil
	}

	if existing != nil {
		if decl.Driver != "" && existing.Driver != decl.Driver {
			return compose.NewConfigurationError(field+".driver",
				fmt.Sprintf("Configuration for volume %s specifies driver %s, but a volume with the same name uses a different driver (%s). If you wish to use the new configuration, please remove the existing volume %q first.",
					name, decl.Driver, existing.Driver, runtimeName),
				compose.ErrDriverMismatch)
		}
		return nil
	}

	spec := docker.VolumeSpec{
		Name:       runtimeName,
		Driver:     decl.Driver,
		DriverOpts: decl.DriverOpts,
		Labels:     mergeLabels(decl.Labels, identity.ProjectLabels(v.project)),
	}
	if _, err := v.client.CreateVolume(ctx, spec); err != nil {
		switch {
		case errors.Is(err, docker.ErrDriverNotFound):
			return compose.NewConfigurationError(field+".driver",
				fmt.Sprintf("volume %s uses unknown driver %q", name, decl.Driver),
				fmt.Errorf("%w: %w", compose.ErrInvalidDriver, err))
		case docker.IsRejected(err):
			return compose.NewProjectError("create volume "+runtimeName, err.Error(),
				fmt.Errorf("%w: %w", compose.ErrRejected, err))
		}
		return fmt.Errorf("create volume %s: %w", runtimeName, err)
	}
	v.logger.Info("volume created", "volume", runtimeName)
	return nil
}

// Remove deletes the project's non-external volumes.
func (v *Volumes) Remove(ctx context.Context) error {
	var errs []error
	for _, name := range v.names() {
		if v.declared[name].External {
			continue
		}
		runtimeName := v.RuntimeName(name)
		err := v.client.RemoveVolume(ctx, runtimeName, false)
		switch {
		case err == nil:
			v.logger.Info("volume removed", "volume", runtimeName)
		case docker.IsNotFound(err):
		default:
			errs = append(errs, fmt.Errorf("remove volume %s: %w", runtimeName, err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Helpers
// =============================================================================

func externalName(name, override string) string {
	if override != "" {
		return override
	}
	return name
}

// mergeLabels returns a copy of user with system laid over it.
func mergeLabels(user, system map[string]string) map[string]string {
	out := make(map[string]string, len(user)+len(system))
	for k, v := range user {
		out[k] = v
	}
	for k, v := range system {
		out[k] = v
	}
	return out
}

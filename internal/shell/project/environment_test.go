package project

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/identity"
	"github.com/artpar/flotilla/internal/shell/docker"
	"github.com/artpar/flotilla/internal/shell/docker/dockertest"
)

// =============================================================================
// Volumes
// =============================================================================

func TestVolumes_Initialize(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Volumes["data"] = compose.Volume{Name: "data", Labels: map[string]string{"team": "storage"}}
	p := newProject(t, rt, spec)

	require.NoError(t, p.Volumes().Initialize(ctx))

	info, err := rt.InspectVolume(ctx, "composetest_data")
	require.NoError(t, err)
	assert.Equal(t, "local", info.Driver)
	assert.Equal(t, "storage", info.Labels["team"])
	assert.Equal(t, "composetest", info.Labels[identity.LabelProject])
	assert.NotContains(t, rt.VolumeNames(), "data")

	// second run is a no-op
	rt.ResetEvents()
	require.NoError(t, p.Volumes().Initialize(ctx))
	assert.Empty(t, rt.Events())
}

func TestVolumes_ExternalMissing(t *testing.T) {
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Volumes["data"] = compose.Volume{Name: "data", External: true, ExternalName: "data"}
	p := newProject(t, rt, spec)

	err := p.Volumes().Initialize(context.Background())
	require.Error(t, err)

	var cfgErr *compose.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, compose.ErrExternalResourceMissing))
	assert.Contains(t, err.Error(), "Volume data declared as external")
	assert.Empty(t, rt.VolumeNames())
}

func TestVolumes_ExternalExists(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	_, err := rt.CreateVolume(ctx, docker.VolumeSpec{Name: "shared"})
	require.NoError(t, err)

	web := svc("web")
	web.Volumes = []compose.VolumeMount{{Type: compose.VolumeMountTypeVolume, Source: "data", Target: "/data"}}
	spec := projectSpec(web)
	spec.Volumes["data"] = compose.Volume{Name: "data", External: true, ExternalName: "shared"}
	p := newProject(t, rt, spec)

	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, rt.VolumeNames())

	c, _ := rt.Container("composetest_web_1")
	require.Len(t, c.Mounts, 1)
	assert.Equal(t, "shared", c.Mounts[0].Name)

	require.NoError(t, p.Down(ctx, DownOptions{RemoveVolumes: true}))
	assert.Equal(t, []string{"shared"}, rt.VolumeNames())
}

func TestVolumes_DriverMismatch(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		wantErr  bool
	}{
		{"different driver", "smb", true},
		{"same driver", "local", false},
		{"blank driver", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := dockertest.New()
			rt.AddVolumeDriver("smb")
			_, err := rt.CreateVolume(ctx, docker.VolumeSpec{Name: "composetest_data", Driver: "local"})
			require.NoError(t, err)

			spec := projectSpec(svc("web"))
			spec.Volumes["data"] = compose.Volume{Name: "data", Driver: tt.declared}
			p := newProject(t, rt, spec)

			err = p.Volumes().Initialize(ctx)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cfgErr *compose.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.True(t, errors.Is(err, compose.ErrDriverMismatch))
			assert.Contains(t, err.Error(), "Configuration for volume data specifies driver smb")
			assert.Contains(t, err.Error(), "(local)")
		})
	}
}

func TestVolumes_InvalidDriver(t *testing.T) {
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Volumes["data"] = compose.Volume{Name: "data", Driver: "foobar"}
	p := newProject(t, rt, spec)

	_, err := p.Up(context.Background(), UpOptions{})
	require.Error(t, err)

	var cfgErr *compose.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.True(t, errors.Is(err, compose.ErrInvalidDriver))
	assert.Empty(t, rt.ContainerNames(), "no container is created after a configuration error")
}

func TestVolumes_ProjectIsolation(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()

	for _, name := range []string{"alpha", "beta"} {
		spec := projectSpec(svc("web"))
		spec.Name = name
		spec.Volumes["data"] = compose.Volume{Name: "data"}
		p := newProject(t, rt, spec)
		require.NoError(t, p.Volumes().Initialize(ctx))
	}
	assert.Equal(t, []string{"alpha_data", "beta_data"}, rt.VolumeNames())
}

// =============================================================================
// Networks
// =============================================================================

func TestNetworks_Initialize(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.Networks = map[string]compose.ServiceNetwork{"front": {}}
	spec := projectSpec(web)
	spec.Networks["front"] = compose.Network{
		Name:     "front",
		Driver:   "bridge",
		Internal: true,
		IPAM: &compose.IPAM{
			Driver: "default",
			Config: []compose.IPAMConfig{{Subnet: "172.28.0.0/16", Gateway: "172.28.0.1"}},
		},
	}
	p := newProject(t, rt, spec)

	require.NoError(t, p.InitializeEnvironment(ctx, p.ServiceNames()))

	n, ok := rt.Network("composetest_front")
	require.True(t, ok)
	assert.Equal(t, "bridge", n.Driver)
	assert.True(t, n.Internal)
	require.Len(t, n.IPAM.Config, 1)
	assert.Equal(t, "172.28.0.0/16", n.IPAM.Config[0].Subnet)
	assert.Equal(t, "composetest", n.Labels[identity.LabelProject])

	rt.ResetEvents()
	require.NoError(t, p.InitializeEnvironment(ctx, p.ServiceNames()))
	assert.Empty(t, rt.Events())
}

func TestNetworks_ImplicitDefault(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.Networks = map[string]compose.ServiceNetwork{compose.DefaultNetwork: {}}
	p := newProject(t, rt, projectSpec(web))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	_, ok := rt.Network("composetest_default")
	require.True(t, ok)
	c, _ := rt.Container("composetest_web_1")
	assert.Equal(t, []string{"web"}, c.Spec.Networks["composetest_default"].Aliases)
}

func TestNetworks_Mismatch(t *testing.T) {
	tests := []struct {
		name     string
		existing docker.NetworkSpec
		declared compose.Network
		want     error
	}{
		{
			name:     "driver",
			existing: docker.NetworkSpec{Name: "composetest_front", Driver: "bridge"},
			declared: compose.Network{Name: "front", Driver: "overlay"},
			want:     compose.ErrDriverMismatch,
		},
		{
			name: "subnet",
			existing: docker.NetworkSpec{Name: "composetest_front", IPAM: &docker.IPAM{
				Config: []docker.IPAMPool{{Subnet: "10.0.0.0/24"}},
			}},
			declared: compose.Network{Name: "front", IPAM: &compose.IPAM{
				Config: []compose.IPAMConfig{{Subnet: "10.1.0.0/24"}},
			}},
			want: compose.ErrIPAMMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := dockertest.New()
			_, err := rt.CreateNetwork(ctx, tt.existing)
			require.NoError(t, err)

			spec := projectSpec(svc("web"))
			spec.Networks["front"] = tt.declared
			p := newProject(t, rt, spec)

			err = p.Networks().Initialize(ctx, nil)
			require.Error(t, err)
			var cfgErr *compose.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestNetworks_External(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Networks["front"] = compose.Network{Name: "front", External: true, ExternalName: "proxy"}
	p := newProject(t, rt, spec)

	err := p.Networks().Initialize(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compose.ErrExternalResourceMissing))
	assert.Contains(t, err.Error(), "Network proxy declared as external")

	_, err = rt.CreateNetwork(ctx, docker.NetworkSpec{Name: "proxy", Driver: "overlay"})
	require.NoError(t, err)
	require.NoError(t, p.Networks().Initialize(ctx, nil))

	require.NoError(t, p.Networks().Remove(ctx, nil))
	_, ok := rt.Network("proxy")
	assert.True(t, ok, "external networks are never removed")
}

func TestNetworks_InvalidDriver(t *testing.T) {
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Networks["front"] = compose.Network{Name: "front", Driver: "foo"}
	p := newProject(t, rt, spec)

	err := p.Networks().Initialize(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compose.ErrInvalidDriver))
}

func TestNetworks_RejectedDefinition(t *testing.T) {
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Networks["front"] = compose.Network{Name: "front", IPAM: &compose.IPAM{
		Config: []compose.IPAMConfig{{Subnet: "172.28.0.0/16", Gateway: "10.0.0.1"}},
	}}
	p := newProject(t, rt, spec)

	err := p.Networks().Initialize(context.Background(), nil)
	require.Error(t, err)
	var projErr *compose.ProjectError
	assert.True(t, errors.As(err, &projErr))
}

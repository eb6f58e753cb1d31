package project

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/convergence"
	"github.com/artpar/flotilla/internal/core/domain"
	"github.com/artpar/flotilla/internal/core/identity"
	"github.com/artpar/flotilla/internal/shell/docker"
	"github.com/artpar/flotilla/internal/shell/docker/dockertest"
)

// =============================================================================
// Helpers
// =============================================================================

const testProject = "composetest"

func svc(name string) compose.ServiceSpec {
	return compose.ServiceSpec{Name: name, Image: "busybox:latest", Command: []string{"top"}}
}

func scale(n int) *int { return &n }

func projectSpec(services ...compose.ServiceSpec) *compose.ProjectSpec {
	return &compose.ProjectSpec{
		Name:     testProject,
		Services: services,
		Networks: map[string]compose.Network{},
		Volumes:  map[string]compose.Volume{},
	}
}

func newProject(t *testing.T, rt *dockertest.Runtime, spec *compose.ProjectSpec) *Project {
	t.Helper()
	p, err := New(context.Background(), spec, rt, Options{Logger: testLogger(nil)})
	require.NoError(t, err)
	return p
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	if buf == nil {
		buf = &bytes.Buffer{}
	}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func containerID(t *testing.T, rt *dockertest.Runtime, name string) string {
	t.Helper()
	c, ok := rt.Container(name)
	require.True(t, ok, "container %s should exist", name)
	return c.ID
}

func running(t *testing.T, rt *dockertest.Runtime, name string) bool {
	t.Helper()
	c, ok := rt.Container(name)
	require.True(t, ok, "container %s should exist", name)
	return c.Running
}

// recorder keeps the latest copy of each operation, like the journal does,
// and the status of every write.
type recorder struct {
	mu     sync.Mutex
	ops    []*domain.Operation
	writes []domain.OperationStatus
}

func (r *recorder) RecordOperation(_ context.Context, op *domain.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *op
	cp.Failures = append([]domain.OperationFailure(nil), op.Failures...)
	r.writes = append(r.writes, op.Status)
	for i, existing := range r.ops {
		if existing.ID == op.ID {
			r.ops[i] = &cp
			return nil
		}
	}
	r.ops = append(r.ops, &cp)
	return nil
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresName(t *testing.T) {
	_, err := New(context.Background(), &compose.ProjectSpec{}, dockertest.New(), Options{})
	var cfgErr *compose.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNew_DependencyCycle(t *testing.T) {
	a := svc("a")
	a.Links = []compose.Link{{Service: "b"}}
	b := svc("b")
	b.DependsOn = []string{"a"}

	_, err := New(context.Background(), projectSpec(a, b), dockertest.New(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, compose.ErrDependencyCycle))
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestNew_MissingContainerReferences(t *testing.T) {
	tests := []struct {
		name    string
		service compose.ServiceSpec
		want    string
	}{
		{
			name: "volumes_from",
			service: func() compose.ServiceSpec {
				s := svc("web")
				s.VolumesFrom = []compose.VolumeFromSpec{{Source: "nonexistent", Mode: "rw", Kind: compose.VolumeFromContainer}}
				return s
			}(),
			want: "container 'nonexistent' which does not exist",
		},
		{
			name: "network_mode",
			service: func() compose.ServiceSpec {
				s := svc("web")
				s.NetworkMode = compose.NetworkMode{Kind: compose.NetworkModeContainer, Ref: "nonexistent"}
				return s
			}(),
			want: "container 'nonexistent' which does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), projectSpec(tt.service), dockertest.New(), Options{})
			require.Error(t, err)

			var cfgErr *compose.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.True(t, errors.Is(err, compose.ErrMissingContainer))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_BindsNamedVolumes(t *testing.T) {
	web := svc("web")
	web.Volumes = []compose.VolumeMount{{Type: compose.VolumeMountTypeVolume, Source: "data", Target: "/data"}}
	spec := projectSpec(web)
	spec.Volumes["data"] = compose.Volume{Name: "data"}

	p := newProject(t, dockertest.New(), spec)
	s, err := p.Service("web")
	require.NoError(t, err)
	assert.Equal(t, "composetest_data", s.Spec().Volumes[0].ExternalName)
	assert.Empty(t, spec.Services[0].Volumes[0].ExternalName, "descriptor must not be mutated")
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestProject_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web"), svc("db")))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.True(t, running(t, rt, "composetest_web_1"))
	assert.True(t, running(t, rt, "composetest_db_1"))

	require.NoError(t, p.Stop(ctx, nil, 0))
	assert.False(t, running(t, rt, "composetest_web_1"))

	containers, err := p.Containers(ctx, nil, false)
	require.NoError(t, err)
	assert.Empty(t, containers)

	containers, err = p.Containers(ctx, nil, true)
	require.NoError(t, err)
	assert.Len(t, containers, 2)

	require.NoError(t, p.Start(ctx, nil))
	assert.True(t, running(t, rt, "composetest_db_1"))

	require.NoError(t, p.Pause(ctx, []string{"web"}))
	web, _ := rt.Container("composetest_web_1")
	assert.True(t, web.Paused)

	require.NoError(t, p.Unpause(ctx, nil))
	web, _ = rt.Container("composetest_web_1")
	assert.False(t, web.Paused)

	require.NoError(t, p.Kill(ctx, nil, ""))
	assert.False(t, running(t, rt, "composetest_web_1"))
	assert.False(t, running(t, rt, "composetest_db_1"))

	require.NoError(t, p.RemoveStopped(ctx, nil, false))
	assert.Empty(t, rt.ContainerNames())
}

func TestProject_OperationsOnSatisfiedStateAreNoops(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	_, err := p.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	assert.False(t, running(t, rt, "composetest_web_1"))

	rt.ResetEvents()
	require.NoError(t, p.Stop(ctx, nil, 0))
	require.NoError(t, p.Kill(ctx, nil, "SIGTERM"))
	require.NoError(t, p.Pause(ctx, nil))
	require.NoError(t, p.Unpause(ctx, nil))
	assert.Empty(t, rt.Events())
}

func TestProject_StartDoesNotCreate(t *testing.T) {
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	require.NoError(t, p.Start(context.Background(), nil))
	assert.Empty(t, rt.ContainerNames())
}

func TestProject_UnknownService(t *testing.T) {
	p := newProject(t, dockertest.New(), projectSpec(svc("web")))

	err := p.Stop(context.Background(), []string{"nope"}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compose.ErrUnknownService))
}

// =============================================================================
// Convergence
// =============================================================================

func TestProject_UpStrategies(t *testing.T) {
	tests := []struct {
		strategy convergence.Strategy
		same     bool
	}{
		{convergence.StrategyNever, true},
		{convergence.StrategyChanged, true},
		{convergence.StrategyAlways, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			ctx := context.Background()
			rt := dockertest.New()
			p := newProject(t, rt, projectSpec(svc("web")))

			_, err := p.Up(ctx, UpOptions{Strategy: tt.strategy})
			require.NoError(t, err)
			first := containerID(t, rt, "composetest_web_1")

			_, err = p.Up(ctx, UpOptions{Strategy: tt.strategy})
			require.NoError(t, err)
			second := containerID(t, rt, "composetest_web_1")

			_, err = p.Up(ctx, UpOptions{Strategy: tt.strategy})
			require.NoError(t, err)
			third := containerID(t, rt, "composetest_web_1")

			if tt.same {
				assert.Equal(t, first, second)
				assert.Equal(t, second, third)
			} else {
				assert.NotEqual(t, first, second)
				assert.NotEqual(t, second, third)
			}
			assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
		})
	}
}

func TestProject_NeverCreatesMissing(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.Scale = scale(3)
	p := newProject(t, rt, projectSpec(web))

	_, err := p.Up(ctx, UpOptions{Strategy: convergence.StrategyNever})
	require.NoError(t, err)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
}

func TestProject_ChangedRecreatesAndKeepsVolumeData(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()

	web := svc("web")
	web.Volumes = []compose.VolumeMount{{Type: compose.VolumeMountTypeVolume, Target: "/data"}}
	p := newProject(t, rt, projectSpec(web))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	oldID := containerID(t, rt, "composetest_web_1")
	require.NoError(t, rt.WriteVolume("composetest_web_1", "/data", "example.txt", "hello"))

	// unchanged: no-op
	rt.ResetEvents()
	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Empty(t, rt.EventsFor("create"))
	assert.Equal(t, oldID, containerID(t, rt, "composetest_web_1"))

	// changed: exactly one recreate
	changed := web
	changed.Environment = map[string]string{"FOO": "1"}
	p = newProject(t, rt, projectSpec(changed))

	rt.ResetEvents()
	containers, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Len(t, rt.EventsFor("create"), 1)
	assert.Len(t, rt.EventsFor("remove"), 1)

	newID := containerID(t, rt, "composetest_web_1")
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, newID, containers[0].ID)
	assert.True(t, containers[0].Running)

	content, err := rt.ReadVolume("composetest_web_1", "/data", "example.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
}

func TestProject_RecreateKeepsUndeclaredVolumes(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()

	// a volume the image declares but the service does not
	_, err := rt.CreateContainer(ctx, docker.ContainerSpec{
		Name:   "composetest_db_1",
		Image:  "busybox:latest",
		Labels: identity.Labels(testProject, "db", 1),
		Mounts: []docker.Mount{{Type: docker.MountTypeVolume, Target: "/imgdata"}},
	})
	require.NoError(t, err)
	require.NoError(t, rt.WriteVolume("composetest_db_1", "/imgdata", "example.txt", "precious"))
	before, ok := rt.Container("composetest_db_1")
	require.True(t, ok)
	oldVolume, ok := containerFromInfo(docker.ContainerInfo{Mounts: before.Mounts}).VolumeAt("/imgdata")
	require.True(t, ok)

	p := newProject(t, rt, projectSpec(svc("db")))
	_, err = p.Up(ctx, UpOptions{Strategy: convergence.StrategyAlways})
	require.NoError(t, err)

	after, ok := rt.Container("composetest_db_1")
	require.True(t, ok)
	assert.NotEqual(t, before.ID, after.ID)
	newVolume, ok := containerFromInfo(docker.ContainerInfo{Mounts: after.Mounts}).VolumeAt("/imgdata")
	require.True(t, ok)
	assert.Equal(t, oldVolume, newVolume)

	content, err := rt.ReadVolume("composetest_db_1", "/imgdata", "example.txt")
	require.NoError(t, err)
	assert.Equal(t, "precious", content)

	// carried mounts do not change the fingerprint
	rt.ResetEvents()
	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Empty(t, rt.EventsFor("create"))
}

func TestProject_RecreateDoesNotCarrySharedVolumes(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()

	data := svc("data")
	data.Volumes = []compose.VolumeMount{{Type: compose.VolumeMountTypeVolume, Target: "/shared"}}
	app := svc("app")
	app.VolumesFrom = []compose.VolumeFromSpec{{Source: "data", Kind: compose.VolumeFromService, Mode: "rw"}}
	p := newProject(t, rt, projectSpec(data, app))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	_, err = p.Up(ctx, UpOptions{Services: []string{"app"}, NoDeps: true, Strategy: convergence.StrategyAlways})
	require.NoError(t, err)

	c, ok := rt.Container("composetest_app_1")
	require.True(t, ok)
	for _, m := range c.Spec.Mounts {
		assert.NotEqual(t, "/shared", m.Target, "volumes_from paths are not mounted directly")
	}
}

func TestProject_ImageChangeRecreates(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	oldID := containerID(t, rt, "composetest_web_1")

	rt.SetImageID("busybox:latest", "sha256:newer")
	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, oldID, containerID(t, rt, "composetest_web_1"))
}

func TestProject_PullsMissingImage(t *testing.T) {
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	_, err := p.Up(context.Background(), UpOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"busybox:latest"}, rt.EventsFor("pull"))
}

func TestProject_RecreateRestoresNameOnFailure(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	oldID := containerID(t, rt, "composetest_web_1")

	rt.FailOn("create", "composetest_web_1", errors.New("no space left on device"))
	_, err = p.Up(ctx, UpOptions{Strategy: convergence.StrategyAlways})
	require.Error(t, err)

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, oldID, containerID(t, rt, "composetest_web_1"))
}

// =============================================================================
// Scale
// =============================================================================

func TestProject_ScaleAndLivenessFloor(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Scale(ctx, "web", 3, 0))
	assert.Equal(t, []string{"composetest_web_1", "composetest_web_2", "composetest_web_3"}, rt.ContainerNames())
	for _, name := range rt.ContainerNames() {
		assert.True(t, running(t, rt, name))
	}

	// up keeps the extra instances
	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Len(t, rt.ContainerNames(), 3)

	require.NoError(t, p.Scale(ctx, "web", 1, 0))
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())

	require.NoError(t, p.Scale(ctx, "web", 0, 0))
	assert.Empty(t, rt.ContainerNames())

	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
	assert.True(t, running(t, rt, "composetest_web_1"))
}

func TestProject_DeclaredScaleZero(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	standby := svc("standby")
	standby.Scale = scale(0)
	p := newProject(t, rt, projectSpec(svc("web"), standby))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())

	_, err = p.Up(ctx, UpOptions{Strategy: convergence.StrategyNever})
	require.NoError(t, err)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
}

func TestProject_ScaleFillsGaps(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	require.NoError(t, p.Scale(ctx, "web", 3, 0))
	require.NoError(t, rt.StopContainer(ctx, "composetest_web_2", nil))
	require.NoError(t, rt.RemoveContainer(ctx, "composetest_web_2", docker.RemoveOptions{}))

	require.NoError(t, p.Scale(ctx, "web", 3, 0))
	assert.Equal(t, []string{"composetest_web_1", "composetest_web_2", "composetest_web_3"}, rt.ContainerNames())
}

func TestProject_ScaleRejectsNegative(t *testing.T) {
	p := newProject(t, dockertest.New(), projectSpec(svc("web")))

	err := p.Scale(context.Background(), "web", -1, 0)
	var cfgErr *compose.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

// =============================================================================
// Dependencies
// =============================================================================

func chainProject() *compose.ProjectSpec {
	db := svc("db")
	data := svc("data")
	data.Links = []compose.Link{{Service: "db"}}
	console := svc("console")
	console.VolumesFrom = []compose.VolumeFromSpec{{Source: "data", Mode: "rw", Kind: compose.VolumeFromService}}
	web := svc("web")
	web.Links = []compose.Link{{Service: "console", Alias: "c"}}
	// declared leaf first to prove ordering comes from the graph
	return projectSpec(web, console, data, db)
}

func TestProject_UpStartsDependencies(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, chainProject())

	_, err := p.Up(ctx, UpOptions{Services: []string{"web"}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"composetest_db_1", "composetest_data_1", "composetest_console_1", "composetest_web_1",
	}, rt.EventsFor("start"))

	require.NoError(t, p.Stop(ctx, []string{"db", "data", "console", "web"}, 0))
	assert.Equal(t, []string{
		"composetest_web_1", "composetest_console_1", "composetest_data_1", "composetest_db_1",
	}, rt.EventsFor("stop"))
}

func TestProject_StopSubsetKeepsTransitiveOrder(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, chainProject())

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	rt.ResetEvents()
	require.NoError(t, p.Stop(ctx, []string{"db", "web"}, 0))
	assert.Equal(t, []string{"composetest_web_1", "composetest_db_1"}, rt.EventsFor("stop"))
	assert.True(t, running(t, rt, "composetest_console_1"))
}

func TestProject_UpNoDeps(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("db"), func() compose.ServiceSpec {
		s := svc("web")
		s.DependsOn = []string{"db"}
		return s
	}()))

	_, err := p.Up(ctx, UpOptions{Services: []string{"web"}, NoDeps: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
}

func TestProject_PrerequisitesAreNotForceRecreated(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.Links = []compose.Link{{Service: "db"}}
	p := newProject(t, rt, projectSpec(svc("db"), web))

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	dbID := containerID(t, rt, "composetest_db_1")
	webID := containerID(t, rt, "composetest_web_1")

	_, err = p.Up(ctx, UpOptions{Services: []string{"web"}, Strategy: convergence.StrategyAlways})
	require.NoError(t, err)
	assert.Equal(t, dbID, containerID(t, rt, "composetest_db_1"))
	assert.NotEqual(t, webID, containerID(t, rt, "composetest_web_1"))
}

func TestProject_LinksAndVolumesFrom(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	p := newProject(t, rt, chainProject())

	_, err := p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	web, _ := rt.Container("composetest_web_1")
	assert.Contains(t, web.Spec.Links, "composetest_console_1:c")
	assert.Contains(t, web.Spec.Links, "composetest_console_1:console_1")

	console, _ := rt.Container("composetest_console_1")
	dataID := containerID(t, rt, "composetest_data_1")
	assert.Equal(t, []string{dataID + ":rw"}, console.Spec.VolumesFrom)
}

func TestProject_VolumesFromContainer(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	legacyID, err := rt.CreateContainer(ctx, docker.ContainerSpec{
		Name:   "legacy_data",
		Image:  "busybox:latest",
		Mounts: []docker.Mount{{Type: docker.MountTypeVolume, Target: "/data"}},
	})
	require.NoError(t, err)

	web := svc("web")
	web.VolumesFrom = []compose.VolumeFromSpec{{Source: "legacy_data", Mode: "ro", Kind: compose.VolumeFromContainer}}
	p := newProject(t, rt, projectSpec(web))

	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	c, _ := rt.Container("composetest_web_1")
	assert.Equal(t, []string{legacyID + ":ro"}, c.Spec.VolumesFrom)
	require.Len(t, c.Mounts, 1)
	assert.False(t, c.Mounts[0].RW)
}

func TestProject_NetworkModeService(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.NetworkMode = compose.NetworkMode{Kind: compose.NetworkModeService, Ref: "net"}
	p := newProject(t, rt, projectSpec(svc("net"), web))

	s, err := p.Service("web")
	require.NoError(t, err)

	_, err = s.ResolvedNetworkMode(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compose.ErrMissingContainer))
	assert.Contains(t, err.Error(), "net")

	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	netID := containerID(t, rt, "composetest_net_1")
	mode, err := s.ResolvedNetworkMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "container:"+netID, mode)

	c, _ := rt.Container("composetest_web_1")
	assert.Equal(t, "container:"+netID, c.Spec.NetworkMode)
	assert.Empty(t, c.Spec.Networks)
}

func TestProject_VolumesFromServiceWithoutContainer(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	app := svc("app")
	app.VolumesFrom = []compose.VolumeFromSpec{{Source: "data", Kind: compose.VolumeFromService, Mode: "rw"}}
	p := newProject(t, rt, projectSpec(svc("data"), app))

	_, err := p.Up(ctx, UpOptions{Services: []string{"app"}, NoDeps: true})
	require.Error(t, err)
	assert.True(t, compose.IsFatal(err))
	assert.True(t, errors.Is(err, compose.ErrMissingContainer))
	assert.Contains(t, err.Error(), "data")

	var cfgErr *compose.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "services.app.volumes_from", cfgErr.Field)
	assert.Empty(t, rt.ContainerNames())
}

func TestProject_NetworkModeContainer(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	id, err := rt.CreateContainer(ctx, docker.ContainerSpec{Name: "external_net", Image: "busybox:latest"})
	require.NoError(t, err)
	require.NoError(t, rt.StartContainer(ctx, id))

	web := svc("web")
	web.NetworkMode = compose.NetworkMode{Kind: compose.NetworkModeContainer, Ref: "external_net"}
	p := newProject(t, rt, projectSpec(web))

	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)

	c, _ := rt.Container("composetest_web_1")
	assert.Equal(t, "container:"+id, c.Spec.NetworkMode)
}

// =============================================================================
// Orphans
// =============================================================================

func TestProject_Orphans(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()

	first := newProject(t, rt, projectSpec(svc("web"), svc("db"), svc("worker")))
	_, err := first.Up(ctx, UpOptions{})
	require.NoError(t, err)

	var logs bytes.Buffer
	second, err := New(ctx, projectSpec(svc("web")), rt, Options{Logger: testLogger(&logs)})
	require.NoError(t, err)

	_, err = second.Up(ctx, UpOptions{})
	require.NoError(t, err)
	assert.Contains(t, rt.ContainerNames(), "composetest_db_1")
	assert.Contains(t, rt.ContainerNames(), "composetest_worker_1")

	warnings := 0
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "level=WARN") && strings.Contains(line, "orphan") {
			warnings++
			assert.Contains(t, line, "db, worker")
		}
	}
	assert.Equal(t, 1, warnings)

	orphans, err := second.Orphans(ctx)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)

	_, err = second.Up(ctx, UpOptions{RemoveOrphans: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"composetest_web_1"}, rt.ContainerNames())
}

func TestProject_OtherProjectsAreNotOrphans(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()

	other := projectSpec(svc("db"))
	other.Name = "other"
	_, err := newProject(t, rt, other).Up(ctx, UpOptions{})
	require.NoError(t, err)

	p := newProject(t, rt, projectSpec(svc("web")))
	_, err = p.Up(ctx, UpOptions{RemoveOrphans: true})
	require.NoError(t, err)

	orphans, err := p.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
	assert.Contains(t, rt.ContainerNames(), "other_db_1")
}

// =============================================================================
// Failures
// =============================================================================

func TestProject_CollectsContainerFailures(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.Scale = scale(2)
	rec := &recorder{}
	p, err := New(ctx, projectSpec(svc("db"), web), rt, Options{Logger: testLogger(nil), Recorder: rec})
	require.NoError(t, err)

	rt.FailOn("start", "composetest_web_2", errors.New("port is already allocated"))
	_, err = p.Up(ctx, UpOptions{})
	require.Error(t, err)
	assert.False(t, compose.IsFatal(err))

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	require.Len(t, opErr.Failures, 1)
	assert.Equal(t, "web", opErr.Failures[0].Service)
	assert.Equal(t, "composetest_web_2", opErr.Failures[0].Container)
	assert.Equal(t, []string{"web"}, opErr.Services())

	assert.True(t, running(t, rt, "composetest_web_1"))
	assert.True(t, running(t, rt, "composetest_db_1"))
	assert.False(t, running(t, rt, "composetest_web_2"))

	require.Len(t, rec.ops, 1)
	assert.Equal(t, "up", rec.ops[0].Name)
	assert.Equal(t, domain.OperationPartial, rec.ops[0].Status)
	require.Len(t, rec.ops[0].Failures, 1)
	assert.Equal(t, "composetest_web_2", rec.ops[0].Failures[0].Container)
	assert.Equal(t, []domain.OperationStatus{domain.OperationRunning, domain.OperationPartial}, rec.writes)
}

func TestProject_RuntimeRejectionsAreProjectErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(spec *compose.ProjectSpec)
	}{
		{
			name: "invalid isolation",
			setup: func(spec *compose.ProjectSpec) {
				spec.Services[0].Isolation = "foobar"
			},
		},
		{
			name: "static address without subnet",
			setup: func(spec *compose.ProjectSpec) {
				spec.Networks["front"] = compose.Network{Name: "front"}
				spec.Services[0].Networks = map[string]compose.ServiceNetwork{"front": {IPv4Address: "172.16.100.100"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := dockertest.New()
			spec := projectSpec(svc("web"))
			tt.setup(spec)
			p := newProject(t, rt, spec)

			_, err := p.Up(context.Background(), UpOptions{})
			require.Error(t, err)

			var projErr *compose.ProjectError
			assert.True(t, errors.As(err, &projErr))
			assert.True(t, errors.Is(err, compose.ErrRejected))
		})
	}
}

func TestProject_StaticAddressInSubnet(t *testing.T) {
	rt := dockertest.New()
	spec := projectSpec(svc("web"))
	spec.Networks["front"] = compose.Network{
		Name: "front",
		IPAM: &compose.IPAM{Config: []compose.IPAMConfig{{Subnet: "172.16.100.0/24"}}},
	}
	spec.Services[0].Networks = map[string]compose.ServiceNetwork{
		"front": {IPv4Address: "172.16.100.100", Aliases: []string{"www"}},
	}
	p := newProject(t, rt, spec)

	_, err := p.Up(context.Background(), UpOptions{})
	require.NoError(t, err)

	c, _ := rt.Container("composetest_web_1")
	ep, ok := c.Spec.Networks["composetest_front"]
	require.True(t, ok)
	assert.Equal(t, "172.16.100.100", ep.IPv4Address)
	assert.Equal(t, []string{"web", "www"}, ep.Aliases)
}

func TestProject_FatalErrorStopsBeforeNextLevel(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	db := svc("db")
	db.Isolation = "foobar"
	web := svc("web")
	web.DependsOn = []string{"db"}
	p := newProject(t, rt, projectSpec(db, web))

	_, err := p.Up(ctx, UpOptions{})
	require.Error(t, err)
	assert.True(t, compose.IsFatal(err))
	assert.Empty(t, rt.ContainerNames())
}

func TestProject_CancelledContext(t *testing.T) {
	rt := dockertest.New()
	p := newProject(t, rt, projectSpec(svc("web")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Up(ctx, UpOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rt.ContainerNames())
}

// =============================================================================
// Down
// =============================================================================

func TestProject_Down(t *testing.T) {
	ctx := context.Background()
	rt := dockertest.New()
	web := svc("web")
	web.Networks = map[string]compose.ServiceNetwork{compose.DefaultNetwork: {}}
	web.Volumes = []compose.VolumeMount{{Type: compose.VolumeMountTypeVolume, Source: "data", Target: "/data"}}
	spec := projectSpec(svc("db"), web)
	spec.Networks[compose.DefaultNetwork] = compose.Network{Name: compose.DefaultNetwork}
	spec.Volumes["data"] = compose.Volume{Name: "data"}
	rec := &recorder{}
	p, err := New(ctx, spec, rt, Options{Logger: testLogger(nil), Recorder: rec})
	require.NoError(t, err)

	_, err = p.Up(ctx, UpOptions{})
	require.NoError(t, err)
	_, ok := rt.Network("composetest_default")
	require.True(t, ok)
	assert.Contains(t, rt.VolumeNames(), "composetest_data")

	require.NoError(t, p.Down(ctx, DownOptions{}))
	assert.Empty(t, rt.ContainerNames())
	_, ok = rt.Network("composetest_default")
	assert.False(t, ok)
	assert.Contains(t, rt.VolumeNames(), "composetest_data")

	require.NoError(t, p.Down(ctx, DownOptions{RemoveVolumes: true}))
	assert.NotContains(t, rt.VolumeNames(), "composetest_data")

	require.Len(t, rec.ops, 3)
	assert.Equal(t, domain.OperationSucceeded, rec.ops[2].Status)
}

package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) Client {
	t.Helper()
	cli, err := NewDockerClient("")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

func cleanupContainer(t *testing.T, cli Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	timeout := 5 * time.Second
	cli.StopContainer(ctx, containerID, &timeout)
	cli.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: true})
}

// Test resource name prefix to identify test containers
const testPrefix = "flotilla-test-"

const testImage = "alpine:latest"

func ensureTestImage(t *testing.T, cli Client) {
	t.Helper()
	ctx := context.Background()
	if _, err := cli.InspectImage(ctx, testImage); err == nil {
		return
	}
	if err := cli.PullImage(ctx, testImage, PullOptions{}); err != nil {
		t.Skip("test image not available:", err)
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestPing_Success(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	assert.NoError(t, cli.Ping(context.Background()))
}

// =============================================================================
// Container Tests
// =============================================================================

func TestCreateContainer_Minimal(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ensureTestImage(t, cli)
	ctx := context.Background()

	id, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "minimal",
		Image:   testImage,
		Command: []string{"sleep", "30"},
		Labels:  map[string]string{"com.flotilla.project": "clienttest"},
		Env:     map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	info, err := cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"minimal", info.Name)
	assert.Equal(t, "clienttest", info.Labels["com.flotilla.project"])
	assert.False(t, info.Running)
}

func TestCreateContainer_DuplicateName(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ensureTestImage(t, cli)
	ctx := context.Background()

	spec := ContainerSpec{Name: testPrefix + "dup", Image: testImage, Command: []string{"sleep", "30"}}
	id, err := cli.CreateContainer(ctx, spec)
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	_, err = cli.CreateContainer(ctx, spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContainerAlreadyExists))
}

func TestContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ensureTestImage(t, cli)
	ctx := context.Background()

	id, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "lifecycle",
		Image:   testImage,
		Command: []string{"sleep", "300"},
		Mounts:  []Mount{{Type: MountTypeVolume, Target: "/data"}},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	require.NoError(t, cli.StartContainer(ctx, id))
	info, err := cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Running)
	require.Len(t, info.Mounts, 1)
	assert.Equal(t, MountTypeVolume, info.Mounts[0].Type)
	assert.NotEmpty(t, info.Mounts[0].Name)

	require.NoError(t, cli.PauseContainer(ctx, id))
	info, err = cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Paused)
	require.NoError(t, cli.UnpauseContainer(ctx, id))

	require.NoError(t, cli.RenameContainer(ctx, id, testPrefix+"lifecycle-renamed"))
	info, err = cli.InspectContainer(ctx, testPrefix+"lifecycle-renamed")
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)

	timeout := 2 * time.Second
	require.NoError(t, cli.StopContainer(ctx, id, &timeout))
	info, err = cli.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.False(t, info.Running)

	require.NoError(t, cli.RemoveContainer(ctx, id, RemoveOptions{RemoveVolumes: true}))
	_, err = cli.InspectContainer(ctx, id)
	assert.True(t, errors.Is(err, ErrContainerNotFound))
}

func TestContainerOperations_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()
	missing := testPrefix + "does-not-exist"

	tests := []struct {
		name string
		call func() error
	}{
		{"start", func() error { return cli.StartContainer(ctx, missing) }},
		{"stop", func() error { return cli.StopContainer(ctx, missing, nil) }},
		{"kill", func() error { return cli.KillContainer(ctx, missing, "SIGKILL") }},
		{"remove", func() error { return cli.RemoveContainer(ctx, missing, RemoveOptions{}) }},
		{"inspect", func() error { _, err := cli.InspectContainer(ctx, missing); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestListContainers_LabelFilter(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ensureTestImage(t, cli)
	ctx := context.Background()

	labels := map[string]string{"com.flotilla.project": "listtest", "com.flotilla.service": "web"}
	id, err := cli.CreateContainer(ctx, ContainerSpec{
		Name: testPrefix + "list", Image: testImage, Command: []string{"sleep", "30"}, Labels: labels,
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	running, err := cli.ListContainers(ctx, ListOptions{Labels: labels})
	require.NoError(t, err)
	assert.Empty(t, running)

	all, err := cli.ListContainers(ctx, ListOptions{All: true, Labels: labels})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)
	assert.Equal(t, testPrefix+"list", all[0].Name)
}

// =============================================================================
// Network and Volume Tests
// =============================================================================

func TestNetworkLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()
	name := testPrefix + "net"

	_, err := cli.CreateNetwork(ctx, NetworkSpec{
		Name:   name,
		Driver: "bridge",
		Labels: map[string]string{"com.flotilla.project": "nettest"},
		IPAM:   &IPAM{Config: []IPAMPool{{Subnet: "172.31.250.0/24"}}},
	})
	require.NoError(t, err)
	defer cli.RemoveNetwork(ctx, name)

	info, err := cli.InspectNetwork(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "bridge", info.Driver)
	require.Len(t, info.IPAM.Config, 1)
	assert.Equal(t, "172.31.250.0/24", info.IPAM.Config[0].Subnet)

	list, err := cli.ListNetworks(ctx, ListOptions{Labels: map[string]string{"com.flotilla.project": "nettest"}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, cli.RemoveNetwork(ctx, name))
	_, err = cli.InspectNetwork(ctx, name)
	assert.True(t, errors.Is(err, ErrNetworkNotFound))
}

func TestCreateNetwork_UnknownDriver(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	_, err := cli.CreateNetwork(context.Background(), NetworkSpec{Name: testPrefix + "baddriver", Driver: "flotilla-no-such-driver"})
	require.Error(t, err)
	assert.True(t, IsRejected(err) || IsNotFound(err))
}

func TestVolumeLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()
	name := testPrefix + "vol"

	_, err := cli.CreateVolume(ctx, VolumeSpec{Name: name, Labels: map[string]string{"com.flotilla.project": "voltest"}})
	require.NoError(t, err)
	defer cli.RemoveVolume(ctx, name, true)

	info, err := cli.InspectVolume(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "local", info.Driver)

	list, err := cli.ListVolumes(ctx, ListOptions{Labels: map[string]string{"com.flotilla.project": "voltest"}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, cli.RemoveVolume(ctx, name, false))
	_, err = cli.InspectVolume(ctx, name)
	assert.True(t, errors.Is(err, ErrVolumeNotFound))
}

// =============================================================================
// Image Tests
// =============================================================================

func TestPullImage_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	err := cli.PullImage(context.Background(), "flotilla/this-image-does-not-exist:never", PullOptions{})
	require.Error(t, err)
}

func TestInspectImage_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	_, err := cli.InspectImage(context.Background(), "flotilla/this-image-does-not-exist:never")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImageNotFound))
}

// =============================================================================
// Error Tests
// =============================================================================

func TestDockerError_Error(t *testing.T) {
	tests := []struct {
		err  *DockerError
		want string
	}{
		{NewDockerError("StartContainer", "container", "abc", "boom", nil), "StartContainer container abc: boom"},
		{NewDockerError("ListNetworks", "network", "", "boom", nil), "ListNetworks network: boom"},
		{NewDockerError("Ping", "", "", "boom", nil), "Ping: boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := NewDockerError("InspectVolume", "volume", "data", "volume not found", ErrVolumeNotFound)
	assert.True(t, errors.Is(wrapped, ErrVolumeNotFound))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsRejected(wrapped))

	rejected := NewDockerError("CreateContainer", "container", "web", "invalid isolation", ErrInvalidRequest)
	assert.True(t, IsRejected(rejected))
	assert.False(t, IsNotFound(rejected))

	assert.True(t, IsRejected(NewDockerError("CreateVolume", "volume", "data", "plugin not found", ErrDriverNotFound)))
}

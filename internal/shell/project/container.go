package project

import (
	"sort"

	"github.com/artpar/flotilla/internal/core/convergence"
	"github.com/artpar/flotilla/internal/core/identity"
	"github.com/artpar/flotilla/internal/shell/docker"
)

// =============================================================================
// Container Snapshot
// =============================================================================

// Container is a point-in-time view of one managed container. It is read
// fresh from the runtime for every decision and never cached across
// operations.
type Container struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Project     string              `json:"project"`
	Service     string              `json:"service"`
	Number      int                 `json:"number"`
	Image       string              `json:"image"`
	ImageID     string              `json:"image_id"`
	ConfigHash  string              `json:"config_hash,omitempty"`
	Running     bool                `json:"running"`
	Paused      bool                `json:"paused"`
	Labels      map[string]string   `json:"labels,omitempty"`
	Mounts      []docker.MountPoint `json:"mounts,omitempty"`
	NetworkMode string              `json:"network_mode,omitempty"`
}

// containerFromInfo builds a snapshot from runtime data. A container whose
// number label is missing or invalid gets number 0.
func containerFromInfo(info docker.ContainerInfo) Container {
	number, _ := identity.NumberFromLabels(info.Labels)
	return Container{
		ID:          info.ID,
		Name:        info.Name,
		Project:     info.Labels[identity.LabelProject],
		Service:     info.Labels[identity.LabelService],
		Number:      number,
		Image:       info.Image,
		ImageID:     info.ImageID,
		ConfigHash:  info.Labels[identity.LabelConfigHash],
		Running:     info.Running,
		Paused:      info.Paused,
		Labels:      info.Labels,
		Mounts:      info.Mounts,
		NetworkMode: info.NetworkMode,
	}
}

// State returns "paused", "running" or "exited".
func (c Container) State() string {
	switch {
	case c.Paused:
		return string(docker.ContainerStatusPaused)
	case c.Running:
		return string(docker.ContainerStatusRunning)
	default:
		return string(docker.ContainerStatusExited)
	}
}

// ShortID returns the first 12 characters of the id.
func (c Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// VolumeAt returns the name of the volume mounted at path, if any.
func (c Container) VolumeAt(path string) (string, bool) {
	for _, m := range c.Mounts {
		if m.Destination == path && m.Type == docker.MountTypeVolume && m.Name != "" {
			return m.Name, true
		}
	}
	return "", false
}

func (c Container) instance() convergence.Instance {
	return convergence.Instance{
		ID:         c.ID,
		Name:       c.Name,
		Number:     c.Number,
		ConfigHash: c.ConfigHash,
		Running:    c.Running,
	}
}

func sortByNumber(containers []Container) {
	sort.Slice(containers, func(i, j int) bool {
		if containers[i].Number != containers[j].Number {
			return containers[i].Number < containers[j].Number
		}
		return containers[i].Name < containers[j].Name
	})
}

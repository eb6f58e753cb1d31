package api

import (
	"time"

	"github.com/artpar/flotilla/internal/core/domain"
	"github.com/artpar/flotilla/internal/shell/project"
)

// =============================================================================
// Request Types
// =============================================================================

// UpRequest is the request body for up and create.
type UpRequest struct {
	Services      []string `json:"services,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
	NoDeps        bool     `json:"no_deps,omitempty"`
	RemoveOrphans bool     `json:"remove_orphans,omitempty"`
	Timeout       int      `json:"timeout,omitempty"` // seconds
	Detached      bool     `json:"detached,omitempty"`
}

// LifecycleRequest is the request body for start, stop, pause, unpause,
// kill and rm. Fields that do not apply to an operation are ignored.
type LifecycleRequest struct {
	Services      []string `json:"services,omitempty"`
	Timeout       int      `json:"timeout,omitempty"`
	Signal        string   `json:"signal,omitempty"`
	RemoveVolumes bool     `json:"remove_volumes,omitempty"`
}

// ScaleRequest is the request body for scaling one service.
type ScaleRequest struct {
	Scale   *int `json:"scale"`
	Timeout int  `json:"timeout,omitempty"`
}

// DownRequest is the request body for down.
type DownRequest struct {
	RemoveOrphans bool `json:"remove_orphans,omitempty"`
	RemoveVolumes bool `json:"remove_volumes,omitempty"`
	Timeout       int  `json:"timeout,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// ProjectResponse describes the loaded project.
type ProjectResponse struct {
	Name     string   `json:"name"`
	Services []string `json:"services"`
}

// ContainerResponse is one container snapshot.
type ContainerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service string `json:"service"`
	Number  int    `json:"number"`
	Image   string `json:"image"`
	State   string `json:"state"`
}

// OperationResponse is returned by every mutating endpoint.
type OperationResponse struct {
	Operation  string              `json:"operation"`
	Status     string              `json:"status"`
	Containers []ContainerResponse `json:"containers,omitempty"`
}

// ContainerListResponse wraps a container list.
type ContainerListResponse struct {
	Containers []ContainerResponse `json:"containers"`
}

// OperationListResponse wraps journal entries.
type OperationListResponse struct {
	Operations []domain.Operation `json:"operations"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for readiness checks.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// FailureResponse is one container that failed during an operation.
type FailureResponse struct {
	Service   string `json:"service"`
	Container string `json:"container,omitempty"`
	Error     string `json:"error"`
}

// ErrorResponse is the response for errors.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Code     string            `json:"code"`
	Failures []FailureResponse `json:"failures,omitempty"`
}

func containerResponses(containers []project.Container) []ContainerResponse {
	out := make([]ContainerResponse, 0, len(containers))
	for _, c := range containers {
		out = append(out, ContainerResponse{
			ID:      c.ID,
			Name:    c.Name,
			Service: c.Service,
			Number:  c.Number,
			Image:   c.Image,
			State:   c.State(),
		})
	}
	return out
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

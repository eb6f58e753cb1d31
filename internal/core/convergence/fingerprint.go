package convergence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/artpar/flotilla/internal/core/compose"
)

// FingerprintVersion prefixes every fingerprint; bump it when the hashed
// field set changes so old containers are recreated once.
const FingerprintVersion = "v1"

// Resolved carries the parts of a container's configuration that are only
// known once the project is bound to a runtime.
type Resolved struct {
	ImageID     string   // runtime image id of spec.Image
	NetworkMode string   // e.g. "container:<id>" for service:x
	VolumesFrom []string // "<container id>:<mode>"
	Mounts      []string // "<type>:<runtime source>:<target>:<ro|rw>"
}

// fingerprintInput lists every field that affects runtime behaviour. Maps
// marshal with sorted keys, which keeps the encoding order-independent.
type fingerprintInput struct {
	Image       string                            `json:"image"`
	ImageID     string                            `json:"image_id"`
	Command     []string                          `json:"command"`
	Entrypoint  []string                          `json:"entrypoint"`
	Environment map[string]string                 `json:"environment"`
	Labels      map[string]string                 `json:"labels"`
	Ports       []compose.Port                    `json:"ports"`
	Links       []compose.Link                    `json:"links"`
	Mounts      []string                          `json:"mounts"`
	VolumesFrom []string                          `json:"volumes_from"`
	NetworkMode string                            `json:"network_mode"`
	Networks    map[string]compose.ServiceNetwork `json:"networks"`
	Restart     compose.RestartPolicy             `json:"restart"`
	HealthCheck *compose.HealthCheck              `json:"healthcheck"`
	Resources   compose.ServiceResources          `json:"resources"`
	Isolation   string                            `json:"isolation"`
	WorkingDir  string                            `json:"working_dir"`
	User        string                            `json:"user"`
	Logging     *compose.LoggingConfig            `json:"logging"`
}

// Fingerprint returns a stable hash of the configuration a container built
// from spec would have. Scale is not hashed.
func Fingerprint(spec compose.ServiceSpec, resolved Resolved) string {
	input := fingerprintInput{
		Image:       spec.Image,
		ImageID:     resolved.ImageID,
		Command:     spec.Command,
		Entrypoint:  spec.Entrypoint,
		Environment: spec.Environment,
		Labels:      spec.Labels,
		Ports:       spec.Ports,
		Links:       spec.Links,
		Mounts:      resolved.Mounts,
		VolumesFrom: resolved.VolumesFrom,
		NetworkMode: resolved.NetworkMode,
		Networks:    spec.Networks,
		Restart:     spec.Restart,
		HealthCheck: spec.HealthCheck,
		Resources:   spec.Resources,
		Isolation:   spec.Isolation,
		WorkingDir:  spec.WorkingDir,
		User:        spec.User,
		Logging:     spec.Logging,
	}
	if input.Environment == nil {
		input.Environment = map[string]string{}
	}
	if input.Labels == nil {
		input.Labels = map[string]string{}
	}
	if input.Networks == nil {
		input.Networks = map[string]compose.ServiceNetwork{}
	}

	// every field is a plain value, Marshal cannot fail
	data, _ := json.Marshal(input)
	sum := sha256.Sum256(append([]byte(FingerprintVersion+":"), data...))
	return FingerprintVersion + ":" + hex.EncodeToString(sum[:])
}

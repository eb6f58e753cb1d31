package identity

import (
	"fmt"
	"strconv"
)

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelProject    = "com.flotilla.project"
	LabelService    = "com.flotilla.service"
	LabelNumber     = "com.flotilla.container-number"
	LabelConfigHash = "com.flotilla.config-hash"
	LabelOneOff     = "com.flotilla.oneoff"
	LabelVersion    = "com.flotilla.version"
)

// Version is stamped on every resource the engine creates.
const Version = "1"

// =============================================================================
// Label Sets
// =============================================================================

// Labels returns the identity labels for one instance of a service.
func Labels(project, service string, number int) map[string]string {
	return map[string]string{
		LabelProject: project,
		LabelService: service,
		LabelNumber:  strconv.Itoa(number),
		LabelOneOff:  "False",
		LabelVersion: Version,
	}
}

// ProjectLabels returns the labels put on project-scoped networks and volumes.
func ProjectLabels(project string) map[string]string {
	return map[string]string{
		LabelProject: project,
		LabelVersion: Version,
	}
}

// Filter returns the label equality predicate selecting a project's
// containers, optionally narrowed to one service. Suited to
// docker.ListOptions.Labels.
func Filter(project, service string) map[string]string {
	f := map[string]string{
		LabelProject: project,
		LabelOneOff:  "False",
	}
	if service != "" {
		f[LabelService] = service
	}
	return f
}

// Matches reports whether labels belong to project and, when services are
// given, to one of them.
func Matches(labels map[string]string, project string, services ...string) bool {
	if labels[LabelProject] != project {
		return false
	}
	if labels[LabelOneOff] == "True" {
		return false
	}
	if len(services) == 0 {
		return true
	}
	svc := labels[LabelService]
	for _, s := range services {
		if s == svc {
			return true
		}
	}
	return false
}

// NumberFromLabels returns the instance number carried by labels.
func NumberFromLabels(labels map[string]string) (int, error) {
	raw, ok := labels[LabelNumber]
	if !ok {
		return 0, fmt.Errorf("missing label %s", LabelNumber)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid label %s=%q", LabelNumber, raw)
	}
	return n, nil
}

// WithConfigHash returns a copy of labels carrying hash.
func WithConfigHash(labels map[string]string, hash string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[LabelConfigHash] = hash
	return out
}

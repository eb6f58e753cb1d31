package identity

import (
	"fmt"
	"strings"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName generates the name of one instance of a service.
// Pattern: {project}_{service}_{number}
//
// Example:
//
//	ContainerName("composetest", "web", 1) // returns "composetest_web_1"
func ContainerName(project, service string, number int) string {
	return fmt.Sprintf("%s_%s_%d", project, service, number)
}

// NetworkName generates the runtime name of a project-scoped network.
// Pattern: {project}_{network}
func NetworkName(project, network string) string {
	return fmt.Sprintf("%s_%s", project, network)
}

// VolumeName generates the runtime name of a project-scoped volume.
// Pattern: {project}_{volume}
func VolumeName(project, volume string) string {
	return fmt.Sprintf("%s_%s", project, volume)
}

// StashName is the temporary name a container is renamed to while its
// replacement is created under the original name.
// Pattern: {shortID}_{name}
func StashName(id, name string) string {
	short := id
	if len(short) > 12 {
		short = short[:12]
	}
	return short + "_" + strings.TrimPrefix(name, "/")
}

// =============================================================================
// Instance Numbers
// =============================================================================

// NextNumbers returns count instance numbers not present in used, lowest
// first. A contiguous sequence 1..n continues at n+1; gaps left by removed
// instances are filled before that.
func NextNumbers(used []int, count int) []int {
	taken := make(map[int]bool, len(used))
	for _, n := range used {
		taken[n] = true
	}
	out := make([]int, 0, count)
	for n := 1; len(out) < count; n++ {
		if !taken[n] {
			out = append(out, n)
		}
	}
	return out
}

// Package convergence decides, per service, whether existing containers
// satisfy the desired configuration or must be replaced.
// Everything here is pure and independent of the runtime client.
package convergence

import (
	"strings"

	"github.com/artpar/flotilla/internal/core/compose"
)

// =============================================================================
// Strategy
// =============================================================================

// Strategy selects how existing containers are treated by create and up.
type Strategy string

const (
	// StrategyChanged recreates a container only when its fingerprint differs.
	StrategyChanged Strategy = "changed"
	// StrategyAlways recreates every existing container.
	StrategyAlways Strategy = "always"
	// StrategyNever reuses every existing container.
	StrategyNever Strategy = "never"
)

// ParseStrategy parses a strategy name. The empty string selects StrategyChanged.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyChanged:
		return StrategyChanged, nil
	case StrategyAlways:
		return StrategyAlways, nil
	case StrategyNever:
		return StrategyNever, nil
	}
	return "", compose.NewConfigurationError("strategy", "invalid convergence strategy "+s+" (want changed, always or never)", compose.ErrInvalidStrategy)
}

// ForPrerequisite is the strategy applied to a service brought up only
// because a targeted service depends on it: it is never force-recreated.
func (s Strategy) ForPrerequisite() Strategy {
	if s == StrategyAlways {
		return StrategyChanged
	}
	return s
}

func (s Strategy) String() string {
	return string(s)
}

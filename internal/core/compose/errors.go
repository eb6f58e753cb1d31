// Package compose holds the resolved project descriptor and the loader that
// produces it from compose files.
// Types and conversion functions are pure; only LoadProject touches the filesystem.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input errors
	ErrEmptyInput  = errors.New("compose spec is empty")
	ErrInvalidYAML = errors.New("invalid YAML syntax")
	ErrNoServices  = errors.New("compose spec must define at least one service")

	// Service reference errors
	ErrServiceNoImage     = errors.New("service must have image or build")
	ErrUnknownService     = errors.New("reference to undeclared service")
	ErrDependencyCycle    = errors.New("circular dependency detected")
	ErrMissingContainer   = errors.New("referenced container does not exist")
	ErrInvalidVolumeFrom  = errors.New("invalid volumes_from")
	ErrInvalidNetworkMode = errors.New("invalid network mode")
	ErrInvalidStrategy    = errors.New("invalid convergence strategy")

	// Shared resource errors
	ErrExternalResourceMissing = errors.New("external resource does not exist")
	ErrDriverMismatch          = errors.New("driver mismatch")
	ErrIPAMMismatch            = errors.New("ipam configuration mismatch")
	ErrInvalidDriver           = errors.New("invalid driver")
	ErrUndeclaredResource      = errors.New("reference to undeclared network or volume")

	// Runtime rejection of a project-level request
	ErrRejected = errors.New("request rejected by runtime")
)

// ConfigurationError is a fatal error detected before any runtime mutation:
// an unresolved reference, a dependency cycle, a mismatched driver, a missing
// external resource or an invalid enum value.
type ConfigurationError struct {
	Field   string // e.g., "services.web.volumes_from"
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string, err error) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// ProjectError is a fatal error raised from within an operation when the
// runtime rejects a request for a project-level reason, e.g. an invalid
// isolation value or a network definition that fails validation.
type ProjectError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProjectError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *ProjectError) Unwrap() error {
	return e.Err
}

// NewProjectError creates a new ProjectError.
func NewProjectError(op, message string, err error) *ProjectError {
	return &ProjectError{
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// IsFatal reports whether err is a configuration or project error, which
// abort an operation instead of being collected per container.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var projErr *ProjectError
	return errors.As(err, &cfgErr) || errors.As(err, &projErr)
}

// Package domain holds the records the engine persists about itself.
// Container state is never among them: it lives in the runtime and is
// rediscovered through labels.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Operation Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOperationNotFound = errors.New("operation not found")
)

// =============================================================================
// Operation Status
// =============================================================================

type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationSucceeded OperationStatus = "succeeded"
	// OperationPartial means some containers failed while others converged.
	OperationPartial OperationStatus = "partial"
	OperationFailed  OperationStatus = "failed"
)

// Operation is one project-wide command (up, stop, scale...) and its outcome.
type Operation struct {
	ID         string          `json:"id" db:"id"`
	Project    string          `json:"project" db:"project"`
	Name       string          `json:"name" db:"name"`
	Services   []string        `json:"services" db:"-"`
	Strategy   string          `json:"strategy,omitempty" db:"strategy"`
	Status     OperationStatus `json:"status" db:"status"`
	Error      string          `json:"error,omitempty" db:"error"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`

	Failures []OperationFailure `json:"failures,omitempty" db:"-"`
}

// OperationFailure is one container that did not converge during a partial
// operation.
type OperationFailure struct {
	Service   string `json:"service" db:"service"`
	Container string `json:"container,omitempty" db:"container"`
	Error     string `json:"error" db:"error"`
}

// NewOperation starts a new running operation record.
func NewOperation(project, name string, services []string, strategy string) *Operation {
	return &Operation{
		ID:        uuid.New().String(),
		Project:   project,
		Name:      name,
		Services:  services,
		Strategy:  strategy,
		Status:    OperationRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish moves a running operation to its final status.
// partial marks an error made only of per-container failures.
func (o *Operation) Finish(err error, partial bool) error {
	if o.Status != OperationRunning {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	o.FinishedAt = &now

	switch {
	case err == nil:
		o.Status = OperationSucceeded
	case partial:
		o.Status = OperationPartial
		o.Error = err.Error()
	default:
		o.Status = OperationFailed
		o.Error = err.Error()
	}
	return nil
}

// Duration returns how long the operation ran, zero while still running.
func (o *Operation) Duration() time.Duration {
	if o.FinishedAt == nil {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

package workflow

import (
	"errors"
	"fmt"

	"defectline/internal/domain"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrForbiddenRole          = errors.New("forbidden for role")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNotFound               = errors.New("not found")
)

// InvalidTransitionError means no role may perform the requested change,
// including the no-op case.
type InvalidTransitionError struct {
	From   domain.Status
	To     domain.Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ForbiddenRoleError means the action exists but the actor's role may not perform it.
type ForbiddenRoleError struct {
	Role   domain.Role
	Action string
	From   domain.Status
	To     domain.Status
}

func (e *ForbiddenRoleError) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("role %s may not %s %s -> %s", e.Role, e.Action, e.From, e.To)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

func (e *ForbiddenRoleError) Is(target error) bool { return target == ErrForbiddenRole }

// ConcurrentModificationError means the caller's version is stale.
type ConcurrentModificationError struct {
	DefectID string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	if e.Actual > 0 {
		return fmt.Sprintf("defect %s was modified concurrently: expected version %d, current %d", e.DefectID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("defect %s was modified concurrently: version %d is stale", e.DefectID, e.Expected)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// NotFoundError names a missing defect or user.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Retryable reports whether err is the one kind a caller should re-read and resubmit.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

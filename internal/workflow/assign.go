package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"defectline/internal/domain"
)

// UserDirectory resolves user ids. Implementations report unknown ids with an
// error matching ErrNotFound.
type UserDirectory interface {
	LookupUser(ctx context.Context, id string) (domain.User, error)
}

type AssignRequest struct {
	AssigneeID      string
	DueDate         *time.Time
	ExpectedVersion int64
}

// Assign sets the assignee and, when given, the due date. Only managers may
// assign. Status is never touched.
func Assign(ctx context.Context, dir UserDirectory, current domain.Defect, req AssignRequest, actor Actor, now time.Time) (domain.Defect, error) {
	if req.ExpectedVersion != current.Version {
		return domain.Defect{}, &ConcurrentModificationError{
			DefectID: current.ID,
			Expected: req.ExpectedVersion,
			Actual:   current.Version,
		}
	}
	if actor.Role != domain.RoleManager {
		return domain.Defect{}, &ForbiddenRoleError{Role: actor.Role, Action: "assign"}
	}
	if req.AssigneeID == "" {
		return domain.Defect{}, &NotFoundError{Kind: "user", ID: req.AssigneeID}
	}
	if _, err := dir.LookupUser(ctx, req.AssigneeID); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return domain.Defect{}, nf
		}
		if errors.Is(err, ErrNotFound) {
			return domain.Defect{}, &NotFoundError{Kind: "user", ID: req.AssigneeID}
		}
		return domain.Defect{}, fmt.Errorf("lookup assignee: %w", err)
	}

	now = now.UTC()
	next := current.Clone()
	assignee := req.AssigneeID
	next.AssigneeID = &assignee
	if req.DueDate != nil {
		due := req.DueDate.UTC()
		next.DueDate = &due
	}
	next.AssignedAt = &now
	next.UpdatedAt = now
	next.Version = current.Version + 1
	return next, nil
}

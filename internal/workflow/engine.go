package workflow

import (
	"time"

	"defectline/internal/domain"
)

// Actor is the identity and role a request is performed under.
type Actor struct {
	ID   string
	Role domain.Role
}

type TransitionRequest struct {
	To              domain.Status
	ExpectedVersion int64
	Comment         string
}

// Result carries both outputs of an accepted transition. Callers must persist
// them together.
type Result struct {
	Defect domain.Defect
	Record domain.TransitionRecord
}

// ApplyTransition validates req against the current snapshot and returns the
// updated defect and its history record. The snapshot is never modified.
//
// Checks run in a fixed order and the first failure wins: stale version,
// unknown target, no-op, then structural validity versus role permission.
func ApplyTransition(current domain.Defect, req TransitionRequest, actor Actor, now time.Time) (Result, error) {
	if req.ExpectedVersion != current.Version {
		return Result{}, &ConcurrentModificationError{
			DefectID: current.ID,
			Expected: req.ExpectedVersion,
			Actual:   current.Version,
		}
	}
	from := current.Status
	if !req.To.Valid() {
		return Result{}, &InvalidTransitionError{From: from, To: req.To, Reason: "unknown status"}
	}
	if req.To == from {
		return Result{}, &InvalidTransitionError{From: from, To: req.To, Reason: "status unchanged"}
	}
	if !IsAllowed(from, req.To, actor.Role) {
		if !StructurallyAllowed(from, req.To) {
			return Result{}, &InvalidTransitionError{From: from, To: req.To}
		}
		return Result{}, &ForbiddenRoleError{Role: actor.Role, Action: "transition", From: from, To: req.To}
	}

	now = now.UTC()
	next := current.Clone()
	next.Status = req.To
	next.Version = current.Version + 1
	next.UpdatedAt = now
	stampLifecycle(&next, from, actor.ID, now)

	return Result{
		Defect: next,
		Record: domain.TransitionRecord{
			DefectID: current.ID,
			From:     from,
			To:       req.To,
			ActorID:  actor.ID,
			Comment:  req.Comment,
			Version:  next.Version,
			TS:       now,
		},
	}, nil
}

func stampLifecycle(d *domain.Defect, from domain.Status, actorID string, now time.Time) {
	switch d.Status {
	case domain.StatusInProgress:
		if d.StartedAt == nil {
			d.StartedAt = &now
		}
		if from == domain.StatusClosed {
			d.ClosedAt = nil
			d.ReviewerID = nil
		}
	case domain.StatusReview:
		d.CompletedAt = &now
	case domain.StatusClosed:
		d.ClosedAt = &now
		reviewer := actorID
		d.ReviewerID = &reviewer
	}
}

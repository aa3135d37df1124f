// Package workflow holds the defect status machine: the transition table with
// its role overlay, the pure transition and assignment operations, and the
// overdue calculator. Nothing in this package performs storage I/O.
package workflow

import "defectline/internal/domain"

type edge struct {
	from domain.Status
	to   domain.Status
}

// structural lists the role-independent upper bound, targets in display order.
var structural = map[domain.Status][]domain.Status{
	domain.StatusNew:        {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusReview, domain.StatusCancelled},
	domain.StatusReview:     {domain.StatusClosed, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusClosed:     {domain.StatusInProgress},
	domain.StatusCancelled:  {domain.StatusNew},
}

// engineerEdges is the forward-progress subset open to engineers.
var engineerEdges = map[edge]struct{}{
	{domain.StatusNew, domain.StatusInProgress}:    {},
	{domain.StatusInProgress, domain.StatusReview}: {},
}

// StructurallyAllowed reports whether some role could move a defect from one
// status to the other in a single step.
func StructurallyAllowed(from, to domain.Status) bool {
	if from == to {
		return false
	}
	for _, s := range structural[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsAllowed reports whether role may perform from -> to. No-op pairs, unknown
// statuses and unknown roles are never allowed.
func IsAllowed(from, to domain.Status, role domain.Role) bool {
	if !StructurallyAllowed(from, to) {
		return false
	}
	switch role {
	case domain.RoleManager:
		return true
	case domain.RoleEngineer:
		_, ok := engineerEdges[edge{from, to}]
		return ok
	default:
		return false
	}
}

// Reachable returns the statuses role can reach from the given status in one step.
func Reachable(from domain.Status, role domain.Role) []domain.Status {
	out := []domain.Status{}
	for _, to := range structural[from] {
		if IsAllowed(from, to, role) {
			out = append(out, to)
		}
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"defectline/internal/domain"
	"defectline/internal/events"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

// UpdateDefectOptions carries the descriptive fields to change. A nil field is
// left alone. An empty CategoryID clears the category.
type UpdateDefectOptions struct {
	DefectID        string
	ExpectedVersion int64
	ActorID         string

	Title       *string
	Description *string
	Location    *string
	Floor       *string
	Room        *string
	Priority    *domain.Priority
	Severity    *domain.Severity
	CategoryID  *string
}

func (o UpdateDefectOptions) empty() bool {
	return o.Title == nil && o.Description == nil && o.Location == nil && o.Floor == nil &&
		o.Room == nil && o.Priority == nil && o.Severity == nil && o.CategoryID == nil
}

// UpdateDefect edits descriptive fields under the same version guard as
// transitions. Status, assignment and due date have their own operations.
// Managers may edit any defect; others only defects they reported or are
// assigned to. An edit that changes nothing returns the current state without
// a write.
func (e Engine) UpdateDefect(ctx context.Context, opts UpdateDefectOptions) (view DefectView, err error) {
	ctx, span := e.span(ctx, "engine.UpdateDefect",
		attribute.String("defect_id", opts.DefectID),
		attribute.Int64("expected_version", opts.ExpectedVersion),
	)
	defer func() { endSpan(span, err) }()

	if opts.empty() {
		return view, validationf("no fields to update")
	}
	actor, err := e.Directory.Actor(ctx, opts.ActorID)
	if err != nil {
		return view, err
	}
	current, err := e.loadDefect(ctx, opts.DefectID)
	if err != nil {
		return view, err
	}
	if opts.ExpectedVersion != current.Version {
		return view, &workflow.ConcurrentModificationError{DefectID: current.ID, Expected: opts.ExpectedVersion, Actual: current.Version}
	}
	if !mayEdit(actor, current) {
		return view, &workflow.ForbiddenRoleError{Role: actor.Role, Action: "edit defect"}
	}

	next := current.Clone()
	changed := map[string]any{}
	setText := func(name string, dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			changed[name] = *v
		}
	}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return view, validationf("title is required")
		}
		setText("title", &next.Title, &title)
	}
	setText("description", &next.Description, opts.Description)
	setText("location", &next.Location, opts.Location)
	setText("floor", &next.Floor, opts.Floor)
	setText("room", &next.Room, opts.Room)
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return view, validationf("invalid priority %q", *opts.Priority)
		}
		if *opts.Priority != next.Priority {
			next.Priority = *opts.Priority
			changed["priority"] = next.Priority
		}
	}
	if opts.Severity != nil {
		if !opts.Severity.Valid() {
			return view, validationf("invalid severity %q", *opts.Severity)
		}
		if *opts.Severity != next.Severity {
			next.Severity = *opts.Severity
			changed["severity"] = next.Severity
		}
	}
	if opts.CategoryID != nil {
		cur := ""
		if next.CategoryID != nil {
			cur = *next.CategoryID
		}
		want := strings.TrimSpace(*opts.CategoryID)
		if want != cur {
			if want == "" {
				next.CategoryID = nil
			} else {
				if err := e.requireActiveCategory(ctx, want); err != nil {
					return view, err
				}
				next.CategoryID = &want
			}
			changed["category_id"] = want
		}
	}
	if len(changed) == 0 {
		return e.view(current), nil
	}

	next.Version = current.Version + 1
	next.UpdatedAt = e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return view, err
	}
	defer tx.Rollback()

	err = e.Repo.CommitEdit(ctx, tx, next, opts.ExpectedVersion)
	if errors.Is(err, repo.ErrVersionConflict) {
		return view, e.conflict(ctx, tx, current.ID, opts.ExpectedVersion)
	}
	if err != nil {
		return view, err
	}
	changed["version"] = next.Version
	if err := e.Events.Append(ctx, tx, events.DefectUpdated, current.ProjectID, "defect", current.ID, actor.ID, events.EventPayload(changed)); err != nil {
		return view, err
	}
	if err := tx.Commit(); err != nil {
		return view, err
	}
	e.logger().Info("defect updated", "defect_id", current.ID, "fields", len(changed)-1, "version", next.Version, "actor_id", actor.ID)
	return e.view(next), nil
}

func mayEdit(actor workflow.Actor, d domain.Defect) bool {
	if actor.Role == domain.RoleManager || d.AuthorID == actor.ID {
		return true
	}
	return d.AssigneeID != nil && *d.AssigneeID == actor.ID
}

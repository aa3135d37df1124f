package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"defectline/internal/events"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

type AssignOptions struct {
	DefectID        string
	AssigneeID      string
	DueDate         *time.Time
	ExpectedVersion int64
	ActorID         string
}

// Assign sets the assignee and optional due date under the same version
// guard as transitions. Status never changes here.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (view DefectView, err error) {
	ctx, span := e.span(ctx, "engine.Assign",
		attribute.String("defect_id", opts.DefectID),
		attribute.String("assignee_id", opts.AssigneeID),
		attribute.Int64("expected_version", opts.ExpectedVersion),
	)
	defer func() {
		e.Metrics.ObserveAssignment(err)
		endSpan(span, err)
	}()

	actor, err := e.Directory.Actor(ctx, opts.ActorID)
	if err != nil {
		return view, err
	}
	current, err := e.loadDefect(ctx, opts.DefectID)
	if err != nil {
		return view, err
	}
	// The assignee lookup reads outside the write transaction.
	next, err := workflow.Assign(ctx, e.Directory, current, workflow.AssignRequest{
		AssigneeID:      opts.AssigneeID,
		DueDate:         opts.DueDate,
		ExpectedVersion: opts.ExpectedVersion,
	}, actor, e.now())
	if err != nil {
		return view, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return view, err
	}
	defer tx.Rollback()

	err = e.Repo.CommitAssignment(ctx, tx, next, opts.ExpectedVersion)
	if errors.Is(err, repo.ErrVersionConflict) {
		return view, e.conflict(ctx, tx, current.ID, opts.ExpectedVersion)
	}
	if err != nil {
		return view, err
	}
	payload := events.EventPayload{
		"assignee_id": opts.AssigneeID,
		"version":     next.Version,
	}
	if current.AssigneeID != nil {
		payload["previous_assignee_id"] = *current.AssigneeID
	}
	if next.DueDate != nil {
		payload["due_date"] = next.DueDate.Format(time.RFC3339)
	}
	if err := e.Events.Append(ctx, tx, events.DefectAssigned, current.ProjectID, "defect", current.ID, actor.ID, payload); err != nil {
		return view, err
	}
	if err := tx.Commit(); err != nil {
		return view, err
	}
	e.logger().Info("defect assigned", "defect_id", current.ID, "assignee_id", opts.AssigneeID, "version", next.Version, "actor_id", actor.ID)
	return e.view(next), nil
}

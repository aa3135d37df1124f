package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"defectline/internal/domain"
)

type BulkAction string

const (
	BulkChangeStatus   BulkAction = "change_status"
	BulkAssign         BulkAction = "assign"
	BulkChangePriority BulkAction = "change_priority"
)

func (a BulkAction) Valid() bool {
	return a == BulkChangeStatus || a == BulkAssign || a == BulkChangePriority
}

// MaxBulkTargets caps one bulk request.
const MaxBulkTargets = 100

// BulkTarget names one defect by id or number. A zero ExpectedVersion means
// "whatever is current"; status changes are then retried on conflict.
type BulkTarget struct {
	ID              string
	ExpectedVersion int64
}

type BulkOptions struct {
	ActorID string
	Action  BulkAction
	// Value is the target status, assignee id or priority.
	Value   string
	Comment string
	Targets []BulkTarget
}

type BulkItemResult struct {
	ID     string
	Defect *DefectView
	Err    error
}

type BulkResult struct {
	Updated int
	Items   []BulkItemResult
}

// BulkUpdate applies one action to many defects. Each item commits on its own
// through the single-defect operation, so one failure never rolls back the
// others. Only malformed requests fail as a whole.
func (e Engine) BulkUpdate(ctx context.Context, opts BulkOptions) (res BulkResult, err error) {
	ctx, span := e.span(ctx, "engine.BulkUpdate",
		attribute.String("action", string(opts.Action)),
		attribute.Int("targets", len(opts.Targets)),
	)
	defer func() { endSpan(span, err) }()

	if len(opts.Targets) == 0 {
		return res, validationf("no defects selected")
	}
	if len(opts.Targets) > MaxBulkTargets {
		return res, validationf("at most %d defects per request, got %d", MaxBulkTargets, len(opts.Targets))
	}
	if !opts.Action.Valid() {
		return res, validationf("unknown action %q", opts.Action)
	}
	if opts.Value == "" {
		return res, validationf("value is required for %s", opts.Action)
	}
	if opts.Action == BulkChangePriority {
		if _, err := domain.ParsePriority(opts.Value); err != nil {
			return res, validationf("%v", err)
		}
	}
	if _, err := e.Directory.Actor(ctx, opts.ActorID); err != nil {
		return res, err
	}

	res.Items = make([]BulkItemResult, 0, len(opts.Targets))
	for _, t := range opts.Targets {
		item := BulkItemResult{ID: t.ID}
		view, err := e.bulkApply(ctx, opts, t)
		if err != nil {
			item.Err = err
		} else {
			item.ID = view.ID
			item.Defect = &view
			res.Updated++
		}
		res.Items = append(res.Items, item)
	}
	e.logger().Info("bulk update", "action", opts.Action, "targets", len(opts.Targets), "updated", res.Updated, "actor_id", opts.ActorID)
	return res, nil
}

func (e Engine) bulkApply(ctx context.Context, opts BulkOptions, t BulkTarget) (DefectView, error) {
	current, err := e.GetDefect(ctx, t.ID)
	if err != nil {
		return DefectView{}, err
	}
	version := t.ExpectedVersion
	if version == 0 {
		version = current.Version
	}
	switch opts.Action {
	case BulkChangeStatus:
		topts := TransitionOptions{
			DefectID:        current.ID,
			To:              domain.Status(opts.Value),
			ExpectedVersion: version,
			Comment:         opts.Comment,
			ActorID:         opts.ActorID,
		}
		if t.ExpectedVersion == 0 {
			view, _, err := e.TransitionWithRetry(ctx, topts)
			return view, err
		}
		view, _, err := e.Transition(ctx, topts)
		return view, err
	case BulkAssign:
		return e.Assign(ctx, AssignOptions{
			DefectID:        current.ID,
			AssigneeID:      opts.Value,
			ExpectedVersion: version,
			ActorID:         opts.ActorID,
		})
	default:
		p := domain.Priority(opts.Value)
		return e.UpdateDefect(ctx, UpdateDefectOptions{
			DefectID:        current.ID,
			ExpectedVersion: version,
			ActorID:         opts.ActorID,
			Priority:        &p,
		})
	}
}

package engine

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"defectline/internal/domain"
	"defectline/internal/events"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

type TransitionOptions struct {
	DefectID        string
	To              domain.Status
	ExpectedVersion int64
	Comment         string
	ActorID         string
}

// Transition applies one status change. The defect update, its history
// record and the event commit together or not at all.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (view DefectView, rec domain.TransitionRecord, err error) {
	ctx, span := e.span(ctx, "engine.Transition",
		attribute.String("defect_id", opts.DefectID),
		attribute.String("to", string(opts.To)),
		attribute.Int64("expected_version", opts.ExpectedVersion),
	)
	var from domain.Status
	defer func() {
		e.Metrics.ObserveTransition(from, opts.To, err)
		endSpan(span, err)
	}()

	actor, err := e.Directory.Actor(ctx, opts.ActorID)
	if err != nil {
		return view, rec, err
	}
	current, err := e.loadDefect(ctx, opts.DefectID)
	if err != nil {
		return view, rec, err
	}
	from = current.Status

	res, err := workflow.ApplyTransition(current, workflow.TransitionRequest{
		To:              opts.To,
		ExpectedVersion: opts.ExpectedVersion,
		Comment:         opts.Comment,
	}, actor, e.now())
	if err != nil {
		return view, rec, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return view, rec, err
	}
	defer tx.Rollback()

	rec, err = e.Repo.CommitTransition(ctx, tx, res.Defect, res.Record, opts.ExpectedVersion)
	if errors.Is(err, repo.ErrVersionConflict) {
		return view, domain.TransitionRecord{}, e.conflict(ctx, tx, current.ID, opts.ExpectedVersion)
	}
	if err != nil {
		return view, domain.TransitionRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DefectTransitioned, current.ProjectID, "defect", current.ID, actor.ID, events.EventPayload{
		"from":    rec.From,
		"to":      rec.To,
		"version": rec.Version,
		"comment": rec.Comment,
	}); err != nil {
		return view, domain.TransitionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return view, domain.TransitionRecord{}, err
	}
	e.logger().Info("defect transitioned",
		"defect_id", current.ID, "from", rec.From, "to", rec.To, "version", rec.Version, "actor_id", actor.ID)
	return e.view(res.Defect), rec, nil
}

// TransitionWithRetry re-reads the defect and resubmits after a concurrent
// modification, within the configured retry budget. Any other rejection,
// including the target no longer being reachable from the fresh status, ends
// the loop.
func (e Engine) TransitionWithRetry(ctx context.Context, opts TransitionOptions) (DefectView, domain.TransitionRecord, error) {
	rc := e.Config.Workflow.Retry
	bo := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		bo.InitialInterval = rc.InitialInterval
	}
	bo.MaxElapsedTime = rc.MaxElapsed
	attempts := rc.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	var (
		view DefectView
		rec  domain.TransitionRecord
		try  int
	)
	err := backoff.Retry(func() error {
		try++
		if try > 1 {
			fresh, err := e.loadDefect(ctx, opts.DefectID)
			if err != nil {
				return backoff.Permanent(err)
			}
			e.logger().Debug("retrying transition after conflict",
				"defect_id", opts.DefectID, "attempt", try, "version", fresh.Version)
			opts.ExpectedVersion = fresh.Version
		}
		var err error
		view, rec, err = e.Transition(ctx, opts)
		if err == nil {
			return nil
		}
		if workflow.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return DefectView{}, domain.TransitionRecord{}, err
	}
	return view, rec, nil
}

// History returns the defect's transition records, oldest first.
func (e Engine) History(ctx context.Context, defectID string) ([]domain.TransitionRecord, error) {
	if _, err := e.loadDefect(ctx, defectID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, defectID)
}

// AllowedTransitions lists the statuses actorID may move the defect to now.
func (e Engine) AllowedTransitions(ctx context.Context, defectID, actorID string) ([]domain.Status, error) {
	actor, err := e.Directory.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDefect(ctx, defectID)
	if err != nil {
		return nil, err
	}
	return workflow.Reachable(d.Status, actor.Role), nil
}

package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"defectline/internal/domain"
	"defectline/internal/events"
	"defectline/internal/repo"
)

type AddCommentOptions struct {
	DefectID string
	ActorID  string
	Body     string
	Kind     domain.CommentKind
	// ReplyTo, when non-zero, must name a comment on the same defect.
	ReplyTo int64
}

// AddComment appends a comment. Any known user may comment; the defect's
// version is not bumped.
func (e Engine) AddComment(ctx context.Context, opts AddCommentOptions) (c domain.Comment, err error) {
	ctx, span := e.span(ctx, "engine.AddComment", attribute.String("defect_id", opts.DefectID))
	defer func() { endSpan(span, err) }()

	body := strings.TrimSpace(opts.Body)
	if body == "" {
		return c, validationf("comment body is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.CommentPlain
	}
	if !opts.Kind.Valid() {
		return c, validationf("invalid comment kind %q", opts.Kind)
	}
	actor, err := e.Directory.Actor(ctx, opts.ActorID)
	if err != nil {
		return c, err
	}
	d, err := e.loadDefect(ctx, opts.DefectID)
	if err != nil {
		return c, err
	}
	c = domain.Comment{
		DefectID:  d.ID,
		AuthorID:  actor.ID,
		Body:      body,
		Kind:      opts.Kind,
		CreatedAt: e.now(),
	}
	if opts.ReplyTo != 0 {
		parent, err := e.Repo.GetComment(ctx, opts.ReplyTo)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && parent.DefectID != d.ID) {
			return domain.Comment{}, validationf("reply_to %d is not a comment on this defect", opts.ReplyTo)
		}
		if err != nil {
			return domain.Comment{}, err
		}
		c.ReplyTo = &parent.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Comment{}, err
	}
	defer tx.Rollback()
	if c.ID, err = e.Repo.InsertComment(ctx, tx, c); err != nil {
		return domain.Comment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CommentAdded, d.ProjectID, "defect", d.ID, actor.ID, events.EventPayload{
		"comment_id": c.ID,
		"kind":       c.Kind,
	}); err != nil {
		return domain.Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Comment{}, err
	}
	e.logger().Info("comment added", "defect_id", d.ID, "comment_id", c.ID, "actor_id", actor.ID)
	return c, nil
}

// ListComments returns the defect's comments, oldest first.
func (e Engine) ListComments(ctx context.Context, defectID string) ([]domain.Comment, error) {
	if _, err := e.loadDefect(ctx, defectID); err != nil {
		return nil, err
	}
	return e.Repo.ListComments(ctx, defectID)
}

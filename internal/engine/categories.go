package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"defectline/internal/domain"
	"defectline/internal/engine/auth"
	"defectline/internal/events"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

const defaultCategoryColor = "#007bff"

var (
	colorRe   = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
	nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)
)

type CreateCategoryOptions struct {
	ID          string
	Name        string
	Description string
	Color       string
	SortOrder   int
	ActorID     string
}

// CreateCategory adds an active category. Only managers may. Without an
// explicit id one is derived from the name.
func (e Engine) CreateCategory(ctx context.Context, opts CreateCategoryOptions) (domain.Category, error) {
	actor, err := e.Directory.Actor(ctx, opts.ActorID)
	if err != nil {
		return domain.Category{}, err
	}
	if err := auth.RequireRole(actor, "create categories", domain.RoleManager); err != nil {
		return domain.Category{}, err
	}
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Category{}, validationf("name is required")
	}
	if opts.ID == "" {
		opts.ID = strings.Trim(nonSlugRe.ReplaceAllString(strings.ToLower(opts.Name), "-"), "-")
	}
	if opts.ID == "" {
		return domain.Category{}, validationf("id is required")
	}
	if opts.Color == "" {
		opts.Color = defaultCategoryColor
	}
	if !colorRe.MatchString(opts.Color) {
		return domain.Category{}, validationf("color %q must be #RRGGBB", opts.Color)
	}
	if _, err := e.Repo.GetCategory(ctx, opts.ID); err == nil {
		return domain.Category{}, validationf("category %q already exists", opts.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Category{}, err
	}
	taken, err := e.Repo.CategoryNameTaken(ctx, opts.Name)
	if err != nil {
		return domain.Category{}, err
	}
	if taken {
		return domain.Category{}, validationf("category name %q already exists", opts.Name)
	}

	c := domain.Category{
		ID:          opts.ID,
		Name:        opts.Name,
		Description: opts.Description,
		Color:       opts.Color,
		SortOrder:   opts.SortOrder,
		Active:      true,
		CreatedAt:   e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Category{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCategory(ctx, tx, c); err != nil {
		return domain.Category{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CategoryCreated, "", "category", c.ID, actor.ID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Category{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Category{}, err
	}
	e.logger().Info("category created", "category_id", c.ID, "actor_id", actor.ID)
	return c, nil
}

func (e Engine) ListCategories(ctx context.Context, includeInactive bool) ([]domain.Category, error) {
	return e.Repo.ListCategories(ctx, includeInactive)
}

// DeactivateCategory retires a category so it can no longer be chosen. A
// category still referenced by any defect is refused.
func (e Engine) DeactivateCategory(ctx context.Context, id, actorID string) error {
	actor, err := e.Directory.Actor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := auth.RequireRole(actor, "deactivate categories", domain.RoleManager); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	n, err := e.Repo.CategoryInUse(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return validationf("category %q is used by %d defects", id, n)
	}
	if err := e.Repo.DeactivateCategory(ctx, tx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &workflow.NotFoundError{Kind: "category", ID: id}
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, events.CategoryRetired, "", "category", id, actor.ID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Info("category deactivated", "category_id", id, "actor_id", actor.ID)
	return nil
}

// requireActiveCategory rejects unknown and retired categories as bad input.
func (e Engine) requireActiveCategory(ctx context.Context, id string) error {
	c, err := e.Repo.GetCategory(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return validationf("unknown category %q", id)
	}
	if err != nil {
		return err
	}
	if !c.Active {
		return validationf("category %q is inactive", id)
	}
	return nil
}

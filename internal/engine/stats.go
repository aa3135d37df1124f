package engine

import (
	"context"
	"errors"
	"strings"

	"defectline/internal/domain"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

// Stats aggregates a project's defects as of now.
func (e Engine) Stats(ctx context.Context, projectID string) (domain.Stats, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Stats{}, validationf("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Stats{}, &workflow.NotFoundError{Kind: "project", ID: projectID}
		}
		return domain.Stats{}, err
	}
	return e.Repo.Stats(ctx, projectID, e.now())
}

// RecentEvents returns events newest first.
func (e Engine) RecentEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}

// Package auth resolves actors and their roles from the user table.
package auth

import (
	"context"
	"errors"
	"strings"

	"defectline/internal/domain"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

// Directory is the user directory backed by SQL. It satisfies
// workflow.UserDirectory.
type Directory struct {
	Repo repo.Repo
}

func (d Directory) LookupUser(ctx context.Context, id string) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, &workflow.NotFoundError{Kind: "user", ID: id}
	}
	u, err := d.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, &workflow.NotFoundError{Kind: "user", ID: id}
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Actor resolves the caller once per operation; the role is never taken from
// the request.
func (d Directory) Actor(ctx context.Context, id string) (workflow.Actor, error) {
	u, err := d.LookupUser(ctx, id)
	if err != nil {
		return workflow.Actor{}, err
	}
	return workflow.Actor{ID: u.ID, Role: u.Role}, nil
}

// RequireRole returns a ForbiddenRoleError unless actor holds one of roles.
func RequireRole(actor workflow.Actor, action string, roles ...domain.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return &workflow.ForbiddenRoleError{Role: actor.Role, Action: action}
}

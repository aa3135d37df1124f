package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"defectline/internal/db"
	"defectline/internal/domain"
	"defectline/internal/migrate"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

func newDirectory(t *testing.T) Directory {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	u := domain.User{ID: "eng-1", Name: "Eng", Role: domain.RoleEngineer, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := r.InsertUser(ctx, tx, u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return Directory{Repo: r}
}

func TestActorResolvesRole(t *testing.T) {
	dir := newDirectory(t)
	actor, err := dir.Actor(context.Background(), "eng-1")
	if err != nil {
		t.Fatalf("actor: %v", err)
	}
	if actor.Role != domain.RoleEngineer {
		t.Fatalf("expected engineer, got %s", actor.Role)
	}
}

func TestLookupUnknownUser(t *testing.T) {
	dir := newDirectory(t)
	_, err := dir.LookupUser(context.Background(), "ghost")
	var nf *workflow.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "user" || nf.ID != "ghost" {
		t.Fatalf("expected user not found, got %v", err)
	}
	if _, err := dir.LookupUser(context.Background(), " "); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected not found for blank id, got %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	mgr := workflow.Actor{ID: "m", Role: domain.RoleManager}
	obs := workflow.Actor{ID: "o", Role: domain.RoleObserver}
	if err := RequireRole(mgr, "create users", domain.RoleManager); err != nil {
		t.Fatalf("manager should pass: %v", err)
	}
	err := RequireRole(obs, "create users", domain.RoleManager)
	if !errors.Is(err, workflow.ErrForbiddenRole) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

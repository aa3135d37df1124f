package defectlinesdk

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"defectline/internal/app"
	"defectline/internal/config"
	"defectline/internal/domain"
	"defectline/internal/engine"
	"defectline/internal/server"
)

func newServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AllowLegacyActorHeader = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	for _, u := range []struct {
		id   string
		role domain.Role
	}{
		{"mgr", domain.RoleManager},
		{"eng", domain.RoleEngineer},
	} {
		if _, err := env.Engine.CreateUser(context.Background(), engine.CreateUserOptions{ID: u.id, Role: u.role, ActorID: "mgr"}); err != nil {
			t.Fatalf("create user %s: %v", u.id, err)
		}
	}
	handler, err := server.New(server.Config{
		Engine: env.Engine,
		Auth:   server.AuthConfig{AllowLegacyActorHeader: true},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestClientWorkflow(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	eng := New(base)
	eng.ActorID = "eng"
	mgr := New(base)
	mgr.ActorID = "mgr"

	d, err := eng.CreateDefect(ctx, CreateDefect{ProjectID: "tower-a", Title: "Chipped stair nosing"})
	if err != nil {
		t.Fatalf("create defect: %v", err)
	}
	assigned, err := mgr.Assign(ctx, d.Number, "eng", "2099-01-31", d.Version)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.AssigneeID == nil || *assigned.AssigneeID != "eng" {
		t.Fatalf("assignee not set: %+v", assigned)
	}

	allowed, err := eng.AllowedTransitions(ctx, d.ID)
	if err != nil {
		t.Fatalf("allowed transitions: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "in_progress" {
		t.Fatalf("unexpected allowed transitions %v", allowed)
	}

	if _, err := eng.SetStatus(ctx, d.ID, "in_progress", d.Version, ""); !IsConflict(err) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}
	moved, err := eng.SetStatus(ctx, d.ID, "in_progress", assigned.Version, "on it")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if moved.Transition.Comment != "on it" || moved.Defect.Version != assigned.Version+1 {
		t.Fatalf("unexpected transition: %+v", moved)
	}
	if _, err := eng.SetStatus(ctx, d.ID, "cancelled", moved.Defect.Version, ""); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := mgr.SetStatus(ctx, d.ID, "closed", moved.Defect.Version, ""); !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := eng.GetDefect(ctx, "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	history, err := eng.History(ctx, d.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ToStatus != "in_progress" {
		t.Fatalf("unexpected history %+v", history)
	}

	page, err := eng.ListDefects(ctx, ListDefectsOptions{ProjectID: "tower-a", Status: "in_progress"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != d.ID {
		t.Fatalf("unexpected list %+v", page.Items)
	}

	stats, err := eng.Stats(ctx, "tower-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus["in_progress"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	me, err := mgr.Me(ctx)
	if err != nil || me.Role != "manager" {
		t.Fatalf("me: %+v %v", me, err)
	}
	evts, err := mgr.Events(ctx, 2)
	if err != nil || len(evts) != 2 || evts[0].Type != "defect.transitioned" {
		t.Fatalf("events: %+v %v", evts, err)
	}
}

func TestClientEditCommentsAndBulk(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	eng := New(base)
	eng.ActorID = "eng"
	mgr := New(base)
	mgr.ActorID = "mgr"

	cat, err := mgr.CreateCategory(ctx, CreateCategory{Name: "Finishes"})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	d, err := eng.CreateDefect(ctx, CreateDefect{ProjectID: "tower-a", Title: "Scuffed wall"})
	if err != nil {
		t.Fatalf("create defect: %v", err)
	}
	title := "Scuffed wall, corridor 2"
	edited, err := eng.UpdateDefect(ctx, d.ID, UpdateDefect{Title: &title, CategoryID: &cat.ID, ExpectedVersion: d.Version})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if edited.Title != title || edited.CategoryID == nil || *edited.CategoryID != cat.ID || edited.Version != 2 {
		t.Fatalf("unexpected edit %+v", edited)
	}
	if _, err := eng.UpdateDefect(ctx, d.ID, UpdateDefect{Title: &title, ExpectedVersion: 1}); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mgr.DeactivateCategory(ctx, cat.ID); err == nil {
		t.Fatalf("expected in-use category to be kept")
	}

	c, err := mgr.AddComment(ctx, d.Number, "Repaint after handover", "", 0)
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := eng.AddComment(ctx, d.ID, "Done", "resolution", c.ID); err != nil {
		t.Fatalf("reply: %v", err)
	}
	comments, err := eng.Comments(ctx, d.ID)
	if err != nil || len(comments) != 2 || comments[1].Kind != "resolution" {
		t.Fatalf("comments: %+v %v", comments, err)
	}

	res, err := mgr.BulkUpdate(ctx, BulkUpdate{
		Action:  "assign",
		Value:   "eng",
		Defects: []BulkTarget{{ID: d.ID}, {ID: "missing"}},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Updated != 1 || res.Failed != 1 || res.Results[1].Error == nil || res.Results[1].Error.Code != "not_found" {
		t.Fatalf("unexpected bulk result %+v", res)
	}
}

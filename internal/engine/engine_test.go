package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"defectline/internal/config"
	"defectline/internal/db"
	"defectline/internal/domain"
	"defectline/internal/engine"
	"defectline/internal/metrics"
	"defectline/internal/migrate"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Workflow.Retry.InitialInterval = time.Millisecond
	eng := engine.New(conn, dialect, cfg)
	eng.Metrics = metrics.New()
	eng.Now = func() time.Time { return epoch }
	for _, u := range []struct {
		id   string
		role domain.Role
	}{
		{"mgr", domain.RoleManager},
		{"eng", domain.RoleEngineer},
		{"eng-2", domain.RoleEngineer},
		{"obs", domain.RoleObserver},
	} {
		if _, err := eng.CreateUser(ctx, engine.CreateUserOptions{ID: u.id, Role: u.role, ActorID: "mgr"}); err != nil {
			t.Fatalf("create user %s: %v", u.id, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createDefect(t *testing.T) domain.Defect {
	t.Helper()
	d, err := env.Engine.CreateDefect(env.Ctx, engine.CreateDefectOptions{
		ProjectID: "tower-a",
		Title:     "Cracked tile in lobby",
		Location:  "Lobby",
		Floor:     "1",
		ActorID:   "eng",
	})
	if err != nil {
		t.Fatalf("create defect: %v", err)
	}
	return d
}

func (env testEnv) transition(t *testing.T, id string, to domain.Status, version int64, actor string) engine.DefectView {
	t.Helper()
	view, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DefectID: id, To: to, ExpectedVersion: version, ActorID: actor})
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	return view
}

func TestCreateDefectDefaults(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	if d.Status != domain.StatusNew || d.Version != 1 {
		t.Fatalf("expected new/v1, got %s/v%d", d.Status, d.Version)
	}
	if d.Priority != domain.PriorityMedium || d.Severity != domain.SeverityMinor {
		t.Fatalf("unexpected defaults %s/%s", d.Priority, d.Severity)
	}
	if d.Number != "TOW-2024-0001" {
		t.Fatalf("unexpected number %s", d.Number)
	}
	second := env.createDefect(t)
	if second.Number != "TOW-2024-0002" {
		t.Fatalf("expected sequential number, got %s", second.Number)
	}
	other, err := env.Engine.CreateDefect(env.Ctx, engine.CreateDefectOptions{ProjectID: "42", Title: "x", ActorID: "obs"})
	if err != nil {
		t.Fatalf("observer may report: %v", err)
	}
	if other.Number != "DEF-2024-0001" {
		t.Fatalf("expected default prefix, got %s", other.Number)
	}
}

func TestCreateDefectValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateDefectOptions{
		{ProjectID: "p", Title: " ", ActorID: "eng"},
		{ProjectID: "", Title: "x", ActorID: "eng"},
		{ProjectID: "p", Title: "x", Priority: "urgent", ActorID: "eng"},
		{ProjectID: "p", Title: "x", Severity: "meh", ActorID: "eng"},
	}
	for _, c := range cases {
		if _, err := env.Engine.CreateDefect(env.Ctx, c); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", c, err)
		}
	}
	if _, err := env.Engine.CreateDefect(env.Ctx, engine.CreateDefectOptions{ProjectID: "p", Title: "x", ActorID: "ghost"}); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected unknown author to be not found, got %v", err)
	}
}

// Engineer starts work: version 1 -> 2 and one history record.
func TestTransitionPersistsHistory(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	view, rec, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DefectID: d.ID, To: domain.StatusInProgress, ExpectedVersion: 1, ActorID: "eng", Comment: "on it",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if view.Status != domain.StatusInProgress || view.Version != 2 {
		t.Fatalf("expected in_progress/v2, got %s/v%d", view.Status, view.Version)
	}
	if rec.ID == 0 || rec.From != domain.StatusNew || rec.To != domain.StatusInProgress || rec.ActorID != "eng" || rec.Version != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	hist, err := env.Engine.History(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Comment != "on it" {
		t.Fatalf("expected one record, got %+v", hist)
	}
	evts, err := env.Engine.RecentEvents(env.Ctx, repo.EventFilters{EntityID: d.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != "defect.transitioned" || evts[1].Type != "defect.created" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestRejectedTransitionsLeaveNoTrace(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	cases := []struct {
		to      domain.Status
		version int64
		actor   string
		want    error
	}{
		{domain.StatusClosed, 1, "mgr", workflow.ErrInvalidTransition},
		{domain.StatusNew, 1, "mgr", workflow.ErrInvalidTransition},
		{domain.StatusCancelled, 1, "eng", workflow.ErrForbiddenRole},
		{domain.StatusInProgress, 1, "obs", workflow.ErrForbiddenRole},
		{domain.StatusInProgress, 7, "eng", workflow.ErrConcurrentModification},
	}
	for _, c := range cases {
		_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DefectID: d.ID, To: c.to, ExpectedVersion: c.version, ActorID: c.actor})
		if !errors.Is(err, c.want) {
			t.Fatalf("%s by %s: expected %v, got %v", c.to, c.actor, c.want, err)
		}
	}
	got, err := env.Engine.GetDefect(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusNew || got.Version != 1 {
		t.Fatalf("defect changed: %s/v%d", got.Status, got.Version)
	}
	hist, _ := env.Engine.History(env.Ctx, d.ID)
	if len(hist) != 0 {
		t.Fatalf("expected empty history, got %d", len(hist))
	}
}

func TestEngineerCannotClose(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	env.transition(t, d.ID, domain.StatusInProgress, 1, "eng")
	env.transition(t, d.ID, domain.StatusReview, 2, "eng")
	_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DefectID: d.ID, To: domain.StatusClosed, ExpectedVersion: 3, ActorID: "eng"})
	var fe *workflow.ForbiddenRoleError
	if !errors.As(err, &fe) || fe.Role != domain.RoleEngineer {
		t.Fatalf("expected forbidden role, got %v", err)
	}
	closed := env.transition(t, d.ID, domain.StatusClosed, 3, "mgr")
	if closed.ReviewerID == nil || *closed.ReviewerID != "mgr" || closed.ClosedAt == nil {
		t.Fatalf("expected reviewer and closed_at, got %+v", closed.Defect)
	}
}

// Two writers race from the same version toward different targets; exactly
// one wins and the loser's target never lands.
func TestConcurrentTransitionsOneWins(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	env.transition(t, d.ID, domain.StatusInProgress, 1, "eng")

	racers := []struct {
		actor string
		to    domain.Status
	}{
		{"eng", domain.StatusReview},
		{"mgr", domain.StatusCancelled},
	}
	var g errgroup.Group
	results := make([]error, len(racers))
	for i, r := range racers {
		g.Go(func() error {
			_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
				DefectID: d.ID, To: r.to, ExpectedVersion: 2, ActorID: r.actor,
			})
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var ok, conflicts int
	var winner domain.Status
	for i, err := range results {
		switch {
		case err == nil:
			ok++
			winner = racers[i].to
		case errors.Is(err, workflow.ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
	hist, _ := env.Engine.History(env.Ctx, d.ID)
	if len(hist) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(hist))
	}
	if hist[1].To != winner || hist[1].Version != 3 {
		t.Fatalf("last record %s/v%d, want %s/v3", hist[1].To, hist[1].Version, winner)
	}
	got, _ := env.Engine.GetDefect(env.Ctx, d.ID)
	if got.Version != 3 || got.Status != winner {
		t.Fatalf("expected %s/v3, got %s/v%d", winner, got.Status, got.Version)
	}
}

func TestTransitionUnknownStatusIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{DefectID: d.ID, To: "archived", ExpectedVersion: 1, ActorID: "mgr"})
	var invalid *workflow.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.To != "archived" {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if errors.Is(err, engine.ErrValidation) {
		t.Fatalf("unknown target must not be a validation error")
	}
	_, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{DefectID: d.ID, To: domain.StatusInProgress, ExpectedVersion: 0, ActorID: "eng"})
	if !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("expected conflict for version 0, got %v", err)
	}
}

func TestTransitionWithRetryResubmits(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	env.transition(t, d.ID, domain.StatusInProgress, 1, "mgr")

	view, rec, err := env.Engine.TransitionWithRetry(env.Ctx, engine.TransitionOptions{
		DefectID: d.ID, To: domain.StatusReview, ExpectedVersion: 1, ActorID: "eng",
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if view.Version != 3 || rec.From != domain.StatusInProgress {
		t.Fatalf("unexpected result v%d from %s", view.Version, rec.From)
	}
}

func TestTransitionWithRetryStopsWhenTargetGone(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	env.transition(t, d.ID, domain.StatusInProgress, 1, "mgr")

	_, _, err := env.Engine.TransitionWithRetry(env.Ctx, engine.TransitionOptions{
		DefectID: d.ID, To: domain.StatusInProgress, ExpectedVersion: 1, ActorID: "eng",
	})
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after re-read, got %v", err)
	}
}

func TestAssign(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	due := epoch.Add(-24 * time.Hour)

	view, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{DefectID: d.ID, AssigneeID: "eng-2", DueDate: &due, ExpectedVersion: 1, ActorID: "mgr"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if view.AssigneeID == nil || *view.AssigneeID != "eng-2" || view.Version != 2 || view.Status != domain.StatusNew {
		t.Fatalf("unexpected assignment %+v", view.Defect)
	}
	if !view.Overdue.IsOverdue || view.Overdue.DaysRemaining == nil || *view.Overdue.DaysRemaining != -1 {
		t.Fatalf("expected overdue by one day, got %+v", view.Overdue)
	}

	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{DefectID: d.ID, AssigneeID: "eng", ExpectedVersion: 2, ActorID: "eng"})
	if !errors.Is(err, workflow.ErrForbiddenRole) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{DefectID: d.ID, AssigneeID: "ghost", ExpectedVersion: 2, ActorID: "mgr"})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected unknown assignee, got %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{DefectID: d.ID, AssigneeID: "eng", ExpectedVersion: 1, ActorID: "mgr"})
	if !errors.Is(err, workflow.ErrConcurrentModification) {
		t.Fatalf("expected stale version, got %v", err)
	}
	got, _ := env.Engine.GetDefect(env.Ctx, d.Number)
	if got.Version != 2 || *got.AssigneeID != "eng-2" {
		t.Fatalf("rejected assignments changed the defect: %+v", got.Defect)
	}
}

func TestHistoryOrderAndReopen(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	env.transition(t, d.ID, domain.StatusInProgress, 1, "eng")
	env.transition(t, d.ID, domain.StatusReview, 2, "eng")
	env.transition(t, d.ID, domain.StatusClosed, 3, "mgr")
	reopened := env.transition(t, d.ID, domain.StatusInProgress, 4, "mgr")
	if reopened.ClosedAt != nil || reopened.ReviewerID != nil || reopened.StartedAt == nil {
		t.Fatalf("unexpected reopen timestamps %+v", reopened.Defect)
	}
	hist, err := env.Engine.History(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.Status{domain.StatusInProgress, domain.StatusReview, domain.StatusClosed, domain.StatusInProgress}
	if len(hist) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(hist))
	}
	for i, rec := range hist {
		if rec.To != want[i] || rec.Version != int64(i+2) {
			t.Fatalf("record %d: %+v", i, rec)
		}
	}
	if _, err := env.Engine.History(env.Ctx, "missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAllowedTransitions(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDefect(t)
	got, err := env.Engine.AllowedTransitions(env.Ctx, d.ID, "mgr")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("manager from new: %v", got)
	}
	got, _ = env.Engine.AllowedTransitions(env.Ctx, d.ID, "obs")
	if got == nil || len(got) != 0 {
		t.Fatalf("observer should get an empty list, got %v", got)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	a := env.createDefect(t)
	b := env.createDefect(t)
	env.createDefect(t)
	env.transition(t, a.ID, domain.StatusCancelled, 1, "mgr")

	due := epoch.Add(-25 * time.Hour)
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{DefectID: b.ID, AssigneeID: "eng", DueDate: &due, ExpectedVersion: 1, ActorID: "mgr"}); err != nil {
		t.Fatal(err)
	}
	env.transition(t, b.ID, domain.StatusInProgress, 2, "eng")
	env.transition(t, b.ID, domain.StatusReview, 3, "eng")

	st, err := env.Engine.Stats(env.Ctx, "tower-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.ByStatus[domain.StatusNew] != 1 || st.ByStatus[domain.StatusCancelled] != 1 || st.ByStatus[domain.StatusReview] != 1 {
		t.Fatalf("unexpected status counts %+v", st)
	}
	if st.ByStatus[domain.StatusClosed] != 0 || st.ByPriority[domain.PriorityMedium] != 3 {
		t.Fatalf("unexpected zero-fill %+v", st)
	}
	if st.Overdue != 1 || st.CreatedToday != 3 || st.ClosedToday != 0 || st.AvgResolutionHours != nil {
		t.Fatalf("unexpected counters %+v", st)
	}

	env.Engine.Now = func() time.Time { return epoch.Add(6 * time.Hour) }
	env.transition(t, b.ID, domain.StatusClosed, 4, "mgr")
	st, _ = env.Engine.Stats(env.Ctx, "tower-a")
	if st.ClosedToday != 1 || st.AvgResolutionHours == nil || *st.AvgResolutionHours != 6 {
		t.Fatalf("unexpected resolution stats %+v", st)
	}

	if _, err := env.Engine.Stats(env.Ctx, "nowhere"); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected unknown project, got %v", err)
	}
}

func TestListDefectsFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createDefect(t)
	env.createDefect(t)
	due := epoch.Add(-25 * time.Hour)
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{DefectID: a.ID, AssigneeID: "eng", DueDate: &due, ExpectedVersion: 1, ActorID: "mgr"}); err != nil {
		t.Fatal(err)
	}
	all, err := env.Engine.ListDefects(env.Ctx, engine.ListOptions{DefectFilters: repo.DefectFilters{ProjectID: "tower-a"}})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v (%d)", err, len(all))
	}
	mine, _ := env.Engine.ListDefects(env.Ctx, engine.ListOptions{DefectFilters: repo.DefectFilters{AssigneeID: "eng"}})
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("assignee filter: %+v", mine)
	}
	overdue, _ := env.Engine.ListDefects(env.Ctx, engine.ListOptions{OverdueOnly: true})
	if len(overdue) != 1 || overdue[0].ID != a.ID {
		t.Fatalf("overdue filter: %+v", overdue)
	}
	if _, err := env.Engine.ListDefects(env.Ctx, engine.ListOptions{DefectFilters: repo.DefectFilters{Status: "open"}}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateUserRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateUser(env.Ctx, engine.CreateUserOptions{ID: "new", Role: domain.RoleEngineer, ActorID: "eng"})
	if !errors.Is(err, workflow.ErrForbiddenRole) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.CreateUser(env.Ctx, engine.CreateUserOptions{ID: "eng", Role: domain.RoleEngineer, ActorID: "mgr"})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "", "laptop", "eng")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key.KeyHash == plain || key.ActorID != "eng" {
		t.Fatalf("unexpected key %+v", key)
	}
	u, err := env.Engine.ResolveAPIKey(env.Ctx, plain)
	if err != nil || u.ID != "eng" {
		t.Fatalf("resolve: %v %+v", err, u)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "mgr", "", "eng"); !errors.Is(err, workflow.ErrForbiddenRole) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

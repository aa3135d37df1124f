package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"defectline/internal/app"
	"defectline/internal/config"
	"defectline/internal/domain"
	"defectline/internal/engine"
	"defectline/internal/metrics"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AllowLegacyActorHeader = true
	cfg.Auth.DevLogin = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	env, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, Logger: logger, Metrics: m})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	e := env.Engine
	for _, u := range []struct {
		id   string
		role domain.Role
	}{
		{"mgr", domain.RoleManager},
		{"eng", domain.RoleEngineer},
		{"obs", domain.RoleObserver},
	} {
		if _, err := e.CreateUser(context.Background(), engine.CreateUserOptions{ID: u.id, Role: u.role, ActorID: "mgr"}); err != nil {
			t.Fatalf("create user %s: %v", u.id, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret,
			AllowLegacyActorHeader: true,
			DevLogin:               true,
		},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			env.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s: %s", code, env.Error.Code, string(data))
	}
	return env
}

func (s *testServer) createDefect(t *testing.T, title string) DefectResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/defects", map[string]any{
		"project_id": "tower-a",
		"title":      title,
		"floor":      "3",
		"priority":   "high",
	}, as("eng"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create defect status %d: %s", res.StatusCode, string(data))
	}
	return decode[DefectResponse](t, data)
}

func (s *testServer) setStatus(t *testing.T, id, status string, version int64, actor string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.Client(), http.MethodPost, s.URL+"/v1/defects/"+id+"/status", map[string]any{
		"status":           status,
		"expected_version": version,
	}, as(actor))
}

func TestDefectLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := srv.createDefect(t, "Cracked tile in lobby")
	if created.Status != "new" || created.Version != 1 {
		t.Fatalf("unexpected new defect: %+v", created)
	}
	wantNumber := fmt.Sprintf("TOW-%d-0001", time.Now().UTC().Year())
	if created.Number != wantNumber {
		t.Fatalf("expected number %s, got %s", wantNumber, created.Number)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/defects/"+created.ID+"/assign", map[string]any{
		"assignee_id":      "eng",
		"due_date":         "2099-12-31",
		"expected_version": 1,
	}, as("mgr"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	assigned := decode[DefectResponse](t, data)
	if assigned.AssigneeID == nil || *assigned.AssigneeID != "eng" || assigned.Version != 2 {
		t.Fatalf("unexpected assignment: %+v", assigned)
	}
	if assigned.Status != "new" {
		t.Fatalf("assignment must not change status, got %s", assigned.Status)
	}
	if assigned.DueDate == nil || *assigned.DueDate != "2099-12-31T23:59:59Z" {
		t.Fatalf("unexpected due date: %v", assigned.DueDate)
	}
	if assigned.Overdue.IsOverdue || assigned.Overdue.DaysRemaining == nil {
		t.Fatalf("expected future due date to report days remaining: %+v", assigned.Overdue)
	}

	steps := []struct {
		status string
		actor  string
	}{
		{"in_progress", "eng"},
		{"review", "eng"},
		{"closed", "mgr"},
	}
	version := assigned.Version
	for _, step := range steps {
		res, data := srv.setStatus(t, created.Number, step.status, version, step.actor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s status %d: %s", step.status, res.StatusCode, string(data))
		}
		out := decode[TransitionResponse](t, data)
		if out.Defect.Status != step.status || out.Transition.ToStatus != step.status {
			t.Fatalf("unexpected transition response: %+v", out)
		}
		if out.Defect.Version != version+1 || out.Transition.Version != version+1 {
			t.Fatalf("expected version %d, got defect %d record %d", version+1, out.Defect.Version, out.Transition.Version)
		}
		version = out.Defect.Version
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/defects/"+created.ID, nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get defect status %d: %s", res.StatusCode, string(data))
	}
	closed := decode[DefectResponse](t, data)
	if closed.ClosedAt == nil || closed.ReviewerID == nil || *closed.ReviewerID != "mgr" {
		t.Fatalf("expected closed_at and reviewer to be stamped: %+v", closed)
	}
	if closed.Overdue.IsOverdue || closed.Overdue.DaysRemaining != nil {
		t.Fatalf("closed defects report no overdue state: %+v", closed.Overdue)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/defects/"+created.ID+"/history", nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	history := decode[struct {
		Items []HistoryEntryResponse `json:"items"`
	}](t, data)
	if len(history.Items) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history.Items))
	}
	for i, want := range []string{"new", "in_progress", "review"} {
		if history.Items[i].FromStatus != want {
			t.Fatalf("history[%d] from %s, want %s", i, history.Items[i].FromStatus, want)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/tower-a/stats", nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	stats := decode[domain.Stats](t, data)
	if stats.Total != 1 || stats.ByStatus[domain.StatusClosed] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTransitionErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := srv.createDefect(t, "Loose handrail")

	res, data := srv.setStatus(t, d.ID, "closed", 1, "mgr")
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_transition")
	if env.Error.Details["from"] != "new" || env.Error.Details["to"] != "closed" {
		t.Fatalf("unexpected details: %v", env.Error.Details)
	}

	res, data = srv.setStatus(t, d.ID, "cancelled", 1, "eng")
	expectError(t, res, data, http.StatusForbidden, "forbidden_role")

	res, data = srv.setStatus(t, d.ID, "in_progress", 1, "obs")
	expectError(t, res, data, http.StatusForbidden, "forbidden_role")

	res, data = srv.setStatus(t, d.ID, "in_progress", 1, "eng")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	res, data = srv.setStatus(t, d.ID, "review", 1, "eng")
	env = expectError(t, res, data, http.StatusConflict, "concurrent_modification")
	if env.Error.Details["current_version"] != float64(2) {
		t.Fatalf("expected current_version 2, got %v", env.Error.Details["current_version"])
	}

	res, data = srv.setStatus(t, "missing", "review", 1, "eng")
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = srv.setStatus(t, d.ID, "done", 2, "eng")
	env = expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_transition")
	if env.Error.Details["to"] != "done" {
		t.Fatalf("expected target in details, got %v", env.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/defects/"+d.ID+"/status", map[string]any{
		"status": "review",
	}, as("eng"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/defects/"+d.ID+"/assign", map[string]any{
		"assignee_id":      "eng",
		"expected_version": 2,
	}, as("eng"))
	expectError(t, res, data, http.StatusForbidden, "forbidden_role")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/defects/"+d.ID+"/assign", map[string]any{
		"assignee_id":      "ghost",
		"expected_version": 2,
	}, as("mgr"))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/defects/"+d.ID+"/assign", map[string]any{
		"assignee_id":      "eng",
		"due_date":         "next week",
		"expected_version": 2,
	}, as("mgr"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/defects", map[string]any{
		"project_id": "tower-a",
		"title":      "   ",
	}, as("eng"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestAllowedTransitions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := srv.createDefect(t, "Missing socket cover")

	cases := map[string][]string{
		"mgr": {"in_progress", "cancelled"},
		"eng": {"in_progress"},
		"obs": {},
	}
	for actor, want := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/defects/"+d.ID+"/transitions", nil, as(actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d: %s", actor, res.StatusCode, string(data))
		}
		got := decode[AllowedTransitionsResponse](t, data)
		if strings.Join(got.Allowed, ",") != strings.Join(want, ",") {
			t.Fatalf("%s: allowed %v, want %v", actor, got.Allowed, want)
		}
	}
}

func TestListDefectsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 3; i++ {
		srv.createDefect(t, fmt.Sprintf("Defect %d", i))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/defects?project_id=tower-a&limit=2", nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	first := decode[paginatedDefects](t, data)
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor %q", len(first.Items), first.NextCursor)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/defects?project_id=tower-a&limit=2&cursor="+url.QueryEscape(first.NextCursor), nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list page 2 status %d: %s", res.StatusCode, string(data))
	}
	second := decode[paginatedDefects](t, data)
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("expected 1 trailing item, got %d cursor %q", len(second.Items), second.NextCursor)
	}
	seen := map[string]bool{}
	for _, d := range append(first.Items, second.Items...) {
		if seen[d.ID] {
			t.Fatalf("defect %s returned twice", d.ID)
		}
		seen[d.ID] = true
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/defects?cursor=garbage", nil, as("obs"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/defects?status=in_progress", nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[paginatedDefects](t, data); len(got.Items) != 0 {
		t.Fatalf("expected no in_progress defects, got %d", len(got.Items))
	}
}

func TestEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := srv.createDefect(t, "Water stain on ceiling")
	if res, data := srv.setStatus(t, d.ID, "in_progress", 1, "eng"); res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?entity_kind=defect&limit=1", nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].Type != "defect.transitioned" {
		t.Fatalf("expected newest defect event first, got %+v", page.Items)
	}
	if page.Items[0].Payload["to"] != "in_progress" {
		t.Fatalf("unexpected payload: %v", page.Items[0].Payload)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?entity_kind=defect&cursor="+page.NextCursor, nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	older := decode[paginatedEvents](t, data)
	if len(older.Items) != 1 || older.Items[0].Type != "defect.created" {
		t.Fatalf("expected creation event on second page, got %+v", older.Items)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/defects", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/defects", nil, as("stranger"))
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/defects", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "eng"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	login := decode[DevLoginResponse](t, data)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	me := decode[WhoAmIResponse](t, data)
	if me.ActorID != "eng" || me.Role != "engineer" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{"name": "tablet"}, as("obs"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	key := decode[APIKeyResponse](t, data)
	if !strings.HasPrefix(key.Key, "dl_") {
		t.Fatalf("unexpected key %q", key.Key)
	}
	apiKey := map[string]string{"X-Api-Key": key.Key}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, apiKey)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	if me := decode[WhoAmIResponse](t, data); me.ActorID != "obs" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, apiKey)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, apiKey)
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestUsersRequireManager(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{"id": "eng-2", "role": "engineer"}, as("eng"))
	expectError(t, res, data, http.StatusForbidden, "forbidden_role")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{"id": "eng-2", "role": "engineer"}, as("mgr"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users?role=engineer", nil, as("obs"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list users status %d: %s", res.StatusCode, string(data))
	}
	if users := decode[[]UserResponse](t, data); len(users) != 2 {
		t.Fatalf("expected 2 engineers, got %d", len(users))
	}
}

func TestMetricsAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	d := srv.createDefect(t, "Scratched door")
	srv.setStatus(t, d.ID, "closed", 1, "mgr")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	body := string(data)
	for _, want := range []string{
		`defectline_transitions_total{from="new",result="invalid",to="closed"} 1`,
		`route="/v1/defects/{id}/status"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s", want)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi document lacks security schemes")
	}
}

func TestWebhookDispatcher(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"defect.transitioned"}, Secret: "s3cret"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.backoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	ctx := context.Background()

	// The first poll only positions the cursor; the user.created events
	// already in the log are not replayed.
	d.DispatchOnce(ctx)

	created := srv.createDefect(t, "Broken window latch")
	if res, data := srv.setStatus(t, created.ID, "in_progress", 1, "eng"); res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(received))
	}
	evt := received[0]
	if evt.Type != "defect.transitioned" || evt.EntityID != created.ID {
		t.Fatalf("unexpected delivery: %+v", evt)
	}
	var payload map[string]any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload["to"] != "in_progress" {
		t.Fatalf("unexpected payload %s: %v", string(evt.Payload), err)
	}
	if headers[0].Get("X-Defectline-Event") != "defect.transitioned" || headers[0].Get("X-Defectline-Secret") != "s3cret" {
		t.Fatalf("unexpected headers: %v", headers[0])
	}
	if headers[0].Get("X-Defectline-Project") != "tower-a" {
		t.Fatalf("expected project header, got %q", headers[0].Get("X-Defectline-Project"))
	}
}

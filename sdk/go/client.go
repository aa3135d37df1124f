package defectlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Defectline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no other credential is set. Servers
	// accept it only when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Overdue struct {
	IsOverdue     bool `json:"is_overdue"`
	DaysRemaining *int `json:"days_remaining"`
}

type Defect struct {
	ID          string  `json:"id"`
	Number      string  `json:"number"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Location    string  `json:"location,omitempty"`
	Floor       string  `json:"floor,omitempty"`
	Room        string  `json:"room,omitempty"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	Severity    string  `json:"severity"`
	CategoryID  *string `json:"category_id,omitempty"`
	AuthorID    string  `json:"author_id"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	ReviewerID  *string `json:"reviewer_id,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	ClosedAt    *string `json:"closed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	Version     int64   `json:"version"`
	Overdue     Overdue `json:"overdue"`
}

type HistoryEntry struct {
	ID         int64  `json:"id"`
	DefectID   string `json:"defect_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	Comment    string `json:"comment,omitempty"`
	Version    int64  `json:"version"`
	TS         string `json:"ts"`
}

type Transition struct {
	Defect     Defect       `json:"defect"`
	Transition HistoryEntry `json:"transition"`
}

type CreateDefect struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Floor       string `json:"floor,omitempty"`
	Room        string `json:"room,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Severity    string `json:"severity,omitempty"`
	CategoryID  string `json:"category_id,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
}

// UpdateDefect carries the fields to edit; nil fields are left alone.
type UpdateDefect struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Location        *string `json:"location,omitempty"`
	Floor           *string `json:"floor,omitempty"`
	Room            *string `json:"room,omitempty"`
	Priority        *string `json:"priority,omitempty"`
	Severity        *string `json:"severity,omitempty"`
	CategoryID      *string `json:"category_id,omitempty"`
	ExpectedVersion int64   `json:"expected_version"`
}

type Comment struct {
	ID        int64  `json:"id"`
	DefectID  string `json:"defect_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	ReplyTo   *int64 `json:"reply_to,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color"`
	SortOrder   int    `json:"sort_order"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

type CreateCategory struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	SortOrder   int    `json:"sort_order,omitempty"`
}

// BulkTarget names a defect by id or number. A zero ExpectedVersion acts on
// whatever version is current.
type BulkTarget struct {
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type BulkUpdate struct {
	Action  string       `json:"action"`
	Value   string       `json:"value"`
	Comment string       `json:"comment,omitempty"`
	Defects []BulkTarget `json:"defects"`
}

type BulkItemError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type BulkItem struct {
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Version int64          `json:"version,omitempty"`
	Status  string         `json:"status,omitempty"`
	Error   *BulkItemError `json:"error,omitempty"`
}

type BulkResult struct {
	Updated int        `json:"updated"`
	Failed  int        `json:"failed"`
	Results []BulkItem `json:"results"`
}

type ListDefectsOptions struct {
	ProjectID  string
	Status     string
	AssigneeID string
	Priority   string
	CategoryID string
	Overdue    bool
	Limit      int
	Cursor     string
}

type PaginatedDefects struct {
	Items      []Defect `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

type Stats struct {
	ProjectID          string         `json:"project_id"`
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	ByPriority         map[string]int `json:"by_priority"`
	ByCategory         map[string]int `json:"by_category,omitempty"`
	Overdue            int            `json:"overdue"`
	CreatedToday       int            `json:"created_today"`
	ClosedToday        int            `json:"closed_today"`
	AvgResolutionHours *float64       `json:"avg_resolution_hours,omitempty"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type Principal struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's machine-readable
// error code, such as concurrent_modification or forbidden_role.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsConflict reports a stale expected_version; re-read the defect and retry.
func IsConflict(err error) bool { return hasCode(err, "concurrent_modification") }

func IsInvalidTransition(err error) bool { return hasCode(err, "invalid_transition") }

func IsForbidden(err error) bool { return hasCode(err, "forbidden_role") }

func IsNotFound(err error) bool { return hasCode(err, "not_found") }

// CreateDefect reports a defect.
func (c *Client) CreateDefect(ctx context.Context, in CreateDefect) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodPost, "defects", in, &resp)
	return resp, err
}

// GetDefect fetches a defect by id or number.
func (c *Client) GetDefect(ctx context.Context, idOrNumber string) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodGet, "defects/"+url.PathEscape(idOrNumber), nil, &resp)
	return resp, err
}

// ListDefects returns one page of defects, newest first.
func (c *Client) ListDefects(ctx context.Context, opts ListDefectsOptions) (PaginatedDefects, error) {
	q := url.Values{}
	setQuery(q, "project_id", opts.ProjectID)
	setQuery(q, "status", opts.Status)
	setQuery(q, "assignee_id", opts.AssigneeID)
	setQuery(q, "priority", opts.Priority)
	setQuery(q, "category_id", opts.CategoryID)
	setQuery(q, "cursor", opts.Cursor)
	if opts.Overdue {
		q.Set("overdue", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp PaginatedDefects
	err := c.do(ctx, http.MethodGet, withQuery("defects", q), nil, &resp)
	return resp, err
}

// SetStatus moves a defect to status. expectedVersion must be the version
// the caller last read.
func (c *Client) SetStatus(ctx context.Context, idOrNumber, status string, expectedVersion int64, comment string) (Transition, error) {
	body := map[string]any{
		"status":           status,
		"expected_version": expectedVersion,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "defects/"+url.PathEscape(idOrNumber)+"/status", body, &resp)
	return resp, err
}

// Assign sets the assignee and, when dueDate is non-empty, the due date.
func (c *Client) Assign(ctx context.Context, idOrNumber, assigneeID, dueDate string, expectedVersion int64) (Defect, error) {
	body := map[string]any{
		"assignee_id":      assigneeID,
		"expected_version": expectedVersion,
	}
	if dueDate != "" {
		body["due_date"] = dueDate
	}
	var resp Defect
	err := c.do(ctx, http.MethodPost, "defects/"+url.PathEscape(idOrNumber)+"/assign", body, &resp)
	return resp, err
}

// UpdateDefect edits descriptive fields under the expected version.
func (c *Client) UpdateDefect(ctx context.Context, idOrNumber string, in UpdateDefect) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodPatch, "defects/"+url.PathEscape(idOrNumber), in, &resp)
	return resp, err
}

// BulkUpdate applies one action to many defects. Per-item failures are
// reported in the result, not as an error.
func (c *Client) BulkUpdate(ctx context.Context, in BulkUpdate) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "defects/bulk", in, &resp)
	return resp, err
}

// AddComment posts a comment; kind defaults to "comment" and replyTo may be 0.
func (c *Client) AddComment(ctx context.Context, idOrNumber, body, kind string, replyTo int64) (Comment, error) {
	in := map[string]any{"body": body}
	if kind != "" {
		in["kind"] = kind
	}
	if replyTo != 0 {
		in["reply_to"] = replyTo
	}
	var resp Comment
	err := c.do(ctx, http.MethodPost, "defects/"+url.PathEscape(idOrNumber)+"/comments", in, &resp)
	return resp, err
}

func (c *Client) Comments(ctx context.Context, idOrNumber string) ([]Comment, error) {
	var resp struct {
		Items []Comment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "defects/"+url.PathEscape(idOrNumber)+"/comments", nil, &resp)
	return resp.Items, err
}

func (c *Client) Categories(ctx context.Context, includeInactive bool) ([]Category, error) {
	q := url.Values{}
	if includeInactive {
		q.Set("include_inactive", "true")
	}
	var resp struct {
		Items []Category `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("categories", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateCategory(ctx context.Context, in CreateCategory) (Category, error) {
	var resp Category
	err := c.do(ctx, http.MethodPost, "categories", in, &resp)
	return resp, err
}

func (c *Client) DeactivateCategory(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "categories/"+url.PathEscape(id), nil, nil)
}

// History returns the defect's status changes, oldest first.
func (c *Client) History(ctx context.Context, idOrNumber string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "defects/"+url.PathEscape(idOrNumber)+"/history", nil, &resp)
	return resp.Items, err
}

// AllowedTransitions lists the statuses the caller may move the defect to.
func (c *Client) AllowedTransitions(ctx context.Context, idOrNumber string) ([]string, error) {
	var resp struct {
		Allowed []string `json:"allowed"`
	}
	err := c.do(ctx, http.MethodGet, "defects/"+url.PathEscape(idOrNumber)+"/transitions", nil, &resp)
	return resp.Allowed, err
}

func (c *Client) Stats(ctx context.Context, projectID string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/stats", nil, &resp)
	return resp, err
}

func (c *Client) Users(ctx context.Context, role string) ([]User, error) {
	q := url.Values{}
	setQuery(q, "role", role)
	var resp []User
	err := c.do(ctx, http.MethodGet, withQuery("users", q), nil, &resp)
	return resp, err
}

func (c *Client) CreateUser(ctx context.Context, id, name, role string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "users", map[string]any{"id": id, "name": name, "role": role}, &resp)
	return resp, err
}

// CreateAPIKey mints a key; the plaintext is only available in this response.
func (c *Client) CreateAPIKey(ctx context.Context, userID, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "api-keys", map[string]any{"user_id": userID, "name": name}, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	setQuery(q, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

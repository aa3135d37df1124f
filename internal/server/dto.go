package server

import (
	"encoding/json"
	"errors"
	"time"

	"defectline/internal/domain"
	"defectline/internal/engine"
)

// Request payloads

type CreateDefectRequest struct {
	ProjectID   string `json:"project_id" minLength:"1" example:"tower-a"`
	Title       string `json:"title" minLength:"1" example:"Cracked tile in lobby"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Floor       string `json:"floor,omitempty"`
	Room        string `json:"room,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Severity    string `json:"severity,omitempty" enum:"cosmetic,minor,major,critical,blocking"`
	CategoryID  string `json:"category_id,omitempty"`
	DueDate     string `json:"due_date,omitempty" doc:"RFC 3339 timestamp or YYYY-MM-DD (end of that day, UTC)"`
}

// UpdateDefectRequest edits descriptive fields. Omitted fields are left
// alone; an empty category_id clears the category.
type UpdateDefectRequest struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Location        *string `json:"location,omitempty"`
	Floor           *string `json:"floor,omitempty"`
	Room            *string `json:"room,omitempty"`
	Priority        *string `json:"priority,omitempty" doc:"low, medium, high or critical"`
	Severity        *string `json:"severity,omitempty" doc:"cosmetic, minor, major, critical or blocking"`
	CategoryID      *string `json:"category_id,omitempty"`
	ExpectedVersion int64   `json:"expected_version" minimum:"1"`
}

type CommentRequest struct {
	Body    string `json:"body" minLength:"1"`
	Kind    string `json:"kind,omitempty" enum:"comment,resolution,rejection"`
	ReplyTo int64  `json:"reply_to,omitempty" doc:"Id of a comment on the same defect"`
}

type BulkTargetRequest struct {
	ID              string `json:"id" minLength:"1" doc:"Defect id or number"`
	ExpectedVersion int64  `json:"expected_version,omitempty" doc:"Omit to act on the current version"`
}

type BulkRequest struct {
	Action  string              `json:"action" enum:"change_status,assign,change_priority"`
	Value   string              `json:"value" minLength:"1" doc:"Target status, assignee id or priority"`
	Comment string              `json:"comment,omitempty"`
	Defects []BulkTargetRequest `json:"defects" minItems:"1" maxItems:"100"`
}

type CreateCategoryRequest struct {
	ID          string `json:"id,omitempty" doc:"Derived from the name when omitted"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty" example:"#007bff"`
	SortOrder   int    `json:"sort_order,omitempty"`
}

type TransitionRequest struct {
	Status          string `json:"status" minLength:"1" doc:"Target status; unknown values are rejected as invalid_transition"`
	Comment         string `json:"comment,omitempty"`
	ExpectedVersion int64  `json:"expected_version" minimum:"1" doc:"Version the caller last read"`
}

type AssignRequest struct {
	AssigneeID      string `json:"assignee_id" minLength:"1"`
	DueDate         string `json:"due_date,omitempty" doc:"RFC 3339 timestamp or YYYY-MM-DD (end of that day, UTC)"`
	ExpectedVersion int64  `json:"expected_version" minimum:"1"`
}

type CreateUserRequest struct {
	ID   string `json:"id" minLength:"1"`
	Name string `json:"name,omitempty"`
	Role string `json:"role" enum:"manager,engineer,observer"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty" doc:"Defaults to the caller"`
	Name   string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
}

// Response payloads

type OverdueResponse struct {
	IsOverdue     bool `json:"is_overdue"`
	DaysRemaining *int `json:"days_remaining" nullable:"true"`
}

type DefectResponse struct {
	ID          string          `json:"id"`
	Number      string          `json:"number" example:"TOW-2024-0001"`
	ProjectID   string          `json:"project_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Floor       string          `json:"floor,omitempty"`
	Room        string          `json:"room,omitempty"`
	Status      string          `json:"status" enum:"new,in_progress,review,closed,cancelled"`
	Priority    string          `json:"priority"`
	Severity    string          `json:"severity"`
	CategoryID  *string         `json:"category_id,omitempty"`
	AuthorID    string          `json:"author_id"`
	AssigneeID  *string         `json:"assignee_id,omitempty"`
	ReviewerID  *string         `json:"reviewer_id,omitempty"`
	DueDate     *string         `json:"due_date,omitempty" format:"date-time"`
	AssignedAt  *string         `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt   *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string         `json:"completed_at,omitempty" format:"date-time"`
	ClosedAt    *string         `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
	Version     int64           `json:"version"`
	Overdue     OverdueResponse `json:"overdue"`
}

type HistoryEntryResponse struct {
	ID         int64  `json:"id"`
	DefectID   string `json:"defect_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	Comment    string `json:"comment,omitempty"`
	Version    int64  `json:"version"`
	TS         string `json:"ts" format:"date-time"`
}

type TransitionResponse struct {
	Defect     DefectResponse       `json:"defect"`
	Transition HistoryEntryResponse `json:"transition"`
}

type AllowedTransitionsResponse struct {
	DefectID string   `json:"defect_id"`
	Status   string   `json:"status"`
	Allowed  []string `json:"allowed"`
}

type CommentResponse struct {
	ID        int64  `json:"id"`
	DefectID  string `json:"defect_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	ReplyTo   *int64 `json:"reply_to,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CategoryResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color"`
	SortOrder   int    `json:"sort_order"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type BulkItemResponse struct {
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Version int64         `json:"version,omitempty"`
	Status  string        `json:"status,omitempty"`
	Error   *apiErrorBody `json:"error,omitempty"`
}

type BulkResponse struct {
	Updated int                `json:"updated"`
	Failed  int                `json:"failed"`
	Results []BulkItemResponse `json:"results"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Returned only at creation; only its hash is stored"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedDefects struct {
	Items      []DefectResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func defectResponse(v engine.DefectView) DefectResponse {
	d := v.Defect
	return DefectResponse{
		ID:          d.ID,
		Number:      d.Number,
		ProjectID:   d.ProjectID,
		Title:       d.Title,
		Description: d.Description,
		Location:    d.Location,
		Floor:       d.Floor,
		Room:        d.Room,
		Status:      string(d.Status),
		Priority:    string(d.Priority),
		Severity:    string(d.Severity),
		CategoryID:  d.CategoryID,
		AuthorID:    d.AuthorID,
		AssigneeID:  d.AssigneeID,
		ReviewerID:  d.ReviewerID,
		DueDate:     timePtr(d.DueDate),
		AssignedAt:  timePtr(d.AssignedAt),
		StartedAt:   timePtr(d.StartedAt),
		CompletedAt: timePtr(d.CompletedAt),
		ClosedAt:    timePtr(d.ClosedAt),
		CreatedAt:   formatTime(d.CreatedAt),
		UpdatedAt:   formatTime(d.UpdatedAt),
		Version:     d.Version,
		Overdue: OverdueResponse{
			IsOverdue:     v.Overdue.IsOverdue,
			DaysRemaining: v.Overdue.DaysRemaining,
		},
	}
}

func historyEntryResponse(rec domain.TransitionRecord) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:         rec.ID,
		DefectID:   rec.DefectID,
		FromStatus: string(rec.From),
		ToStatus:   string(rec.To),
		ActorID:    rec.ActorID,
		Comment:    rec.Comment,
		Version:    rec.Version,
		TS:         formatTime(rec.TS),
	}
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse{
		ID:        c.ID,
		DefectID:  c.DefectID,
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		Kind:      string(c.Kind),
		ReplyTo:   c.ReplyTo,
		CreatedAt: formatTime(c.CreatedAt),
	}
}

func categoryResponse(c domain.Category) CategoryResponse {
	return CategoryResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Color:       c.Color,
		SortOrder:   c.SortOrder,
		Active:      c.Active,
		CreatedAt:   formatTime(c.CreatedAt),
	}
}

// bulkResponse reports each item with the same error envelope a single
// request would have produced.
func bulkResponse(res engine.BulkResult) BulkResponse {
	out := BulkResponse{Updated: res.Updated, Results: make([]BulkItemResponse, 0, len(res.Items))}
	for _, item := range res.Items {
		r := BulkItemResponse{ID: item.ID, OK: item.Err == nil}
		if item.Defect != nil {
			r.Version = item.Defect.Version
			r.Status = string(item.Defect.Status)
		}
		if item.Err != nil {
			out.Failed++
			body := apiErrorBody{Code: "internal_error", Message: item.Err.Error()}
			var ae *apiError
			if errors.As(handleError(item.Err), &ae) {
				body = ae.Body
			}
			r.Error = &body
		}
		out.Results = append(out.Results, r)
	}
	return out
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Role: string(u.Role), CreatedAt: formatTime(u.CreatedAt)}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, CreatedAt: formatTime(p.CreatedAt)}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapDefects(items []engine.DefectView) []DefectResponse {
	out := make([]DefectResponse, 0, len(items))
	for _, v := range items {
		out = append(out, defectResponse(v))
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

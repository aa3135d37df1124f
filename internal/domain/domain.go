package domain

import (
	"fmt"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for persisted timestamps so
// that lexical and chronological order agree.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every defect status in lifecycle order.
var Statuses = []Status{StatusNew, StatusInProgress, StatusReview, StatusClosed, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the repair lifecycle.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

type Role string

const (
	RoleManager  Role = "manager"
	RoleEngineer Role = "engineer"
	RoleObserver Role = "observer"
)

var Roles = []Role{RoleManager, RoleEngineer, RoleObserver}

func (r Role) Valid() bool {
	return r == RoleManager || r == RoleEngineer || r == RoleObserver
}

func ParseRole(v string) (Role, error) {
	r := Role(v)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", v)
	}
	return r, nil
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p Priority) Valid() bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityCosmetic Severity = "cosmetic"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
	SeverityBlocking Severity = "blocking"
)

var Severities = []Severity{SeverityCosmetic, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocking}

func (s Severity) Valid() bool {
	for _, v := range Severities {
		if v == s {
			return true
		}
	}
	return false
}

func ParsePriority(v string) (Priority, error) {
	p := Priority(v)
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q", v)
	}
	return p, nil
}

type CommentKind string

const (
	CommentPlain      CommentKind = "comment"
	CommentResolution CommentKind = "resolution"
	CommentRejection  CommentKind = "rejection"
)

func (k CommentKind) Valid() bool {
	return k == CommentPlain || k == CommentResolution || k == CommentRejection
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Defect is a reported construction-site issue. Version increases by one on
// every accepted mutation.
type Defect struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Floor       string     `json:"floor,omitempty"`
	Room        string     `json:"room,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Severity    Severity   `json:"severity"`
	CategoryID  *string    `json:"category_id,omitempty"`
	AuthorID    string     `json:"author_id"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	ReviewerID  *string    `json:"reviewer_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"version"`
}

// Clone returns a copy that shares no pointers with d.
func (d Defect) Clone() Defect {
	c := d
	c.CategoryID = cloneString(d.CategoryID)
	c.AssigneeID = cloneString(d.AssigneeID)
	c.ReviewerID = cloneString(d.ReviewerID)
	c.DueDate = cloneTime(d.DueDate)
	c.AssignedAt = cloneTime(d.AssignedAt)
	c.StartedAt = cloneTime(d.StartedAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return c
}

// ResolutionTime is the time from creation to closing, or zero if the defect
// was never closed.
func (d Defect) ResolutionTime() time.Duration {
	if d.ClosedAt == nil {
		return 0
	}
	return d.ClosedAt.Sub(d.CreatedAt)
}

// Category groups defects by trade (electrical, plumbing, ...). Categories
// are soft-deleted so existing defects keep their reference.
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	SortOrder   int       `json:"sort_order"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Comment is a note on a defect. Comments are append-only and do not change
// the defect's version.
type Comment struct {
	ID        int64       `json:"id"`
	DefectID  string      `json:"defect_id"`
	AuthorID  string      `json:"author_id"`
	Body      string      `json:"body"`
	Kind      CommentKind `json:"kind"`
	ReplyTo   *int64      `json:"reply_to,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TransitionRecord is an immutable history entry for one accepted status change.
type TransitionRecord struct {
	ID       int64     `json:"id"`
	DefectID string    `json:"defect_id"`
	From     Status    `json:"from_status"`
	To       Status    `json:"to_status"`
	ActorID  string    `json:"actor_id"`
	Comment  string    `json:"comment,omitempty"`
	Version  int64     `json:"version"`
	TS       time.Time `json:"ts"`
}

// OverdueView is derived from a due date and the current time; it is never stored.
type OverdueView struct {
	IsOverdue     bool `json:"is_overdue"`
	DaysRemaining *int `json:"days_remaining"`
}

type Stats struct {
	ProjectID          string           `json:"project_id"`
	Total              int              `json:"total"`
	ByStatus           map[Status]int   `json:"by_status"`
	ByPriority         map[Priority]int `json:"by_priority"`
	ByCategory         map[string]int   `json:"by_category,omitempty"`
	Overdue            int              `json:"overdue"`
	CreatedToday       int              `json:"created_today"`
	ClosedToday        int              `json:"closed_today"`
	AvgResolutionHours *float64         `json:"avg_resolution_hours,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"defectline/internal/domain"
	"defectline/internal/events"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

type CreateDefectOptions struct {
	ProjectID   string
	Title       string
	Description string
	Location    string
	Floor       string
	Room        string
	Priority    domain.Priority
	Severity    domain.Severity
	CategoryID  string
	DueDate     *time.Time
	ActorID     string
}

// CreateDefect records a new defect at status new, version 1. Any known user
// may report one.
func (e Engine) CreateDefect(ctx context.Context, opts CreateDefectOptions) (d domain.Defect, err error) {
	ctx, span := e.span(ctx, "engine.CreateDefect", attribute.String("project_id", opts.ProjectID))
	defer func() { endSpan(span, err) }()

	opts.Title = strings.TrimSpace(opts.Title)
	opts.ProjectID = strings.TrimSpace(opts.ProjectID)
	if opts.ProjectID == "" {
		return d, validationf("project is required")
	}
	if opts.Title == "" {
		return d, validationf("title is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return d, validationf("invalid priority %q", opts.Priority)
	}
	if opts.Severity == "" {
		opts.Severity = domain.SeverityMinor
	}
	if !opts.Severity.Valid() {
		return d, validationf("invalid severity %q", opts.Severity)
	}
	author, err := e.Directory.Actor(ctx, opts.ActorID)
	if err != nil {
		return d, err
	}
	var category *string
	if opts.CategoryID != "" {
		if err := e.requireActiveCategory(ctx, opts.CategoryID); err != nil {
			return d, err
		}
		category = &opts.CategoryID
	}

	now := e.now()
	d = domain.Defect{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Location:    opts.Location,
		Floor:       opts.Floor,
		Room:        opts.Room,
		Status:      domain.StatusNew,
		Priority:    opts.Priority,
		Severity:    opts.Severity,
		CategoryID:  category,
		AuthorID:    author.ID,
		DueDate:     opts.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Defect{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureProject(ctx, tx, domain.Project{ID: d.ProjectID, Name: d.ProjectID, CreatedAt: now}); err != nil {
		return domain.Defect{}, fmt.Errorf("ensure project: %w", err)
	}
	seq, err := e.Repo.NextDefectSequence(ctx, tx, d.ProjectID, now.Year())
	if err != nil {
		return domain.Defect{}, err
	}
	d.Number = FormatNumber(e.numberPrefix(d.ProjectID), now.Year(), seq)
	if err := e.Repo.InsertDefect(ctx, tx, d); err != nil {
		return domain.Defect{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DefectCreated, d.ProjectID, "defect", d.ID, author.ID, events.EventPayload{
		"number":   d.Number,
		"title":    d.Title,
		"priority": d.Priority,
		"severity": d.Severity,
	}); err != nil {
		return domain.Defect{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Defect{}, err
	}
	e.logger().Info("defect created", "defect_id", d.ID, "number", d.Number, "project_id", d.ProjectID, "actor_id", author.ID)
	return d, nil
}

// numberPrefix is the first three letters of the project id, upper-cased,
// or the configured default when the id has none.
func (e Engine) numberPrefix(projectID string) string {
	var b strings.Builder
	for _, r := range projectID {
		if b.Len() == 3 {
			break
		}
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return e.Config.Numbering.DefaultPrefix
	}
	return b.String()
}

// FormatNumber renders PREFIX-YEAR-NNNN.
func FormatNumber(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, seq)
}

// GetDefect accepts either the defect id or its number.
func (e Engine) GetDefect(ctx context.Context, idOrNumber string) (DefectView, error) {
	d, err := e.loadDefect(ctx, idOrNumber)
	if err == nil {
		return e.view(d), nil
	}
	if byNumber, nerr := e.Repo.GetDefectByNumber(ctx, idOrNumber); nerr == nil {
		return e.view(byNumber), nil
	}
	return DefectView{}, err
}

type ListOptions struct {
	repo.DefectFilters
	OverdueOnly bool
}

func (e Engine) ListDefects(ctx context.Context, opts ListOptions) ([]DefectView, error) {
	f := opts.DefectFilters
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationf("invalid status %q", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, validationf("invalid priority %q", f.Priority)
	}
	if opts.OverdueOnly {
		cutoff := workflow.OverdueCutoff(e.now())
		f.OverdueAt = &cutoff
	}
	defects, err := e.Repo.ListDefects(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]DefectView, 0, len(defects))
	for _, d := range defects {
		res = append(res, e.view(d))
	}
	return res, nil
}

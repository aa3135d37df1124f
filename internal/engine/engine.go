package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"defectline/internal/config"
	"defectline/internal/db"
	"defectline/internal/domain"
	"defectline/internal/engine/auth"
	"defectline/internal/events"
	"defectline/internal/metrics"
	"defectline/internal/repo"
	"defectline/internal/telemetry"
	"defectline/internal/workflow"
)

// ErrValidation wraps malformed input; the HTTP layer maps it to 400.
var ErrValidation = errors.New("validation failed")

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Directory auth.Directory
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	e := Engine{
		DB:        conn,
		Repo:      r,
		Config:    cfg,
		Directory: auth.Directory{Repo: r},
		Now:       time.Now,
	}
	e.Events = events.Writer{Dialect: dialect, Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) tracer() trace.Tracer {
	return telemetry.Tracer("defectline/engine")
}

func (e Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e Engine) overduePolicy() workflow.OverduePolicy {
	return workflow.OverduePolicy{SuppressTerminal: e.Config.Workflow.Overdue.SuppressTerminal}
}

// DefectView is a defect plus its overdue state as of the read.
type DefectView struct {
	domain.Defect
	Overdue domain.OverdueView `json:"overdue"`
}

func (e Engine) view(d domain.Defect) DefectView {
	return DefectView{Defect: d, Overdue: e.overduePolicy().Apply(d, e.now())}
}

// loadDefect maps a missing row to the workflow NotFoundError.
func (e Engine) loadDefect(ctx context.Context, id string) (domain.Defect, error) {
	d, err := e.Repo.GetDefect(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d, &workflow.NotFoundError{Kind: "defect", ID: id}
	}
	return d, err
}

// conflict builds the error for a conditional update that matched no row.
func (e Engine) conflict(ctx context.Context, tx *sql.Tx, id string, expected int64) error {
	actual, err := e.Repo.DefectVersion(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return &workflow.NotFoundError{Kind: "defect", ID: id}
	}
	if err != nil {
		actual = 0
	}
	return &workflow.ConcurrentModificationError{DefectID: id, Expected: expected, Actual: actual}
}

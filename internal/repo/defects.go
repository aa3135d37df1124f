package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"defectline/internal/domain"
)

const defectColumns = `id,number,project_id,title,description,location,floor,room,status,priority,severity,author_id,assignee_id,reviewer_id,due_date,assigned_at,started_at,completed_at,closed_at,created_at,updated_at,version,category_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefect(row rowScanner) (domain.Defect, error) {
	var d domain.Defect
	var description, location, floor, room, assignee, reviewer, category sql.NullString
	var due, assignedAt, startedAt, completedAt, closedAt sql.NullString
	var status, priority, severity, created, updated string
	err := row.Scan(&d.ID, &d.Number, &d.ProjectID, &d.Title, &description, &location, &floor, &room,
		&status, &priority, &severity, &d.AuthorID, &assignee, &reviewer,
		&due, &assignedAt, &startedAt, &completedAt, &closedAt, &created, &updated, &d.Version, &category)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Description = description.String
	d.Location = location.String
	d.Floor = floor.String
	d.Room = room.String
	d.Status = domain.Status(status)
	d.Priority = domain.Priority(priority)
	d.Severity = domain.Severity(severity)
	if assignee.Valid {
		d.AssigneeID = &assignee.String
	}
	if reviewer.Valid {
		d.ReviewerID = &reviewer.String
	}
	if category.Valid {
		d.CategoryID = &category.String
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{due, &d.DueDate},
		{assignedAt, &d.AssignedAt},
		{startedAt, &d.StartedAt},
		{completedAt, &d.CompletedAt},
		{closedAt, &d.ClosedAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return d, err
		}
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return d, err
	}
	return d, nil
}

func (r Repo) InsertDefect(ctx context.Context, tx *sql.Tx, d domain.Defect) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO defects(`+defectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.Number, d.ProjectID, d.Title, nullable(d.Description), nullable(d.Location), nullable(d.Floor), nullable(d.Room),
		string(d.Status), string(d.Priority), string(d.Severity), d.AuthorID,
		nullableStringPtr(d.AssigneeID), nullableStringPtr(d.ReviewerID),
		formatTimePtr(d.DueDate), formatTimePtr(d.AssignedAt), formatTimePtr(d.StartedAt), formatTimePtr(d.CompletedAt), formatTimePtr(d.ClosedAt),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt), d.Version, nullableStringPtr(d.CategoryID))
	if err != nil {
		return fmt.Errorf("insert defect: %w", err)
	}
	return nil
}

func (r Repo) GetDefect(ctx context.Context, id string) (domain.Defect, error) {
	return scanDefect(r.DB.QueryRowContext(ctx, r.q(`SELECT `+defectColumns+` FROM defects WHERE id=?`), id))
}

func (r Repo) GetDefectByNumber(ctx context.Context, number string) (domain.Defect, error) {
	return scanDefect(r.DB.QueryRowContext(ctx, r.q(`SELECT `+defectColumns+` FROM defects WHERE number=?`), number))
}

// updateDefectVersioned writes every mutable column of d, but only if the
// stored row still carries expectedVersion.
func (r Repo) updateDefectVersioned(ctx context.Context, tx *sql.Tx, d domain.Defect, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE defects SET
  title=?, description=?, location=?, floor=?, room=?, priority=?, severity=?, category_id=?,
  status=?, assignee_id=?, reviewer_id=?, due_date=?, assigned_at=?, started_at=?, completed_at=?, closed_at=?, updated_at=?, version=?
WHERE id=? AND version=?`),
		d.Title, nullable(d.Description), nullable(d.Location), nullable(d.Floor), nullable(d.Room),
		string(d.Priority), string(d.Severity), nullableStringPtr(d.CategoryID),
		string(d.Status), nullableStringPtr(d.AssigneeID), nullableStringPtr(d.ReviewerID),
		formatTimePtr(d.DueDate), formatTimePtr(d.AssignedAt), formatTimePtr(d.StartedAt), formatTimePtr(d.CompletedAt), formatTimePtr(d.ClosedAt),
		formatTime(d.UpdatedAt), d.Version, d.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update defect: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CommitTransition persists an accepted transition: the versioned defect
// update and its history record, in the caller's transaction. Neither is
// written without the other.
func (r Repo) CommitTransition(ctx context.Context, tx *sql.Tx, d domain.Defect, rec domain.TransitionRecord, expectedVersion int64) (domain.TransitionRecord, error) {
	if err := r.updateDefectVersioned(ctx, tx, d, expectedVersion); err != nil {
		return rec, err
	}
	id, err := r.insertHistory(ctx, tx, rec)
	if err != nil {
		return rec, err
	}
	rec.ID = id
	return rec, nil
}

// CommitAssignment persists an accepted assignment under the same version
// guard as transitions. Assignments leave no history record.
func (r Repo) CommitAssignment(ctx context.Context, tx *sql.Tx, d domain.Defect, expectedVersion int64) error {
	return r.updateDefectVersioned(ctx, tx, d, expectedVersion)
}

// CommitEdit persists a field edit under the version guard. Like
// assignments, edits leave no history record.
func (r Repo) CommitEdit(ctx context.Context, tx *sql.Tx, d domain.Defect, expectedVersion int64) error {
	return r.updateDefectVersioned(ctx, tx, d, expectedVersion)
}

// DefectVersion reads the stored version inside tx, for conflict reporting.
func (r Repo) DefectVersion(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, r.q(`SELECT version FROM defects WHERE id=?`), id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return v, err
}

// NextDefectSequence reserves the next per-project, per-year defect number.
func (r Repo) NextDefectSequence(ctx context.Context, tx *sql.Tx, projectID string, year int) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO defect_counters(project_id,year,seq) VALUES (?,?,1)
ON CONFLICT(project_id,year) DO UPDATE SET seq=defect_counters.seq+1
RETURNING seq`), projectID, year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reserve defect number: %w", err)
	}
	return seq, nil
}

type DefectFilters struct {
	ProjectID  string
	Status     domain.Status
	AssigneeID string
	Priority   domain.Priority
	CategoryID string
	// OverdueAt, when set, keeps only open defects due at or before this
	// instant; pass workflow.OverdueCutoff(now).
	OverdueAt       *time.Time
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

var openStatuses = []domain.Status{domain.StatusNew, domain.StatusInProgress, domain.StatusReview}

func openStatusList() string {
	parts := make([]string, len(openStatuses))
	for i, s := range openStatuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ",")
}

func (r Repo) ListDefects(ctx context.Context, f DefectFilters) ([]domain.Defect, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, string(f.Priority))
	}
	if f.CategoryID != "" {
		clauses = append(clauses, "category_id=?")
		args = append(args, f.CategoryID)
	}
	if f.OverdueAt != nil {
		clauses = append(clauses, "due_date IS NOT NULL AND due_date <= ? AND status IN ("+openStatusList()+")")
		args = append(args, formatTime(*f.OverdueAt))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + defectColumns + ` FROM defects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CursorFor returns the composite pagination cursor values for d.
func CursorFor(d domain.Defect) (string, string) {
	return formatTime(d.CreatedAt), d.ID
}

package repo

import (
	"context"
	"database/sql"
	"time"

	"defectline/internal/domain"
	"defectline/internal/workflow"
)

// Stats aggregates a project's defects. "Today" is the UTC day containing now.
func (r Repo) Stats(ctx context.Context, projectID string, now time.Time) (domain.Stats, error) {
	st := domain.Stats{
		ProjectID:  projectID,
		ByStatus:   map[domain.Status]int{},
		ByPriority: map[domain.Priority]int{},
	}
	for _, s := range domain.Statuses {
		st.ByStatus[s] = 0
	}
	for _, p := range domain.Priorities {
		st.ByPriority[p] = 0
	}

	if err := r.countGrouped(ctx, `SELECT status, count(*) FROM defects WHERE project_id=? GROUP BY status`, projectID, func(k string, n int) {
		st.ByStatus[domain.Status(k)] = n
		st.Total += n
	}); err != nil {
		return st, err
	}
	if err := r.countGrouped(ctx, `SELECT priority, count(*) FROM defects WHERE project_id=? GROUP BY priority`, projectID, func(k string, n int) {
		st.ByPriority[domain.Priority(k)] = n
	}); err != nil {
		return st, err
	}

	if err := r.countGrouped(ctx, `SELECT category_id, count(*) FROM defects WHERE project_id=? AND category_id IS NOT NULL GROUP BY category_id`, projectID, func(k string, n int) {
		if st.ByCategory == nil {
			st.ByCategory = map[string]int{}
		}
		st.ByCategory[k] = n
	}); err != nil {
		return st, err
	}

	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&st.Overdue, `SELECT count(*) FROM defects WHERE project_id=? AND due_date IS NOT NULL AND due_date <= ? AND status IN (` + openStatusList() + `)`,
			[]any{projectID, formatTime(workflow.OverdueCutoff(now))}},
		{&st.CreatedToday, `SELECT count(*) FROM defects WHERE project_id=? AND created_at >= ? AND created_at < ?`,
			[]any{projectID, formatTime(dayStart), formatTime(dayEnd)}},
		{&st.ClosedToday, `SELECT count(*) FROM defects WHERE project_id=? AND closed_at IS NOT NULL AND closed_at >= ? AND closed_at < ?`,
			[]any{projectID, formatTime(dayStart), formatTime(dayEnd)}},
	}
	for _, c := range counts {
		if err := r.DB.QueryRowContext(ctx, r.q(c.query), c.args...).Scan(c.dst); err != nil {
			return st, err
		}
	}

	avg, err := r.avgResolutionHours(ctx, projectID)
	if err != nil {
		return st, err
	}
	st.AvgResolutionHours = avg
	return st, nil
}

func (r Repo) countGrouped(ctx context.Context, query, projectID string, fn func(string, int)) error {
	rows, err := r.DB.QueryContext(ctx, r.q(query), projectID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}

// avgResolutionHours averages closed_at - created_at in Go; the two dialects
// disagree on date arithmetic over text columns.
func (r Repo) avgResolutionHours(ctx context.Context, projectID string) (*float64, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT created_at, closed_at FROM defects WHERE project_id=? AND status=? AND closed_at IS NOT NULL`),
		projectID, string(domain.StatusClosed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var total time.Duration
	var n int
	for rows.Next() {
		var created string
		var closed sql.NullString
		if err := rows.Scan(&created, &closed); err != nil {
			return nil, err
		}
		c, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		cl, err := parseNullTime(closed)
		if err != nil {
			return nil, err
		}
		if cl == nil {
			continue
		}
		total += cl.Sub(c)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	hours := total.Hours() / float64(n)
	return &hours, nil
}

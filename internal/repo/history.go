package repo

import (
	"context"
	"database/sql"
	"fmt"

	"defectline/internal/domain"
)

// defect_history has no update or delete path; rows are only written by
// CommitTransition.

func (r Repo) insertHistory(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO defect_history(defect_id,from_status,to_status,actor_id,comment,version,ts) VALUES (?,?,?,?,?,?,?) RETURNING id`),
		rec.DefectID, string(rec.From), string(rec.To), rec.ActorID, nullable(rec.Comment), rec.Version, formatTime(rec.TS)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	return id, nil
}

// ListHistory returns the transition records of a defect in version order.
// Timestamps come from the engine clock and may go backwards; the version
// sequence never does.
func (r Repo) ListHistory(ctx context.Context, defectID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,defect_id,from_status,to_status,actor_id,comment,version,ts FROM defect_history WHERE defect_id=? ORDER BY version ASC, id ASC`), defectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TransitionRecord{}
	for rows.Next() {
		var rec domain.TransitionRecord
		var from, to, ts string
		var comment sql.NullString
		if err := rows.Scan(&rec.ID, &rec.DefectID, &from, &to, &rec.ActorID, &comment, &rec.Version, &ts); err != nil {
			return nil, err
		}
		rec.From = domain.Status(from)
		rec.To = domain.Status(to)
		rec.Comment = comment.String
		if rec.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

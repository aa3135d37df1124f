package repo

import (
	"context"
	"database/sql"
	"fmt"

	"defectline/internal/domain"
)

const commentColumns = `id,defect_id,author_id,body,kind,reply_to,created_at`

func scanComment(row rowScanner) (domain.Comment, error) {
	var c domain.Comment
	var kind, created string
	var replyTo sql.NullInt64
	err := row.Scan(&c.ID, &c.DefectID, &c.AuthorID, &c.Body, &kind, &replyTo, &created)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Kind = domain.CommentKind(kind)
	if replyTo.Valid {
		v := replyTo.Int64
		c.ReplyTo = &v
	}
	c.CreatedAt, err = parseTime(created)
	return c, err
}

func (r Repo) InsertComment(ctx context.Context, tx *sql.Tx, c domain.Comment) (int64, error) {
	var replyTo any
	if c.ReplyTo != nil {
		replyTo = *c.ReplyTo
	}
	var id int64
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO defect_comments(defect_id,author_id,body,kind,reply_to,created_at) VALUES (?,?,?,?,?,?) RETURNING id`),
		c.DefectID, c.AuthorID, c.Body, string(c.Kind), replyTo, formatTime(c.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	return id, nil
}

func (r Repo) GetComment(ctx context.Context, id int64) (domain.Comment, error) {
	return scanComment(r.DB.QueryRowContext(ctx, r.q(`SELECT `+commentColumns+` FROM defect_comments WHERE id=?`), id))
}

// ListComments returns a defect's comments, oldest first.
func (r Repo) ListComments(ctx context.Context, defectID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+commentColumns+` FROM defect_comments WHERE defect_id=? ORDER BY id ASC`), defectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"defectline/internal/db"
	"defectline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a conditional update matched no row
	// because the stored version moved on.
	ErrVersionConflict = errors.New("version conflict")
)

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) EnsureProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO projects(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`),
		p.ID, p.Name, formatTime(p.CreatedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var created string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,created_at FROM projects WHERE id=?`), id).Scan(&p.ID, &p.Name, &created)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(created)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var created string
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO users(id,name,role,created_at) VALUES (?,?,?,?)`),
		u.ID, u.Name, string(u.Role), formatTime(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var role, created string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,role,created_at FROM users WHERE id=?`), id).Scan(&u.ID, &u.Name, &role, &created)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Role = domain.Role(role)
	u.CreatedAt, err = parseTime(created)
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, role domain.Role) ([]domain.User, error) {
	query := `SELECT id,name,role,created_at FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var roleStr, created string
		if err := rows.Scan(&u.ID, &u.Name, &roleStr, &created); err != nil {
			return nil, err
		}
		u.Role = domain.Role(roleStr)
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(domain.TimeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

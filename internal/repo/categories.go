package repo

import (
	"context"
	"database/sql"
	"fmt"

	"defectline/internal/domain"
)

const categoryColumns = `id,name,description,color,sort_order,active,created_at`

func scanCategory(row rowScanner) (domain.Category, error) {
	var c domain.Category
	var description sql.NullString
	var active int
	var created string
	err := row.Scan(&c.ID, &c.Name, &description, &c.Color, &c.SortOrder, &active, &created)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Description = description.String
	c.Active = active != 0
	c.CreatedAt, err = parseTime(created)
	return c, err
}

func (r Repo) InsertCategory(ctx context.Context, tx *sql.Tx, c domain.Category) error {
	active := 0
	if c.Active {
		active = 1
	}
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO categories(`+categoryColumns+`) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.Name, nullable(c.Description), c.Color, c.SortOrder, active, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func (r Repo) GetCategory(ctx context.Context, id string) (domain.Category, error) {
	return scanCategory(r.DB.QueryRowContext(ctx, r.q(`SELECT `+categoryColumns+` FROM categories WHERE id=?`), id))
}

// CategoryNameTaken reports whether another category already uses name,
// compared case-insensitively.
func (r Repo) CategoryNameTaken(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT count(*) FROM categories WHERE lower(name)=lower(?)`), name).Scan(&n)
	return n > 0, err
}

// ListCategories returns categories by sort order, then name.
func (r Repo) ListCategories(ctx context.Context, includeInactive bool) ([]domain.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories`
	if !includeInactive {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY sort_order ASC, name ASC`
	rows, err := r.DB.QueryContext(ctx, r.q(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeactivateCategory(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE categories SET active=0 WHERE id=? AND active=1`), id)
	if err != nil {
		return fmt.Errorf("deactivate category: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CategoryInUse counts defects still referencing the category, read inside tx
// so a concurrent create cannot slip in between check and deactivation.
func (r Repo) CategoryInUse(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT count(*) FROM defects WHERE category_id=?`), id).Scan(&n)
	return n, err
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/revittco/mcprouter/internal/store"
)

func (d *DB) CreateProject(ctx context.Context, p *store.Project) error {
	if p.ID == "" {
		p.ID = store.NewID("project")
	}
	now := nowMillis()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RootPath, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (d *DB) GetProject(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := d.q.QueryRowContext(ctx, `
		SELECT id, name, root_path, created_at, updated_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.RootPath, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *DB) ListProjects(ctx context.Context) ([]store.Project, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, name, root_path, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Project
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RootPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) UpdateProject(ctx context.Context, p *store.Project) error {
	p.UpdatedAt = nowMillis()
	res, err := d.q.ExecContext(ctx, `
		UPDATE projects SET name = ?, root_path = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.RootPath, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteProject(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

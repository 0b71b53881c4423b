package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/revittco/mcprouter/internal/store"
)

const serverColumns = `id, name, transport, command, args, env, url, project_id,
	status, tool_permissions, last_error, created_at, updated_at`

func (d *DB) CreateServer(ctx context.Context, s *store.Server) error {
	if s.ID == "" {
		s.ID = store.NewID("server")
	}
	now := nowMillis()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = store.StatusStopped
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO servers
			(`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Transport, s.Command,
		marshalJSON(s.Args, "[]"), marshalJSON(s.Env, "{}"),
		s.URL, s.ProjectID, s.Status,
		marshalJSON(s.ToolPermissions, "{}"), s.LastError,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (d *DB) GetServer(ctx context.Context, id string) (*store.Server, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

func (d *DB) GetServerByName(ctx context.Context, name string) (*store.Server, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

func (d *DB) ListServers(ctx context.Context) ([]store.Server, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Server
	for rows.Next() {
		s, err := scanServerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateServer(ctx context.Context, s *store.Server) error {
	s.UpdatedAt = nowMillis()

	res, err := d.q.ExecContext(ctx, `
		UPDATE servers
		SET name = ?, transport = ?, command = ?, args = ?, env = ?, url = ?,
		    project_id = ?, status = ?, tool_permissions = ?, last_error = ?,
		    updated_at = ?
		WHERE id = ?`,
		s.Name, s.Transport, s.Command,
		marshalJSON(s.Args, "[]"), marshalJSON(s.Env, "{}"),
		s.URL, s.ProjectID, s.Status,
		marshalJSON(s.ToolPermissions, "{}"), s.LastError,
		s.UpdatedAt, s.ID,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteServer(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) CountServersByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := d.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM servers WHERE status = ?`, status).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServerFrom(sc rowScanner) (*store.Server, error) {
	var s store.Server
	var args, env, perms string
	err := sc.Scan(
		&s.ID, &s.Name, &s.Transport, &s.Command, &args, &env, &s.URL,
		&s.ProjectID, &s.Status, &perms, &s.LastError,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Args = unmarshalStrings(args)
	s.Env = unmarshalStringMap(env)
	s.ToolPermissions = unmarshalBoolMap(perms)
	return &s, nil
}

func scanServer(row *sql.Row) (*store.Server, error)   { return scanServerFrom(row) }
func scanServerRow(rows *sql.Rows) (*store.Server, error) { return scanServerFrom(rows) }

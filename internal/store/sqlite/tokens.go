package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/revittco/mcprouter/internal/store"
)

const tokenColumns = `id, client_id, name, issued_at, expires_at, last_used_at,
	scopes, server_access, metadata`

func (d *DB) CreateToken(ctx context.Context, t *store.Token) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.Name, t.IssuedAt, t.ExpiresAt, t.LastUsedAt,
		marshalJSON(t.Scopes, "[]"), marshalJSON(t.ServerAccess, "{}"),
		marshalJSON(t.Metadata, "{}"),
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (d *DB) GetToken(ctx context.Context, id string) (*store.Token, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (d *DB) ListTokens(ctx context.Context, clientID string) ([]store.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens`
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY issued_at DESC`

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Token
	for rows.Next() {
		t, err := scanTokenFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (d *DB) UpdateToken(ctx context.Context, t *store.Token) error {
	res, err := d.q.ExecContext(ctx, `
		UPDATE tokens
		SET client_id = ?, name = ?, issued_at = ?, expires_at = ?,
		    last_used_at = ?, scopes = ?, server_access = ?, metadata = ?
		WHERE id = ?`,
		t.ClientID, t.Name, t.IssuedAt, t.ExpiresAt, t.LastUsedAt,
		marshalJSON(t.Scopes, "[]"), marshalJSON(t.ServerAccess, "{}"),
		marshalJSON(t.Metadata, "{}"), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteToken(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteExpiredTokens(ctx context.Context, before int64) (int, error) {
	res, err := d.q.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTokenFrom(sc rowScanner) (*store.Token, error) {
	var t store.Token
	var scopes, access, meta string
	err := sc.Scan(
		&t.ID, &t.ClientID, &t.Name, &t.IssuedAt, &t.ExpiresAt,
		&t.LastUsedAt, &scopes, &access, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Scopes = unmarshalStrings(scopes)
	t.ServerAccess = unmarshalBoolMap(access)
	t.Metadata = unmarshalStringMap(meta)
	return &t, nil
}

func scanToken(row *sql.Row) (*store.Token, error) { return scanTokenFrom(row) }

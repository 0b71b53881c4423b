package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/revittco/mcprouter/internal/store"
)

const policyColumns = `id, name, enabled, scope, scope_id, resource_type,
	pattern, action, priority, conditions, redact_fields, created_at, updated_at`

func (d *DB) CreatePolicyRule(ctx context.Context, r *store.PolicyRule) error {
	if r.ID == "" {
		r.ID = store.NewID("policy")
	}
	now := nowMillis()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Scope == "" {
		r.Scope = store.ScopeGlobal
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Enabled, r.Scope, r.ScopeID, r.ResourceType,
		r.Pattern, r.Action, r.Priority,
		marshalJSON(r.Conditions, "[]"), marshalJSON(r.RedactFields, "[]"),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (d *DB) GetPolicyRule(ctx context.Context, id string) (*store.PolicyRule, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	return scanPolicyFrom(row)
}

func (d *DB) ListPolicyRules(ctx context.Context, scope, scopeID string) ([]store.PolicyRule, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	var args []any
	switch {
	case scope != "" && scopeID != "":
		query += ` WHERE scope = ? AND scope_id = ?`
		args = append(args, scope, scopeID)
	case scope != "":
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	return d.queryPolicies(ctx, query, args...)
}

func (d *DB) ListEnabledPolicyRules(ctx context.Context) ([]store.PolicyRule, error) {
	return d.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE enabled = 1
		 ORDER BY priority DESC, created_at DESC`)
}

func (d *DB) queryPolicies(ctx context.Context, query string, args ...any) ([]store.PolicyRule, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PolicyRule
	for rows.Next() {
		r, err := scanPolicyFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (d *DB) UpdatePolicyRule(ctx context.Context, r *store.PolicyRule) error {
	r.UpdatedAt = nowMillis()

	res, err := d.q.ExecContext(ctx, `
		UPDATE policies
		SET name = ?, enabled = ?, scope = ?, scope_id = ?, resource_type = ?,
		    pattern = ?, action = ?, priority = ?, conditions = ?,
		    redact_fields = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Enabled, r.Scope, r.ScopeID, r.ResourceType,
		r.Pattern, r.Action, r.Priority,
		marshalJSON(r.Conditions, "[]"), marshalJSON(r.RedactFields, "[]"),
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (d *DB) DeletePolicyRule(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func scanPolicyFrom(sc rowScanner) (*store.PolicyRule, error) {
	var r store.PolicyRule
	var conditions, redactFields string
	err := sc.Scan(
		&r.ID, &r.Name, &r.Enabled, &r.Scope, &r.ScopeID, &r.ResourceType,
		&r.Pattern, &r.Action, &r.Priority, &conditions, &redactFields,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conditions != "" {
		_ = json.Unmarshal([]byte(conditions), &r.Conditions)
	}
	r.RedactFields = unmarshalStrings(redactFields)
	return &r, nil
}

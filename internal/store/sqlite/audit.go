package sqlite

import (
	"context"
	"strings"

	"github.com/revittco/mcprouter/internal/store"
)

const auditColumns = `id, type, client_id, server_id, tool_name, success,
	duration, metadata, timestamp`

func (d *DB) InsertAuditEvent(ctx context.Context, e *store.AuditEvent) error {
	if e.ID == "" {
		e.ID = store.NewID("audit")
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis()
	}

	metadata := "{}"
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.ClientID, e.ServerID, e.ToolName, e.Success,
		e.Duration, metadata, e.Timestamp,
	)
	return err
}

func (d *DB) QueryAuditEvents(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	where, args := buildAuditWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events` + where +
		` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return d.queryAudit(ctx, query, args...)
}

// QueryAuditEventsPaginated pages through audit events using the timestamp as
// an opaque cursor. It fetches limit+1 rows and reports HasMore from the
// extra row.
func (d *DB) QueryAuditEventsPaginated(
	ctx context.Context, f store.AuditFilter, cursor *int64, orderDir string, limit int,
) (*store.AuditPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if orderDir != "asc" {
		orderDir = "desc"
	}

	where, args := buildAuditWhere(f)
	if cursor != nil {
		op := "<"
		if orderDir == "asc" {
			op = ">"
		}
		if where == "" {
			where = " WHERE timestamp " + op + " ?"
		} else {
			where += " AND timestamp " + op + " ?"
		}
		args = append(args, *cursor)
	}

	order := "DESC"
	if orderDir == "asc" {
		order = "ASC"
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events` + where +
		` ORDER BY timestamp ` + order + ` LIMIT ?`
	args = append(args, limit+1)

	events, err := d.queryAudit(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &store.AuditPage{Items: events}
	if len(events) > limit {
		page.Items = events[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1].Timestamp
		page.NextCursor = &last
	}
	return page, nil
}

func (d *DB) CountAuditEvents(ctx context.Context, f store.AuditFilter) (int, error) {
	where, args := buildAuditWhere(f)
	var n int
	err := d.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&n)
	return n, err
}

func (d *DB) DeleteAuditEventsOlderThan(ctx context.Context, ts int64) (int, error) {
	res, err := d.q.ExecContext(ctx,
		`DELETE FROM audit_events WHERE timestamp < ?`, ts)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (d *DB) queryAudit(ctx context.Context, query string, args ...any) ([]store.AuditEvent, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuditEvent
	for rows.Next() {
		var e store.AuditEvent
		var metadata string
		if err := rows.Scan(
			&e.ID, &e.Type, &e.ClientID, &e.ServerID, &e.ToolName,
			&e.Success, &e.Duration, &metadata, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			e.Metadata = []byte(metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func buildAuditWhere(f store.AuditFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.ServerID != "" {
		clauses = append(clauses, "server_id = ?")
		args = append(args, f.ServerID)
	}
	if f.StartTime != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, *f.StartTime)
	}
	if f.EndTime != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, *f.EndTime)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Package audit appends security-relevant events to the store and streams
// them to UI subscribers.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/revittco/mcprouter/internal/events"
	"github.com/revittco/mcprouter/internal/store"
)

// Audit event types.
const (
	TypeToolCall      = "tool.call"
	TypeTokenCreate   = "token.create"
	TypeTokenValidate = "token.validate"
	TypeTokenRevoke   = "token.revoke"
	TypeServerStart   = "server.start"
	TypeServerStop    = "server.stop"
	TypePolicyDeny    = "policy.deny"
	TypeRateLimited   = "ratelimit.deny"
)

// Logger writes audit events. Writes are best-effort: a failed insert is
// logged and swallowed, because the client response is the ground truth of
// whether a call succeeded.
type Logger struct {
	store store.AuditStore
	bus   *events.Bus
	log   *slog.Logger
}

// NewLogger creates an audit Logger. The bus is optional (nil-safe).
func NewLogger(s store.AuditStore, bus *events.Bus, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{store: s, bus: bus, log: log}
}

// Record inserts the event and publishes it to the stream.
func (l *Logger) Record(ctx context.Context, ev *store.AuditEvent) {
	if err := l.store.InsertAuditEvent(ctx, ev); err != nil {
		l.log.Warn("audit write failed",
			"type", ev.Type, "client_id", ev.ClientID, "err", err)
		return
	}
	if l.bus != nil {
		l.bus.Publish(events.Event{Type: "audit.event", Data: ev})
	}
}

// Event is a convenience builder for Record. Metadata must be JSON-encodable.
func (l *Logger) Event(ctx context.Context, typ, clientID, serverID, toolName string, success bool, metadata map[string]any) {
	ev := &store.AuditEvent{
		Type:     typ,
		ClientID: clientID,
		ServerID: serverID,
		ToolName: toolName,
		Success:  success,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			l.log.Warn("audit metadata not encodable", "type", typ, "err", err)
		} else {
			ev.Metadata = raw
		}
	}
	l.Record(ctx, ev)
}

// Query returns events matching the filter, newest first.
func (l *Logger) Query(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	return l.store.QueryAuditEvents(ctx, f)
}

// QueryPaginated returns one page of events plus a cursor for the next.
func (l *Logger) QueryPaginated(ctx context.Context, f store.AuditFilter, cursor *int64, orderDir string, limit int) (*store.AuditPage, error) {
	return l.store.QueryAuditEventsPaginated(ctx, f, cursor, orderDir, limit)
}

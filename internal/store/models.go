package store

import "encoding/json"

// Server transport kinds.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Server lifecycle statuses. Transitions happen only through the server
// manager.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusError    = "error"
)

// Server is a configured downstream MCP server.
type Server struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Transport       string            `json:"transport"`
	Command         string            `json:"command,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	URL             *string           `json:"url,omitempty"`
	ProjectID       *string           `json:"project_id,omitempty"`
	Status          string            `json:"status"`
	ToolPermissions map[string]bool   `json:"tool_permissions,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	CreatedAt       int64             `json:"created_at"` // unix ms
	UpdatedAt       int64             `json:"updated_at"` // unix ms
}

// Token is the relational metadata of a bearer token. The full serialized
// token (the secret) lives in the keychain under Token.ID.
type Token struct {
	ID           string            `json:"id"`
	ClientID     string            `json:"client_id"`
	Name         string            `json:"name"`
	IssuedAt     int64             `json:"issued_at"`  // unix sec
	ExpiresAt    int64             `json:"expires_at"` // unix sec
	LastUsedAt   *int64            `json:"last_used_at,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	ServerAccess map[string]bool   `json:"server_access,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Policy rule scopes, most specific first when evaluating: client >
// server = workspace > global.
const (
	ScopeGlobal    = "global"
	ScopeWorkspace = "workspace"
	ScopeServer    = "server"
	ScopeClient    = "client"
)

// Policy rule actions.
const (
	ActionAllow           = "allow"
	ActionDeny            = "deny"
	ActionRequireApproval = "require_approval"
	ActionRedact          = "redact"
)

// Condition is a single predicate on the evaluation context. Field reads a
// direct context key or a metadata.<path> value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // equals, contains, matches, greater_than, less_than
	Value    any    `json:"value"`
}

// PolicyRule is a scoped, priority-ordered access rule.
type PolicyRule struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Enabled      bool        `json:"enabled"`
	Scope        string      `json:"scope"`
	ScopeID      string      `json:"scope_id,omitempty"`
	ResourceType string      `json:"resource_type"` // tool, server, resource
	Pattern      string      `json:"pattern"`
	Action       string      `json:"action"`
	Priority     int         `json:"priority"`
	Conditions   []Condition `json:"conditions,omitempty"`
	RedactFields []string    `json:"redact_fields,omitempty"`
	CreatedAt    int64       `json:"created_at"` // unix ms
	UpdatedAt    int64       `json:"updated_at"` // unix ms
}

// AuditEvent is an immutable record of a security- or operations-relevant
// action.
type AuditEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	ServerID  string          `json:"server_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Success   bool            `json:"success"`
	Duration  *int64          `json:"duration,omitempty"` // ms
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix ms
}

// AuditFilter selects audit events for queries and counts.
type AuditFilter struct {
	Type      string `json:"type,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	ServerID  string `json:"server_id,omitempty"`
	StartTime *int64 `json:"start_time,omitempty"` // unix ms inclusive
	EndTime   *int64 `json:"end_time,omitempty"`   // unix ms inclusive
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

// AuditPage is one page of a cursor-paginated audit query. NextCursor is the
// timestamp of the last returned row, set only when more rows exist.
type AuditPage struct {
	Items      []AuditEvent `json:"items"`
	NextCursor *int64       `json:"next_cursor,omitempty"`
	HasMore    bool         `json:"has_more"`
}

// Project groups servers under one workspace root.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RootPath  string `json:"root_path,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix ms
	UpdatedAt int64  `json:"updated_at"` // unix ms
}

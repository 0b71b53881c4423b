package store

import "context"

// Store is the composite interface for all data access.
type Store interface {
	ServerStore
	TokenStore
	PolicyStore
	AuditStore
	ProjectStore
	Tx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ServerStore manages server rows.
type ServerStore interface {
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByName(ctx context.Context, name string) (*Server, error)
	ListServers(ctx context.Context) ([]Server, error)
	UpdateServer(ctx context.Context, s *Server) error
	DeleteServer(ctx context.Context, id string) error
	CountServersByStatus(ctx context.Context, status string) (int, error)
}

// TokenStore manages token metadata rows. Secrets live in the keychain.
type TokenStore interface {
	CreateToken(ctx context.Context, t *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	ListTokens(ctx context.Context, clientID string) ([]Token, error)
	UpdateToken(ctx context.Context, t *Token) error
	DeleteToken(ctx context.Context, id string) error
	DeleteExpiredTokens(ctx context.Context, before int64) (int, error)
}

// PolicyStore manages policy rule rows.
type PolicyStore interface {
	CreatePolicyRule(ctx context.Context, r *PolicyRule) error
	GetPolicyRule(ctx context.Context, id string) (*PolicyRule, error)
	ListPolicyRules(ctx context.Context, scope, scopeID string) ([]PolicyRule, error)
	ListEnabledPolicyRules(ctx context.Context) ([]PolicyRule, error)
	UpdatePolicyRule(ctx context.Context, r *PolicyRule) error
	DeletePolicyRule(ctx context.Context, id string) error
}

// AuditStore manages the append-only audit log.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, e *AuditEvent) error
	QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
	QueryAuditEventsPaginated(ctx context.Context, f AuditFilter, cursor *int64, orderDir string, limit int) (*AuditPage, error)
	CountAuditEvents(ctx context.Context, f AuditFilter) (int, error)
	DeleteAuditEventsOlderThan(ctx context.Context, ts int64) (int, error)
}

// ProjectStore manages project rows.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	DeleteProject(ctx context.Context, id string) error
}

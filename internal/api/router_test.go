package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revittco/mcprouter/internal/approval"
	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/events"
	"github.com/revittco/mcprouter/internal/hooks"
	"github.com/revittco/mcprouter/internal/keychain"
	"github.com/revittco/mcprouter/internal/mcpclient"
	"github.com/revittco/mcprouter/internal/metrics"
	"github.com/revittco/mcprouter/internal/pipeline"
	"github.com/revittco/mcprouter/internal/policy"
	"github.com/revittco/mcprouter/internal/ratelimit"
	"github.com/revittco/mcprouter/internal/server"
	"github.com/revittco/mcprouter/internal/store"
	"github.com/revittco/mcprouter/internal/token"
)

// memStore is an in-memory stand-in for the sqlite store covering the
// slices the router needs.
type memStore struct {
	mu       sync.Mutex
	seq      int64
	servers  map[string]store.Server
	tokens   map[string]store.Token
	policies map[string]store.PolicyRule
	projects map[string]store.Project
	audits   []store.AuditEvent
}

func newMemStore() *memStore {
	return &memStore{
		servers:  make(map[string]store.Server),
		tokens:   make(map[string]store.Token),
		policies: make(map[string]store.PolicyRule),
		projects: make(map[string]store.Project),
	}
}

func (m *memStore) next() int64 {
	m.seq++
	return m.seq
}

func (m *memStore) CreateServer(_ context.Context, s *store.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.servers {
		if existing.Name == s.Name {
			return store.ErrAlreadyExists
		}
	}
	s.CreatedAt = m.next()
	s.UpdatedAt = s.CreatedAt
	m.servers[s.ID] = *s
	return nil
}

func (m *memStore) GetServer(_ context.Context, id string) (*store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (m *memStore) GetServerByName(_ context.Context, name string) (*store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.Name == name {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListServers(_ context.Context) ([]store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) UpdateServer(_ context.Context, s *store.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.ID]; !ok {
		return store.ErrNotFound
	}
	s.UpdatedAt = m.next()
	m.servers[s.ID] = *s
	return nil
}

func (m *memStore) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.servers, id)
	return nil
}

func (m *memStore) CountServersByStatus(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.servers {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateProject(_ context.Context, p *store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; ok {
		return store.ErrAlreadyExists
	}
	p.CreatedAt = m.next()
	p.UpdatedAt = p.CreatedAt
	m.projects[p.ID] = *p
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (*store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) ListProjects(_ context.Context) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) UpdateProject(_ context.Context, p *store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = m.next()
	m.projects[p.ID] = *p
	return nil
}

func (m *memStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *memStore) CreateToken(_ context.Context, t *store.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = *t
	return nil
}

func (m *memStore) GetToken(_ context.Context, id string) (*store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (m *memStore) ListTokens(_ context.Context, clientID string) ([]store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Token
	for _, t := range m.tokens {
		if clientID != "" && t.ClientID != clientID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) UpdateToken(_ context.Context, t *store.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; !ok {
		return store.ErrNotFound
	}
	m.tokens[t.ID] = *t
	return nil
}

func (m *memStore) DeleteToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *memStore) DeleteExpiredTokens(_ context.Context, before int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tokens {
		if t.ExpiresAt < before {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreatePolicyRule(_ context.Context, r *store.PolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CreatedAt = m.next()
	r.UpdatedAt = r.CreatedAt
	m.policies[r.ID] = *r
	return nil
}

func (m *memStore) GetPolicyRule(_ context.Context, id string) (*store.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.policies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) ListPolicyRules(_ context.Context, scope, scopeID string) ([]store.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PolicyRule
	for _, r := range m.policies {
		if scope != "" && r.Scope != scope {
			continue
		}
		if scopeID != "" && r.ScopeID != scopeID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) ListEnabledPolicyRules(_ context.Context) ([]store.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PolicyRule
	for _, r := range m.policies {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) UpdatePolicyRule(_ context.Context, r *store.PolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[r.ID]; !ok {
		return store.ErrNotFound
	}
	r.UpdatedAt = m.next()
	m.policies[r.ID] = *r
	return nil
}

func (m *memStore) DeletePolicyRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, e *store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = store.NewID("audit")
	e.Timestamp = m.next()
	m.audits = append(m.audits, *e)
	return nil
}

func (m *memStore) QueryAuditEvents(_ context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditEvent
	for _, e := range m.audits {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (m *memStore) QueryAuditEventsPaginated(ctx context.Context, f store.AuditFilter, cursor *int64, orderDir string, limit int) (*store.AuditPage, error) {
	evs, err := m.QueryAuditEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	var page []store.AuditEvent
	for _, e := range evs {
		if cursor != nil && e.Timestamp >= *cursor {
			continue
		}
		page = append(page, e)
		if len(page) == limit {
			break
		}
	}
	out := &store.AuditPage{Items: page, HasMore: len(page) == limit && limit < len(evs)}
	if out.HasMore && len(page) > 0 {
		c := page[len(page)-1].Timestamp
		out.NextCursor = &c
	}
	return out, nil
}

func (m *memStore) CountAuditEvents(ctx context.Context, f store.AuditFilter) (int, error) {
	evs, err := m.QueryAuditEvents(ctx, f)
	return len(evs), err
}

func (m *memStore) DeleteAuditEventsOlderThan(_ context.Context, ts int64) (int, error) {
	return 0, nil
}

// fakeClient pretends to be a connected MCP server.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	tools     []mcpclient.ToolInfo
	done      chan error
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.done = make(chan error, 1)
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return nil
}

func (f *fakeClient) Kill() error { return nil }

func (f *fakeClient) Done() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) ListTools(context.Context) ([]mcpclient.ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]any, _ time.Duration) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("called " + name), nil
}

func (f *fakeClient) Stderr() (io.Reader, bool) { return nil, false }

type testRouter struct {
	handler http.Handler
	tokens  *token.Service
	queue   *approval.Queue
	manager *server.Manager
	st      *memStore
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()

	st := newMemStore()
	bus := events.NewBus()
	auditLog := audit.NewLogger(st, bus, nil)
	keys := keychain.NewMemKeychain()
	tokens := token.NewService(st, keys, auditLog, nil)
	validator := token.NewValidator(tokens)
	queue := approval.NewQueue(bus)
	engine := policy.NewEngine(st)
	limiter := ratelimit.New()

	factory := func(srv *store.Server, _ *slog.Logger) (server.Client, error) {
		return &fakeClient{tools: []mcpclient.ToolInfo{
			{Name: "search_notes", Description: "Search notes"},
			{Name: "write_note", Description: "Write a note"},
		}}, nil
	}
	manager := server.NewManager(st, factory, auditLog, bus, nil)
	cat := catalog.New(manager, nil)

	pipe := pipeline.New(
		validator, cat, engine, limiter, queue, manager,
		hooks.NewRegistry(nil), auditLog,
		metrics.New(prometheus.NewRegistry()), nil,
	)

	handler := NewRouter(RouterDeps{
		Version:   "test",
		Validator: validator,
		Tokens:    tokens,
		Manager:   manager,
		Catalog:   cat,
		Policies:  engine,
		Approvals: queue,
		Audit:     auditLog,
		Pipeline:  pipe,
		Projects:  st,
		Bus:       bus,
	})

	return &testRouter{handler: handler, tokens: tokens, queue: queue, manager: manager, st: st}
}

func (tr *testRouter) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := tr.tokens.Generate(context.Background(), token.Options{ClientID: "admin"})
	require.NoError(t, err)
	return tok.ID
}

func (tr *testRouter) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestInfoIsOpen(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.do(t, http.MethodGet, "/api/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "test", body["version"])
}

func TestBearerRequired(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.do(t, http.MethodGet, "/api/servers", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "unauthenticated", body.Error.Kind)

	rec = tr.do(t, http.MethodGet, "/api/servers", "mcpr_bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerLifecycleAndToolCall(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodPost, "/api/servers", bearer, map[string]any{
		"name":      "notes",
		"transport": "stdio",
		"command":   "notes-mcp",
		"env":       map[string]string{"API_KEY": "hunter2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[store.Server](t, rec)
	assert.Equal(t, "***", created.Env["API_KEY"], "env values are redacted")

	rec = tr.do(t, http.MethodPost, "/api/servers/"+created.ID+"/start", bearer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = tr.do(t, http.MethodGet, "/api/tools", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tools := decodeBody[[]catalog.Tool](t, rec)
	require.Len(t, tools, 2)
	assert.Equal(t, "notes__search_notes", tools[0].ExposedName)

	rec = tr.do(t, http.MethodPost, "/api/tools/notes__search_notes/call", bearer, map[string]any{
		"arguments": map[string]any{"query": "milk"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[pipeline.Response](t, rec)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Result, "content")

	rec = tr.do(t, http.MethodPost, "/api/servers/"+created.ID+"/stop", bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUnknownToolErrorBody(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodPost, "/api/tools/ghost__tool/call", bearer, map[string]any{})
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "not_found", body.Error.Kind)
	assert.NotEmpty(t, body.Error.Message)
}

func TestTokenEndpoints(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodPost, "/api/tokens", bearer, map[string]any{
		"clientId": "cli_1",
		"name":     "laptop",
		"ttl":      3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[store.Token](t, rec)
	assert.True(t, token.ValidID(created.ID), "create returns the full id")

	rec = tr.do(t, http.MethodGet, "/api/tokens?clientId=cli_1", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	id := listed[0]["id"].(string)
	assert.Contains(t, id, "...", "listings redact the id")
	assert.False(t, token.ValidID(id))

	rec = tr.do(t, http.MethodDelete, "/api/tokens/"+created.ID, bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = tr.do(t, http.MethodGet, "/api/servers", created.ID, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "revoked token no longer authenticates")
}

func TestPolicyCRUD(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodPost, "/api/policies", bearer, map[string]any{
		"name":          "deny dangerous",
		"scope":         "global",
		"resource_type": "tool",
		"pattern":       "dangerous-*",
		"action":        "deny",
		"priority":      10,
		"enabled":       true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decodeBody[store.PolicyRule](t, rec)
	require.NotEmpty(t, rule.ID)

	rec = tr.do(t, http.MethodGet, "/api/policies", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decodeBody[[]store.PolicyRule](t, rec)
	assert.Len(t, rules, 1)

	rule.Priority = 20
	rec = tr.do(t, http.MethodPut, "/api/policies/"+rule.ID, bearer, rule)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tr.do(t, http.MethodDelete, "/api/policies/"+rule.ID, bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = tr.do(t, http.MethodPost, "/api/policies", bearer, map[string]any{
		"name": "broken", "scope": "bogus", "resource_type": "tool",
		"pattern": "*", "action": "deny",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectCRUD(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodPost, "/api/projects", bearer, map[string]any{
		"name":      "notes-app",
		"root_path": "/home/dev/notes-app",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	proj := decodeBody[store.Project](t, rec)
	require.NotEmpty(t, proj.ID)
	assert.Equal(t, "notes-app", proj.Name)

	rec = tr.do(t, http.MethodPost, "/api/projects", bearer, map[string]any{
		"root_path": "/home/dev/unnamed",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.do(t, http.MethodGet, "/api/projects", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	projects := decodeBody[[]store.Project](t, rec)
	assert.Len(t, projects, 1)

	rec = tr.do(t, http.MethodPut, "/api/projects/"+proj.ID, bearer, map[string]any{
		"name": "notes-app-v2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[store.Project](t, rec)
	assert.Equal(t, "notes-app-v2", updated.Name)
	assert.Equal(t, proj.CreatedAt, updated.CreatedAt)

	rec = tr.do(t, http.MethodDelete, "/api/projects/"+proj.ID, bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = tr.do(t, http.MethodGet, "/api/projects/"+proj.ID, bearer, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalRespondConflict(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	a := tr.queue.Create(approval.Request{ClientID: "cli_1", ServerID: "srv_1", ToolName: "write_note"})

	rec := tr.do(t, http.MethodPost, "/api/approvals/"+a.ID+"/respond", bearer, map[string]any{
		"approved": true, "respondedBy": "ops",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decodeBody[approval.Approval](t, rec)
	assert.Equal(t, approval.StatusApproved, resolved.Status)

	rec = tr.do(t, http.MethodPost, "/api/approvals/"+a.ID+"/respond", bearer, map[string]any{
		"approved": false, "respondedBy": "ops",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "conflict", body.Error.Kind)
}

func TestApprovalRespondValidation(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodPost, "/api/approvals/approval-x/respond", bearer, map[string]any{
		"approved": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditQuery(t *testing.T) {
	tr := newTestRouter(t)
	bearer := tr.adminToken(t)

	rec := tr.do(t, http.MethodGet, "/api/audit?cursor=abc", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.do(t, http.MethodGet, "/api/audit?type=token.create", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[store.AuditPage](t, rec)
	require.Len(t, page.Items, 1, "admin token creation was audited")
	assert.Equal(t, "token.create", page.Items[0].Type)
}

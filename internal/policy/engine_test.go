package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/revittco/mcprouter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPolicyStore is an in-memory store.PolicyStore for tests.
type memPolicyStore struct {
	mu    sync.Mutex
	rules map[string]*store.PolicyRule
	seq   int64
}

func newMemPolicyStore() *memPolicyStore {
	return &memPolicyStore{rules: make(map[string]*store.PolicyRule)}
}

func (m *memPolicyStore) CreatePolicyRule(_ context.Context, r *store.PolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = store.NewID("policy")
	}
	m.seq++
	r.CreatedAt = m.seq
	r.UpdatedAt = m.seq
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *memPolicyStore) GetPolicyRule(_ context.Context, id string) (*store.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memPolicyStore) ListPolicyRules(_ context.Context, scope, scopeID string) ([]store.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PolicyRule
	for _, r := range m.rules {
		if scope != "" && r.Scope != scope {
			continue
		}
		if scopeID != "" && r.ScopeID != scopeID {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *memPolicyStore) ListEnabledPolicyRules(_ context.Context) ([]store.PolicyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PolicyRule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memPolicyStore) UpdatePolicyRule(_ context.Context, r *store.PolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *memPolicyStore) DeletePolicyRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func seedRule(t *testing.T, s *memPolicyStore, r store.PolicyRule) *store.PolicyRule {
	t.Helper()
	r.Enabled = true
	if r.ResourceType == "" {
		r.ResourceType = "tool"
	}
	if r.Scope == "" {
		r.Scope = store.ScopeGlobal
	}
	require.NoError(t, s.CreatePolicyRule(context.Background(), &r))
	return &r
}

func TestEvaluateDefaultAllow(t *testing.T) {
	e := NewEngine(newMemPolicyStore())

	d, err := e.Evaluate(context.Background(), Context{
		ClientID: "alice", ResourceType: "tool", ResourceName: "read_file",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionAllow, d.Action)
	assert.Equal(t, "default", d.Reason)
	assert.Empty(t, d.RuleID)
}

func TestEvaluateDenyByName(t *testing.T) {
	s := newMemPolicyStore()
	rule := seedRule(t, s, store.PolicyRule{
		Name: "no dangerous tools", Pattern: "dangerous-*",
		Action: store.ActionDeny, Priority: 10,
	})
	e := NewEngine(s)

	d, err := e.Evaluate(context.Background(), Context{
		ClientID: "alice", ResourceType: "tool", ResourceName: "delete_file",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionAllow, d.Action)

	d, err = e.Evaluate(context.Background(), Context{
		ClientID: "alice", ResourceType: "tool", ResourceName: "dangerous-delete-all",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionDeny, d.Action)
	assert.Equal(t, rule.Name, d.RuleName)
}

func TestEvaluateScopeSpecificityBeatsPriority(t *testing.T) {
	s := newMemPolicyStore()
	seedRule(t, s, store.PolicyRule{
		Name: "global allow all", Pattern: "*",
		Action: store.ActionAllow, Priority: 1000,
	})
	seedRule(t, s, store.PolicyRule{
		Name: "alice no admin", Scope: store.ScopeClient, ScopeID: "alice",
		Pattern: "admin-*", Action: store.ActionDeny, Priority: 0,
	})
	e := NewEngine(s)

	d, err := e.Evaluate(context.Background(), Context{
		ClientID: "alice", ResourceType: "tool", ResourceName: "admin-reset",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionDeny, d.Action, "client scope outranks global regardless of priority")

	d, err = e.Evaluate(context.Background(), Context{
		ClientID: "bob", ResourceType: "tool", ResourceName: "admin-reset",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionAllow, d.Action)
}

func TestEvaluatePriorityThenCreatedAt(t *testing.T) {
	s := newMemPolicyStore()
	seedRule(t, s, store.PolicyRule{
		Name: "low", Pattern: "*", Action: store.ActionAllow, Priority: 0,
	})
	seedRule(t, s, store.PolicyRule{
		Name: "high", Pattern: "*", Action: store.ActionDeny, Priority: 100,
	})
	first := seedRule(t, s, store.PolicyRule{
		Name: "tie-a", Pattern: "special", Action: store.ActionAllow, Priority: 100,
	})
	_ = first
	newest := seedRule(t, s, store.PolicyRule{
		Name: "tie-b", Pattern: "special", Action: store.ActionDeny, Priority: 100,
	})
	e := NewEngine(s)

	d, err := e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "anything",
	})
	require.NoError(t, err)
	assert.Equal(t, "high", d.RuleName)

	d, err = e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "special",
	})
	require.NoError(t, err)
	assert.Equal(t, newest.Name, d.RuleName, "createdAt breaks priority ties, newest wins")
}

func TestEvaluateConditions(t *testing.T) {
	s := newMemPolicyStore()
	seedRule(t, s, store.PolicyRule{
		Name: "approve exec tools", Pattern: "*",
		Action: store.ActionRequireApproval, Priority: 5,
		Conditions: []store.Condition{
			{Field: "metadata.risk", Operator: "equals", Value: "exec"},
		},
	})
	e := NewEngine(s)

	d, err := e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "run_shell",
		Metadata: map[string]any{"risk": "exec"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionRequireApproval, d.Action)

	d, err = e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "read_file",
		Metadata: map[string]any{"risk": "read"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionAllow, d.Action)

	// Missing metadata field fails the condition.
	d, err = e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "run_shell",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ActionAllow, d.Action)
}

func TestEvaluateNumericConditions(t *testing.T) {
	s := newMemPolicyStore()
	seedRule(t, s, store.PolicyRule{
		Name: "deny big payloads", Pattern: "*",
		Action: store.ActionDeny, Priority: 1,
		Conditions: []store.Condition{
			{Field: "metadata.size", Operator: "greater_than", Value: 100},
		},
	})
	e := NewEngine(s)

	d, _ := e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "upload",
		Metadata: map[string]any{"size": 500},
	})
	assert.Equal(t, store.ActionDeny, d.Action)

	d, _ = e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "upload",
		Metadata: map[string]any{"size": 50},
	})
	assert.Equal(t, store.ActionAllow, d.Action)
}

func TestEvaluateResourceTypeFilter(t *testing.T) {
	s := newMemPolicyStore()
	seedRule(t, s, store.PolicyRule{
		Name: "server rule", ResourceType: "server", Pattern: "*",
		Action: store.ActionDeny, Priority: 1,
	})
	e := NewEngine(s)

	d, _ := e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "read_file",
	})
	assert.Equal(t, store.ActionAllow, d.Action, "server rules must not match tool contexts")
}

func TestEvaluateRedactCarriesFields(t *testing.T) {
	s := newMemPolicyStore()
	seedRule(t, s, store.PolicyRule{
		Name: "redact secrets", Pattern: "fetch_*",
		Action: store.ActionRedact, Priority: 1,
		RedactFields: []string{"credentials.apiKey", "body.token"},
	})
	e := NewEngine(s)

	d, _ := e.Evaluate(context.Background(), Context{
		ResourceType: "tool", ResourceName: "fetch_url",
	})
	assert.Equal(t, store.ActionRedact, d.Action)
	assert.Equal(t, []string{"credentials.apiKey", "body.token"}, d.Redactions)
}

func TestUpdatePreservesImmutableFields(t *testing.T) {
	s := newMemPolicyStore()
	rule := seedRule(t, s, store.PolicyRule{
		Name: "r", Pattern: "*", Action: store.ActionAllow,
	})
	e := NewEngine(s)

	patched := *rule
	patched.Name = "renamed"
	patched.CreatedAt = 999999
	require.NoError(t, e.Update(context.Background(), &patched))

	got, err := e.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, rule.CreatedAt, got.CreatedAt)
}

func TestAddValidation(t *testing.T) {
	e := NewEngine(newMemPolicyStore())

	err := e.Add(context.Background(), &store.PolicyRule{
		Name: "bad", Scope: "bogus", ResourceType: "tool",
		Pattern: "*", Action: store.ActionAllow,
	})
	assert.Error(t, err)

	err = e.Add(context.Background(), &store.PolicyRule{
		Name: "bad", Scope: store.ScopeClient, ResourceType: "tool",
		Pattern: "*", Action: store.ActionAllow,
	})
	assert.Error(t, err, "client scope without scope_id must fail")
}

// Package policy evaluates scoped, priority-ordered access rules against
// tool-call contexts and computes field-level redactions.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

// Context is the input to one evaluation.
type Context struct {
	ClientID     string
	ServerID     string
	WorkspaceID  string
	ResourceType string // tool, server, resource
	ResourceName string
	Metadata     map[string]any
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Action     string   `json:"action"`
	RuleID     string   `json:"rule_id,omitempty"`
	RuleName   string   `json:"rule_name,omitempty"`
	Reason     string   `json:"reason"`
	Redactions []string `json:"redactions,omitempty"`
}

// Engine evaluates policy rules loaded from the store.
type Engine struct {
	store store.PolicyStore
}

// NewEngine creates a policy engine backed by the given store.
func NewEngine(s store.PolicyStore) *Engine {
	return &Engine{store: s}
}

// scopeSpecificity orders overlapping rules: client beats server and
// workspace, which beat global.
func scopeSpecificity(scope string) int {
	switch scope {
	case store.ScopeClient:
		return 3
	case store.ScopeServer, store.ScopeWorkspace:
		return 2
	default:
		return 1
	}
}

// Evaluate returns the decision of the highest-ranked matching rule, or the
// default allow when nothing matches.
func (e *Engine) Evaluate(ctx context.Context, pc Context) (*Decision, error) {
	rules, err := e.store.ListEnabledPolicyRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policy rules: %w", err)
	}

	var candidates []store.PolicyRule
	for _, r := range rules {
		if !scopeApplies(r, pc) {
			continue
		}
		if r.ResourceType != pc.ResourceType {
			continue
		}
		if !MatchPattern(r.Pattern, pc.ResourceName) {
			continue
		}
		if !conditionsHold(r.Conditions, pc) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return &Decision{Action: store.ActionAllow, Reason: "default"}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scopeSpecificity(candidates[i].Scope), scopeSpecificity(candidates[j].Scope)
		if si != sj {
			return si > sj
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt > candidates[j].CreatedAt
	})

	top := candidates[0]
	d := &Decision{
		Action:   top.Action,
		RuleID:   top.ID,
		RuleName: top.Name,
		Reason:   top.Name,
	}
	if top.Action == store.ActionRedact {
		d.Redactions = top.RedactFields
	}
	return d, nil
}

func scopeApplies(r store.PolicyRule, pc Context) bool {
	switch r.Scope {
	case store.ScopeGlobal:
		return true
	case store.ScopeClient:
		return r.ScopeID == pc.ClientID
	case store.ScopeServer:
		return r.ScopeID == pc.ServerID
	case store.ScopeWorkspace:
		return r.ScopeID == pc.WorkspaceID
	default:
		return false
	}
}

// conditionsHold evaluates every condition (AND). A condition reads a direct
// context key or a metadata.<path> value.
func conditionsHold(conds []store.Condition, pc Context) bool {
	for _, c := range conds {
		val, ok := resolveField(c.Field, pc)
		if !ok {
			return false
		}
		if !applyOperator(c.Operator, val, c.Value) {
			return false
		}
	}
	return true
}

func resolveField(field string, pc Context) (any, bool) {
	switch field {
	case "clientId":
		return pc.ClientID, true
	case "serverId":
		return pc.ServerID, true
	case "workspaceId":
		return pc.WorkspaceID, true
	case "resourceType":
		return pc.ResourceType, true
	case "resourceName":
		return pc.ResourceName, true
	}

	if path, ok := strings.CutPrefix(field, "metadata."); ok {
		return lookupPath(pc.Metadata, strings.Split(path, "."))
	}
	if pc.Metadata != nil {
		if v, ok := pc.Metadata[field]; ok {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(data map[string]any, segments []string) (any, bool) {
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func applyOperator(op string, actual, expected any) bool {
	switch op {
	case "equals":
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case "contains":
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected))
	case "matches":
		re, err := regexp.Compile(fmt.Sprint(expected))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(actual))
	case "greater_than":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a > b
	case "less_than":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a < b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CRUD pass-throughs with the invariants the API relies on.

// Add validates and persists a new rule.
func (e *Engine) Add(ctx context.Context, r *store.PolicyRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	return e.store.CreatePolicyRule(ctx, r)
}

// Update persists changes to an existing rule. ID and CreatedAt are
// immutable.
func (e *Engine) Update(ctx context.Context, r *store.PolicyRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	existing, err := e.store.GetPolicyRule(ctx, r.ID)
	if err != nil {
		return err
	}
	r.CreatedAt = existing.CreatedAt
	return e.store.UpdatePolicyRule(ctx, r)
}

// Delete removes a rule.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.DeletePolicyRule(ctx, id)
}

// Get returns one rule.
func (e *Engine) Get(ctx context.Context, id string) (*store.PolicyRule, error) {
	return e.store.GetPolicyRule(ctx, id)
}

// List returns rules, optionally filtered by scope and scope id.
func (e *Engine) List(ctx context.Context, scope, scopeID string) ([]store.PolicyRule, error) {
	return e.store.ListPolicyRules(ctx, scope, scopeID)
}

func validateRule(r *store.PolicyRule) error {
	switch r.Scope {
	case store.ScopeGlobal, store.ScopeWorkspace, store.ScopeServer, store.ScopeClient:
	default:
		return errs.Newf(errs.KindValidation, "invalid scope %q", r.Scope)
	}
	switch r.Action {
	case store.ActionAllow, store.ActionDeny, store.ActionRequireApproval, store.ActionRedact:
	default:
		return errs.Newf(errs.KindValidation, "invalid action %q", r.Action)
	}
	switch r.ResourceType {
	case "tool", "server", "resource":
	default:
		return errs.Newf(errs.KindValidation, "invalid resource type %q", r.ResourceType)
	}
	if r.Pattern == "" {
		return errs.New(errs.KindValidation, "pattern is required")
	}
	if r.Scope != store.ScopeGlobal && r.ScopeID == "" {
		return errs.Newf(errs.KindValidation, "scope %q requires scope_id", r.Scope)
	}
	return nil
}

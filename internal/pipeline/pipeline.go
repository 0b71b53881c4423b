// Package pipeline implements the call_tool flow: authentication, name
// resolution, per-server authorization, rate limiting, policy, approval,
// hooks, dispatch, redaction, and audit, in that order.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/revittco/mcprouter/internal/approval"
	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/hooks"
	"github.com/revittco/mcprouter/internal/mcpclient"
	"github.com/revittco/mcprouter/internal/metrics"
	"github.com/revittco/mcprouter/internal/policy"
	"github.com/revittco/mcprouter/internal/ratelimit"
	"github.com/revittco/mcprouter/internal/store"
	"github.com/revittco/mcprouter/internal/token"
)

// DefaultDeadline bounds a request that carries no explicit deadline.
const DefaultDeadline = 30 * time.Second

// Request is one incoming tool call.
type Request struct {
	TokenID          string
	ExposedToolName  string
	ServerID         string // set instead of ExposedToolName for direct calls
	RawToolName      string
	Arguments        map[string]any
	ProjectID        string
	ClientSuppliedID string
	Deadline         time.Duration // zero means DefaultDeadline
}

// Response is the pipeline's answer on success.
type Response struct {
	RequestID string         `json:"requestId"`
	Result    map[string]any `json:"result"`
	IsError   bool           `json:"isError"`
	Duration  int64          `json:"duration"` // ms
}

// TokenValidator authenticates bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, id string) (*token.Result, error)
}

// Dispatcher forwards calls to a running server. *server.Manager satisfies it.
type Dispatcher interface {
	GetTools(ctx context.Context, id string) ([]mcpclient.ToolInfo, error)
	CallTool(ctx context.Context, id, rawName string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error)
}

// Pipeline wires the router components into the call flow.
type Pipeline struct {
	validator TokenValidator
	catalog   *catalog.Catalog
	policies  *policy.Engine
	limiter   *ratelimit.Limiter
	approvals *approval.Queue
	servers   Dispatcher
	hooks     *hooks.Registry
	audit     *audit.Logger
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// New assembles a pipeline. Hooks and metrics are optional.
func New(
	validator TokenValidator,
	cat *catalog.Catalog,
	policies *policy.Engine,
	limiter *ratelimit.Limiter,
	approvals *approval.Queue,
	servers Dispatcher,
	hookReg *hooks.Registry,
	auditLog *audit.Logger,
	m *metrics.Metrics,
	log *slog.Logger,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		validator: validator,
		catalog:   cat,
		policies:  policies,
		limiter:   limiter,
		approvals: approvals,
		servers:   servers,
		hooks:     hookReg,
		audit:     auditLog,
		metrics:   m,
		log:       log,
	}
}

// CallTool runs the full flow for a request addressed by exposed name or,
// when ServerID is set, by server id plus raw name.
func (p *Pipeline) CallTool(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	requestID := req.ClientSuppliedID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if req.Deadline <= 0 {
		req.Deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, req.Deadline)
	defer cancel()

	// 1. Authentication.
	res, err := p.validator.Validate(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		p.audit.Event(ctx, audit.TypeTokenValidate, "", "", "", false,
			map[string]any{"error": res.Error})
		return nil, errs.New(errs.KindUnauthenticated, res.Error)
	}
	clientID := res.Token.ClientID

	// 2. Name resolution.
	tool, err := p.resolveTool(ctx, req)
	if err != nil {
		return nil, err
	}
	serverID, rawName := tool.ServerID, tool.RawName

	// 3. Per-server authorization.
	if !token.ServerAllowed(res.Token, serverID) {
		return nil, errs.New(errs.KindForbidden, "token does not grant access to this server")
	}

	// 4. Rate limit: per client and per client+server.
	for _, key := range []struct{ key, kind string }{
		{clientID, "client"},
		{clientID + ":" + serverID, "client_server"},
	} {
		r := p.limiter.Consume(key.key, 1)
		if !r.Allowed {
			if p.metrics != nil {
				p.metrics.RateLimitDenials.WithLabelValues(key.kind).Inc()
			}
			p.audit.Event(ctx, audit.TypeRateLimited, clientID, serverID, rawName, false, nil)
			return nil, &errs.Error{
				Kind:       errs.KindCapacity,
				Message:    "rate limit exceeded",
				RetryAfter: r.RetryAfter,
			}
		}
	}

	// 5. Policy.
	decision, err := p.policies.Evaluate(ctx, policy.Context{
		ClientID:     clientID,
		ServerID:     serverID,
		ResourceType: "tool",
		ResourceName: rawName,
		Metadata: map[string]any{
			"args": req.Arguments,
			"risk": tool.RiskLevel,
		},
	})
	if err != nil {
		return nil, err
	}

	var redactions []string
	approved := false
	switch decision.Action {
	case "allow":
	case "deny":
		p.audit.Event(ctx, audit.TypePolicyDeny, clientID, serverID, rawName, false,
			map[string]any{"ruleId": decision.RuleID, "ruleName": decision.RuleName})
		return nil, &errs.Error{
			Kind:    errs.KindForbidden,
			Message: "denied by policy: " + decision.Reason,
			RuleID:  decision.RuleID,
		}
	case "require_approval":
		if err := p.awaitApproval(ctx, req, clientID, tool); err != nil {
			return nil, err
		}
		approved = true
	case "redact":
		redactions = decision.Redactions
	}

	// 6. Pre-call hooks may substitute arguments.
	args := req.Arguments
	if p.hooks != nil {
		payload := p.hooks.Run(ctx, hooks.EventBeforeToolCall, req.ProjectID, serverID, map[string]any{
			"toolName":  rawName,
			"clientId":  clientID,
			"arguments": args,
		})
		if modified, ok := payload["arguments"].(map[string]any); ok {
			args = modified
		}
	}

	// 7. Dispatch. Re-check the tool against the live server first.
	if err := p.confirmToolLive(ctx, serverID, rawName); err != nil {
		p.recordCall(ctx, clientID, serverID, rawName, false, start, decision, approved, redactions)
		return nil, err
	}

	callRes, err := p.servers.CallTool(ctx, serverID, rawName, args, req.Deadline)
	if err != nil {
		p.recordCall(ctx, clientID, serverID, rawName, false, start, decision, approved, redactions)
		return nil, err
	}

	// 8. Post-processing: redaction, duration.
	result, err := resultToMap(callRes)
	if err != nil {
		p.recordCall(ctx, clientID, serverID, rawName, false, start, decision, approved, redactions)
		return nil, errs.Wrap(errs.KindInternal, "decode tool result", err)
	}
	if len(redactions) > 0 {
		result = policy.ApplyRedactions(result, redactions)
	}

	// 9. Post-call hooks on the response.
	if p.hooks != nil {
		payload := p.hooks.Run(ctx, hooks.EventAfterToolCall, req.ProjectID, serverID, map[string]any{
			"toolName": rawName,
			"clientId": clientID,
			"result":   result,
		})
		if modified, ok := payload["result"].(map[string]any); ok {
			result = modified
		}
	}

	isError, _ := result["isError"].(bool)
	p.catalog.RecordUsage(tool.ExposedName)

	// 10. Audit before returning.
	p.recordCall(ctx, clientID, serverID, rawName, !isError, start, decision, approved, redactions)

	// 11. Return.
	return &Response{
		RequestID: requestID,
		Result:    result,
		IsError:   isError,
		Duration:  time.Since(start).Milliseconds(),
	}, nil
}

// resolveTool maps the request to a catalog entry. Disabled tools are
// indistinguishable from absent ones.
func (p *Pipeline) resolveTool(ctx context.Context, req Request) (*catalog.Tool, error) {
	if req.ServerID != "" {
		tools, err := p.catalog.List(ctx, req.ServerID)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			if t.RawName == req.RawToolName {
				if !t.Enabled {
					break
				}
				return t, nil
			}
		}
		return nil, errs.Newf(errs.KindNotFound, "tool %s not found on server %s", req.RawToolName, req.ServerID)
	}

	if _, _, err := catalog.ParseExposedName(req.ExposedToolName); err != nil {
		return nil, err
	}
	tool, err := p.catalog.Get(ctx, req.ExposedToolName)
	if err != nil {
		return nil, err
	}
	if !tool.Enabled {
		return nil, errs.Newf(errs.KindNotFound, "tool %s not found", req.ExposedToolName)
	}
	return tool, nil
}

// awaitApproval blocks on a human decision with a budget of the shorter of
// the request deadline and the queue default.
func (p *Pipeline) awaitApproval(ctx context.Context, req Request, clientID string, tool *catalog.Tool) error {
	a := p.approvals.Create(approval.Request{
		ClientID:  clientID,
		ServerID:  tool.ServerID,
		ToolName:  tool.RawName,
		Arguments: req.Arguments,
		RiskLevel: tool.RiskLevel,
	})

	budget := req.Deadline
	if budget > approval.DefaultTimeout {
		budget = approval.DefaultTimeout
	}

	res, err := p.approvals.WaitFor(ctx, a.ID, budget)
	if err != nil && res.Status == "" {
		return err
	}
	if p.metrics != nil {
		p.metrics.Approvals.WithLabelValues(res.Status).Inc()
	}

	switch res.Status {
	case approval.StatusApproved:
		return nil
	case approval.StatusExpired:
		return errs.New(errs.KindTimeout, "approval timed out")
	default:
		reason := res.Reason
		if reason == "" {
			reason = res.Status
		}
		return errs.New(errs.KindForbidden, "approval "+res.Status+": "+reason)
	}
}

// confirmToolLive checks the tool still exists on the running server.
func (p *Pipeline) confirmToolLive(ctx context.Context, serverID, rawName string) error {
	tools, err := p.servers.GetTools(ctx, serverID)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if t.Name == rawName {
			return nil
		}
	}
	return errs.Newf(errs.KindNotFound, "tool %s no longer exists on server %s", rawName, serverID)
}

func (p *Pipeline) recordCall(ctx context.Context, clientID, serverID, rawName string, success bool, start time.Time, decision *policy.Decision, approved bool, redactions []string) {
	duration := time.Since(start)

	if p.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "error"
		}
		p.metrics.ToolCalls.WithLabelValues(serverID, outcome).Inc()
		p.metrics.ToolCallDuration.WithLabelValues(serverID).Observe(duration.Seconds())
	}

	metadata := map[string]any{}
	if decision != nil && decision.RuleID != "" {
		metadata["policyRuleId"] = decision.RuleID
	}
	if len(redactions) > 0 {
		metadata["redacted"] = true
	}
	if approved {
		metadata["approved"] = true
	}

	durationMs := duration.Milliseconds()
	ev := &store.AuditEvent{
		Type:     audit.TypeToolCall,
		ClientID: clientID,
		ServerID: serverID,
		ToolName: rawName,
		Success:  success,
		Duration: &durationMs,
	}
	if len(metadata) > 0 {
		ev.Metadata, _ = json.Marshal(metadata)
	}
	p.audit.Record(ctx, ev)
}

// resultToMap flattens the MCP result into plain data so redactions and
// post-call hooks can walk it.
func resultToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

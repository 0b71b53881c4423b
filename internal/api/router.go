// Package api exposes the router over HTTP: server lifecycle, the tool
// catalog, tool calls through the pipeline, tokens, policies, approvals,
// the audit log, and an SSE event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/revittco/mcprouter/internal/approval"
	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/events"
	"github.com/revittco/mcprouter/internal/pipeline"
	"github.com/revittco/mcprouter/internal/policy"
	"github.com/revittco/mcprouter/internal/server"
	"github.com/revittco/mcprouter/internal/store"
	"github.com/revittco/mcprouter/internal/token"
)

// TokenValidator is what the auth middleware needs from the token layer.
type TokenValidator interface {
	Validate(ctx context.Context, id string) (*token.Result, error)
}

// RouterDeps holds the dependencies needed by the HTTP API router.
type RouterDeps struct {
	Version   string
	Validator TokenValidator
	Tokens    *token.Service
	Manager   *server.Manager
	Catalog   *catalog.Catalog
	Policies  *policy.Engine
	Approvals *approval.Queue
	Audit     *audit.Logger
	Pipeline  *pipeline.Pipeline
	Projects  store.ProjectStore  // optional; enables project CRUD
	Bus       *events.Bus         // optional; enables the SSE event stream
	Metrics   prometheus.Gatherer // optional; enables GET /metrics
	CORS      []string
	Log       *slog.Logger
}

// NewRouter creates an http.Handler with all API routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	mux := http.NewServeMux()

	info := &infoHandler{version: deps.Version, manager: deps.Manager}
	mux.HandleFunc("GET /api/info", info.get)

	srv := &serverHandler{manager: deps.Manager, catalog: deps.Catalog}
	mux.HandleFunc("GET /api/servers", srv.list)
	mux.HandleFunc("POST /api/servers", srv.create)
	mux.HandleFunc("GET /api/servers/{id}", srv.get)
	mux.HandleFunc("PUT /api/servers/{id}", srv.update)
	mux.HandleFunc("DELETE /api/servers/{id}", srv.delete)
	mux.HandleFunc("POST /api/servers/{id}/start", srv.start)
	mux.HandleFunc("POST /api/servers/{id}/stop", srv.stop)
	mux.HandleFunc("POST /api/servers/{id}/restart", srv.restart)
	mux.HandleFunc("GET /api/servers/{id}/stderr", srv.stderr)
	mux.HandleFunc("GET /api/servers/{id}/tools", srv.tools)

	tools := &toolHandler{catalog: deps.Catalog, pipeline: deps.Pipeline}
	mux.HandleFunc("GET /api/tools", tools.list)
	mux.HandleFunc("GET /api/tools/search", tools.search)
	mux.HandleFunc("POST /api/tools/{exposedName}/call", tools.call)
	mux.HandleFunc("POST /api/servers/{id}/tools/{raw}/call", tools.callDirect)

	tok := &tokenHandler{service: deps.Tokens}
	mux.HandleFunc("GET /api/tokens", tok.list)
	mux.HandleFunc("POST /api/tokens", tok.create)
	mux.HandleFunc("GET /api/tokens/{id}", tok.get)
	mux.HandleFunc("DELETE /api/tokens/{id}", tok.revoke)

	pol := &policyHandler{engine: deps.Policies}
	mux.HandleFunc("GET /api/policies", pol.list)
	mux.HandleFunc("POST /api/policies", pol.create)
	mux.HandleFunc("GET /api/policies/{id}", pol.get)
	mux.HandleFunc("PUT /api/policies/{id}", pol.update)
	mux.HandleFunc("DELETE /api/policies/{id}", pol.delete)

	appr := &approvalHandler{queue: deps.Approvals}
	mux.HandleFunc("GET /api/approvals", appr.list)
	mux.HandleFunc("GET /api/approvals/{id}", appr.get)
	mux.HandleFunc("POST /api/approvals/{id}/respond", appr.respond)

	auditH := &auditHandler{logger: deps.Audit}
	mux.HandleFunc("GET /api/audit", auditH.query)

	if deps.Projects != nil {
		proj := &projectHandler{store: deps.Projects}
		mux.HandleFunc("GET /api/projects", proj.list)
		mux.HandleFunc("POST /api/projects", proj.create)
		mux.HandleFunc("GET /api/projects/{id}", proj.get)
		mux.HandleFunc("PUT /api/projects/{id}", proj.update)
		mux.HandleFunc("DELETE /api/projects/{id}", proj.delete)
	}

	if deps.Bus != nil {
		sse := &eventsHandler{bus: deps.Bus}
		mux.HandleFunc("GET /api/events", sse.stream)
	}

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = authMiddleware(deps.Validator)(handler)
	handler = corsMiddleware(deps.CORS)(handler)
	handler = loggingMiddleware(deps.Log)(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

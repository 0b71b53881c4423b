package api

import (
	"net/http"
	"strconv"

	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/pipeline"
)

type toolHandler struct {
	catalog  *catalog.Catalog
	pipeline *pipeline.Pipeline
}

func (h *toolHandler) list(w http.ResponseWriter, r *http.Request) {
	tools, err := h.catalog.List(r.Context(), r.URL.Query().Get("serverId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if tools == nil {
		tools = []*catalog.Tool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (h *toolHandler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, errs.KindValidation, "query parameter q is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errs.KindValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	tools, scores, err := h.catalog.Search(r.Context(), query, limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	type hit struct {
		Tool  *catalog.Tool `json:"tool"`
		Score float64       `json:"score"`
	}
	hits := make([]hit, 0, len(tools))
	for i, t := range tools {
		hits = append(hits, hit{Tool: t, Score: scores[i].Score})
	}
	writeJSON(w, http.StatusOK, hits)
}

type callRequest struct {
	Arguments map[string]any `json:"arguments"`
	ProjectID string         `json:"projectId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

func (h *toolHandler) call(w http.ResponseWriter, r *http.Request) {
	var body callRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}

	resp, err := h.pipeline.CallTool(r.Context(), pipeline.Request{
		TokenID:          contextTokenID(r.Context()),
		ExposedToolName:  r.PathValue("exposedName"),
		Arguments:        body.Arguments,
		ProjectID:        body.ProjectID,
		ClientSuppliedID: body.RequestID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *toolHandler) callDirect(w http.ResponseWriter, r *http.Request) {
	var body callRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}

	resp, err := h.pipeline.CallTool(r.Context(), pipeline.Request{
		TokenID:          contextTokenID(r.Context()),
		ServerID:         r.PathValue("id"),
		RawToolName:      r.PathValue("raw"),
		Arguments:        body.Arguments,
		ProjectID:        body.ProjectID,
		ClientSuppliedID: body.RequestID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

const defaultAuditPageSize = 50

type auditHandler struct {
	logger *audit.Logger
}

// query serves cursor-paginated audit pages, newest first by default.
func (h *auditHandler) query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.AuditFilter{
		Type:     q.Get("type"),
		ClientID: q.Get("clientId"),
		ServerID: q.Get("serverId"),
	}

	if v := q.Get("since"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, errs.KindValidation, "since must be a unix ms timestamp")
			return
		}
		filter.StartTime = &ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, errs.KindValidation, "until must be a unix ms timestamp")
			return
		}
		filter.EndTime = &ts
	}

	var cursor *int64
	if v := q.Get("cursor"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, errs.KindValidation, "invalid cursor")
			return
		}
		cursor = &c
	}

	limit := defaultAuditPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errs.KindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	orderDir := q.Get("order")
	if orderDir == "" {
		orderDir = "desc"
	}
	if orderDir != "asc" && orderDir != "desc" {
		writeError(w, errs.KindValidation, "order must be asc or desc")
		return
	}

	page, err := h.logger.QueryPaginated(r.Context(), filter, cursor, orderDir, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, page)
}

package api

import (
	"net/http"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/server"
)

type infoHandler struct {
	version string
	manager *server.Manager
}

func (h *infoHandler) get(w http.ResponseWriter, r *http.Request) {
	servers, err := h.manager.List(r.Context())
	if err != nil {
		writeError(w, errs.KindInternal, "failed to count servers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     h.version,
		"serverCount": len(servers),
	})
}

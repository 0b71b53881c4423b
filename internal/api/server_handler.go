package api

import (
	"net/http"

	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/server"
	"github.com/revittco/mcprouter/internal/store"
)

type serverHandler struct {
	manager *server.Manager
	catalog *catalog.Catalog
}

// redactServer masks environment values so credentials never leave the
// process in a list or get response.
func redactServer(s store.Server) store.Server {
	if len(s.Env) == 0 {
		return s
	}
	masked := make(map[string]string, len(s.Env))
	for k := range s.Env {
		masked[k] = "***"
	}
	s.Env = masked
	return s
}

func (h *serverHandler) list(w http.ResponseWriter, r *http.Request) {
	servers, err := h.manager.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]store.Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, redactServer(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *serverHandler) get(w http.ResponseWriter, r *http.Request) {
	srv, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactServer(*srv))
}

func (h *serverHandler) create(w http.ResponseWriter, r *http.Request) {
	var srv store.Server
	if err := decodeJSON(r, &srv); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	created, err := h.manager.Add(r.Context(), &srv)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.catalog.Invalidate()
	writeJSON(w, http.StatusCreated, redactServer(*created))
}

func (h *serverHandler) update(w http.ResponseWriter, r *http.Request) {
	var patch store.Server
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	patch.ID = r.PathValue("id")
	updated, err := h.manager.Update(r.Context(), &patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.catalog.Invalidate()
	writeJSON(w, http.StatusOK, redactServer(*updated))
}

func (h *serverHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	h.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *serverHandler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Start(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	h.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *serverHandler) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	h.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *serverHandler) restart(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Restart(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	h.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *serverHandler) stderr(w http.ResponseWriter, r *http.Request) {
	lines := h.manager.StderrTail(r.PathValue("id"))
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *serverHandler) tools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.catalog.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if tools == nil {
		tools = []*catalog.Tool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

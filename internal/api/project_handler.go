package api

import (
	"net/http"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

type projectHandler struct {
	store store.ProjectStore
}

func (h *projectHandler) list(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *projectHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *projectHandler) create(w http.ResponseWriter, r *http.Request) {
	var p store.Project
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	if p.Name == "" {
		writeError(w, errs.KindValidation, "name is required")
		return
	}
	if p.ID == "" {
		p.ID = store.NewID("project")
	}
	if err := h.store.CreateProject(r.Context(), &p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *projectHandler) update(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	p := *existing
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if err := h.store.UpdateProject(r.Context(), &p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *projectHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProject(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"net/http"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/policy"
	"github.com/revittco/mcprouter/internal/store"
)

type policyHandler struct {
	engine *policy.Engine
}

func (h *policyHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rules, err := h.engine.List(r.Context(), q.Get("scope"), q.Get("scopeId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rules == nil {
		rules = []store.PolicyRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *policyHandler) get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *policyHandler) create(w http.ResponseWriter, r *http.Request) {
	var rule store.PolicyRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	if rule.ID == "" {
		rule.ID = store.NewID("policy")
	}
	if err := h.engine.Add(r.Context(), &rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *policyHandler) update(w http.ResponseWriter, r *http.Request) {
	var rule store.PolicyRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	rule.ID = r.PathValue("id")
	if err := h.engine.Update(r.Context(), &rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *policyHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

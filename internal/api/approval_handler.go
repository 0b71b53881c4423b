package api

import (
	"net/http"

	"github.com/revittco/mcprouter/internal/approval"
	"github.com/revittco/mcprouter/internal/errs"
)

type approvalHandler struct {
	queue *approval.Queue
}

func (h *approvalHandler) list(w http.ResponseWriter, r *http.Request) {
	out := h.queue.List(r.URL.Query().Get("status"))
	if out == nil {
		out = []*approval.Approval{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *approvalHandler) get(w http.ResponseWriter, r *http.Request) {
	a, err := h.queue.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type respondRequest struct {
	Approved    bool   `json:"approved"`
	RespondedBy string `json:"respondedBy"`
	Note        string `json:"note,omitempty"`
}

func (h *approvalHandler) respond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}
	if body.RespondedBy == "" {
		writeError(w, errs.KindValidation, "respondedBy is required")
		return
	}

	a, err := h.queue.Respond(r.PathValue("id"), body.Approved, body.RespondedBy, body.Note)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

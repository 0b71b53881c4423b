package api

import (
	"net/http"
	"time"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/token"
)

type tokenHandler struct {
	service *token.Service
}

func (h *tokenHandler) list(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.service.List(r.Context(), r.URL.Query().Get("clientId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	// Listings never include usable ids.
	type redacted struct {
		ID           string            `json:"id"`
		ClientID     string            `json:"clientId"`
		Name         string            `json:"name,omitempty"`
		Scopes       []string          `json:"scopes,omitempty"`
		ServerAccess map[string]bool   `json:"serverAccess,omitempty"`
		Metadata     map[string]string `json:"metadata,omitempty"`
		IssuedAt     int64             `json:"issuedAt"`
		ExpiresAt    int64             `json:"expiresAt"`
		LastUsedAt   *int64            `json:"lastUsedAt,omitempty"`
	}
	out := make([]redacted, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, redacted{
			ID:           token.RedactID(t.ID),
			ClientID:     t.ClientID,
			Name:         t.Name,
			Scopes:       t.Scopes,
			ServerAccess: t.ServerAccess,
			Metadata:     t.Metadata,
			IssuedAt:     t.IssuedAt,
			ExpiresAt:    t.ExpiresAt,
			LastUsedAt:   t.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createTokenRequest struct {
	ClientID     string            `json:"clientId"`
	Name         string            `json:"name,omitempty"`
	TTL          int64             `json:"ttl,omitempty"` // seconds
	Scopes       []string          `json:"scopes,omitempty"`
	ServerAccess map[string]bool   `json:"serverAccess,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// create returns the full token id exactly once, in this response.
func (h *tokenHandler) create(w http.ResponseWriter, r *http.Request) {
	var body createTokenRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errs.KindValidation, "invalid request body")
		return
	}

	tok, err := h.service.Generate(r.Context(), token.Options{
		ClientID:     body.ClientID,
		Name:         body.Name,
		TTL:          time.Duration(body.TTL) * time.Second,
		Scopes:       body.Scopes,
		ServerAccess: body.ServerAccess,
		Metadata:     body.Metadata,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *tokenHandler) get(w http.ResponseWriter, r *http.Request) {
	tok, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cp := *tok
	cp.ID = token.RedactID(cp.ID)
	writeJSON(w, http.StatusOK, cp)
}

func (h *tokenHandler) revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Revoke(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

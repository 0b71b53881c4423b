package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// errorBody is the standard error response envelope.
type errorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RuleID     string `json:"ruleId,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeError writes an error response for an explicit kind.
func writeError(w http.ResponseWriter, kind errs.Kind, msg string) {
	writeJSON(w, errs.HTTPStatus(kind), errorResponse{Error: errorBody{
		Kind:    string(kind),
		Message: msg,
	}})
}

// writeErr translates any error into the response envelope. Store sentinels
// map to not_found; everything else follows its kind.
func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, errs.KindNotFound, err.Error())
		return
	}

	var te *errs.Error
	if errors.As(err, &te) {
		body := errorBody{
			Kind:       string(te.Kind),
			Message:    te.Message,
			RuleID:     te.RuleID,
			RetryAfter: te.RetryAfter,
		}
		if te.RetryAfter > 0 {
			w.Header().Set("Retry-After", formatRetryAfter(te.RetryAfter))
		}
		writeJSON(w, errs.HTTPStatus(te.Kind), errorResponse{Error: body})
		return
	}

	writeError(w, errs.KindInternal, "internal error")
}

// formatRetryAfter renders milliseconds as whole seconds, rounded up.
func formatRetryAfter(ms int64) string {
	return strconv.FormatInt((ms+999)/1000, 10)
}

// decodeJSON reads and decodes a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/events"
)

type eventsHandler struct {
	bus *events.Bus
}

// stream pushes router events (server status, approvals, audit) to the
// client as server-sent events. An optional type query filters by prefix,
// e.g. type=approval keeps approval.new, approval.resolved, approval.expired.
func (h *eventsHandler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.KindInternal, "streaming not supported")
		return
	}

	prefix := r.URL.Query().Get("type")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if prefix != "" && !hasTypePrefix(ev.Type, prefix) {
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ":\n\n")
			flusher.Flush()
		}
	}
}

func hasTypePrefix(typ, prefix string) bool {
	return typ == prefix || (len(typ) > len(prefix) && typ[:len(prefix)] == prefix && typ[len(prefix)] == '.')
}

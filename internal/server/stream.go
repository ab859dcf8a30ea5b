package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"reviewline/internal/engine"
)

// registerStream exposes a server-sent-events feed of confirmed deliverable
// snapshots. The first event is the current state; later events arrive as
// mutations commit.
func registerStream(r chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "deliverables/{id}/stream")
	r.Get(route, func(w http.ResponseWriter, req *http.Request) {
		if _, ok := principalFromContext(req.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		id := chi.URLParam(req, "id")
		d, err := e.Repo.GetDeliverable(req.Context(), id)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		updates, cancel := e.Hub.Subscribe(id)
		defer cancel()

		writeSnapshot := func(resp DeliverableResponse) {
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "event: deliverable\ndata: %s\n\n", data)
			flusher.Flush()
		}
		writeSnapshot(deliverableResponse(d))

		for {
			select {
			case <-req.Context().Done():
				return
			case snap, open := <-updates:
				if !open {
					return
				}
				writeSnapshot(deliverableResponse(snap))
			}
		}
	})
}

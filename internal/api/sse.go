package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/researchd/internal/storage"
)

// handleResearchEvents streams record snapshots over SSE: an initial
// snapshot, then one event per observed write. The transport may
// coalesce: a slow client skips intermediate snapshots but every
// snapshot it does see is monotonically consistent.
func handleResearchEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetResearch(id)
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Research not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		flusher, ok := beginStream(w)
		if !ok {
			return
		}

		ch, cancel := deps.Hub.Subscribe(id)
		defer cancel()

		if err := writeEvent(w, flusher, rec); err != nil {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case snapshot, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, snapshot); err != nil {
					return
				}
			}
		}
	}
}

// handleFeedEvents streams the aggregated feed view, recomputed on
// every record write anywhere in the collection.
func handleFeedEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewerID := r.URL.Query().Get("userId")

		flusher, ok := beginStream(w)
		if !ok {
			return
		}

		ch, cancel := deps.Hub.Subscribe("")
		defer cancel()

		view, err := feedView(deps, viewerID)
		if err != nil {
			slog.Error("computing feed view", "error", err)
			return
		}
		if err := writeEvent(w, flusher, view); err != nil {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				view, err := feedView(deps, viewerID)
				if err != nil {
					slog.Error("computing feed view", "error", err)
					return
				}
				if err := writeEvent(w, flusher, view); err != nil {
					return
				}
			}
		}
	}
}

func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming not supported"})
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling SSE event", "error", err)
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

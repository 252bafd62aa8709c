// Package api exposes the research service over HTTP (JSON + SSE) and
// as MCP tools.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/researchd/internal/feed"
	"github.com/kalambet/researchd/internal/notify"
	"github.com/kalambet/researchd/internal/quota"
	"github.com/kalambet/researchd/internal/storage"
	"github.com/kalambet/researchd/internal/worker"
)

const maxRequestBodySize = 1 << 20 // 1MB

const feedWindow = 50

// Deps holds the dependencies shared by all handlers.
type Deps struct {
	Store *storage.Store
	Quota *quota.Checker
	Hub   *notify.Hub
	Now   func() time.Time // nil means time.Now
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewHandler returns the service's HTTP handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/research", handleStartResearch(deps))
	r.Get("/research", handleListResearch(deps))
	r.Get("/research/{id}", handleGetResearch(deps))
	r.Get("/research/{id}/events", handleResearchEvents(deps))
	r.Post("/star", handleToggleStar(deps))
	r.Get("/feed", handleFeed(deps))
	r.Get("/feed/events", handleFeedEvents(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// startResearch admits a query, creates its record, and queues the
// detached pipeline run. Shared by the HTTP handler and the MCP tool.
func startResearch(deps Deps, query, userID, username string) (string, error) {
	if err := deps.Quota.Admit(userID, deps.now()); err != nil {
		return "", err
	}

	if username == "" {
		username = "Unknown"
	}

	rec := storage.Research{
		ID:           uuid.New().String(),
		Query:        query,
		UserID:       userID,
		Username:     username,
		Status:       storage.StatusRunning,
		Progress:     0,
		CurrentStage: "Initializing research pipeline...",
		Stages:       storage.InitialStages(),
		CreatedAt:    deps.now(),
	}
	if err := deps.Store.CreateResearch(rec); err != nil {
		return "", fmt.Errorf("creating research record: %w", err)
	}

	payload, err := json.Marshal(worker.ResearchPayload{ResearchID: rec.ID, Query: query})
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        worker.JobTypeResearch,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := deps.Store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueuing research job: %w", err)
	}

	if deps.Hub != nil {
		deps.Hub.Publish(rec)
	}
	return rec.ID, nil
}

func handleStartResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Query    any    `json:"query"`
			UserID   string `json:"userId"`
			Username string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid query provided"})
			return
		}

		query, ok := req.Query.(string)
		if !ok || query == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid query provided"})
			return
		}
		if req.UserID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "User authentication required"})
			return
		}

		id, err := startResearch(deps, query, req.UserID, req.Username)
		if errors.Is(err, quota.ErrDailyLimitExceeded) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   "Daily request limit reached",
				"message": "You have reached your daily limit of 5 requests. Please try again tomorrow.",
			})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"id":      id,
			"message": "Research started successfully",
		})
	}
}

func handleToggleStar(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ResearchID string `json:"researchId"`
			UserID     string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing required fields"})
			return
		}
		if req.ResearchID == "" || req.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing required fields"})
			return
		}

		starred, err := deps.Store.ToggleStar(req.ResearchID, req.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Research not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		if deps.Hub != nil {
			if rec, err := deps.Store.GetResearch(req.ResearchID); err == nil {
				deps.Hub.Publish(rec)
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "isStarred": starred})
	}
}

func handleGetResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetResearch(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Research not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleListResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := feedWindow
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
				return
			}
			limit = n
		}

		records, err := deps.Store.ListRecent(limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if records == nil {
			records = []storage.Research{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleFeed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := feedView(deps, r.URL.Query().Get("userId"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func feedView(deps Deps, viewerID string) (feed.View, error) {
	records, err := deps.Store.ListRecent(feedWindow)
	if err != nil {
		return feed.View{}, fmt.Errorf("listing recent research: %w", err)
	}
	return feed.Aggregate(records, viewerID, deps.now()), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

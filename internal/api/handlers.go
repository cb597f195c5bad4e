// Package api exposes the read-side HTTP endpoints: health, live stats,
// room presence and revision history.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/knowhub/collab/internal/collab"
	"github.com/knowhub/collab/internal/storage"
)

type API struct {
	hub   *collab.Hub
	store *storage.Store
	log   *zap.Logger
}

func New(hub *collab.Hub, store *storage.Store, log *zap.Logger) *API {
	return &API{
		hub:   hub,
		store: store,
		log:   log,
	}
}

// Routes mounts all API handlers on a fresh router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)
	r.Get("/api/presence", a.PresenceHandler)
	r.Get("/api/entries/{entryID}/revisions", a.ListRevisionsHandler)
	r.Get("/api/revisions/{id}", a.GetRevisionHandler)
	return r
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("encode response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":       a.hub.RoomCount(),
		"active_connections": a.hub.ConnCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := a.store.Stats(r.Context()); err == nil {
		stats["total_revisions"] = dbStats["revision_count"]
		stats["total_entries"] = dbStats["entry_count"]
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

type presenceEntry struct {
	EntryID int64 `json:"entry_id"`
	Members int   `json:"members"`
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	presence := a.hub.Presence()

	rooms := make([]presenceEntry, 0, len(presence))
	for entryID, members := range presence {
		rooms = append(rooms, presenceEntry{EntryID: entryID, Members: members})
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (a *API) ListRevisionsHandler(w http.ResponseWriter, r *http.Request) {
	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid entry ID")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	revisions, err := a.store.ListRevisions(r.Context(), entryID, limit, offset)
	if err != nil {
		a.log.Error("list revisions", zap.Int64("entryId", entryID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list revisions")
		return
	}

	total, err := a.store.CountRevisions(r.Context(), entryID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to count revisions")
		return
	}

	if revisions == nil {
		revisions = []storage.Revision{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"revisions": revisions,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) GetRevisionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid revision ID")
		return
	}

	rev, err := a.store.GetRevision(r.Context(), id)
	if err != nil {
		a.log.Error("get revision", zap.Int64("id", id), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get revision")
		return
	}
	if rev == nil {
		a.errorResponse(w, http.StatusNotFound, "Revision not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, rev)
}

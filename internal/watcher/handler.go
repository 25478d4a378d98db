package watcher

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Flewrider/kackychecker/internal/store"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the watcher and the preference store over HTTP using
// go-chi. It only consumes the core's public read accessors and mutators.
type Handler struct {
	w     *Watcher
	store *store.Store
	log   *slog.Logger
}

// NewHandler returns a Handler over the given watcher and store.
func NewHandler(w *Watcher, st *store.Store, log *slog.Logger) *Handler {
	return &Handler{w: w, store: st, log: log}
}

// GetSummary handles GET /api/summary: the latest merged view.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.w.SummarySnapshot())
}

// ListMaps handles GET /api/maps: every map's persisted selection state.
func (h *Handler) ListMaps(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.store.ListStatuses(r.Context())
	if err != nil {
		h.log.Error("list map statuses failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if statuses == nil {
		statuses = []store.MapStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// TrackMap handles POST /api/maps/{map_id}/track.
func (h *Handler) TrackMap(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mapParam(w, r)
	if !ok {
		return
	}
	if err := h.store.SetTracking(r.Context(), id, true); err != nil {
		h.storeError(w, "track map failed", err)
		return
	}
	h.w.Track(MapID(id))
	h.log.Info("map tracked", slog.Int("map", id))
	w.WriteHeader(http.StatusNoContent)
}

// UntrackMap handles POST /api/maps/{map_id}/untrack.
func (h *Handler) UntrackMap(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mapParam(w, r)
	if !ok {
		return
	}
	if err := h.store.SetTracking(r.Context(), id, false); err != nil {
		h.storeError(w, "untrack map failed", err)
		return
	}
	h.w.Untrack(MapID(id))
	h.log.Info("map untracked", slog.Int("map", id))
	w.WriteHeader(http.StatusNoContent)
}

// FinishMap handles POST /api/maps/{map_id}/finish: marks the map finished
// and stops watching it.
func (h *Handler) FinishMap(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mapParam(w, r)
	if !ok {
		return
	}
	if err := h.store.MarkFinished(r.Context(), id); err != nil {
		h.storeError(w, "finish map failed", err)
		return
	}
	h.w.Untrack(MapID(id))
	h.log.Info("map finished", slog.Int("map", id))
	w.WriteHeader(http.StatusNoContent)
}

// Refresh handles POST /api/refresh: forces a fetch on the next tick.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.w.ForceFetch()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) mapParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "map_id")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		h.log.Debug("bad map id", slog.String("map_id", raw))
		w.WriteHeader(http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) storeError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, store.ErrBadMapID) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.log.Error(msg, slog.String("error", err.Error()))
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

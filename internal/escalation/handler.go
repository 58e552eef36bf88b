package escalation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Availability is the supervisor roster as seen by the HTTP layer.
type Availability interface {
	MarkUnavailable(id string) bool
	MarkAvailable(id string) bool
}

type unavailabilityHandler interface {
	HandleSupervisorUnavailability(ctx context.Context, supervisorID string) error
}

type Handler struct {
	sched  unavailabilityHandler
	roster Availability
	logger *slog.Logger
}

func NewHandler(sched *Scheduler, roster Availability, logger *slog.Logger) *Handler {
	return &Handler{sched: sched, roster: roster, logger: logger}
}

type availabilityResponse struct {
	SupervisorID string `json:"supervisor_id"`
	Available    bool   `json:"available"`
}

func (h *Handler) MarkUnavailable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.roster.MarkUnavailable(id) {
		http.Error(w, "Unknown supervisor", http.StatusNotFound)
		return
	}
	if err := h.sched.HandleSupervisorUnavailability(r.Context(), id); err != nil {
		h.logger.Warn("supervisor unavailability handled with errors", "supervisor", id, "error", err)
		http.Error(w, "Some cases could not be moved; they will be retried by the next sweep", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{SupervisorID: id, Available: false})
}

func (h *Handler) MarkAvailable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.roster.MarkAvailable(id) {
		http.Error(w, "Unknown supervisor", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{SupervisorID: id, Available: true})
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/supervisors/{id}/unavailable", h.MarkUnavailable)
	r.Post("/supervisors/{id}/available", h.MarkAvailable)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

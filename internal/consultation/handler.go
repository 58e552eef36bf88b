package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"clinical-triage/internal/triage"
)

// maxAudioSize caps an uploaded voice complaint.
const maxAudioSize = 10 << 20

// Transcriber turns a recorded complaint into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioData []byte, fileName string) (string, error)
}

type Handler struct {
	svc         Service
	transcriber Transcriber
	logger      *slog.Logger
}

func NewHandler(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// WithTranscriber enables voice submissions.
func (h *Handler) WithTranscriber(t Transcriber) *Handler {
	h.transcriber = t
	return h
}

type CreateConsultationRequest struct {
	PatientID          string   `json:"patient_id"`
	PrimaryComplaint   string   `json:"primary_complaint"`
	Duration           string   `json:"duration"`
	Severity           int      `json:"severity"`
	AssociatedSymptoms []string `json:"associated_symptoms"`
	InputMethod        string   `json:"input_method"`
}

type ValidationRequest struct {
	SupervisorID    string `json:"supervisor_id"`
	Approved        bool   `json:"approved"`
	Reason          string `json:"reason"`
	OverrideUrgency string `json:"override_urgency"`
}

type consultationResponse struct {
	*Consultation
	Escalations []EscalationRecord `json:"escalations,omitempty"`
}

func (h *Handler) CreateConsultation(w http.ResponseWriter, r *http.Request) {
	var req CreateConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	pid, err := uuid.Parse(req.PatientID)
	if err != nil {
		// Anonymous submissions get a fresh patient id.
		pid = uuid.New()
	}

	c, err := h.svc.CreateConsultation(r.Context(), pid, triage.Symptoms{
		PrimaryComplaint:   req.PrimaryComplaint,
		Duration:           req.Duration,
		Severity:           req.Severity,
		AssociatedSymptoms: req.AssociatedSymptoms,
		InputMethod:        triage.InputMethod(req.InputMethod),
	})
	if err != nil {
		h.logger.Error("create consultation failed", "error", err)
		http.Error(w, "Failed to create consultation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// CreateVoiceConsultation accepts a multipart form with an "audio" file plus the
// optional patient_id, duration, severity and comma-separated associated_symptoms fields.
func (h *Handler) CreateVoiceConsultation(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		http.Error(w, "Voice input is not configured", http.StatusNotImplemented)
		return
	}
	if err := r.ParseMultipartForm(maxAudioSize); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "Audio file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxAudioSize))
	if err != nil {
		http.Error(w, "Failed to read audio", http.StatusBadRequest)
		return
	}

	text, err := h.transcriber.Transcribe(r.Context(), audio, header.Filename)
	if err != nil {
		h.logger.Warn("transcription failed", "error", err)
		http.Error(w, "Could not transcribe audio", http.StatusUnprocessableEntity)
		return
	}

	pid, err := uuid.Parse(r.FormValue("patient_id"))
	if err != nil {
		pid = uuid.New()
	}
	severity, _ := strconv.Atoi(r.FormValue("severity"))
	var associated []string
	for _, a := range strings.Split(r.FormValue("associated_symptoms"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			associated = append(associated, a)
		}
	}

	c, err := h.svc.CreateConsultation(r.Context(), pid, triage.Symptoms{
		PrimaryComplaint:   text,
		Duration:           r.FormValue("duration"),
		Severity:           severity,
		AssociatedSymptoms: associated,
		InputMethod:        triage.InputVoice,
	})
	if err != nil {
		h.logger.Error("create voice consultation failed", "error", err)
		http.Error(w, "Failed to create consultation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	recs, err := h.svc.Escalations(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consultationResponse{Consultation: c, Escalations: recs})
}

func (h *Handler) RecordValidation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req ValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	v := Validation{
		Approved:     req.Approved,
		SupervisorID: req.SupervisorID,
		Reason:       req.Reason,
	}
	if req.OverrideUrgency != "" {
		tier, err := triage.ParseTier(req.OverrideUrgency)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v.OverrideUrgency = tier
	}

	c, err := h.svc.RecordValidation(r.Context(), id, v)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	st, err := h.svc.QueueStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/consultations", h.CreateConsultation)
	r.Post("/consultations/voice", h.CreateVoiceConsultation)
	r.Get("/consultations/{id}", h.GetConsultation)
	r.Post("/consultations/{id}/validation", h.RecordValidation)
	r.Get("/queue/{id}", h.GetQueueStatus)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid consultation ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Consultation not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed", "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package live

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
	"github.com/apnedoctors/triage-orchestrator/internal/report"
)

type Handler struct {
	manager   *Manager
	assembler *report.Assembler
	log       *zap.Logger
}

func NewHandler(manager *Manager, assembler *report.Assembler, log *zap.Logger) *Handler {
	return &Handler{manager: manager, assembler: assembler, log: log}
}

type startSessionRequest struct {
	PatientID string `json:"patient_id"`
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		http.Error(w, "Invalid patient ID", http.StatusBadRequest)
		return
	}

	c, err := h.manager.StartSession(patientID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.Snapshot())
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w, r)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

type voiceInputRequest struct {
	Transcript string `json:"transcript"`
}

func (h *Handler) ProcessVoiceInput(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w, r)
	if c == nil {
		return
	}

	var req voiceInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Transcript == "" {
		http.Error(w, "Missing transcript", http.StatusBadRequest)
		return
	}

	res, err := c.ProcessVoiceInput(r.Context(), req.Transcript)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type frameRequest struct {
	Frame []byte `json:"frame"`
}

func (h *Handler) AnalyzeFrame(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w, r)
	if c == nil {
		return
	}

	var req frameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Frame) == 0 {
		http.Error(w, "Missing frame", http.StatusBadRequest)
		return
	}

	res, err := c.AnalyzeFrame(r.Context(), req.Frame)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	snap, err := h.manager.EndSession(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	c := h.controller(w, r)
	if c == nil {
		return
	}

	rep, err := h.assembler.Generate(r.Context(), c.ID(), c.ReportRequest())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) controller(w http.ResponseWriter, r *http.Request) *Controller {
	id, ok := h.sessionID(w, r)
	if !ok {
		return nil
	}
	c, err := h.manager.Resume(id)
	if err != nil {
		h.writeError(w, err)
		return nil
	}
	return c
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	body := map[string]string{"error": err.Error()}

	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionEnded):
		status = http.StatusConflict
	case errors.Is(err, ErrTriageBusy):
		status = http.StatusTooManyRequests
		body["retryable"] = "true"
	case errors.Is(err, ErrMissingPatient):
		status = http.StatusBadRequest
	default:
		switch gateway.CodeOf(err) {
		case gateway.CodeRateLimited, gateway.CodeQuotaExhausted:
			status = http.StatusServiceUnavailable
			body["retryable"] = "true"
		case gateway.CodeTransport:
			status = http.StatusBadGateway
			body["retryable"] = "true"
		case gateway.CodeMalformed:
			status = http.StatusBadGateway
		default:
			status = http.StatusInternalServerError
		}
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/live/session", h.StartSession)
	r.Route("/live/session/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/voice", h.ProcessVoiceInput)
		r.Post("/frame", h.AnalyzeFrame)
		r.Post("/end", h.EndSession)
		r.Post("/report", h.GenerateReport)
	})
}

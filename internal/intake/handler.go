package intake

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/consent"
	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
	"github.com/apnedoctors/triage-orchestrator/internal/report"
)

// Registry holds the live wizard machines keyed by session id. A machine
// stays resident until its session is reset or the process exits; clients
// reconnect by session id and get the same machine back.
type Registry struct {
	newMachine func() *Machine

	mu       sync.RWMutex
	machines map[uuid.UUID]*Machine
}

func NewRegistry(newMachine func() *Machine) *Registry {
	return &Registry{
		newMachine: newMachine,
		machines:   make(map[uuid.UUID]*Machine),
	}
}

// Create starts a fresh machine and registers it under its session id.
func (r *Registry) Create() *Machine {
	m := r.newMachine()
	r.mu.Lock()
	r.machines[m.SessionID()] = m
	r.mu.Unlock()
	return m
}

// Get returns the machine for a session, or nil if none exists.
func (r *Registry) Get(sessionID uuid.UUID) *Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[sessionID]
}

// Remove drops a machine from the registry.
func (r *Registry) Remove(sessionID uuid.UUID) {
	r.mu.Lock()
	delete(r.machines, sessionID)
	r.mu.Unlock()
}

// Rekey re-registers a reset machine under its new session id.
func (r *Registry) Rekey(old uuid.UUID, m *Machine) {
	r.mu.Lock()
	delete(r.machines, old)
	r.machines[m.SessionID()] = m
	r.mu.Unlock()
}

type Handler struct {
	registry *Registry
	log      *zap.Logger
}

func NewHandler(registry *Registry, log *zap.Logger) *Handler {
	return &Handler{registry: registry, log: log}
}

func (h *Handler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	m := h.registry.Create()
	writeJSON(w, http.StatusCreated, m.Snapshot())
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	m := h.machine(w, r)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (h *Handler) ApplyUpdate(w http.ResponseWriter, r *http.Request) {
	m := h.machine(w, r)
	if m == nil {
		return
	}

	var u Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := m.Apply(u); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

type consentRequest struct {
	Type  consent.Type `json:"type"`
	Given bool         `json:"given"`
}

func (h *Handler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	m := h.machine(w, r)
	if m == nil {
		return
	}

	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	rec := m.RecordConsent(req.Type, req.Given)
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(m *Machine) error { return m.Advance() })
}

func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(m *Machine) error { return m.Back() })
}

func (h *Handler) SubmitForTriage(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(m *Machine) error { return m.SubmitForTriage(r.Context()) })
}

func (h *Handler) AcceptVisualScan(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(m *Machine) error { return m.AcceptVisualScan() })
}

func (h *Handler) SkipVisualScan(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(m *Machine) error { return m.SkipVisualScan() })
}

type visualScanRequest struct {
	Image []byte `json:"image"`
}

func (h *Handler) SubmitVisualScan(w http.ResponseWriter, r *http.Request) {
	m := h.machine(w, r)
	if m == nil {
		return
	}

	// 10MB cap covers any phone camera frame.
	var req visualScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if err := m.SubmitVisualScan(r.Context(), req.Image); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(m *Machine) error { return m.GenerateReport(r.Context()) })
}

func (h *Handler) DownloadReportPDF(w http.ResponseWriter, r *http.Request) {
	m := h.machine(w, r)
	if m == nil {
		return
	}

	rep := m.Snapshot().Report
	if rep == nil {
		http.Error(w, "Report not generated yet", http.StatusNotFound)
		return
	}

	pdf, err := report.RenderPDF(rep)
	if err != nil {
		h.log.Error("pdf rendering failed",
			zap.String("session_id", rep.SessionID.String()), zap.Error(err))
		http.Error(w, "Failed to render report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="assessment-report.pdf"`)
	w.Write(pdf)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	m := h.machine(w, r)
	if m == nil {
		return
	}

	old := m.SessionID()
	m.Reset()
	h.registry.Rekey(old, m)

	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(*Machine) error) {
	m := h.machine(w, r)
	if m == nil {
		return
	}
	if err := fn(m); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

// machine resolves the session id from the URL and looks up its machine,
// writing the error response itself when either fails.
func (h *Handler) machine(w http.ResponseWriter, r *http.Request) *Machine {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return nil
	}
	m := h.registry.Get(id)
	if m == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil
	}
	return m
}

// writeError maps domain errors onto HTTP statuses. Refused transitions are
// client errors; gateway failures surface as upstream errors.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	body := map[string]string{"error": err.Error()}

	switch ReasonOf(err) {
	case ReasonValidation:
		status = http.StatusUnprocessableEntity
	case ReasonConsentMissing:
		status = http.StatusForbidden
	case ReasonInvalidTransition, ReasonSuperseded:
		status = http.StatusConflict
	case ReasonSubmissionBusy:
		status = http.StatusTooManyRequests
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
	r.Post("/assessment", h.CreateAssessment)
	r.Route("/assessment/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetState)
		r.Patch("/data", h.ApplyUpdate)
		r.Post("/consent", h.RecordConsent)
		r.Post("/advance", h.Advance)
		r.Post("/back", h.Back)
		r.Post("/triage", h.SubmitForTriage)
		r.Post("/visual-scan/accept", h.AcceptVisualScan)
		r.Post("/visual-scan/skip", h.SkipVisualScan)
		r.Post("/visual-scan", h.SubmitVisualScan)
		r.Post("/report", h.GenerateReport)
		r.Get("/report.pdf", h.DownloadReportPDF)
		r.Post("/reset", h.Reset)
	})
}

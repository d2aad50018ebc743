package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/consent"
	"github.com/apnedoctors/triage-orchestrator/internal/emergency"
	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
	"github.com/apnedoctors/triage-orchestrator/internal/report"
	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

// Submitter is the pipeline the machine drives from review onward.
type Submitter interface {
	SubmitForTriage(ctx context.Context, sessionID uuid.UUID, data IntakeData) (*TriageOutcome, error)
	SubmitVisualScan(ctx context.Context, sessionID uuid.UUID, image []byte, data IntakeData) (*gateway.VisionResult, error)
}

// ReportGenerator is the terminal report assembler.
type ReportGenerator interface {
	Generate(ctx context.Context, sessionID uuid.UUID, req gateway.ReportRequest) (*report.Report, error)
}

// Update is a partial write to IntakeData. Only fields owned by the current
// step are applied; the rest are refused.
type Update struct {
	BodyLocation         *string         `json:"bodyLocation,omitempty"`
	BodyLocationSpecific *string         `json:"bodyLocationSpecific,omitempty"`
	PainLevel            *int            `json:"painLevel,omitempty"`
	PainPattern          *PainPattern    `json:"painPattern,omitempty"`
	PainQuality          *PainQuality    `json:"painQuality,omitempty"`
	Duration             *string         `json:"duration,omitempty"`
	OnsetType            *OnsetType      `json:"onsetType,omitempty"`
	Symptoms             *string         `json:"symptoms,omitempty"`
	ContextFactors       *ContextFactors `json:"contextFactors,omitempty"`
	AdditionalInfo       *string         `json:"additionalInfo,omitempty"`
}

// State is an immutable snapshot of the machine for callers.
type State struct {
	SessionID       uuid.UUID             `json:"sessionId"`
	Step            Step                  `json:"currentStep"`
	Data            IntakeData            `json:"intakeData"`
	Consents        []consent.Record      `json:"consents"`
	RiskFlags       []RiskFlag            `json:"riskFlags"`
	Triage          *gateway.TriageResult `json:"triageResult,omitempty"`
	TriageDegraded  bool                  `json:"triageDegraded,omitempty"`
	Vision          *gateway.VisionResult `json:"visualScanResult,omitempty"`
	VisionSkipped   bool                  `json:"visualScanSkipped,omitempty"`
	Report          *report.Report        `json:"report,omitempty"`
	EmergencyActive bool                  `json:"emergencyActive"`
	IsLoading       bool                  `json:"isLoading"`
	Error           string                `json:"error,omitempty"`
}

// Machine is the wizard controller for one assessment run. All state is
// owned here and mutated behind one mutex; the UI layer is stateless.
type Machine struct {
	pipeline  Submitter
	reporter  ReportGenerator
	recorder  *consent.Recorder
	log       *zap.Logger
	collector *metrics.Collector

	mu             sync.Mutex
	sessionID      uuid.UUID
	step           Step
	data           IntakeData
	consents       *consent.Ledger
	flags          []RiskFlag
	seenKeywords   map[string]bool
	triage         *gateway.TriageResult
	triageDegraded bool
	vision         *gateway.VisionResult
	visionSkipped  bool
	report         *report.Report
	submitting     bool
	errMsg         string
	emergency      bool
}

// NewMachine creates a machine at the welcome step with a fresh session id.
func NewMachine(pipeline Submitter, reporter ReportGenerator, recorder *consent.Recorder, log *zap.Logger, collector *metrics.Collector) *Machine {
	m := &Machine{
		pipeline:  pipeline,
		reporter:  reporter,
		recorder:  recorder,
		log:       log,
		collector: collector,
	}
	m.resetLocked()
	if collector != nil {
		collector.AssessmentsStarted.Inc()
	}
	return m
}

// SessionID returns the current run's identifier.
func (m *Machine) SessionID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() State {
	flags := make([]RiskFlag, len(m.flags))
	copy(flags, m.flags)

	return State{
		SessionID:       m.sessionID,
		Step:            m.step,
		Data:            m.data,
		Consents:        m.consents.Records(),
		RiskFlags:       flags,
		Triage:          m.triage,
		TriageDegraded:  m.triageDegraded,
		Vision:          m.vision,
		VisionSkipped:   m.visionSkipped,
		Report:          m.report,
		EmergencyActive: m.emergency,
		IsLoading:       m.submitting,
		Error:           m.errMsg,
	}
}

// RecordConsent appends a consent decision to the run's ledger.
func (m *Machine) RecordConsent(t consent.Type, given bool) consent.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consents.Record(t, given)
}

// Apply merges a partial update into IntakeData. Only fields owned by the
// current step may be written; any change to symptoms or additional info
// re-runs the emergency scanner.
func (m *Machine) Apply(u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := rejectedFields(m.step, u)
	if len(rejected) > 0 {
		return refused(m.step, ReasonValidation,
			fieldError(rejected[0], "field not owned by current step"))
	}

	scanText := ""

	if u.BodyLocation != nil {
		m.data.BodyLocation = *u.BodyLocation
	}
	if u.BodyLocationSpecific != nil {
		m.data.BodyLocationSpecific = *u.BodyLocationSpecific
	}
	if u.PainLevel != nil {
		lvl := *u.PainLevel
		m.data.PainLevel = &lvl
	}
	if u.PainPattern != nil {
		m.data.PainPattern = *u.PainPattern
	}
	if u.PainQuality != nil {
		m.data.PainQuality = *u.PainQuality
	}
	if u.Duration != nil {
		m.data.Duration = *u.Duration
	}
	if u.OnsetType != nil {
		m.data.OnsetType = *u.OnsetType
	}
	if u.Symptoms != nil {
		m.data.Symptoms = *u.Symptoms
		scanText = *u.Symptoms
	}
	if u.ContextFactors != nil {
		cf := *u.ContextFactors
		m.data.ContextFactors = &cf
	}
	if u.AdditionalInfo != nil {
		m.data.AdditionalInfo = *u.AdditionalInfo
		scanText += " " + *u.AdditionalInfo
	}

	if scanText != "" {
		m.scanForEmergencyLocked(scanText)
	}
	return nil
}

// rejectedFields lists fields in u that the step does not own.
func rejectedFields(step Step, u Update) []field {
	var out []field
	check := func(set bool, f field) {
		if set && !step.ownsField(f) {
			out = append(out, f)
		}
	}
	check(u.BodyLocation != nil, fieldBodyLocation)
	check(u.BodyLocationSpecific != nil, fieldBodyLocationSpecific)
	check(u.PainLevel != nil, fieldPainLevel)
	check(u.PainPattern != nil, fieldPainPattern)
	check(u.PainQuality != nil, fieldPainQuality)
	check(u.Duration != nil, fieldDuration)
	check(u.OnsetType != nil, fieldOnsetType)
	check(u.Symptoms != nil, fieldSymptoms)
	check(u.ContextFactors != nil, fieldContextFactors)
	check(u.AdditionalInfo != nil, fieldAdditionalInfo)
	return out
}

// scanForEmergencyLocked runs the keyword scanner and appends an emergency
// flag per newly seen keyword. The banner latches for the whole run; it
// informs, it never blocks progression.
func (m *Machine) scanForEmergencyLocked(text string) {
	res := emergency.Scan(text)
	for _, kw := range res.Keywords {
		if m.seenKeywords[kw] {
			continue
		}
		m.seenKeywords[kw] = true
		m.flags = append(m.flags, RiskFlag{
			ID:                 uuid.New(),
			Type:               FlagEmergency,
			Code:               CodeEmergencyKeyword,
			Description:        `Emergency keyword detected: "` + kw + `"`,
			DetectedFrom:       SourceSymptomInput,
			Confidence:         100,
			RequiresEscalation: true,
			DetectedAt:         time.Now().UTC(),
		})
		if m.collector != nil {
			m.collector.EmergencyFlagsTotal.WithLabelValues(SourceSymptomInput).Inc()
		}
	}
	if res.IsEmergency() {
		m.emergency = true
		m.log.Warn("emergency indicator detected during intake",
			zap.String("session_id", m.sessionID.String()),
			zap.Strings("keywords", res.Keywords),
			zap.String("severity", string(res.Severity)),
		)
	}
}

// Advance moves to the next step if the current step's requirements are
// met. A refused transition leaves the step unchanged and reports why.
func (m *Machine) Advance() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec := m.step.spec()
	if !spec.advance || spec.next == "" {
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}

	if m.step == StepConsent && !m.consents.AllGiven(consent.IntakeRequired...) {
		return m.refuseLocked(ReasonConsentMissing, nil)
	}

	if err := spec.validate(&m.data); err != nil {
		return m.refuseLocked(ReasonValidation, err)
	}

	m.step = spec.next
	return nil
}

// Back moves to the previous step. It is unconditional except at the first
// step and never erases entered data.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.step.spec().prev
	if prev == "" {
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}
	m.step = prev
	return nil
}

// SubmitForTriage runs the triage pipeline from the review step. Exactly one
// submission may be in flight; on failure the machine stays on review with a
// retryable error state, on success it advances to visual-consent with the
// full outcome committed atomically.
func (m *Machine) SubmitForTriage(ctx context.Context) error {
	m.mu.Lock()
	if m.step != StepReview {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}
	if !m.consents.IsGiven(consent.TypeAIAssessment) {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonConsentMissing, nil)
	}
	if m.submitting {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonSubmissionBusy, nil)
	}
	m.submitting = true
	m.errMsg = ""
	sessionID := m.sessionID
	data := m.data
	m.mu.Unlock()

	outcome, err := m.pipeline.SubmitForTriage(ctx, sessionID, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	// A Reset while the call was in flight replaced the session. The result
	// belongs to the old run; nothing from it may touch the new one.
	if m.sessionID != sessionID {
		return m.refuseLocked(ReasonSuperseded, nil)
	}
	m.submitting = false

	if err != nil {
		m.errMsg = "Failed to analyze symptoms. Please try again."
		m.log.Warn("triage submission failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		return err
	}
	if m.step != StepReview {
		// Back moved the session off review while the call was in flight.
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}

	m.triage = outcome.Result
	m.triageDegraded = outcome.Degraded
	m.flags = append(m.flags, outcome.Flags...)
	if outcome.Result.ShouldSeekEmergencyCare {
		m.emergency = true
	}
	m.step = StepVisualConsent
	return nil
}

// AcceptVisualScan consents to the optional scan and enters it.
func (m *Machine) AcceptVisualScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.step != StepVisualConsent {
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}
	m.consents.Record(consent.TypeVisualScan, true)
	m.step = StepVisualScan
	return nil
}

// SkipVisualScan declines the optional scan and goes straight to analysis.
// The absent scan result is a valid terminal state.
func (m *Machine) SkipVisualScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.step != StepVisualConsent {
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}
	m.consents.Record(consent.TypeVisualScan, false)
	m.visionSkipped = true
	m.step = StepAnalysis
	return nil
}

// SubmitVisualScan analyzes the captured image, or short-circuits on a nil
// image, and advances to analysis.
func (m *Machine) SubmitVisualScan(ctx context.Context, image []byte) error {
	m.mu.Lock()
	if m.step != StepVisualScan {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}
	if m.submitting {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonSubmissionBusy, nil)
	}
	m.submitting = true
	m.errMsg = ""
	sessionID := m.sessionID
	data := m.data
	m.mu.Unlock()

	result, err := m.pipeline.SubmitVisualScan(ctx, sessionID, image, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != sessionID {
		return m.refuseLocked(ReasonSuperseded, nil)
	}
	m.submitting = false

	if err != nil {
		m.errMsg = "Failed to analyze image. Please try again."
		return err
	}
	if m.step != StepVisualScan {
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}

	m.vision = result
	m.visionSkipped = result == nil
	m.step = StepAnalysis
	return nil
}

// GenerateReport assembles the final report and enters the terminal step.
func (m *Machine) GenerateReport(ctx context.Context) error {
	m.mu.Lock()
	if m.step != StepAnalysis {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}
	if m.submitting {
		defer m.mu.Unlock()
		return m.refuseLocked(ReasonSubmissionBusy, nil)
	}
	m.submitting = true
	m.errMsg = ""
	sessionID := m.sessionID
	req := m.reportRequestLocked()
	m.mu.Unlock()

	rep, err := m.reporter.Generate(ctx, sessionID, req)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != sessionID {
		return m.refuseLocked(ReasonSuperseded, nil)
	}
	m.submitting = false

	if err != nil {
		m.errMsg = "Failed to generate report. Please try again."
		return err
	}
	if m.step != StepAnalysis {
		return m.refuseLocked(ReasonInvalidTransition, nil)
	}

	m.report = rep
	m.step = StepReport
	if m.collector != nil {
		m.collector.AssessmentsCompleted.Inc()
	}
	return nil
}

func (m *Machine) reportRequestLocked() gateway.ReportRequest {
	req := gateway.ReportRequest{
		PatientInfo: map[string]any{
			"symptoms":       m.data.Symptoms,
			"duration":       m.data.Duration,
			"location":       m.data.BodyLocation,
			"additionalInfo": m.data.AdditionalInfo,
		},
		TriageData: m.triage,
	}
	if m.data.PainLevel != nil {
		req.PatientInfo["painLevel"] = *m.data.PainLevel
	}
	if m.vision != nil {
		req.VisionData = []*gateway.VisionResult{m.vision}
	}
	if cf := m.data.ContextFactors; cf != nil {
		req.ContextFactors = map[string]any{
			"hasRecentTrauma":    cf.HasRecentTrauma,
			"hasFever":           cf.HasFever,
			"hasSwelling":        cf.HasSwelling,
			"hasNumbness":        cf.HasNumbness,
			"hasLimitedMobility": cf.HasLimitedMobility,
			"hasPreviousInjury":  cf.HasPreviousInjury,
		}
	}
	return req
}

// Reset returns the machine to welcome with a fresh session identifier and
// empty data, consents and flags. Nothing leaks across runs.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Machine) resetLocked() {
	m.sessionID = uuid.New()
	m.step = StepWelcome
	m.data = IntakeData{}
	m.consents = consent.NewLedger(m.sessionID, m.recorder)
	m.flags = nil
	m.seenKeywords = make(map[string]bool)
	m.triage = nil
	m.triageDegraded = false
	m.vision = nil
	m.visionSkipped = false
	m.report = nil
	m.submitting = false
	m.errMsg = ""
	m.emergency = false
}

func (m *Machine) refuseLocked(reason string, err error) error {
	if m.collector != nil {
		m.collector.TransitionsRefused.WithLabelValues(string(m.step), reason).Inc()
	}
	return refused(m.step, reason, err)
}

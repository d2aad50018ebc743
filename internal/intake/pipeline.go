package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
	"github.com/apnedoctors/triage-orchestrator/pkg/metrics"
)

// TriageClient is the symptom-triage collaborator.
type TriageClient interface {
	Triage(ctx context.Context, req gateway.TriageRequest) (*gateway.TriageResult, error)
}

// VisionClient is the visual-scan collaborator.
type VisionClient interface {
	AnalyzeImage(ctx context.Context, req gateway.VisionRequest) (*gateway.VisionResult, error)
}

// Store is the append-only record store the pipeline writes its audit trail
// to. All writes are best-effort and never gate a user-visible transition.
type Store interface {
	InsertAssessment(ctx context.Context, rec AssessmentRecord) error
	UpdateAssessmentStatus(ctx context.Context, sessionID uuid.UUID, status string, completedAt *time.Time) error
	InsertRiskFlag(ctx context.Context, sessionID uuid.UUID, flag RiskFlag) error
	InsertTrace(ctx context.Context, trace ReasoningTrace) error
}

// AssessmentRecord is the persisted snapshot of one submitted intake.
type AssessmentRecord struct {
	SessionID    uuid.UUID
	Data         IntakeData
	ConsentGiven bool
	Status       string
	SubmittedAt  time.Time
}

// ReasoningTrace records one collaborator call for auditability.
type ReasoningTrace struct {
	SessionID        uuid.UUID
	TraceType        string
	Input            any
	Output           any
	ConfidenceScore  int
	ProcessingTimeMs int64
}

// TriageOutcome is what a successful submission commits: the result plus
// the warning flags derived from it, as one unit. Degraded marks the safe
// fallback substituted for an unparseable gateway answer.
type TriageOutcome struct {
	Result   *gateway.TriageResult
	Flags    []RiskFlag
	Degraded bool
}

// Pipeline performs the synchronous two-phase submission: the triage call
// from the review step, then the optional vision call. Consent is the
// caller's responsibility; the pipeline does not re-check it.
type Pipeline struct {
	triage    TriageClient
	vision    VisionClient
	store     Store
	log       *zap.Logger
	collector *metrics.Collector
}

func NewPipeline(triage TriageClient, vision VisionClient, store Store, log *zap.Logger, collector *metrics.Collector) *Pipeline {
	return &Pipeline{
		triage:    triage,
		vision:    vision,
		store:     store,
		log:       log,
		collector: collector,
	}
}

// SubmitForTriage invokes the triage collaborator exactly once. Either the
// full outcome (result + derived flags) is returned, or an error and no
// partial state. A malformed response degrades to the conservative fallback
// instead of blocking the flow.
func (p *Pipeline) SubmitForTriage(ctx context.Context, sessionID uuid.UUID, data IntakeData) (*TriageOutcome, error) {
	req := buildTriageRequest(data)

	start := time.Now()
	result, err := p.triage.Triage(ctx, req)
	elapsed := time.Since(start)

	degraded := false
	if err != nil {
		if gateway.CodeOf(err) != gateway.CodeMalformed {
			return nil, err
		}
		p.log.Warn("triage response malformed, degrading to fallback",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		result = gateway.FallbackTriageResult()
		degraded = true
	}

	outcome := &TriageOutcome{
		Result:   result,
		Degraded: degraded,
		Flags:    deriveWarningFlags(result),
	}

	p.persistTriage(sessionID, data, outcome, elapsed)
	return outcome, nil
}

// SubmitVisualScan invokes the vision collaborator once. A nil image is the
// deliberate "user skipped" short-circuit: no call, no result, no error.
func (p *Pipeline) SubmitVisualScan(ctx context.Context, sessionID uuid.UUID, image []byte, data IntakeData) (*gateway.VisionResult, error) {
	if image == nil {
		return nil, nil
	}

	req := gateway.VisionRequest{
		Image:       image,
		BodyPart:    data.BodyLocation,
		ContextText: data.Symptoms,
	}

	start := time.Now()
	result, err := p.vision.AnalyzeImage(ctx, req)
	if err != nil {
		return nil, err
	}

	p.persistTrace(ReasoningTrace{
		SessionID:        sessionID,
		TraceType:        "vision_analysis",
		Input:            map[string]any{"bodyPart": data.BodyLocation, "hasImage": true},
		Output:           result,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
	return result, nil
}

func buildTriageRequest(data IntakeData) gateway.TriageRequest {
	req := gateway.TriageRequest{
		Symptoms:       data.Symptoms,
		Duration:       data.Duration,
		Location:       data.BodyLocation,
		AdditionalInfo: data.AdditionalInfo,
		PainPattern:    string(data.PainPattern),
		PainQuality:    string(data.PainQuality),
	}
	if data.PainLevel != nil {
		req.PainLevel = *data.PainLevel
	}
	if cf := data.ContextFactors; cf != nil {
		req.ContextFactors = map[string]any{
			"hasRecentTrauma":    cf.HasRecentTrauma,
			"hasFever":           cf.HasFever,
			"hasSwelling":        cf.HasSwelling,
			"hasNumbness":        cf.HasNumbness,
			"hasLimitedMobility": cf.HasLimitedMobility,
			"hasPreviousInjury":  cf.HasPreviousInjury,
			"currentMedications": cf.CurrentMedications,
			"allergies":          cf.Allergies,
		}
	}
	return req
}

func deriveWarningFlags(result *gateway.TriageResult) []RiskFlag {
	flags := make([]RiskFlag, 0, len(result.RedFlags))
	for _, rf := range result.RedFlags {
		flags = append(flags, RiskFlag{
			ID:                 uuid.New(),
			Type:               FlagWarning,
			Code:               CodeRedFlag,
			Description:        rf,
			DetectedFrom:       SourceAITriage,
			Confidence:         result.ConfidenceScore,
			RequiresEscalation: result.ShouldSeekEmergencyCare,
			DetectedAt:         time.Now().UTC(),
		})
	}
	return flags
}

// persistTriage queues the audit trail after the in-memory outcome is
// already decided. Failures are logged; they can never roll back the
// transition.
func (p *Pipeline) persistTriage(sessionID uuid.UUID, data IntakeData, outcome *TriageOutcome, elapsed time.Duration) {
	if p.store == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rec := AssessmentRecord{
			SessionID:    sessionID,
			Data:         data,
			ConsentGiven: true,
			Status:       "analyzing",
			SubmittedAt:  time.Now().UTC(),
		}
		if err := p.store.InsertAssessment(ctx, rec); err != nil {
			p.logStoreFailure("assessments", sessionID, err)
		}

		trace := ReasoningTrace{
			SessionID:        sessionID,
			TraceType:        "triage_logic",
			Input:            data,
			Output:           outcome.Result,
			ConfidenceScore:  outcome.Result.ConfidenceScore,
			ProcessingTimeMs: elapsed.Milliseconds(),
		}
		if err := p.store.InsertTrace(ctx, trace); err != nil {
			p.logStoreFailure("ai_reasoning_traces", sessionID, err)
		}

		for _, flag := range outcome.Flags {
			if err := p.store.InsertRiskFlag(ctx, sessionID, flag); err != nil {
				p.logStoreFailure("risk_flags", sessionID, err)
			}
		}
	}()
}

func (p *Pipeline) persistTrace(trace ReasoningTrace) {
	if p.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.InsertTrace(ctx, trace); err != nil {
			p.logStoreFailure("ai_reasoning_traces", trace.SessionID, err)
		}
	}()
}

func (p *Pipeline) logStoreFailure(table string, sessionID uuid.UUID, err error) {
	p.log.Error("record store write failed",
		zap.String("table", table),
		zap.String("session_id", sessionID.String()),
		zap.Error(err),
	)
	if p.collector != nil {
		p.collector.RecordStoreFailures.WithLabelValues(table).Inc()
	}
}

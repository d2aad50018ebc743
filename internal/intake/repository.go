package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/apnedoctors/triage-orchestrator/internal/consent"
)

// Repository is the Postgres record store for the intake flow. Everything
// here is an append-only audit trail; the in-memory machine remains
// authoritative and no read path feeds back into a running wizard.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertAssessment(ctx context.Context, rec AssessmentRecord) error {
	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return errors.Wrap(err, "marshaling intake data")
	}

	query := `
		INSERT INTO assessments (session_id, intake_data, consent_given, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			intake_data = $2,
			status = $4,
			submitted_at = $5
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.SessionID, dataJSON, rec.ConsentGiven, rec.Status, rec.SubmittedAt)
	return errors.Wrap(err, "inserting assessment")
}

func (r *Repository) UpdateAssessmentStatus(ctx context.Context, sessionID uuid.UUID, status string, completedAt *time.Time) error {
	query := `UPDATE assessments SET status = $2, completed_at = $3 WHERE session_id = $1`
	_, err := r.db.ExecContext(ctx, query, sessionID, status, completedAt)
	return errors.Wrap(err, "updating assessment status")
}

func (r *Repository) InsertRiskFlag(ctx context.Context, sessionID uuid.UUID, flag RiskFlag) error {
	query := `
		INSERT INTO risk_flags (id, session_id, flag_type, flag_code, flag_description,
			detected_from, confidence, requires_escalation, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		flag.ID, sessionID, flag.Type, flag.Code, flag.Description,
		flag.DetectedFrom, flag.Confidence, flag.RequiresEscalation, flag.DetectedAt)
	return errors.Wrap(err, "inserting risk flag")
}

func (r *Repository) InsertTrace(ctx context.Context, trace ReasoningTrace) error {
	inputJSON, err := json.Marshal(trace.Input)
	if err != nil {
		return errors.Wrap(err, "marshaling trace input")
	}
	outputJSON, err := json.Marshal(trace.Output)
	if err != nil {
		return errors.Wrap(err, "marshaling trace output")
	}

	query := `
		INSERT INTO ai_reasoning_traces (session_id, trace_type, input_data, output_data,
			confidence_score, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		trace.SessionID, trace.TraceType, inputJSON, outputJSON,
		trace.ConfidenceScore, trace.ProcessingTimeMs, time.Now().UTC())
	return errors.Wrap(err, "inserting reasoning trace")
}

// InsertConsent implements consent.Sink.
func (r *Repository) InsertConsent(ctx context.Context, rec consent.Record) error {
	query := `
		INSERT INTO consent_logs (id, session_id, consent_type, consent_given, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.Type, rec.Given, rec.Timestamp)
	return errors.Wrap(err, "inserting consent record")
}

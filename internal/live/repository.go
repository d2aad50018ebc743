package live

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/apnedoctors/triage-orchestrator/internal/intake"
)

// Repository persists live sessions. Transcript, vision results and the
// triage snapshots go into JSON columns; the in-memory controller stays
// authoritative and nothing here is read back into a running session.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertSession(ctx context.Context, s Session) error {
	query := `
		INSERT INTO live_sessions (id, patient_id, started_at, status)
		VALUES ($1, $2, $3, 'active')
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, s.ID, s.PatientID, s.StartTime)
	return errors.Wrap(err, "inserting live session")
}

func (r *Repository) UpdateSessionEnd(ctx context.Context, s Session) error {
	transcriptJSON, err := json.Marshal(s.Messages)
	if err != nil {
		return errors.Wrap(err, "marshaling transcript")
	}
	visionJSON, err := json.Marshal(s.VisionResults)
	if err != nil {
		return errors.Wrap(err, "marshaling vision results")
	}
	var triageJSON []byte
	if s.FinalTriage != nil {
		triageJSON, err = json.Marshal(s.FinalTriage)
		if err != nil {
			return errors.Wrap(err, "marshaling final triage")
		}
	}

	query := `
		UPDATE live_sessions SET
			ended_at = $2,
			status = 'ended',
			transcript = $3,
			vision_results = $4,
			final_triage = $5,
			escalated = $6
		WHERE id = $1
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.EndTime, transcriptJSON, visionJSON, triageJSON, s.Escalated)
	return errors.Wrap(err, "updating live session end")
}

func (r *Repository) InsertRiskFlag(ctx context.Context, sessionID uuid.UUID, flag intake.RiskFlag) error {
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

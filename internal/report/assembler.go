// Package report assembles the terminal report for both the intake wizard
// and the live session. One gateway call, one immutable Report.
package report

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
)

// Generator is the report-generation collaborator.
type Generator interface {
	GenerateReport(ctx context.Context, req gateway.ReportRequest) (*gateway.ReportPayload, error)
}

// Report is an immutable snapshot of everything known at generation time.
// It is never mutated after creation.
type Report struct {
	ID          uuid.UUID              `json:"reportId"`
	SessionID   uuid.UUID              `json:"sessionId"`
	GeneratedAt time.Time              `json:"generatedAt"`
	Payload     *gateway.ReportPayload `json:"payload"`
}

// Assembler invokes the report collaborator and wraps the result. Any one
// optional input (vision, context factors, transcript) may be absent; the
// assembler never blocks on optional data.
type Assembler struct {
	gen Generator
	log *zap.Logger
}

func NewAssembler(gen Generator, log *zap.Logger) *Assembler {
	return &Assembler{gen: gen, log: log}
}

// Generate performs the single report call. On failure it returns the error
// and nothing else: no partial report exists.
func (a *Assembler) Generate(ctx context.Context, sessionID uuid.UUID, req gateway.ReportRequest) (*Report, error) {
	payload, err := a.gen.GenerateReport(ctx, req)
	if err != nil {
		a.log.Warn("report generation failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	rep := &Report{
		ID:          uuid.New(),
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC(),
		Payload:     payload,
	}

	a.log.Info("report generated",
		zap.String("session_id", sessionID.String()),
		zap.String("report_id", rep.ID.String()),
	)
	return rep, nil
}

package report

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
)

type fakeGenerator struct {
	lastReq gateway.ReportRequest
	payload *gateway.ReportPayload
	err     error
}

func (f *fakeGenerator) GenerateReport(_ context.Context, req gateway.ReportRequest) (*gateway.ReportPayload, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func TestGenerateSuccess(t *testing.T) {
	gen := &fakeGenerator{payload: &gateway.ReportPayload{
		PatientSummary: map[string]any{"chiefComplaint": "knee pain"},
		Disclaimer:     "not a diagnosis",
	}}
	asm := NewAssembler(gen, zap.NewNop())
	sessionID := uuid.New()

	rep, err := asm.Generate(context.Background(), sessionID, gateway.ReportRequest{
		PatientInfo: map[string]any{"symptoms": "knee pain after running"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.ID == uuid.Nil {
		t.Error("report must carry a generated id")
	}
	if rep.SessionID != sessionID {
		t.Error("report must reference the originating session")
	}
	if rep.GeneratedAt.IsZero() {
		t.Error("report must carry a generation timestamp")
	}
	if rep.Payload.Disclaimer != "not a diagnosis" {
		t.Errorf("payload not attached: %+v", rep.Payload)
	}
}

func TestGenerateDegradesWithoutOptionalInputs(t *testing.T) {
	// No vision results, no context factors: still a valid request.
	gen := &fakeGenerator{payload: &gateway.ReportPayload{}}
	asm := NewAssembler(gen, zap.NewNop())

	rep, err := asm.Generate(context.Background(), uuid.New(), gateway.ReportRequest{
		PatientInfo: map[string]any{"symptoms": "mild wrist ache"},
		TriageData:  &gateway.TriageResult{TriageLevel: 4},
	})
	if err != nil {
		t.Fatalf("Generate without optional inputs: %v", err)
	}
	if rep == nil {
		t.Fatal("expected a report")
	}
	if gen.lastReq.VisionData != nil || gen.lastReq.ContextFactors != nil {
		t.Error("absent optional inputs must stay absent, not be fabricated")
	}
}

func TestGenerateFailureNoPartialReport(t *testing.T) {
	gen := &fakeGenerator{err: &gateway.Error{Code: gateway.CodeTransport, Op: "report"}}
	asm := NewAssembler(gen, zap.NewNop())

	rep, err := asm.Generate(context.Background(), uuid.New(), gateway.ReportRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if rep != nil {
		t.Error("no partial report may exist on failure")
	}
	if gateway.CodeOf(err) != gateway.CodeTransport {
		t.Errorf("error code lost: %v", err)
	}
}

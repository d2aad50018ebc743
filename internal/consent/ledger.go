// Package consent tracks user consent decisions for one assessment or live
// session. The in-memory ledger is authoritative for gating; the record
// store is a best-effort audit trail written asynchronously.
package consent

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the consent decisions the flows collect.
type Type string

const (
	TypeTerms          Type = "terms"
	TypeDataProcessing Type = "data_processing"
	TypeAIAssessment   Type = "ai_assessment"
	TypeVisualScan     Type = "visual_scan"
)

// IntakeRequired are the consents that must be given before the wizard may
// leave the consent step. Visual scan consent is gated separately, right
// before the optional scan.
var IntakeRequired = []Type{TypeTerms, TypeDataProcessing, TypeAIAssessment}

// Record is one immutable consent decision. A newer record for the same
// type supersedes an older one; records are never mutated.
type Record struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Type      Type      `json:"type"`
	Given     bool      `json:"given"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger is the append-only consent list for one session. It is owned by
// the single-threaded intake machine and needs no internal locking; the
// async audit write goes through the shared Recorder.
type Ledger struct {
	sessionID uuid.UUID
	records   []Record
	recorder  *Recorder
}

// NewLedger creates an empty ledger for a session. recorder may be nil when
// no audit trail is wanted (tests).
func NewLedger(sessionID uuid.UUID, recorder *Recorder) *Ledger {
	return &Ledger{sessionID: sessionID, recorder: recorder}
}

// Record appends a consent decision and queues it for persistence. The
// in-memory append always succeeds; audit persistence is fire-and-forget.
func (l *Ledger) Record(t Type, given bool) Record {
	rec := Record{
		ID:        uuid.New(),
		SessionID: l.sessionID,
		Type:      t,
		Given:     given,
		Timestamp: time.Now().UTC(),
	}
	l.records = append(l.records, rec)

	if l.recorder != nil {
		l.recorder.Enqueue(rec)
	}
	return rec
}

// IsGiven reports whether the most recent record for t has given = true.
func (l *Ledger) IsGiven(t Type) bool {
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Type == t {
			return l.records[i].Given
		}
	}
	return false
}

// AllGiven reports whether every listed type is currently given.
func (l *Ledger) AllGiven(types ...Type) bool {
	for _, t := range types {
		if !l.IsGiven(t) {
			return false
		}
	}
	return true
}

// Records returns a copy of the full append-only history.
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

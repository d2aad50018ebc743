// Package live coordinates voice-and-video triage sessions. A session runs
// two concurrent analysis channels over shared state: serialized voice turns
// that own the transcript and current triage, and independent vision calls
// that own the frame results. Each value has exactly one writer.
package live

import (
	"time"

	"github.com/google/uuid"

	"github.com/apnedoctors/triage-orchestrator/internal/platform/gateway"
)

// SessionState is the lifecycle of one live session.
type SessionState string

const (
	StateIdle   SessionState = "idle"
	StateActive SessionState = "active"
	StateEnded  SessionState = "ended"
)

// Role identifies who spoke a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript turn. Messages are append-only and ordered by
// insertion: a user turn always precedes its assistant reply.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the mutable record behind one live call. It is never handed out
// directly; callers get Snapshot copies.
type Session struct {
	ID            uuid.UUID                 `json:"id"`
	PatientID     uuid.UUID                 `json:"patientId"`
	StartTime     time.Time                 `json:"startTime"`
	EndTime       *time.Time                `json:"endTime,omitempty"`
	Messages      []Message                 `json:"messages"`
	VisionResults []*gateway.VisionResult   `json:"visionResults"`
	CurrentTriage *gateway.LiveTriageResult `json:"currentTriage,omitempty"`
	FinalTriage   *gateway.LiveTriageResult `json:"finalTriage,omitempty"`
	Escalated     bool                      `json:"escalated"`
}

// Snapshot is a deep-enough copy of a session for callers: slices are copied,
// result pointers are shared but treated as immutable once published.
func (s *Session) Snapshot() Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.VisionResults = make([]*gateway.VisionResult, len(s.VisionResults))
	copy(out.VisionResults, s.VisionResults)
	return out
}

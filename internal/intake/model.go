// Package intake implements the guided clinical-assessment wizard: the step
// state machine that accumulates IntakeData, the emergency-signal detection
// threaded through text entry, and the submission pipeline that calls the
// triage and vision collaborators.
package intake

import (
	"time"

	"github.com/google/uuid"
)

type PainPattern string

const (
	PatternConstant        PainPattern = "constant"
	PatternIntermittent    PainPattern = "intermittent"
	PatternActivityRelated PainPattern = "activity_related"
	PatternRestRelated     PainPattern = "rest_related"
	PatternVariable        PainPattern = "variable"
)

type PainQuality string

const (
	QualitySharp     PainQuality = "sharp"
	QualityDull      PainQuality = "dull"
	QualityBurning   PainQuality = "burning"
	QualityThrobbing PainQuality = "throbbing"
	QualityAching    PainQuality = "aching"
	QualityStabbing  PainQuality = "stabbing"
	QualityRadiating PainQuality = "radiating"
	QualityCramping  PainQuality = "cramping"
)

type OnsetType string

const (
	OnsetSudden  OnsetType = "sudden"
	OnsetGradual OnsetType = "gradual"
	OnsetUnknown OnsetType = "unknown"
)

// ContextFactors are the yes/no context flags plus the free-text lists
// collected at the context step.
type ContextFactors struct {
	HasRecentTrauma    bool `json:"hasRecentTrauma"`
	HasFever           bool `json:"hasFever"`
	HasSwelling        bool `json:"hasSwelling"`
	HasNumbness        bool `json:"hasNumbness"`
	HasLimitedMobility bool `json:"hasLimitedMobility"`
	HasPreviousInjury  bool `json:"hasPreviousInjury"`

	CurrentMedications []string `json:"currentMedications,omitempty"`
	Allergies          []string `json:"allergies,omitempty"`
}

// IntakeData is the aggregate the wizard accumulates. It stays partial until
// the review step; each field belongs to exactly one step and is only ever
// written while that step is current. PainLevel is a pointer so "not yet
// answered" and "0 out of 10" stay distinguishable.
type IntakeData struct {
	BodyLocation         string `json:"bodyLocation,omitempty"`
	BodyLocationSpecific string `json:"bodyLocationSpecific,omitempty"`

	PainLevel   *int        `json:"painLevel,omitempty"`
	PainPattern PainPattern `json:"painPattern,omitempty"`
	PainQuality PainQuality `json:"painQuality,omitempty"`

	Duration  string    `json:"duration,omitempty"`
	OnsetType OnsetType `json:"onsetType,omitempty"`

	Symptoms string `json:"symptoms,omitempty"`

	ContextFactors *ContextFactors `json:"contextFactors,omitempty"`
	AdditionalInfo string          `json:"additionalInfo,omitempty"`
}

// MinSymptomsLength is the minimum free-text length for the symptoms step.
const MinSymptomsLength = 10

// FlagType classifies a risk flag.
type FlagType string

const (
	FlagEmergency FlagType = "emergency"
	FlagWarning   FlagType = "warning"
)

// Flag codes.
const (
	CodeEmergencyKeyword = "EMERGENCY_KEYWORD_DETECTED"
	CodeRedFlag          = "RED_FLAG"
)

// Flag sources.
const (
	SourceSymptomInput = "symptom_input"
	SourceAITriage     = "ai_triage"
	SourceLiveTriage   = "live_triage"
)

// RiskFlag is one detected risk signal. Flags are immutable and only ever
// appended to the session's list.
type RiskFlag struct {
	ID                 uuid.UUID `json:"id"`
	Type               FlagType  `json:"type"`
	Code               string    `json:"code"`
	Description        string    `json:"description"`
	DetectedFrom       string    `json:"detectedFrom"`
	Confidence         int       `json:"confidence"`
	RequiresEscalation bool      `json:"requiresEscalation"`
	DetectedAt         time.Time `json:"detectedAt"`
}

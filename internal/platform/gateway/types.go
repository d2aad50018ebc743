package gateway

import "encoding/json"

// TriageRequest is the normalized input for the structured intake triage call.
type TriageRequest struct {
	Symptoms       string         `json:"symptoms"`
	PainLevel      int            `json:"painLevel"`
	PainPattern    string         `json:"painPattern,omitempty"`
	PainQuality    string         `json:"painQuality,omitempty"`
	Duration       string         `json:"duration"`
	Location       string         `json:"location"`
	AdditionalInfo string         `json:"additionalInfo,omitempty"`
	ContextFactors map[string]any `json:"contextFactors,omitempty"`
}

// TriageResult is the structured triage assessment returned by the gateway.
type TriageResult struct {
	TriageLevel             int      `json:"triageLevel"`
	UrgencyDescription      string   `json:"urgencyDescription"`
	PossibleConditions      []string `json:"possibleConditions"`
	RecommendedActions      []string `json:"recommendedActions"`
	RedFlags                []string `json:"redFlags"`
	ConfidenceScore         int      `json:"confidenceScore"`
	ShouldSeekEmergencyCare bool     `json:"shouldSeekEmergencyCare"`
	FollowUpTimeframe       string   `json:"followUpTimeframe"`
	Disclaimer              string   `json:"disclaimer"`
}

// FallbackTriageResult is the conservative assessment substituted when the
// gateway answers with something we cannot parse. A stuck flow is worse than
// a cautious middle-of-the-scale answer.
func FallbackTriageResult() *TriageResult {
	return &TriageResult{
		TriageLevel:        3,
		UrgencyDescription: "Assessment pending",
		RecommendedActions: []string{"Please consult with a healthcare professional"},
		ConfidenceScore:    50,
		FollowUpTimeframe:  "Within 1-2 weeks",
		Disclaimer:         "This is an AI-assisted assessment and not a medical diagnosis. Please consult a qualified healthcare professional.",
	}
}

// VisionRequest is the input for both vision calls. A nil Image means
// "text-only assessment" and is valid, not an error.
type VisionRequest struct {
	Image       []byte `json:"-"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	BodyPart    string `json:"bodyPart,omitempty"`
	ContextText string `json:"additionalContext,omitempty"`
}

// VisionKind tags which shape the gateway answered with.
type VisionKind string

const (
	// VisionBasic is the live-flow shape: discrete detections plus an
	// overall concern level.
	VisionBasic VisionKind = "basic"
	// VisionExtended is the intake-flow shape: graded inflammation,
	// redness and swelling scoring.
	VisionExtended VisionKind = "extended"
)

// Detection is one finding in a basic vision result.
type Detection struct {
	Type       string  `json:"type"`
	Severity   string  `json:"severity"`
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
}

// BasicVision is the live-frame analysis shape.
type BasicVision struct {
	Detections        []Detection `json:"detections"`
	OverallAssessment string      `json:"overallAssessment"`
	ConcernLevel      string      `json:"concernLevel"`
	Recommendations   []string    `json:"recommendations"`
}

// ExtendedVision is the intake visual-scan shape.
type ExtendedVision struct {
	InflammationScore int      `json:"inflammationScore"`
	RednessDetected   bool     `json:"rednessDetected"`
	RednessLevel      string   `json:"rednessLevel"`
	SwellingDetected  bool     `json:"swellingDetected"`
	SwellingLevel     string   `json:"swellingLevel"`
	BruisingDetected  bool     `json:"bruisingDetected"`
	VisibleDeformity  bool     `json:"visibleDeformity"`
	AffectedArea      string   `json:"affectedArea"`
	UrgencyLevel      int      `json:"urgencyLevel"`
	ConfidenceScore   int      `json:"confidenceScore"`
	Observations      []string `json:"observations"`
	RecommendedAction string   `json:"recommendedAction"`
}

// VisionResult is the single tagged variant both vision calls produce.
// Exactly one of Basic/Extended is set, matching Kind. The gateway's two
// response shapes are normalized here, once, at the decode boundary.
type VisionResult struct {
	Kind     VisionKind      `json:"kind"`
	Basic    *BasicVision    `json:"basic,omitempty"`
	Extended *ExtendedVision `json:"extended,omitempty"`
}

// normalizeVision decides which shape the raw payload carries. The extended
// shape always has an "inflammationScore" key; the basic shape always has
// "detections".
func normalizeVision(raw json.RawMessage) (*VisionResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	if _, ok := probe["inflammationScore"]; ok {
		var ext ExtendedVision
		if err := json.Unmarshal(raw, &ext); err != nil {
			return nil, err
		}
		return &VisionResult{Kind: VisionExtended, Extended: &ext}, nil
	}

	var basic BasicVision
	if err := json.Unmarshal(raw, &basic); err != nil {
		return nil, err
	}
	return &VisionResult{Kind: VisionBasic, Basic: &basic}, nil
}

// ConversationTurn is one prior utterance handed to the live triage call.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LiveTriageRequest is the input for one voice-turn triage call. Vision is
// the latest completed frame analysis at call time, if any; its absence is
// not an error.
type LiveTriageRequest struct {
	Transcript          string             `json:"transcript"`
	ConversationHistory []ConversationTurn `json:"conversationHistory"`
	ImageAnalysis       *VisionResult      `json:"imageAnalysis,omitempty"`
}

// LiveTriageResult is the conversational triage answer for one voice turn.
type LiveTriageResult struct {
	Response       string        `json:"response"`
	TriageLevel    string        `json:"triageLevel"`
	ExtractedInfo  ExtractedInfo `json:"extractedInfo"`
	NextQuestion   string        `json:"nextQuestion,omitempty"`
	ShouldEscalate bool          `json:"shouldEscalate"`
	Complete       bool          `json:"conversationComplete"`
}

// ExtractedInfo is the structured data the model pulled out of the turn.
type ExtractedInfo struct {
	Symptoms []string `json:"symptoms,omitempty"`
	Duration string   `json:"duration,omitempty"`
	Severity string   `json:"severity,omitempty"`
	BodyPart string   `json:"bodyPart,omitempty"`
	RedFlags []string `json:"redFlags,omitempty"`
}

// ReportRequest carries every artifact accumulated by either flow.
// Optional inputs stay nil; the gateway is expected to degrade gracefully.
type ReportRequest struct {
	PatientInfo    map[string]any     `json:"patientInfo,omitempty"`
	TriageData     *TriageResult      `json:"triageData,omitempty"`
	VisionData     []*VisionResult    `json:"visionData,omitempty"`
	ContextFactors map[string]any     `json:"contextFactors,omitempty"`
	Transcript     []ConversationTurn `json:"transcript,omitempty"`
	FinalTriage    *LiveTriageResult  `json:"finalTriage,omitempty"`
	SessionID      string             `json:"sessionId,omitempty"`
}

// ReportPayload is the generated report body. The orchestrator treats it as
// opaque structured content apart from the summary fields it reads.
type ReportPayload struct {
	PatientSummary   map[string]any  `json:"patientSummary,omitempty"`
	TriageAssessment map[string]any  `json:"triageAssessment,omitempty"`
	Recommendations  map[string]any  `json:"recommendations,omitempty"`
	RedFlags         json.RawMessage `json:"redFlags,omitempty"`
	Disclaimer       string          `json:"disclaimer,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

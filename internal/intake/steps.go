package intake

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Step identifies one wizard step.
type Step string

const (
	StepWelcome        Step = "welcome"
	StepConsent        Step = "consent"
	StepBodyLocation   Step = "body-location"
	StepPainAssessment Step = "pain-assessment"
	StepDuration       Step = "duration"
	StepSymptoms       Step = "symptoms"
	StepContext        Step = "context"
	StepReview         Step = "review"
	StepVisualConsent  Step = "visual-consent"
	StepVisualScan     Step = "visual-scan"
	StepAnalysis       Step = "analysis"
	StepReport         Step = "report"
)

// stepSpec is one row of the transition table: where a forward transition
// leads, whether plain Advance may take it, and which fields the step owns
// and requires. Illegal transitions are a construction-time concern, not a
// runtime string comparison.
type stepSpec struct {
	next Step
	prev Step

	// advance is false for steps that only a dedicated operation may leave
	// (review via SubmitForTriage, visual-consent via Accept/Skip, and so on).
	advance bool

	// owns lists the IntakeData fields the step may write.
	owns []field

	// validate returns nil when the step's required fields are all present.
	validate func(d *IntakeData) error
}

type field string

const (
	fieldBodyLocation         field = "bodyLocation"
	fieldBodyLocationSpecific field = "bodyLocationSpecific"
	fieldPainLevel            field = "painLevel"
	fieldPainPattern          field = "painPattern"
	fieldPainQuality          field = "painQuality"
	fieldDuration             field = "duration"
	fieldOnsetType            field = "onsetType"
	fieldSymptoms             field = "symptoms"
	fieldContextFactors       field = "contextFactors"
	fieldAdditionalInfo       field = "additionalInfo"
)

var stepTable = map[Step]stepSpec{
	StepWelcome: {
		next: StepConsent, prev: "", advance: true,
		validate: func(*IntakeData) error { return nil },
	},
	StepConsent: {
		// The consent gate itself is checked by the machine against the
		// ledger, not against IntakeData.
		next: StepBodyLocation, prev: StepWelcome, advance: true,
		validate: func(*IntakeData) error { return nil },
	},
	StepBodyLocation: {
		next: StepPainAssessment, prev: StepConsent, advance: true,
		owns: []field{fieldBodyLocation, fieldBodyLocationSpecific},
		validate: func(d *IntakeData) error {
			if d.BodyLocation == "" {
				return fieldError(fieldBodyLocation, "body location is required")
			}
			return nil
		},
	},
	StepPainAssessment: {
		next: StepDuration, prev: StepBodyLocation, advance: true,
		owns: []field{fieldPainLevel, fieldPainPattern, fieldPainQuality},
		validate: func(d *IntakeData) error {
			var result *multierror.Error
			if d.PainLevel == nil {
				result = multierror.Append(result, fieldError(fieldPainLevel, "pain level is required"))
			} else if *d.PainLevel < 0 || *d.PainLevel > 10 {
				result = multierror.Append(result, fieldError(fieldPainLevel, "pain level must be 0-10"))
			}
			if d.PainPattern == "" {
				result = multierror.Append(result, fieldError(fieldPainPattern, "pain pattern is required"))
			}
			if d.PainQuality == "" {
				result = multierror.Append(result, fieldError(fieldPainQuality, "pain quality is required"))
			}
			return result.ErrorOrNil()
		},
	},
	StepDuration: {
		next: StepSymptoms, prev: StepPainAssessment, advance: true,
		owns: []field{fieldDuration, fieldOnsetType},
		validate: func(d *IntakeData) error {
			var result *multierror.Error
			if d.Duration == "" {
				result = multierror.Append(result, fieldError(fieldDuration, "duration is required"))
			}
			if d.OnsetType == "" {
				result = multierror.Append(result, fieldError(fieldOnsetType, "onset type is required"))
			}
			return result.ErrorOrNil()
		},
	},
	StepSymptoms: {
		next: StepContext, prev: StepDuration, advance: true,
		owns: []field{fieldSymptoms},
		validate: func(d *IntakeData) error {
			if len(d.Symptoms) < MinSymptomsLength {
				return fieldError(fieldSymptoms, fmt.Sprintf("symptom description must be at least %d characters", MinSymptomsLength))
			}
			return nil
		},
	},
	StepContext: {
		next: StepReview, prev: StepSymptoms, advance: true,
		owns: []field{fieldContextFactors, fieldAdditionalInfo},
		// Context flags default to "no"; nothing is required here.
		validate: func(*IntakeData) error { return nil },
	},
	StepReview: {
		// Left only through SubmitForTriage.
		next: StepVisualConsent, prev: StepContext, advance: false,
		validate: func(*IntakeData) error { return nil },
	},
	StepVisualConsent: {
		// Left only through AcceptVisualScan / SkipVisualScan.
		next: StepVisualScan, prev: StepReview, advance: false,
		validate: func(*IntakeData) error { return nil },
	},
	StepVisualScan: {
		// Left only through SubmitVisualScan.
		next: StepAnalysis, prev: StepVisualConsent, advance: false,
		validate: func(*IntakeData) error { return nil },
	},
	StepAnalysis: {
		// Left only through GenerateReport.
		next: StepReport, prev: StepVisualConsent, advance: false,
		validate: func(*IntakeData) error { return nil },
	},
	StepReport: {
		next: "", prev: StepAnalysis, advance: false,
		validate: func(*IntakeData) error { return nil },
	},
}

func fieldError(f field, msg string) error {
	return fmt.Errorf("%s: %s", f, msg)
}

func (s Step) spec() stepSpec {
	return stepTable[s]
}

// ownsField reports whether the step may write the given field.
func (s Step) ownsField(f field) bool {
	for _, owned := range s.spec().owns {
		if owned == f {
			return true
		}
	}
	return false
}

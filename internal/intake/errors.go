package intake

import (
	"errors"
	"fmt"
)

// Reason codes for refused operations. Tests and the API layer branch on
// these, never on message text.
const (
	ReasonValidation        = "validation_error"
	ReasonConsentMissing    = "consent_missing"
	ReasonInvalidTransition = "invalid_transition"
	ReasonSubmissionBusy    = "submission_in_flight"
	ReasonSuperseded        = "session_superseded"
)

// TransitionError reports one refused transition. The machine's state is
// unchanged whenever a TransitionError is returned.
type TransitionError struct {
	Step   Step
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("step %s: %s", e.Step, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the refusal reason, or empty if err is not a refusal.
func ReasonOf(err error) string {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

func refused(step Step, reason string, err error) *TransitionError {
	return &TransitionError{Step: step, Reason: reason, Err: err}
}

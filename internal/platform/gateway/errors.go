package gateway

import (
	stderrors "errors"
	"fmt"
)

// Code classifies gateway failures. Callers branch on the code, never on
// error strings.
type Code string

const (
	CodeRateLimited    Code = "rate_limited"
	CodeQuotaExhausted Code = "quota_exhausted"
	CodeTransport      Code = "transport_error"
	CodeMalformed      Code = "malformed_response"
)

// Error is the typed failure every gateway call returns. No raw transport or
// JSON error crosses the package boundary.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the gateway code from err, or empty if err is not a
// gateway error.
func CodeOf(err error) Code {
	var ge *Error
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsRetryable reports whether the caller may usefully retry the same call.
// Malformed responses are not retryable: the caller should degrade instead.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeTransport:
		return true
	default:
		return false
	}
}

func newError(op string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

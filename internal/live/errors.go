package live

import "errors"

var (
	// ErrTriageBusy is returned when a voice turn arrives while a previous
	// turn's triage call is still in flight. At most one triage call runs
	// per session so results cannot commit out of order.
	ErrTriageBusy = errors.New("live: a triage call is already in flight for this session")

	// ErrSessionEnded is returned by channel operations after end().
	ErrSessionEnded = errors.New("live: session has ended")

	// ErrSessionNotFound is returned when no controller exists for an id.
	ErrSessionNotFound = errors.New("live: session not found")

	// ErrMissingPatient is returned when a session start lacks an actor
	// identity. Sessions never start anonymously.
	ErrMissingPatient = errors.New("live: patient identity required to start a session")
)

package orchestrator

import "errors"

// ErrSessionBusy is returned when a turn is attempted on a session
// that is already running one. Turns are single-flight, never queued.
var ErrSessionBusy = errors.New("session is busy with another turn")

// ErrStepLimit is returned when a turn exceeds its step budget
var ErrStepLimit = errors.New("turn exceeded step limit")

// Stream error codes carried on error nodes. CodeToolError is the
// only recoverable one; the rest terminate the turn.
const (
	CodeSessionBusy        = "session_busy"
	CodeStepLimit          = "step_limit_exceeded"
	CodeProviderError      = "provider_error"
	CodeClientDisconnected = "client_disconnected"
	CodeToolError          = "tool_error"
	CodeFatalToolError     = "fatal_tool_error"
	CodeInternal           = "internal_error"
)

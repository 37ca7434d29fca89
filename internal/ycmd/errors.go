package ycmd

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Standard errors returned by the ycmd client. Callers match them with
// errors.Is; wrapped variants carry additional context.
var (
	// ErrConfig indicates invalid startup configuration. Surfaced at
	// setup time, before any subprocess is spawned.
	ErrConfig = errors.New("invalid ycmd configuration")

	// ErrServerStart indicates the subprocess exited before becoming ready.
	ErrServerStart = errors.New("ycmd server failed to start")

	// ErrServerTimeout indicates readiness was not observed in time.
	ErrServerTimeout = errors.New("ycmd server not ready before deadline")

	// ErrServerUnavailable indicates no ready server exists for the root.
	ErrServerUnavailable = errors.New("ycmd server unavailable")

	// ErrTransport indicates a network or HTTP-layer failure.
	ErrTransport = errors.New("ycmd transport failure")

	// ErrProtocol indicates a malformed or unexpected server response.
	ErrProtocol = errors.New("ycmd protocol failure")

	// ErrSuperseded indicates a newer request of the same kind replaced
	// this one. Never surfaced to users.
	ErrSuperseded = errors.New("request superseded")

	// ErrAlreadyRunning indicates a second Start on a live server.
	ErrAlreadyRunning = errors.New("ycmd server already running")

	// ErrStopped indicates the component has been shut down.
	ErrStopped = errors.New("ycmd client stopped")

	// ErrPending indicates a call has not resolved yet.
	ErrPending = errors.New("request still pending")

	// ErrSupervisorFailed indicates the restart limit was exceeded.
	ErrSupervisorFailed = errors.New("ycmd supervisor exceeded restart limit")
)

// ServerError ties a lifecycle or request failure to its project root.
type ServerError struct {
	ProjectRoot string
	Err         error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.ProjectRoot, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// ResponseError is an error entry reported inside a ycmd response body.
// ycmd returns these alongside partial results, e.g. when a semantic
// subserver has no flags for a translation unit.
type ResponseError struct {
	Exception struct {
		Type string `json:"TYPE"`
	} `json:"exception"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Exception.Type != "" {
		return fmt.Sprintf("ycmd error %s: %s", e.Exception.Type, e.Message)
	}
	return fmt.Sprintf("ycmd error: %s", e.Message)
}

// IsUnknownExtraConf reports whether the error asks for an extra-conf
// confirmation. The caller decides whether to load or ignore the file.
func (e *ResponseError) IsUnknownExtraConf() bool {
	return e.Exception.Type == "UnknownExtraConf"
}

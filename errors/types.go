package errors

import (
	"fmt"
	"strings"
)

// ProcessCreationError carries the platform error code returned when process creation fails.
type ProcessCreationError struct {
	Op   string
	Code uint32
}

func (e *ProcessCreationError) Error() string {
	return fmt.Sprintf("%s failed with error code %d", e.Op, e.Code)
}

func (e *ProcessCreationError) Unwrap() error { return ErrProcessCreation }

// UnsupportedEngineError names the automation engine the agent cannot run.
type UnsupportedEngineError struct {
	Engine string
}

func (e *UnsupportedEngineError) Error() string {
	return fmt.Sprintf("specified execution engine %q is not implemented on the agent", e.Engine)
}

func (e *UnsupportedEngineError) Unwrap() error { return ErrUnsupportedEngine }

// DependencyFailure records one dependency that could not be installed or loaded.
type DependencyFailure struct {
	ID      string
	Version string
	Reason  string
}

// DependencyResolutionError aggregates every failed dependency of a manifest.
type DependencyResolutionError struct {
	Failures []DependencyFailure
}

func (e *DependencyResolutionError) Error() string {
	lines := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		lines = append(lines, f.Reason)
	}
	return strings.Join(lines, "\n")
}

func (e *DependencyResolutionError) Unwrap() error { return ErrDependencyResolution }

// RemoteStatusError is a non-success HTTP response from the server.
type RemoteStatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *RemoteStatusError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrAuthExpired
	}
	return ErrRemoteTransport
}

// StatusCode extracts the HTTP status code from a RemoteStatusError chain, or 0.
func StatusCode(err error) int {
	var rse *RemoteStatusError
	if As(err, &rse) {
		return rse.StatusCode
	}
	return 0
}

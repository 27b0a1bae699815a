// Package errors provides error handling for the agent.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints that survive wrapping
//
// Usage:
//
//	// Wrap with context
//	if err := fetch(); err != nil {
//	    err = errors.Wrap(err, "failed to fetch automation")
//	    return errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", id))
//	}
//
//	// Classify
//	if errors.Is(err, errors.ErrManifestNotFound) {
//	    // ...
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
	Mark               = crdb.Mark
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinels for the agent's failure taxonomy.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrSessionAcquisition indicates no usable user token could be obtained for a launch
	ErrSessionAcquisition = New("session acquisition failed")

	// ErrProcessCreation indicates the OS refused to create the automation process
	ErrProcessCreation = New("process creation failed")

	// ErrManifestNotFound indicates the unpacked package has no manifest
	ErrManifestNotFound = New("manifest not found")

	// ErrMainFileNotFound indicates the declared main file is absent from the package
	ErrMainFileNotFound = New("main file not found")

	// ErrUnsupportedEngine indicates an automation engine the agent cannot run
	ErrUnsupportedEngine = New("unsupported automation engine")

	// ErrDependencyResolution indicates one or more dependencies could not be installed
	ErrDependencyResolution = New("dependency resolution failed")

	// ErrEmptyQueue indicates Dequeue or Peek on an empty job queue
	ErrEmptyQueue = New("job queue is empty")

	// ErrAuthExpired indicates the server rejected the access token
	ErrAuthExpired = New("authentication expired")

	// ErrRemoteTransport indicates a network failure or a non-success server response
	ErrRemoteTransport = New("remote transport failure")

	// ErrNonZeroExit indicates the automation process exited with a non-zero code
	ErrNonZeroExit = New("automation exited with non-zero code")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")
)

// kinds maps each sentinel to the name reported to the server in failure detail.
var kinds = []struct {
	sentinel error
	name     string
}{
	{ErrSessionAcquisition, "SessionAcquisitionError"},
	{ErrProcessCreation, "ProcessCreationError"},
	{ErrManifestNotFound, "ManifestNotFoundError"},
	{ErrMainFileNotFound, "MainFileNotFoundError"},
	{ErrUnsupportedEngine, "UnsupportedEngineError"},
	{ErrDependencyResolution, "DependencyResolutionError"},
	{ErrEmptyQueue, "EmptyQueueError"},
	{ErrAuthExpired, "AuthExpiredError"},
	{ErrRemoteTransport, "RemoteTransportError"},
	{ErrNonZeroExit, "NonZeroExitError"},
	{ErrTimeout, "TimeoutError"},
	{ErrNotFound, "NotFoundError"},
}

// Kind returns the taxonomy name of err, or "Error" when it matches none.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if Is(err, k.sentinel) {
			return k.name
		}
	}
	return "Error"
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

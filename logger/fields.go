package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across the agent.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID          = "job_id"
	FieldAutomationID   = "automation_id"
	FieldAutomationName = "automation_name"
	FieldAgentID        = "agent_id"
	FieldExecutionLogID = "execution_log_id"
	FieldScopeID        = "scope_id"

	// Components
	FieldComponent = "component"
	FieldEngine    = "engine"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldURL       = "url"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Status
	FieldStatus     = "status"
	FieldStatusCode = "status_code"
	FieldExitCode   = "exit_code"
	FieldHealthy    = "healthy"

	// Files and packages
	FieldFile         = "file"
	FieldExecutionDir = "execution_dir"
	FieldPackageID    = "package_id"
	FieldVersion      = "version"
	FieldCount        = "count"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns l with fields extracted from ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	manager := execution.NewManager(..., logger.ComponentLogger("execution"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

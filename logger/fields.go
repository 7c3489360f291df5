package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across crmsync.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity
	FieldEntityType = "entity_type"
	FieldEntityID   = "entity_id"
	FieldRef        = "ref"
	FieldVersion    = "version"
	FieldRequestID  = "request_id"

	// Components
	FieldComponent = "component"
	FieldChannel   = "channel"
	FieldPeer      = "peer"

	// Operations
	FieldMessage = "message_type"
	FieldChanges = "changes"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"
)

type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value
// pairs suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	base = OrNop(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	root := crm.NewRoot(crm.Deps{Logger: logger.ComponentLogger("crm")})
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

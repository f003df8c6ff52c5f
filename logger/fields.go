package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across Loom.
const (
	FieldScheduleID  = "schedule_id"
	FieldExecutionID = "execution_id"
	FieldStepOrder   = "step_order"
	FieldStepID      = "step_id"
	FieldRecordID    = "record_id"
	FieldModelID     = "model_id"
	FieldActionID    = "action_id"
	FieldAgentID     = "agent_id"
	FieldTrigger     = "trigger"
	FieldRequestID   = "request_id"

	FieldComponent  = "component"
	FieldOperation  = "operation"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldAddress    = "address"
	FieldSymbol     = "symbol"
)

type contextKey string

const (
	scheduleIDKey  contextKey = "logger_schedule_id"
	executionIDKey contextKey = "logger_execution_id"
	requestIDKey   contextKey = "logger_request_id"
)

// WithScheduleID adds a schedule ID to the context for logging
func WithScheduleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, id)
}

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if v, ok := ctx.Value(scheduleIDKey).(string); ok && v != "" {
		fields = append(fields, FieldScheduleID, v)
	}
	if v, ok := ctx.Value(executionIDKey).(string); ok && v != "" {
		fields = append(fields, FieldExecutionID, v)
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRequestID, v)
	}
	return fields
}

// FromContext returns base enriched with the IDs carried by ctx
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	t.logger = logger.ComponentLogger("pulse.ticker")
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

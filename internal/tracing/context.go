package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// ConversationKeyKey is the context key for the conversation key
	ConversationKeyKey ContextKey = "conversation_key"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID         string
	RunID           string
	ConversationKey string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a short run ID for log correlation
func NewRunID() string {
	return gonanoid.Must(12)
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithConversationKey adds a conversation key to the context
func WithConversationKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ConversationKeyKey, key)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetConversationKey retrieves the conversation key from the context
func GetConversationKey(ctx context.Context) string {
	if key, ok := ctx.Value(ConversationKeyKey).(string); ok {
		return key
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:         GetTraceID(ctx),
		RunID:           GetRunID(ctx),
		ConversationKey: GetConversationKey(ctx),
	}
}

// NewRequestContext creates a context pre-populated with a fresh trace ID
func NewRequestContext(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return WithTraceID(parent, NewTraceID())
}

package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
)

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// InvocationIDKey is the context key for the invocation ID.
	InvocationIDKey ContextKey = "invocation_id"
	// StackKey is the context key for the stack name being guarded.
	StackKey ContextKey = "stack"
	// ControllerKey is the context key for the controller handling the invocation.
	ControllerKey ContextKey = "controller"
)

// ContextHandler is an slog.Handler that extracts values from context
// and includes them in all log records.
type ContextHandler struct {
	handler slog.Handler
}

// NewContextHandler creates a new context-aware handler that wraps another handler.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{
		handler: handler,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds context attributes to the record and passes it to the underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []ContextKey{InvocationIDKey, ControllerKey, StackKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}

	return h.handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with additional attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{
		handler: h.handler.WithAttrs(attrs),
	}
}

// WithGroup returns a new handler with a group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{
		handler: h.handler.WithGroup(name),
	}
}

// WithInvocation tags the context with an invocation ID and the stack name.
// The ID comes from the Lambda runtime when present, then from id, and is
// generated otherwise.
func WithInvocation(ctx context.Context, controller, stack, id string) context.Context {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		id = lc.AwsRequestID
	}
	if id == "" {
		id = GenerateInvocationID()
	}
	ctx = context.WithValue(ctx, InvocationIDKey, id)
	ctx = context.WithValue(ctx, ControllerKey, controller)
	return context.WithValue(ctx, StackKey, stack)
}

// GetInvocationID retrieves the invocation ID from context.
func GetInvocationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(InvocationIDKey).(string)
	return id, ok
}

// GenerateInvocationID generates a new UUID-based invocation ID.
func GenerateInvocationID() string {
	return uuid.New().String()
}

// Setup installs the default logger. format "json" selects the JSON handler,
// anything else the text handler.
func Setup(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(NewContextHandler(handler)))
}

// ParseLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

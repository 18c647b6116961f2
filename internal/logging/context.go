package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	credentialIDKey ctxKey = iota
	entityIDKey
	userIDKey
)

// WithCredentialID returns a context with the credential ID set.
func WithCredentialID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, credentialIDKey, id)
}

// WithEntityID returns a context with the entity ID set.
func WithEntityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, entityIDKey, id)
}

// WithUserID returns a context with the user ID set.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// CredentialID extracts the credential ID from the context, or "" if absent.
func CredentialID(ctx context.Context) string {
	v, _ := ctx.Value(credentialIDKey).(string)
	return v
}

// EntityID extracts the entity ID from the context, or "" if absent.
func EntityID(ctx context.Context) string {
	v, _ := ctx.Value(entityIDKey).(string)
	return v
}

// UserID extracts the user ID from the context, or "" if absent.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, credentialID, entityID, userID string) context.Context {
	ctx = WithCredentialID(ctx, credentialID)
	ctx = WithEntityID(ctx, entityID)
	ctx = WithUserID(ctx, userID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if cID := CredentialID(ctx); cID != "" {
		logger = logger.With(slog.String("credential_id", cID))
	}
	if eID := EntityID(ctx); eID != "" {
		logger = logger.With(slog.String("entity_id", eID))
	}
	if uID := UserID(ctx); uID != "" {
		logger = logger.With(slog.String("user_id", uID))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := CredentialID(ctx); v != "" {
		r.AddAttrs(slog.String("credential_id", v))
	}
	if v := EntityID(ctx); v != "" {
		r.AddAttrs(slog.String("entity_id", v))
	}
	if v := UserID(ctx); v != "" {
		r.AddAttrs(slog.String("user_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

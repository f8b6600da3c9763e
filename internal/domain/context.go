package domain

import "context"

type ctxKey string

const (
	requestCtxKey  ctxKey = "request_id"
	documentCtxKey ctxKey = "document_id"
)

// ContextWithRequestID returns a new context carrying the request ID (ULID).
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
// Returns empty string if not set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithDocumentID tags the context with the Grist document being worked on.
func ContextWithDocumentID(ctx context.Context, docID string) context.Context {
	return context.WithValue(ctx, documentCtxKey, docID)
}

// DocumentIDFromContext returns the document id, or "" when unset.
func DocumentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(documentCtxKey).(string); ok {
		return v
	}
	return ""
}

package tools

import "context"

type contextKey string

const sessionIDKey contextKey = "session_id"

// WithSessionID adds the chat session ID to the context so tool logs
// can be correlated with the conversation that triggered them.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

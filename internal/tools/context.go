package tools

import "context"

type contextKey string

const turnIDKey contextKey = "turn_id"

// WithTurnID tags ctx with the conversation turn that issued a call.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext returns the turn ID set by WithTurnID, or "".
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}

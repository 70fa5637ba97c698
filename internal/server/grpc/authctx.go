package grpcserver

import (
	"context"
)

type ctxKey string

const operatorKey ctxKey = "memsync.operator"

// WithOperator stores the authenticated operator subject in context.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// OperatorFromCtx fetches the operator subject from context.
func OperatorFromCtx(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

package context

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	billingEntityKey
	batchIDKey
	actorKey
)

type actor struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithBillingEntityID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, billingEntityKey, id)
}

func BillingEntityIDFromContext(ctx context.Context) string {
	return stringValue(ctx, billingEntityKey)
}

// WithBatchID tags work belonging to one dispatch batch.
func WithBatchID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, batchIDKey, id)
}

func BatchIDFromContext(ctx context.Context) string {
	return stringValue(ctx, batchIDKey)
}

func WithActor(ctx context.Context, kind, id string) context.Context {
	return context.WithValue(ctx, actorKey, actor{kind: kind, id: id})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if a, ok := ctx.Value(actorKey).(actor); ok {
		return a.kind, a.id
	}
	return "", ""
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

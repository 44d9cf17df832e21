// Package requestctx carries request-scoped identity through context.
package requestctx

import "context"

// actorIDContextKey is the context key for authenticated actor identity.
type actorIDContextKey struct{}

// tenantIDContextKey is the context key for the actor's resolved tenant.
type tenantIDContextKey struct{}

// clientIPContextKey is the context key for the caller's network address.
type clientIPContextKey struct{}

// WithActorID stores an actor identifier in context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorIDContextKey{}, actorID)
}

// ActorIDFromContext returns the actor identifier stored in context.
func ActorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(actorIDContextKey{}).(string)
	return value
}

// WithTenantID stores a tenant identifier in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantIDContextKey{}, tenantID)
}

// TenantIDFromContext returns the tenant identifier stored in context.
func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(tenantIDContextKey{}).(string)
	return value
}

// WithClientIP stores the caller's network address in context.
func WithClientIP(ctx context.Context, clientIP string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clientIPContextKey{}, clientIP)
}

// ClientIPFromContext returns the caller's network address stored in context.
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(clientIPContextKey{}).(string)
	return value
}

package auditcontext

import (
	"context"
	"strings"
)

type actorKey struct{}
type requestIDKey struct{}
type ipAddressKey struct{}

type actor struct {
	actorType string
	actorID   string
}

const (
	ActorTypeAdmin  = "admin"
	ActorTypeDevice = "device"
	ActorTypeMember = "member"
	ActorTypeSystem = "system"
)

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		actorType: strings.TrimSpace(actorType),
		actorID:   strings.TrimSpace(actorID),
	})
}

// ActorFromContext returns the actor type and id, defaulting to system.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return ActorTypeSystem, ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok || value.actorType == "" {
		return ActorTypeSystem, ""
	}
	return value.actorType, value.actorID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithIPAddress(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipAddressKey{}, ip)
}

func IPAddressFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(ipAddressKey{}).(string)
	return value
}

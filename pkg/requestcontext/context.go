// Package requestcontext carries request-scoped values from HTTP middleware to
// services without either side importing the other.
//
//	actor, ok := requestcontext.Actor(ctx)
//	now := requestcontext.Now(ctx)
package requestcontext

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type (
	actorKey     struct{}
	clientKey    struct{}
	requestIDKey struct{}
	timeKey      struct{}
)

type client struct {
	ip, userAgent string
}

func value[T any](ctx context.Context, key any) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// Actor returns the authenticated caller address. ok is false for anonymous
// requests.
func Actor(ctx context.Context) (common.Address, bool) {
	return value[common.Address](ctx, actorKey{})
}

func WithActor(ctx context.Context, actor common.Address) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ClientIP and UserAgent return "" when no client metadata was recorded.
func ClientIP(ctx context.Context) string {
	c, _ := value[client](ctx, clientKey{})
	return c.ip
}

func UserAgent(ctx context.Context) string {
	c, _ := value[client](ctx, clientKey{})
	return c.userAgent
}

func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, client{ip: clientIP, userAgent: userAgent})
}

func RequestID(ctx context.Context) string {
	id, _ := value[string](ctx, requestIDKey{})
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Now returns the time the request was received, or the wall clock outside a
// request (bootstrap, workers).
func Now(ctx context.Context) time.Time {
	if t, ok := value[time.Time](ctx, timeKey{}); ok {
		return t
	}
	return time.Now()
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}

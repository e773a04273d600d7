// Package middleware wraps the chat server's tag handlers.
package middleware

import (
	"context"

	"msg-gateway/message"
)

type HandlerFunc func(ctx context.Context, req *message.Frame) *message.Frame

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

package middleware

import (
	"context"
	"time"

	"msg-gateway/message"
)

const ErrTextTimeout = "request timed out"

func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Frame {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Frame, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Frame{Tag: req.Tag, Error: ErrTextTimeout}
			}
		}
	}
}

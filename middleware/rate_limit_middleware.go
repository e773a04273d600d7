package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"msg-gateway/message"
)

const ErrTextRateLimited = "rate limit exceeded"

// RateLimitMiddleware admits r calls per second with the given burst, using
// a token bucket shared by every connection of the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Frame {
			if !limiter.Allow() {
				return &message.Frame{Tag: req.Tag, Error: ErrTextRateLimited}
			}
			return next(ctx, req)
		}
	}
}

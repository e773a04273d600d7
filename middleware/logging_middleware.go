package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"msg-gateway/message"
	"msg-gateway/remote"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Frame {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("op", remote.OpName(req.Tag)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				log.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				log.Debug("call", fields...)
			}
			return resp
		}
	}
}

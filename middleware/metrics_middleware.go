package middleware

import (
	"context"
	"time"

	"github.com/hashicorp/go-metrics"

	"msg-gateway/message"
	"msg-gateway/remote"
)

var (
	MetricServerCallCount    = []string{"chat", "server", "call", "count"}
	MetricServerCallError    = []string{"chat", "server", "call", "error", "count"}
	MetricServerCallDuration = []string{"chat", "server", "call", "duration"}
)

// MetricsMiddleware reports call counts, failures and latency per operation.
// A nil sink uses the global go-metrics instance.
func MetricsMiddleware(sink *metrics.Metrics) Middleware {
	if sink == nil {
		sink = metrics.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Frame {
			labels := []metrics.Label{{Name: "op", Value: remote.OpName(req.Tag)}}
			start := time.Now()
			resp := next(ctx, req)
			sink.MeasureSinceWithLabels(MetricServerCallDuration, start, labels)
			sink.IncrCounterWithLabels(MetricServerCallCount, 1, labels)
			if resp.Failed() {
				sink.IncrCounterWithLabels(MetricServerCallError, 1, labels)
			}
			return resp
		}
	}
}

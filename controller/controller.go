// Package controller routes transport lifecycle events to the shared client.
//
// The client owns its transport, and the transport owns the controller as
// its Hooks. The controller therefore refers back to the client only through
// a weak pointer: it must never be the reason a client stays alive.
package controller

import (
	"weak"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"msg-gateway/client"
	"msg-gateway/message"
	"msg-gateway/protocol"
)

var (
	MetricFrameCount   = []string{"gateway", "controller", "frame", "count"}
	MetricDroppedCount = []string{"gateway", "controller", "dropped", "count"}
)

// Controller implements transport.Hooks. Every hook runs on the receive
// goroutine and returns without blocking.
type Controller struct {
	client  weak.Pointer[client.Client]
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New builds a controller that counts into m, or into the process-wide
// go-metrics instance when m is nil.
func New(ref weak.Pointer[client.Client], log *zap.Logger, m *metrics.Metrics) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Controller{client: ref, log: log.Named("controller"), metrics: m}
}

// upgrade returns the client if it is still alive.
func (ctl *Controller) upgrade(event string) *client.Client {
	c := ctl.client.Value()
	if c == nil {
		ctl.metrics.IncrCounterWithLabels(MetricDroppedCount, 1, []metrics.Label{{Name: "event", Value: event}})
		ctl.log.Debug("client released, dropping event", zap.String("event", event))
	}
	return c
}

// Alive reports whether the client behind the controller still exists.
func (ctl *Controller) Alive() bool {
	return ctl.client.Value() != nil
}

func (ctl *Controller) OnConnect(addr string) {
	if ctl.upgrade("connect") == nil {
		return
	}
	ctl.log.Debug("transport connected", zap.String("addr", addr))
}

func (ctl *Controller) OnFrame(h *protocol.Header, f *message.Frame) {
	c := ctl.upgrade(h.MsgType.String())
	if c == nil {
		return
	}
	ctl.metrics.IncrCounterWithLabels(MetricFrameCount, 1, []metrics.Label{{Name: "type", Value: h.MsgType.String()}})

	switch h.MsgType {
	case protocol.MsgTypeResponse:
		if !c.Resolve(h.Seq, f) {
			ctl.log.Debug("response without waiter", zap.Uint32("seq", h.Seq), zap.Uint32("tag", f.Tag))
		}
	case protocol.MsgTypePush:
		c.Deliver(f)
	default:
		ctl.log.Warn("unexpected frame from server", zap.Stringer("type", h.MsgType), zap.Uint32("tag", f.Tag))
	}
}

func (ctl *Controller) OnDisconnect(err error) {
	c := ctl.upgrade("disconnect")
	if c == nil {
		return
	}
	c.HandleDisconnect(err)
}

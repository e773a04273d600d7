// Package gateway is the object foreign code holds. It turns the shared,
// asynchronous RPC client into blocking calls and fire-and-forget calls
// whose results arrive through callbacks.
//
//	foreign call ─→ Gateway.Login ─→ blockOn ─→ stub ─→ client.Call ─→ conn
//	                                                     ↑
//	         recvLoop ─→ controller (weak) ─→ client.Resolve
//
// Callbacks receive foreign-safe views (ffi.ASCII, ffi.UserSlice) that are
// valid only until the callback returns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"weak"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"msg-gateway/client"
	"msg-gateway/controller"
	"msg-gateway/ffi"
	"msg-gateway/registry"
	"msg-gateway/remote"
)

var (
	MetricCallCount        = []string{"gateway", "call", "count"}
	MetricCallErrorCount   = []string{"gateway", "call", "error", "count"}
	MetricCallLatency      = []string{"gateway", "call", "latency"}
	MetricPushDroppedCount = []string{"gateway", "push", "dropped", "count"}
)

var (
	ErrAlreadyInit = errors.New("gateway: init already called")
	ErrNotInit     = errors.New("gateway: init has not been called")
	// ErrServerText reports server-sent text that cannot cross the boundary.
	// It is a remote failure, not a bad argument.
	ErrServerText = errors.New("gateway: server sent text that is not ascii")
)

const pushBacklog = 256

type (
	LoginCallback   func(success bool, msg ffi.ASCII) bool
	UsersCallback   func(users *ffi.UserSlice)
	PingCallback    func(target ffi.ASCII, time int64)
	MessageCallback func(from, msg ffi.ASCII)
)

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	log   *zap.Logger
	sink  metrics.MetricSink
	store client.SessionStore
	reg   registry.Registry
}

// WithLogger replaces the logger built from the config's log_level.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetricSink chooses where call metrics go. The default discards them.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(o *options) { o.sink = sink }
}

func WithSessionStore(s client.SessionStore) Option {
	return func(o *options) { o.store = s }
}

func WithRegistry(r registry.Registry) Option {
	return func(o *options) { o.reg = r }
}

// Gateway owns one scheduler and the one shared client. Its blocking
// methods may be called concurrently; Close must not race with them.
type Gateway struct {
	cfg     *client.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	sched   *scheduler
	client  *client.Client
	stub    remote.Server

	initialized atomic.Bool
	onMessage   atomic.Pointer[MessageCallback]
	pushes      chan remote.ChatMessage
	done        chan struct{}
	closed      atomic.Bool
}

// New builds a gateway from a JSON config. Nothing touches the network
// until Init.
func New(config string, opts ...Option) (*Gateway, error) {
	cfg, err := client.ParseConfig(config)
	if err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.log == nil {
		if o.log, err = buildLogger(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	if o.sink == nil {
		o.sink = &metrics.BlackholeSink{}
	}
	mcfg := metrics.DefaultConfig("msg_gateway")
	mcfg.EnableHostname = false
	mcfg.EnableRuntimeMetrics = false
	m, err := metrics.New(mcfg, o.sink)
	if err != nil {
		return nil, fmt.Errorf("gateway: metrics: %w", err)
	}

	clientOpts := []client.Option{client.WithLogger(o.log)}
	if o.store != nil {
		clientOpts = append(clientOpts, client.WithSessionStore(o.store))
	}
	if o.reg != nil {
		clientOpts = append(clientOpts, client.WithRegistry(o.reg))
	}
	c, err := client.New(cfg, clientOpts...)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		cfg:     cfg,
		log:     o.log.Named("gateway"),
		metrics: m,
		sched:   newScheduler(cfg.MaxTasks, o.log.Named("scheduler")),
		client:  c,
		stub:    remote.NewStub(c),
		pushes:  make(chan remote.ChatMessage, pushBacklog),
		done:    make(chan struct{}),
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log_level: %w", client.ErrInvalidConfig, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// Init registers the controller with the client and connects. It succeeds
// at most once; a failed connect still counts, later calls reconnect lazily.
func (g *Gateway) Init(ctx context.Context) error {
	if !g.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInit
	}
	g.client.SetPushHandler(g.enqueuePush)
	go g.pushLoop()

	ctl := controller.New(weak.Make(g.client), g.log, g.metrics)
	_, err := blockOn(g.sched, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.client.Init(ctx, ctl)
	})
	return err
}

// ConnectTest makes sure a verified connection is up, dialing if needed.
func (g *Gateway) ConnectTest(ctx context.Context) error {
	_, err := blockOn(g.sched, ctx, func(ctx context.Context) (struct{}, error) {
		if err := g.client.Connect(ctx); err != nil {
			return struct{}{}, fmt.Errorf("%w: %w", ffi.ErrNotConnected, err)
		}
		return struct{}{}, nil
	})
	return err
}

func (g *Gateway) ready() error {
	if g.closed.Load() {
		return ErrClosed
	}
	if !g.initialized.Load() {
		return ErrNotInit
	}
	return nil
}

// observe records one finished call.
func (g *Gateway) observe(op string, start time.Time, err error) {
	labels := []metrics.Label{{Name: "op", Value: op}}
	g.metrics.IncrCounterWithLabels(MetricCallCount, 1, labels)
	g.metrics.MeasureSinceWithLabels(MetricCallLatency, start, labels)
	if err != nil {
		g.metrics.IncrCounterWithLabels(MetricCallErrorCount, 1, labels)
	}
}

// Login returns what cb returns. Any failure, including a panic, is logged
// and reported as false; cb is not called then.
func (g *Gateway) Login(ctx context.Context, name string, cb LoginCallback) bool {
	return ffi.GuardBool(g.log, "login", func() (bool, error) {
		if cb == nil {
			return false, ffi.ErrNullPassed
		}
		if err := ffi.CheckASCII(name); err != nil {
			return false, err
		}
		if err := g.ready(); err != nil {
			return false, err
		}

		start := time.Now()
		res, err := blockOn(g.sched, ctx, func(ctx context.Context) (remote.LogOnRes, error) {
			return g.stub.Login(ctx, remote.LogOn{Nickname: name})
		})
		g.observe("login", start, err)
		if err != nil {
			return false, err
		}
		msg, err := ffi.NewASCII(res.Msg)
		if err != nil {
			return false, serverText("login reply", err)
		}
		return cb(res.Success, msg), nil
	})
}

// GetUsers calls cb exactly once with the roster, in server order.
func (g *Gateway) GetUsers(ctx context.Context, cb UsersCallback) error {
	if cb == nil {
		return ffi.ErrNullPassed
	}
	if err := g.ready(); err != nil {
		return err
	}

	start := time.Now()
	users, err := blockOn(g.sched, ctx, g.stub.GetUsers)
	g.observe("get_users", start, err)
	if err != nil {
		return err
	}
	slice, err := ffi.NewUserSlice(users)
	if err != nil {
		return serverText("roster", err)
	}
	cb(slice)
	return nil
}

// serverText rewraps a text check on server data so it no longer matches
// ffi.ErrNotASCII.
func serverText(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrServerText, what, err)
}

func (g *Gateway) Talk(ctx context.Context, text string) error {
	if err := ffi.CheckASCII(text); err != nil {
		return err
	}
	if err := g.ready(); err != nil {
		return err
	}

	start := time.Now()
	_, err := blockOn(g.sched, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.stub.Talk(ctx, text)
	})
	g.observe("talk", start, err)
	return err
}

func (g *Gateway) To(ctx context.Context, target, text string) error {
	if err := ffi.CheckASCII(target); err != nil {
		return err
	}
	if err := ffi.CheckASCII(text); err != nil {
		return err
	}
	if err := g.ready(); err != nil {
		return err
	}

	start := time.Now()
	_, err := blockOn(g.sched, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.stub.To(ctx, target, text)
	})
	g.observe("to", start, err)
	return err
}

// Ping returns as soon as the call is scheduled. cb runs later on a
// scheduler goroutine with the echoed time, or never if the call fails.
func (g *Gateway) Ping(target string, at int64, cb PingCallback) error {
	if cb == nil {
		return ffi.ErrNullPassed
	}
	if err := ffi.CheckASCII(target); err != nil {
		return err
	}
	if err := g.ready(); err != nil {
		return err
	}

	return g.sched.spawn("ping", func(ctx context.Context) error {
		start := time.Now()
		echoed, err := g.stub.Ping(ctx, target, at)
		g.observe("ping", start, err)
		if err != nil {
			return err
		}
		view, err := ffi.NewASCII(target)
		if err != nil {
			return err
		}
		if code := ffi.Guard(g.log, "ping callback", func() error {
			cb(view, echoed)
			return nil
		}); code != ffi.Ok {
			return fmt.Errorf("ping callback: %s", code)
		}
		return nil
	})
}

// OnMessage installs the receiver of chat pushes; nil removes it. Pushes
// are delivered in arrival order on one goroutine.
func (g *Gateway) OnMessage(cb MessageCallback) {
	if cb == nil {
		g.onMessage.Store(nil)
		return
	}
	g.onMessage.Store(&cb)
}

// enqueuePush runs on the receive path and must not block.
func (g *Gateway) enqueuePush(msg remote.ChatMessage) {
	select {
	case g.pushes <- msg:
	default:
		g.metrics.IncrCounter(MetricPushDroppedCount, 1)
		g.log.Warn("push backlog full, dropping message", zap.String("from", msg.From))
	}
}

func (g *Gateway) pushLoop() {
	for {
		select {
		case <-g.done:
			return
		case msg := <-g.pushes:
			g.deliver(msg)
		}
	}
}

func (g *Gateway) deliver(msg remote.ChatMessage) {
	cb := g.onMessage.Load()
	if cb == nil {
		return
	}
	from, err := ffi.NewASCII(msg.From)
	if err != nil {
		g.log.Warn("dropping push", zap.Error(err))
		return
	}
	text, err := ffi.NewASCII(msg.Msg)
	if err != nil {
		g.log.Warn("dropping push", zap.String("from", msg.From), zap.Error(err))
		return
	}
	ffi.Guard(g.log, "message callback", func() error {
		(*cb)(from, text)
		return nil
	})
}

// Close waits for scheduled tasks and releases the client. Calls still
// blocked in the gateway fail.
func (g *Gateway) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.sched.close()
	close(g.done)
	err := g.client.Close()
	g.log.Sync()
	return err
}

// Client exposes the shared client, mainly for diagnostics.
func (g *Gateway) Client() *client.Client { return g.client }

func (g *Gateway) Logger() *zap.Logger { return g.log }

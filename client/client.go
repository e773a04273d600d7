// Package client is the shared RPC client behind a gateway: it owns the one
// connection to the chat server, performs the handshake, correlates calls
// with responses and reconnects after the connection drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"msg-gateway/codec"
	"msg-gateway/loadbalance"
	"msg-gateway/message"
	"msg-gateway/registry"
	"msg-gateway/remote"
	"msg-gateway/transport"
)

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrNotInitialized = errors.New("client: init has not been called")
	ErrAlreadyInit    = errors.New("client: init already called")
	ErrClosed         = errors.New("client: closed")
	ErrTimeout        = errors.New("client: request timed out")
)

// Option customizes a Client.
type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithSessionStore(s SessionStore) Option {
	return func(c *Client) { c.store = s }
}

// WithRegistry overrides discovery. The client does not close a registry
// it was given.
func WithRegistry(r registry.Registry) Option {
	return func(c *Client) { c.reg, c.ownsReg = r, false }
}

// Client is safe for concurrent use once Init has returned.
type Client struct {
	cfg     *Config
	id      string
	log     *zap.Logger
	store   SessionStore
	reg     registry.Registry
	ownsReg bool
	bal     loadbalance.Balancer
	codec   codec.CodecType

	hooks    transport.Hooks
	onPush   func(remote.ChatMessage)
	mu       sync.RWMutex
	tr       *transport.ClientTransport
	verified bool

	connectGroup singleflight.Group
	limiter      *rate.Limiter
	reconnecting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New builds a client from cfg. No connection is made until Init.
func New(cfg *Config, opts ...Option) (*Client, error) {
	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &Client{
		cfg:     cfg,
		id:      uuid.NewString(),
		bal:     bal,
		codec:   ct,
		limiter: rate.NewLimiter(rate.Every(cfg.Reconnect()), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("client_id", c.id))
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.reg == nil {
		if err := c.buildRegistry(); err != nil {
			c.cancel()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) buildRegistry() error {
	c.ownsReg = true
	if len(c.cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(c.cfg.EtcdEndpoints, c.log)
		if err != nil {
			return fmt.Errorf("client: etcd registry: %w", err)
		}
		c.reg = reg
		return nil
	}

	static := registry.NewStaticRegistry()
	for _, addr := range c.cfg.Endpoints() {
		static.Register(c.ctx, c.cfg.ServiceName, registry.ServiceInstance{Addr: addr, Weight: 1}, 0)
	}
	c.reg = static
	return nil
}

// ID is the random identity of this client, used as the balancing key.
func (c *Client) ID() string { return c.id }

func (c *Client) Config() *Config { return c.cfg }

// SessionID returns the id assigned by the last successful handshake.
func (c *Client) SessionID() (int64, bool) { return c.store.SessionID() }

// SetPushHandler installs the receiver of server pushes. It runs on the
// receive path and must not block.
func (c *Client) SetPushHandler(fn func(remote.ChatMessage)) {
	c.mu.Lock()
	c.onPush = fn
	c.mu.Unlock()
}

// Init registers the lifecycle hooks and connects. It may succeed only once.
func (c *Client) Init(ctx context.Context, hooks transport.Hooks) error {
	c.mu.Lock()
	if c.hooks != nil {
		c.mu.Unlock()
		return ErrAlreadyInit
	}
	c.hooks = hooks
	c.mu.Unlock()
	return c.Connect(ctx)
}

func (c *Client) current() (*transport.ClientTransport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr, c.verified
}

// Connected reports whether a verified connection is up.
func (c *Client) Connected() bool {
	tr, ok := c.current()
	return ok && tr != nil && !tr.Closed()
}

// Connect makes sure a verified connection exists. Concurrent callers share
// one connection attempt.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	if hooks == nil {
		return ErrNotInitialized
	}
	if c.Connected() {
		return nil
	}

	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		if c.Connected() {
			return nil, nil
		}
		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout())
		defer cancel()
		return nil, c.dial(dialCtx, hooks)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
}

func (c *Client) dial(ctx context.Context, hooks transport.Hooks) error {
	instances, err := c.reg.Discover(ctx, c.cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("%w: discover %s: %w", ErrNotConnected, c.cfg.ServiceName, err)
	}
	inst, err := c.bal.Pick(c.id, instances)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	tr, err := transport.Dial(ctx, inst.Addr, hooks, transport.Options{
		Codec:     c.codec,
		Compress:  c.cfg.Compress,
		Heartbeat: c.cfg.Heartbeat(),
		Logger:    c.log,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	// Publish the transport before the handshake so its response can be
	// routed back through Resolve.
	c.mu.Lock()
	old := c.tr
	c.tr, c.verified = tr, false
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sid, _ := c.store.SessionID()
	var res remote.VerifyRes
	err = c.callOn(ctx, tr, remote.TagVerify, &remote.Verify{
		ServiceName: c.cfg.ServiceName,
		VerifyKey:   c.cfg.VerifyKey,
		SessionID:   sid,
	}, &res)
	if err != nil {
		tr.Close()
		return fmt.Errorf("%w: handshake with %s: %w", ErrNotConnected, inst.Addr, err)
	}
	c.store.SetSessionID(res.SessionID)

	c.mu.Lock()
	if c.tr == tr {
		c.verified = true
	}
	c.mu.Unlock()
	c.log.Info("connected", zap.String("addr", inst.Addr), zap.Int64("session_id", res.SessionID))
	return nil
}

// Call implements remote.Caller over the shared connection.
func (c *Client) Call(ctx context.Context, tag uint32, args, reply any) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	tr, _ := c.current()
	if tr == nil {
		return ErrNotConnected
	}
	return c.callOn(ctx, tr, tag, args, reply)
}

func (c *Client) callOn(ctx context.Context, tr *transport.ClientTransport, tag uint32, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	seq, ch, err := tr.Send(tag, args)
	if err != nil {
		return err
	}

	var r *transport.Reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		tr.Forget(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s seq=%d", ErrTimeout, remote.OpName(tag), seq)
		}
		return ctx.Err()
	case <-tr.Done():
		// The pending sweep may have run before our entry was stored.
		select {
		case r = <-ch:
		default:
			tr.Forget(seq)
			return transport.ErrConnLost
		}
	}

	if r.Err != nil {
		return r.Err
	}
	if r.Frame.Failed() {
		return &remote.RemoteError{Tag: tag, Msg: r.Frame.Error}
	}
	if reply == nil || len(r.Frame.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Frame.Payload, reply); err != nil {
		return fmt.Errorf("client: decode %s result: %w", remote.OpName(tag), err)
	}
	return nil
}

// Resolve routes a response frame to the call waiting on seq.
func (c *Client) Resolve(seq uint32, f *message.Frame) bool {
	tr, _ := c.current()
	if tr == nil {
		return false
	}
	return tr.Resolve(seq, f)
}

// Deliver handles a server push.
func (c *Client) Deliver(f *message.Frame) {
	if f.Tag != remote.TagMessage {
		c.log.Warn("unknown push", zap.Uint32("tag", f.Tag))
		return
	}
	var msg remote.ChatMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		c.log.Warn("malformed chat push", zap.Error(err))
		return
	}
	c.mu.RLock()
	fn := c.onPush
	c.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// HandleDisconnect reacts to the loss of the current connection by starting
// the reconnect loop. Events from replaced connections are ignored.
func (c *Client) HandleDisconnect(err error) {
	c.mu.Lock()
	if c.tr == nil || !c.tr.Closed() {
		c.mu.Unlock()
		return
	}
	wasUp := c.verified
	c.tr, c.verified = nil, false
	c.mu.Unlock()

	// A failed handshake is reported by Connect itself.
	if c.closed.Load() || !wasUp {
		return
	}
	c.log.Warn("disconnected", zap.Error(err))
	if c.reconnecting.CompareAndSwap(false, true) {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return // closed
		}
		err := c.Connect(c.ctx)
		if err == nil {
			c.log.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, ErrClosed) || c.closed.Load() {
			return
		}
		c.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		if c.cfg.MaxReconnect > 0 && attempt >= c.cfg.MaxReconnect {
			c.log.Error("giving up reconnect", zap.Int("attempts", attempt))
			return
		}
	}
}

// Close drops the connection and stops reconnecting. In-flight calls fail.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	tr := c.tr
	c.tr, c.verified = nil, false
	c.mu.Unlock()

	var errs []error
	if tr != nil {
		errs = append(errs, tr.Close())
	}
	if c.ownsReg {
		errs = append(errs, c.reg.Close())
	}
	return errors.Join(errs...)
}

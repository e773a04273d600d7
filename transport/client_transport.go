// Package transport implements the client side of the single shared
// connection: request multiplexing, heartbeat and lifecycle hooks.
//
// Every request gets a unique sequence number and its own pending channel.
// A single receive goroutine reads frames and hands each one to the Hooks;
// the hooks decide where it goes (Resolve for responses, elsewhere for pushes).
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ chat server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop ← response(seq=2) → Hooks.OnFrame → Resolve(2) → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"msg-gateway/codec"
	"msg-gateway/message"
	"msg-gateway/protocol"
)

var (
	ErrClosed   = errors.New("transport: connection closed")
	ErrConnLost = errors.New("transport: connection lost")
)

// Hooks receives the lifecycle events of a ClientTransport. Implementations
// run on the receive goroutine and must not block.
type Hooks interface {
	OnConnect(addr string)
	OnFrame(h *protocol.Header, f *message.Frame)
	OnDisconnect(err error)
}

// Reply is what a pending caller receives: either a response frame or the
// error that broke the connection before one arrived.
type Reply struct {
	Frame *message.Frame
	Err   error
}

// Options configures a ClientTransport.
type Options struct {
	Codec     codec.CodecType
	Compress  bool
	Heartbeat time.Duration // zero disables the heartbeat loop
	Logger    *zap.Logger
}

// ClientTransport manages one multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	opts    Options
	hooks   Hooks
	log     *zap.Logger
	seq     uint32     // protected by sending
	sending sync.Mutex // serializes whole frames onto conn
	pending sync.Map   // map[uint32]chan *Reply

	closed atomic.Bool
	done   chan struct{}
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, addr string, hooks Hooks, opts Options) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewClientTransport(conn, hooks, opts), nil
}

// NewClientTransport takes ownership of conn, reports OnConnect and starts
// the receive loop and, if configured, the heartbeat loop.
func NewClientTransport(conn net.Conn, hooks Hooks, opts Options) *ClientTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:  conn,
		opts:  opts,
		hooks: hooks,
		log:   opts.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:  make(chan struct{}),
	}
	hooks.OnConnect(conn.RemoteAddr().String())
	go t.recvLoop()
	if opts.Heartbeat > 0 {
		go t.heartbeatLoop(opts.Heartbeat)
	}
	return t
}

func (t *ClientTransport) header(msgType protocol.MsgType, seq uint32) protocol.Header {
	return protocol.Header{
		CodecType:  byte(t.opts.Codec),
		Compressed: t.opts.Compress,
		MsgType:    msgType,
		Seq:        seq,
	}
}

// Send encodes args as the payload of a request tagged with tag and writes
// it. The returned channel receives exactly one Reply unless the caller
// gives up and calls Forget.
func (t *ClientTransport) Send(tag uint32, args any) (uint32, <-chan *Reply, error) {
	if t.closed.Load() {
		return 0, nil, ErrClosed
	}

	var payload []byte
	if args != nil {
		var err error
		if payload, err = json.Marshal(args); err != nil {
			return 0, nil, fmt.Errorf("transport: encode args for tag %d: %w", tag, err)
		}
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	if t.seq == 0 { // zero is reserved for pushes
		t.seq++
	}
	seq := t.seq

	// Register before writing so a fast response cannot beat us to the map.
	respChan := make(chan *Reply, 1)
	t.pending.Store(seq, respChan)

	frame := &message.Frame{Tag: tag, Payload: payload}
	if err := codec.WriteFrame(t.conn, t.header(protocol.MsgTypeRequest, seq), frame); err != nil {
		t.pending.Delete(seq)
		return 0, nil, fmt.Errorf("%w: %v", ErrConnLost, err)
	}
	return seq, respChan, nil
}

// Resolve hands a response frame to the caller waiting on seq. It reports
// false when nobody is waiting (late reply after Forget, or unknown seq).
func (t *ClientTransport) Resolve(seq uint32, f *message.Frame) bool {
	ch, ok := t.pending.LoadAndDelete(seq)
	if !ok {
		return false
	}
	ch.(chan *Reply) <- &Reply{Frame: f}
	return true
}

// Forget drops the pending entry for seq.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// Done is closed once the receive loop has exited.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Closed reports whether the connection was closed locally or lost.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// RemoteAddr returns the server address of the connection.
func (t *ClientTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close shuts the connection down. Pending callers receive ErrClosed.
func (t *ClientTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// recvLoop is the only reader of conn; frame boundaries depend on it.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		h, f, err := codec.ReadFrame(t.conn)
		if err != nil {
			if t.closed.Load() {
				err = ErrClosed
			} else {
				err = fmt.Errorf("%w: %v", ErrConnLost, err)
				t.closed.Store(true)
				t.conn.Close()
			}
			t.closeAllPending(err)
			t.hooks.OnDisconnect(err)
			return
		}
		if h.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		t.hooks.OnFrame(h, f)
	}
}

// closeAllPending fails every waiting caller so nobody blocks on a dead conn.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan *Reply) <- &Reply{Err: err}
		}
		return true
	})
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := codec.WriteFrame(t.conn, t.header(protocol.MsgTypeHeartbeat, 0), nil)
		t.sending.Unlock()
		if err != nil {
			t.log.Debug("heartbeat failed", zap.Error(err))
			return
		}
	}
}

// Package server implements the chat server behind the gateway: the
// server side of the tag table, online sessions, and message fan-out.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → middleware chain → dispatch by tag → encode → write response
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"msg-gateway/codec"
	"msg-gateway/message"
	"msg-gateway/middleware"
	"msg-gateway/protocol"
	"msg-gateway/registry"
	"msg-gateway/remote"
)

var (
	ErrNotVerified  = errors.New("connection not verified")
	ErrBadVerifyKey = errors.New("verify key rejected")
	ErrWrongService = errors.New("unknown service name")
	ErrNotLoggedIn  = errors.New("login required")
	ErrUserOffline  = errors.New("user not online")
)

// handler serves one tag. arg is the value built by the tag's NewArg and
// decoded from the payload, or nil for tags without arguments.
type handler func(ctx context.Context, s *session, arg any) (any, error)

// Options configures a Server.
type Options struct {
	ServiceName string // defaults to "chat"
	VerifyKey   string // empty accepts any key
	Logger      *zap.Logger
}

// Server is the chat server.
type Server struct {
	opts     Options
	log      *zap.Logger
	handlers map[uint32]handler

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	registry      registry.Registry
	advertiseAddr string

	mu       sync.Mutex
	conns    map[*session]struct{}
	online   map[int64]*session
	roster   []*session // logged-in sessions in login order
	nextID   int64
}

// NewServer creates a server with the chat handlers registered.
func NewServer(opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "chat"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	svr := &Server{
		opts:   opts,
		log:    opts.Logger,
		conns:  make(map[*session]struct{}),
		online: make(map[int64]*session),
	}
	svr.handlers = map[uint32]handler{
		remote.TagVerify:   svr.verify,
		remote.TagLogin:    svr.login,
		remote.TagGetUsers: svr.getUsers,
		remote.TagTalk:     svr.talk,
		remote.TagTo:       svr.to,
		remote.TagPing:     svr.ping,
	}
	return svr
}

// Use registers a middleware. Middlewares apply in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen opens the listening socket so Addr is known before Serve runs.
func (svr *Server) Listen(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = ln
	return nil
}

// Addr returns the bound listen address.
func (svr *Server) Addr() string {
	if svr.listener == nil {
		return ""
	}
	return svr.listener.Addr().String()
}

// Advertise registers this server under its service name so clients using
// the registry can find it. It is deregistered again on Shutdown.
func (svr *Server) Advertise(ctx context.Context, reg registry.Registry, advertiseAddr string, ttl int64) error {
	if err := reg.Register(ctx, svr.opts.ServiceName, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, ttl); err != nil {
		return err
	}
	svr.registry = reg
	svr.advertiseAddr = advertiseAddr
	return nil
}

// Serve accepts connections until Shutdown. Listen must have been called.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

// handleConn is the only reader of conn; each request is handled on its own
// goroutine so a slow handler does not hold up the connection.
func (svr *Server) handleConn(conn net.Conn) {
	s := &session{conn: conn}
	svr.mu.Lock()
	svr.conns[s] = struct{}{}
	svr.mu.Unlock()
	defer svr.dropSession(s)

	first := true
	for {
		header, frame, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			svr.log.Warn("unexpected frame type from client", zap.Stringer("type", header.MsgType))
			return
		}
		if first {
			s.codecType, s.compressed = header.CodecType, header.Compressed
			first = false
		}
		// The handshake runs inline so nothing else is served before it.
		if frame.Tag == remote.TagVerify {
			svr.handleRequest(s, header.Seq, frame)
			continue
		}
		svr.wg.Add(1)
		go func() {
			defer svr.wg.Done()
			svr.handleRequest(s, header.Seq, frame)
		}()
	}
}

func (svr *Server) handleRequest(s *session, seq uint32, req *message.Frame) {
	ctx := withSession(context.Background(), s)
	resp := svr.handler(ctx, req)
	resp.Tag = req.Tag

	err := s.write(protocol.Header{MsgType: protocol.MsgTypeResponse, Seq: seq}, resp)
	if err != nil {
		svr.log.Debug("write response", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// dispatch is the innermost handler: it decodes the arguments named by the
// tag table, runs the tag's handler and encodes the result.
func (svr *Server) dispatch(ctx context.Context, req *message.Frame) *message.Frame {
	fail := func(err error) *message.Frame {
		return &message.Frame{Tag: req.Tag, Error: err.Error()}
	}

	op, ok := remote.Lookup(req.Tag)
	h, ok2 := svr.handlers[req.Tag]
	if !ok || !ok2 {
		return fail(fmt.Errorf("unknown tag %d", req.Tag))
	}
	s := sessionFrom(ctx)
	if req.Tag != remote.TagVerify {
		svr.mu.Lock()
		verified := s.verified
		svr.mu.Unlock()
		if !verified {
			return fail(ErrNotVerified)
		}
	}

	var arg any
	if op.NewArg != nil {
		arg = op.NewArg()
		if err := json.Unmarshal(req.Payload, arg); err != nil {
			return fail(fmt.Errorf("decode %s args: %w", op.Name, err))
		}
	}

	result, err := h(ctx, s, arg)
	if err != nil {
		return fail(err)
	}
	resp := &message.Frame{Tag: req.Tag}
	if result != nil {
		if resp.Payload, err = json.Marshal(result); err != nil {
			return fail(err)
		}
	}
	return resp
}

func (svr *Server) dropSession(s *session) {
	s.conn.Close()
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if s.gone {
		return
	}
	s.gone = true
	delete(svr.conns, s)
	if s.verified && svr.online[s.id] == s {
		delete(svr.online, s.id)
	}
	svr.roster = slices.DeleteFunc(svr.roster, func(o *session) bool { return o == s })
	if s.nickname != "" {
		svr.log.Info("user left", zap.String("nickname", s.nickname), zap.Int64("session_id", s.id))
	}
}

// Online returns the number of logged-in users.
func (svr *Server) Online() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.roster)
}

// HasSession reports whether a verified connection holds sessionID.
func (svr *Server) HasSession(sessionID int64) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	_, ok := svr.online[sessionID]
	return ok
}

// Shutdown deregisters the server, stops accepting, waits up to timeout for
// in-flight requests and then closes every connection.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		svr.registry.Deregister(ctx, svr.opts.ServiceName, svr.advertiseAddr)
		cancel()
	}

	// Set the flag before closing so Serve treats the Accept error as intended.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("server: timeout waiting for ongoing requests to finish")
	}

	svr.mu.Lock()
	for s := range svr.conns {
		s.conn.Close()
	}
	svr.mu.Unlock()
	return err
}

// Kick closes the connection of the session with the given id, as if the
// network had dropped it. The session is released before Kick returns.
func (svr *Server) Kick(sessionID int64) bool {
	svr.mu.Lock()
	s, ok := svr.online[sessionID]
	svr.mu.Unlock()
	if ok {
		svr.dropSession(s)
	}
	return ok
}

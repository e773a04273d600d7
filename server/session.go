package server

import (
	"context"
	"net"
	"sync"

	"msg-gateway/codec"
	"msg-gateway/message"
	"msg-gateway/protocol"
)

// session is the server-side state of one client connection.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex // shared by every response and push written to conn

	// set from the first frame; replies use the client's own encoding
	codecType  byte
	compressed bool

	// guarded by Server.mu
	id       int64
	verified bool
	nickname string
	gone     bool
}

func (s *session) write(h protocol.Header, f *message.Frame) error {
	h.CodecType = s.codecType
	h.Compressed = s.compressed
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return codec.WriteFrame(s.conn, h, f)
}

func (s *session) push(f *message.Frame) error {
	return s.write(protocol.Header{MsgType: protocol.MsgTypePush}, f)
}

type sessionKey struct{}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

package remote

import (
	"context"
	"fmt"
)

// Caller performs one tagged round trip: args are serialized, sent under tag,
// and the correlated response payload is decoded into reply. A nil reply
// discards the payload.
type Caller interface {
	Call(ctx context.Context, tag uint32, args, reply any) error
}

type stub struct {
	c Caller
}

// NewStub binds a Server implementation to c. Stubs are cheap; callers may
// create one per call.
func NewStub(c Caller) Server {
	return &stub{c: c}
}

func (s *stub) invoke(ctx context.Context, tag uint32, args, reply any) error {
	if _, ok := table[tag]; !ok {
		return fmt.Errorf("remote: tag %d is not part of the interface", tag)
	}
	return s.c.Call(ctx, tag, args, reply)
}

func (s *stub) Login(ctx context.Context, req LogOn) (LogOnRes, error) {
	var res LogOnRes
	err := s.invoke(ctx, TagLogin, &req, &res)
	return res, err
}

func (s *stub) GetUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.invoke(ctx, TagGetUsers, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *stub) Talk(ctx context.Context, msg string) error {
	return s.invoke(ctx, TagTalk, &TalkArgs{Msg: msg}, nil)
}

func (s *stub) To(ctx context.Context, target, msg string) error {
	return s.invoke(ctx, TagTo, &ToArgs{Target: target, Msg: msg}, nil)
}

func (s *stub) Ping(ctx context.Context, target string, time int64) (int64, error) {
	var echoed int64
	err := s.invoke(ctx, TagPing, &PingArgs{Target: target, Time: time}, &echoed)
	return echoed, err
}

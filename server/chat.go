package server

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"msg-gateway/message"
	"msg-gateway/remote"
)

func (svr *Server) verify(_ context.Context, s *session, arg any) (any, error) {
	req := arg.(*remote.Verify)
	if req.ServiceName != svr.opts.ServiceName {
		return nil, fmt.Errorf("%w: %q", ErrWrongService, req.ServiceName)
	}
	if svr.opts.VerifyKey != "" && req.VerifyKey != svr.opts.VerifyKey {
		return nil, ErrBadVerifyKey
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if s.verified {
		return &remote.VerifyRes{SessionID: s.id}, nil
	}
	// A reconnecting client keeps its id unless someone else holds it now.
	id := req.SessionID
	if _, taken := svr.online[id]; id <= 0 || taken {
		svr.nextID++
		id = svr.nextID
		for svr.online[id] != nil {
			svr.nextID++
			id = svr.nextID
		}
	}
	if id > svr.nextID {
		svr.nextID = id
	}
	s.id, s.verified = id, true
	svr.online[id] = s
	svr.log.Debug("session verified", zap.Int64("session_id", id), zap.String("remote", s.conn.RemoteAddr().String()))
	return &remote.VerifyRes{SessionID: id}, nil
}

func (svr *Server) login(_ context.Context, s *session, arg any) (any, error) {
	req := arg.(*remote.LogOn)
	if req.Nickname == "" {
		return &remote.LogOnRes{Success: false, Msg: "nickname is empty"}, nil
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if s.nickname != "" {
		return &remote.LogOnRes{Success: false, Msg: "already logged in as " + s.nickname}, nil
	}
	if svr.byNickname(req.Nickname) != nil {
		return &remote.LogOnRes{Success: false, Msg: "nickname " + req.Nickname + " is taken"}, nil
	}
	s.nickname = req.Nickname
	svr.roster = append(svr.roster, s)
	svr.log.Info("user joined", zap.String("nickname", s.nickname), zap.Int64("session_id", s.id))
	return &remote.LogOnRes{Success: true, Msg: "welcome " + req.Nickname}, nil
}

func (svr *Server) getUsers(context.Context, *session, any) (any, error) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	users := make([]remote.User, 0, len(svr.roster))
	for _, o := range svr.roster {
		users = append(users, remote.User{Nickname: o.nickname, SessionID: o.id})
	}
	return users, nil
}

func (svr *Server) talk(_ context.Context, s *session, arg any) (any, error) {
	req := arg.(*remote.TalkArgs)

	svr.mu.Lock()
	from := s.nickname
	targets := slices.DeleteFunc(slices.Clone(svr.roster), func(o *session) bool { return o == s })
	svr.mu.Unlock()
	if from == "" {
		return nil, ErrNotLoggedIn
	}

	f, err := chatFrame(remote.ChatMessage{From: from, Msg: req.Msg})
	if err != nil {
		return nil, err
	}
	for _, o := range targets {
		if err := o.push(f); err != nil {
			svr.log.Debug("push failed", zap.String("to", o.nickname), zap.Error(err))
		}
	}
	return nil, nil
}

func (svr *Server) to(_ context.Context, s *session, arg any) (any, error) {
	req := arg.(*remote.ToArgs)

	svr.mu.Lock()
	from := s.nickname
	target := svr.byNickname(req.Target)
	svr.mu.Unlock()
	if from == "" {
		return nil, ErrNotLoggedIn
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserOffline, req.Target)
	}

	f, err := chatFrame(remote.ChatMessage{From: from, Target: req.Target, Msg: req.Msg})
	if err != nil {
		return nil, err
	}
	return nil, target.push(f)
}

// ping echoes the caller's timestamp once the target is known to be online.
func (svr *Server) ping(_ context.Context, _ *session, arg any) (any, error) {
	req := arg.(*remote.PingArgs)

	svr.mu.Lock()
	target := svr.byNickname(req.Target)
	svr.mu.Unlock()
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserOffline, req.Target)
	}
	return req.Time, nil
}

// byNickname must be called with svr.mu held.
func (svr *Server) byNickname(nickname string) *session {
	for _, o := range svr.roster {
		if o.nickname == nickname {
			return o
		}
	}
	return nil
}

func chatFrame(msg remote.ChatMessage) (*message.Frame, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &message.Frame{Tag: remote.TagMessage, Payload: payload}, nil
}

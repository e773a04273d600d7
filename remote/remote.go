// Package remote describes the chat server's remote interface: a closed set
// of operations, each bound to a numeric tag, and a stub that calls them
// over a shared connection.
//
// Tag values are part of the wire contract. They are never reassigned; a new
// operation gets a new, unused tag.
package remote

import (
	"context"
	"fmt"
	"slices"
)

const (
	// TagVerify is the connection handshake, sent before any business call.
	TagVerify uint32 = 1

	TagLogin    uint32 = 1000
	TagGetUsers uint32 = 1001
	TagTalk     uint32 = 1002
	TagTo       uint32 = 1003
	TagPing     uint32 = 1004

	// TagMessage marks server pushes carrying a ChatMessage.
	TagMessage uint32 = 2000
)

// Server is the capability interface of the chat server.
type Server interface {
	Login(ctx context.Context, req LogOn) (LogOnRes, error)
	GetUsers(ctx context.Context) ([]User, error)
	Talk(ctx context.Context, msg string) error
	To(ctx context.Context, target, msg string) error
	Ping(ctx context.Context, target string, time int64) (int64, error)
}

// Op is one row of the dispatch table: a tag with the constructors of its
// argument and result values. NewArg or NewResult is nil when the operation
// takes no argument or returns no payload.
type Op struct {
	Tag       uint32
	Name      string
	Signature string
	NewArg    func() any
	NewResult func() any
}

var table = map[uint32]Op{
	TagVerify: {
		Tag: TagVerify, Name: "verify",
		Signature: "verify(service_name string, verify_key string, session_id i64) -> (session_id i64)",
		NewArg:    func() any { return new(Verify) },
		NewResult: func() any { return new(VerifyRes) },
	},
	TagLogin: {
		Tag: TagLogin, Name: "login",
		Signature: "login(nickname string) -> (success bool, msg string)",
		NewArg:    func() any { return new(LogOn) },
		NewResult: func() any { return new(LogOnRes) },
	},
	TagGetUsers: {
		Tag: TagGetUsers, Name: "get_users",
		Signature: "get_users() -> [](nickname string, sessionid i64)",
		NewResult: func() any { return new([]User) },
	},
	TagTalk: {
		Tag: TagTalk, Name: "talk",
		Signature: "talk(msg string) -> ()",
		NewArg:    func() any { return new(TalkArgs) },
	},
	TagTo: {
		Tag: TagTo, Name: "to",
		Signature: "to(target string, msg string) -> ()",
		NewArg:    func() any { return new(ToArgs) },
	},
	TagPing: {
		Tag: TagPing, Name: "ping",
		Signature: "ping(target string, time i64) -> (time i64)",
		NewArg:    func() any { return new(PingArgs) },
		NewResult: func() any { return new(int64) },
	},
}

// Lookup returns the operation bound to tag.
func Lookup(tag uint32) (Op, bool) {
	op, ok := table[tag]
	return op, ok
}

// Ops lists every operation ordered by tag.
func Ops() []Op {
	ops := make([]Op, 0, len(table))
	for _, op := range table {
		ops = append(ops, op)
	}
	slices.SortFunc(ops, func(a, b Op) int { return int(a.Tag) - int(b.Tag) })
	return ops
}

// OpName names tag for logs and metrics.
func OpName(tag uint32) string {
	if op, ok := table[tag]; ok {
		return op.Name
	}
	return fmt.Sprintf("tag(%d)", tag)
}

// RemoteError is an error returned by the server's handler for a call.
type RemoteError struct {
	Tag uint32
	Msg string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s failed: %s", OpName(e.Tag), e.Msg)
}

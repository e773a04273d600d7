package gateway

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"msg-gateway/codec"
	"msg-gateway/ffi"
	"msg-gateway/message"
	"msg-gateway/protocol"
	"msg-gateway/remote"
	"msg-gateway/server"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	svr := server.NewServer(server.Options{})
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func newGateway(t *testing.T, config string, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	g, err := New(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// loggedIn returns an initialized gateway logged in as name.
func loggedIn(t *testing.T, svr *server.Server, name string) *Gateway {
	t.Helper()
	g := newGateway(t, fmt.Sprintf(`{"addr":%q}`, svr.Addr()))
	require.NoError(t, g.Init(context.Background()))
	ok := g.Login(context.Background(), name, func(success bool, _ ffi.ASCII) bool { return success })
	require.True(t, ok, "login %s", name)
	return g
}

func TestScenario(t *testing.T) {
	svr := startServer(t)
	ctx := context.Background()

	g := newGateway(t, fmt.Sprintf(`{"addr":%q, "timeout_ms":5000}`, svr.Addr()))
	require.NoError(t, g.Init(ctx))
	require.NoError(t, g.ConnectTest(ctx))

	calls := 0
	ok := g.Login(ctx, "alice", func(success bool, msg ffi.ASCII) bool {
		calls++
		require.True(t, success)
		require.Equal(t, "welcome alice", msg.String())
		require.Equal(t, byte(0), msg[len(msg)-1])
		return true
	})
	require.True(t, ok)
	require.Equal(t, 1, calls)

	sid, _ := g.Client().SessionID()
	var users []remote.User
	require.NoError(t, g.GetUsers(ctx, func(s *ffi.UserSlice) { users = s.Users() }))
	require.Equal(t, []remote.User{{Nickname: "alice", SessionID: sid}}, users)

	type pong struct {
		target string
		time   int64
	}
	got := make(chan pong, 1)
	require.NoError(t, g.Ping("alice", 1620000000, func(target ffi.ASCII, at int64) {
		got <- pong{target.String(), at}
	}))
	select {
	case p := <-got:
		require.Equal(t, pong{"alice", 1620000000}, p)
	case <-time.After(5 * time.Second):
		t.Fatal("ping callback never ran")
	}
}

func TestLoginReturnsCallbackValue(t *testing.T) {
	svr := startServer(t)
	g := newGateway(t, fmt.Sprintf(`{"addr":%q}`, svr.Addr()))
	require.NoError(t, g.Init(context.Background()))

	var sawSuccess bool
	ok := g.Login(context.Background(), "bob", func(success bool, _ ffi.ASCII) bool {
		sawSuccess = success
		return false
	})
	require.False(t, ok)
	require.True(t, sawSuccess)

	// A rejected login is still a successful call.
	var msg string
	ok = g.Login(context.Background(), "bob", func(success bool, m ffi.ASCII) bool {
		msg = m.String()
		return !success
	})
	require.True(t, ok)
	require.Contains(t, msg, "already logged in")
}

func TestLoginFailureIsFalseWithoutCallback(t *testing.T) {
	svr := startServer(t)
	g := newGateway(t, fmt.Sprintf(`{"addr":%q,"timeout_ms":300}`, svr.Addr()))

	called := false
	cb := func(bool, ffi.ASCII) bool { called = true; return true }

	// Not initialized yet.
	require.False(t, g.Login(context.Background(), "alice", cb))

	require.NoError(t, g.Init(context.Background()))
	require.False(t, g.Login(context.Background(), "alice", func(bool, ffi.ASCII) bool { panic("callback bug") }))

	svr.Shutdown(time.Second)
	require.False(t, g.Login(context.Background(), "bob", cb))
	require.False(t, called)
}

func TestNullAndInvalidArguments(t *testing.T) {
	svr := startServer(t)
	inm := metrics.NewInmemSink(time.Minute, time.Minute)
	g := newGateway(t, fmt.Sprintf(`{"addr":%q}`, svr.Addr()), WithMetricSink(inm))
	require.NoError(t, g.Init(context.Background()))
	ctx := context.Background()

	require.False(t, g.Login(ctx, "alice", nil))
	require.False(t, g.Login(ctx, "al\x00ice", func(bool, ffi.ASCII) bool { return true }))
	require.Equal(t, ffi.NullPassed, ffi.Code(g.GetUsers(ctx, nil)))
	require.Equal(t, ffi.NullPassed, ffi.Code(g.Ping("alice", 1, nil)))
	require.Equal(t, ffi.NullPassed, ffi.Code(g.Ping("ålice", 1, func(ffi.ASCII, int64) {})))
	require.Equal(t, ffi.NullPassed, ffi.Code(g.Talk(ctx, "café")))
	require.Equal(t, ffi.NullPassed, ffi.Code(g.To(ctx, "bob", "\xff")))

	// None of them reached the server.
	for _, c := range inm.Data()[0].Counters {
		require.NotEqual(t, "msg_gateway.gateway.call.count", c.Name, "unexpected remote call: %v", c)
	}
}

func TestGetUsersKeepsServerOrder(t *testing.T) {
	svr := startServer(t)
	names := []string{"carol", "alice", "bob"}
	var last *Gateway
	for _, n := range names {
		last = loggedIn(t, svr, n)
	}

	calls := 0
	var got []string
	require.NoError(t, last.GetUsers(context.Background(), func(s *ffi.UserSlice) {
		calls++
		require.Equal(t, svr.Online(), s.Len())
		for i := range s.Len() {
			got = append(got, strings.TrimSuffix(string(s.Name(i)), "\x00"))
		}
	}))
	require.Equal(t, 1, calls)
	require.Equal(t, names, got)
}

func TestConcurrentPings(t *testing.T) {
	svr := startServer(t)
	g := loggedIn(t, svr, "alice")
	loggedIn(t, svr, "bob")

	const n = 40
	var (
		mu   sync.Mutex
		seen = map[int64]string{}
		wg   sync.WaitGroup
	)
	wg.Add(n)
	for i := range n {
		target := "alice"
		if i%2 == 1 {
			target = "bob"
		}
		go func() {
			err := g.Ping(target, int64(i), func(tgt ffi.ASCII, at int64) {
				mu.Lock()
				seen[at] = tgt.String()
				mu.Unlock()
				wg.Done()
			})
			require.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("not every ping callback ran")
	}

	require.Len(t, seen, n)
	for at, target := range seen {
		want := "alice"
		if at%2 == 1 {
			want = "bob"
		}
		require.Equal(t, want, target, "callback for time %d", at)
	}
}

func TestPingFailureIsSilent(t *testing.T) {
	svr := startServer(t)
	g := loggedIn(t, svr, "alice")

	called := make(chan struct{}, 1)
	require.NoError(t, g.Ping("nobody", 1, func(ffi.ASCII, int64) { called <- struct{}{} }))

	// Close waits for the task, so afterwards the outcome is final.
	require.NoError(t, g.Close())
	require.Empty(t, called)
}

func TestTalkToAndOnMessage(t *testing.T) {
	svr := startServer(t)
	alice := loggedIn(t, svr, "alice")
	bob := loggedIn(t, svr, "bob")

	type chat struct{ from, msg string }
	inbox := make(chan chat, 2)
	alice.OnMessage(func(from, msg ffi.ASCII) {
		inbox <- chat{from.String(), msg.String()}
	})

	ctx := context.Background()
	require.NoError(t, bob.To(ctx, "alice", "psst"))
	require.NoError(t, bob.Talk(ctx, "hi all"))
	for _, want := range []chat{{"bob", "psst"}, {"bob", "hi all"}} {
		select {
		case got := <-inbox:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %v not delivered", want)
		}
	}

	err := bob.To(ctx, "carol", "hello")
	require.Equal(t, ffi.WrappedError, ffi.Code(err))
	var remoteErr *remote.RemoteError
	require.ErrorAs(t, err, &remoteErr)
}

func TestUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	g := newGateway(t, fmt.Sprintf(`{"addr":%q,"timeout_ms":500}`, addr))
	require.Error(t, g.Init(context.Background()))
	require.Equal(t, ffi.NotConnected, ffi.Code(g.ConnectTest(context.Background())))

	require.ErrorIs(t, g.Init(context.Background()), ErrAlreadyInit)
}

func TestMalformedConfig(t *testing.T) {
	for _, config := range []string{
		`{`,
		`{"timeout_ms":5000}`,
		`{"addr":"127.0.0.1:9000","log_level":"loud"}`,
		`{"addr":"127.0.0.1:9000","codec":"yaml"}`,
	} {
		_, err := New(config)
		require.Error(t, err, config)
		require.Equal(t, ffi.WrappedError, ffi.Code(err), config)
	}
}

func TestClosedGateway(t *testing.T) {
	svr := startServer(t)
	g := loggedIn(t, svr, "alice")
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	require.ErrorIs(t, g.Talk(context.Background(), "hi"), ErrClosed)
	require.ErrorIs(t, g.Ping("alice", 1, func(ffi.ASCII, int64) {}), ErrClosed)
}

func TestAPIVersion(t *testing.T) {
	surface := Surface()
	require.Contains(t, surface, "op 1000 login(nickname string)")
	require.Contains(t, surface, "op 1004 ping(")
	require.Contains(t, surface, "push 2000 ")
	require.Equal(t, xxhash.Sum64String(surface), APIVersion())
	require.Equal(t, APIVersion(), APIVersion())

	lines := strings.Split(strings.TrimSpace(surface), "\n")
	require.Len(t, lines, len(remote.Ops())+1+len(boundaryShapes))
}

// scriptedServer verifies every connection and answers each tag in replies
// with the given JSON payload.
func scriptedServer(t *testing.T, replies map[uint32]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	replies[remote.TagVerify] = `{"session_id":7}`
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					h, f, err := codec.ReadFrame(conn)
					if err != nil {
						return
					}
					if h.MsgType != protocol.MsgTypeRequest {
						continue
					}
					resp := &message.Frame{Tag: f.Tag}
					if payload, ok := replies[f.Tag]; ok {
						resp.Payload = []byte(payload)
					} else {
						resp.Error = fmt.Sprintf("unknown tag %d", f.Tag)
					}
					codec.WriteFrame(conn, protocol.Header{MsgType: protocol.MsgTypeResponse, Seq: h.Seq}, resp)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestServerTextIsNotAnArgumentError(t *testing.T) {
	addr := scriptedServer(t, map[uint32]string{
		remote.TagGetUsers: `[{"nickname":"zoë","sessionid":7}]`,
		remote.TagLogin:    `{"success":true,"msg":"bienvenüe"}`,
	})
	core, logs := observer.New(zap.WarnLevel)
	g := newGateway(t, fmt.Sprintf(`{"addr":%q}`, addr), WithLogger(zap.New(core)))
	require.NoError(t, g.Init(context.Background()))

	called := false
	err := g.GetUsers(context.Background(), func(*ffi.UserSlice) { called = true })
	require.ErrorIs(t, err, ErrServerText)
	require.NotErrorIs(t, err, ffi.ErrNotASCII)
	require.Equal(t, ffi.WrappedError, ffi.Code(err))
	require.False(t, called)

	require.False(t, g.Login(context.Background(), "zoe", func(bool, ffi.ASCII) bool { called = true; return true }))
	require.False(t, called)
	failed := logs.FilterMessage("boundary call failed").FilterField(zap.String("op", "login")).All()
	require.Len(t, failed, 1)
	require.Equal(t, "wrapped_error", failed[0].ContextMap()["code"])
}

func TestControllerCountsIntoGatewaySink(t *testing.T) {
	svr := startServer(t)
	inm := metrics.NewInmemSink(time.Minute, time.Minute)
	g := newGateway(t, fmt.Sprintf(`{"addr":%q}`, svr.Addr()), WithMetricSink(inm))
	require.NoError(t, g.Init(context.Background()))
	require.NoError(t, g.GetUsers(context.Background(), func(*ffi.UserSlice) {}))

	frames := 0
	for _, interval := range inm.Data() {
		for _, c := range interval.Counters {
			if c.Name == "msg_gateway.gateway.controller.frame.count" {
				frames += c.Count
			}
		}
	}
	// The verify reply and the get_users reply.
	require.GreaterOrEqual(t, frames, 2)
}

package server

import (
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"msg-gateway/codec"
	"msg-gateway/message"
	"msg-gateway/protocol"
	"msg-gateway/remote"
)

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	svr := NewServer(opts)
	if err := svr.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

// rawClient speaks the wire protocol directly, one call at a time.
type rawClient struct {
	t      *testing.T
	conn   net.Conn
	seq    uint32
	codec  byte
	pushes []remote.ChatMessage
}

func dialRaw(t *testing.T, svr *Server) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn}
}

// call sends one request and returns its response, collecting any pushes
// that arrive first.
func (c *rawClient) call(tag uint32, args any) *message.Frame {
	c.t.Helper()
	var payload []byte
	if args != nil {
		payload, _ = json.Marshal(args)
	}
	c.seq++
	h := protocol.Header{CodecType: c.codec, MsgType: protocol.MsgTypeRequest, Seq: c.seq}
	if err := codec.WriteFrame(c.conn, h, &message.Frame{Tag: tag, Payload: payload}); err != nil {
		c.t.Fatal(err)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		rh, f, err := codec.ReadFrame(c.conn)
		if err != nil {
			c.t.Fatalf("read response for tag %d: %v", tag, err)
		}
		if rh.MsgType == protocol.MsgTypePush {
			c.collect(f)
			continue
		}
		if rh.Seq != c.seq {
			c.t.Fatalf("expect seq %d, got %d", c.seq, rh.Seq)
		}
		if rh.CodecType != c.codec {
			c.t.Fatalf("expect reply codec %d, got %d", c.codec, rh.CodecType)
		}
		if f.Tag != tag {
			c.t.Fatalf("expect reply tag %d, got %d", tag, f.Tag)
		}
		return f
	}
}

func (c *rawClient) collect(f *message.Frame) {
	var msg remote.ChatMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		c.t.Fatal(err)
	}
	c.pushes = append(c.pushes, msg)
}

// nextPush waits for one push frame.
func (c *rawClient) nextPush() remote.ChatMessage {
	c.t.Helper()
	if len(c.pushes) > 0 {
		msg := c.pushes[0]
		c.pushes = c.pushes[1:]
		return msg
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, f, err := codec.ReadFrame(c.conn)
	if err != nil {
		c.t.Fatalf("waiting for push: %v", err)
	}
	if h.MsgType != protocol.MsgTypePush || h.Seq != 0 || f.Tag != remote.TagMessage {
		c.t.Fatalf("expect chat push, got %s seq=%d tag=%d", h.MsgType, h.Seq, f.Tag)
	}
	c.collect(f)
	return c.nextPush()
}

func (c *rawClient) verify(sessionID int64) int64 {
	c.t.Helper()
	f := c.call(remote.TagVerify, &remote.Verify{ServiceName: "chat", SessionID: sessionID})
	if f.Failed() {
		c.t.Fatalf("verify failed: %s", f.Error)
	}
	var res remote.VerifyRes
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		c.t.Fatal(err)
	}
	return res.SessionID
}

func (c *rawClient) login(name string) remote.LogOnRes {
	c.t.Helper()
	f := c.call(remote.TagLogin, &remote.LogOn{Nickname: name})
	if f.Failed() {
		c.t.Fatalf("login failed: %s", f.Error)
	}
	var res remote.LogOnRes
	if err := json.Unmarshal(f.Payload, &res); err != nil {
		c.t.Fatal(err)
	}
	return res
}

func TestLoginAndRoster(t *testing.T) {
	svr := startServer(t, Options{})

	alice := dialRaw(t, svr)
	aliceID := alice.verify(0)
	if res := alice.login("alice"); !res.Success || res.Msg != "welcome alice" {
		t.Fatalf("unexpected login result %+v", res)
	}

	bob := dialRaw(t, svr)
	bob.codec = protocol.CodecTypeBinary
	bobID := bob.verify(0)
	bob.login("bob")
	if aliceID == bobID {
		t.Fatalf("sessions share id %d", aliceID)
	}

	if res := bob.login("bob"); res.Success {
		t.Fatal("second login on one session should be rejected")
	}
	carol := dialRaw(t, svr)
	carol.verify(0)
	if res := carol.login("alice"); res.Success {
		t.Fatal("duplicate nickname should be rejected")
	}

	f := carol.call(remote.TagGetUsers, nil)
	var users []remote.User
	if err := json.Unmarshal(f.Payload, &users); err != nil {
		t.Fatal(err)
	}
	want := []remote.User{{Nickname: "alice", SessionID: aliceID}, {Nickname: "bob", SessionID: bobID}}
	if len(users) != len(want) || users[0] != want[0] || users[1] != want[1] {
		t.Fatalf("expect roster %v, got %v", want, users)
	}
	if svr.Online() != 2 {
		t.Fatalf("expect 2 online, got %d", svr.Online())
	}
}

func TestCallsBeforeVerifyFail(t *testing.T) {
	svr := startServer(t, Options{})
	c := dialRaw(t, svr)

	f := c.call(remote.TagLogin, &remote.LogOn{Nickname: "alice"})
	if f.Error != ErrNotVerified.Error() {
		t.Fatalf("expect %q, got %q", ErrNotVerified, f.Error)
	}
}

func TestVerifyChecksKeyAndService(t *testing.T) {
	svr := startServer(t, Options{VerifyKey: "secret"})
	c := dialRaw(t, svr)

	f := c.call(remote.TagVerify, &remote.Verify{ServiceName: "chat", VerifyKey: "wrong"})
	if f.Error != ErrBadVerifyKey.Error() {
		t.Fatalf("expect key rejection, got %q", f.Error)
	}
	f = c.call(remote.TagVerify, &remote.Verify{ServiceName: "other", VerifyKey: "secret"})
	if !strings.Contains(f.Error, ErrWrongService.Error()) {
		t.Fatalf("expect service rejection, got %q", f.Error)
	}
	f = c.call(remote.TagVerify, &remote.Verify{ServiceName: "chat", VerifyKey: "secret"})
	if f.Failed() {
		t.Fatalf("expect verify to pass, got %q", f.Error)
	}
}

func TestVerifyKeepsSessionID(t *testing.T) {
	svr := startServer(t, Options{})

	first := dialRaw(t, svr)
	id := first.verify(0)
	first.conn.Close()

	// Wait for the server to notice the drop.
	deadline := time.Now().Add(2 * time.Second)
	for svr.HasSession(id) {
		if time.Now().After(deadline) {
			t.Fatal("session never released")
		}
		time.Sleep(10 * time.Millisecond)
	}

	again := dialRaw(t, svr)
	if got := again.verify(id); got != id {
		t.Fatalf("expect session id %d to be kept, got %d", id, got)
	}

	// An id held by a live session is not handed out twice.
	other := dialRaw(t, svr)
	if got := other.verify(id); got == id {
		t.Fatalf("session id %d assigned twice", id)
	}
}

func TestTalkAndTo(t *testing.T) {
	svr := startServer(t, Options{})

	alice := dialRaw(t, svr)
	alice.verify(0)
	alice.login("alice")
	bob := dialRaw(t, svr)
	bob.verify(0)
	bob.login("bob")

	if f := alice.call(remote.TagTalk, &remote.TalkArgs{Msg: "hi all"}); f.Failed() {
		t.Fatalf("talk failed: %s", f.Error)
	}
	if msg := bob.nextPush(); msg.From != "alice" || msg.Msg != "hi all" || msg.Target != "" {
		t.Fatalf("unexpected broadcast %+v", msg)
	}

	if f := bob.call(remote.TagTo, &remote.ToArgs{Target: "alice", Msg: "psst"}); f.Failed() {
		t.Fatalf("to failed: %s", f.Error)
	}
	if msg := alice.nextPush(); msg.From != "bob" || msg.Target != "alice" || msg.Msg != "psst" {
		t.Fatalf("unexpected direct message %+v", msg)
	}
	if len(alice.pushes) != 0 {
		t.Fatalf("talk must not echo to the sender, got %v", alice.pushes)
	}

	f := bob.call(remote.TagTo, &remote.ToArgs{Target: "carol", Msg: "hello"})
	if !strings.Contains(f.Error, "carol") {
		t.Fatalf("expect offline error naming carol, got %q", f.Error)
	}

	anon := dialRaw(t, svr)
	anon.verify(0)
	if f := anon.call(remote.TagTalk, &remote.TalkArgs{Msg: "?"}); f.Error != ErrNotLoggedIn.Error() {
		t.Fatalf("expect %q, got %q", ErrNotLoggedIn, f.Error)
	}
}

func TestPing(t *testing.T) {
	svr := startServer(t, Options{})
	alice := dialRaw(t, svr)
	alice.verify(0)
	alice.login("alice")

	f := alice.call(remote.TagPing, &remote.PingArgs{Target: "alice", Time: 1620000000})
	var echoed int64
	if err := json.Unmarshal(f.Payload, &echoed); err != nil {
		t.Fatal(err)
	}
	if echoed != 1620000000 {
		t.Fatalf("expect echoed time, got %d", echoed)
	}

	f = alice.call(remote.TagPing, &remote.PingArgs{Target: "nobody", Time: 1})
	if !f.Failed() {
		t.Fatal("ping to an offline user should fail")
	}
}

func TestUnknownTag(t *testing.T) {
	svr := startServer(t, Options{})
	c := dialRaw(t, svr)
	c.verify(0)

	f := c.call(remote.TagMessage, nil)
	if f.Error != "unknown tag 2000" {
		t.Fatalf("unexpected error %q", f.Error)
	}
	f = c.call(remote.TagLogin, json.RawMessage(`"not an object"`))
	if !strings.HasPrefix(f.Error, "decode login args") {
		t.Fatalf("unexpected error %q", f.Error)
	}
}

func TestLogoutOnDisconnect(t *testing.T) {
	svr := startServer(t, Options{})
	alice := dialRaw(t, svr)
	alice.verify(0)
	alice.login("alice")
	if svr.Online() != 1 {
		t.Fatalf("expect 1 online, got %d", svr.Online())
	}

	alice.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for svr.Online() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("user still online after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

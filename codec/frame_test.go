package codec

import (
	"bytes"
	"testing"

	"msg-gateway/message"
	"msg-gateway/protocol"
)

func TestWriteReadFrame(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		var buf bytes.Buffer
		h := protocol.Header{
			CodecType:  protocol.CodecTypeBinary,
			Compressed: compressed,
			MsgType:    protocol.MsgTypeResponse,
			Seq:        7,
		}
		want := &message.Frame{Tag: 1000, Payload: []byte(`{"success":true,"msg":"welcome alice"}`)}
		if err := WriteFrame(&buf, h, want); err != nil {
			t.Fatalf("WriteFrame(compressed=%v): %v", compressed, err)
		}

		gotH, got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(compressed=%v): %v", compressed, err)
		}
		if gotH.Seq != 7 || gotH.Compressed != compressed {
			t.Fatalf("unexpected header %+v", *gotH)
		}
		checkFrame(t, got, want)
	}
}

func TestReadHeartbeatFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
		t.Fatal(err)
	}
	h, f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.MsgType != protocol.MsgTypeHeartbeat || f != nil {
		t.Fatalf("expected bare heartbeat, got %+v %+v", h, f)
	}
}

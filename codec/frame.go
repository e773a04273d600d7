package codec

import (
	"fmt"
	"io"

	"msg-gateway/message"
	"msg-gateway/protocol"
)

// WriteFrame encodes f with the codec named in h, compresses it when
// h.Compressed is set, and writes the resulting protocol frame to w.
// A nil f writes an empty body, which is what heartbeats carry.
func WriteFrame(w io.Writer, h protocol.Header, f *message.Frame) error {
	var body []byte
	if f != nil {
		var err error
		body, err = GetCodec(CodecType(h.CodecType)).Encode(f)
		if err != nil {
			return err
		}
		if h.Compressed {
			body = Compress(body)
		}
	}
	h.BodyLen = uint32(len(body))
	return protocol.Encode(w, &h, body)
}

// ReadFrame reads one protocol frame from r and decodes its envelope.
// Heartbeat frames are returned with a nil *message.Frame.
func ReadFrame(r io.Reader) (*protocol.Header, *message.Frame, error) {
	h, body, err := protocol.Decode(r)
	if err != nil {
		return nil, nil, err
	}
	if h.MsgType == protocol.MsgTypeHeartbeat {
		return h, nil, nil
	}
	if h.Compressed {
		if body, err = Decompress(body); err != nil {
			return nil, nil, err
		}
	}

	f := &message.Frame{}
	if err := GetCodec(CodecType(h.CodecType)).Decode(body, f); err != nil {
		return nil, nil, fmt.Errorf("codec: decode %s frame seq=%d: %w", h.MsgType, h.Seq, err)
	}
	return h, f, nil
}

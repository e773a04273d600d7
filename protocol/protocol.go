// Package protocol implements the frame format spoken between the gateway's
// client and the chat server.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes, so frames never bleed into each other on the TCP
// stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ nxm  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The high bit of the codec byte (ct) marks an s2-compressed body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "nxm" identify a gateway frame and reject stray connections.
const (
	MagicNumber byte = 0x6e // 'n'
	MagicByte2  byte = 0x78 // 'x'
	MagicByte3  byte = 0x6d // 'm'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body. Larger frames are treated as a
	// protocol violation and the connection is dropped.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes the kinds of frame that share one connection.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // client → server call
	MsgTypeResponse  MsgType = 1 // server → client reply, same Seq as the request
	MsgTypeHeartbeat MsgType = 2 // keepalive, no body
	MsgTypePush      MsgType = 3 // server → client notification, Seq is zero
)

func (m MsgType) String() string {
	switch m {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypePush:
		return "push"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(m))
	}
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1

	// FlagCompressed is OR-ed into the codec byte when the body is s2-compressed.
	FlagCompressed byte = 0x80
)

var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic number")
	ErrVersion         = errors.New("protocol: unsupported version")
	ErrCodecType       = errors.New("protocol: unsupported codec type")
	ErrMsgType         = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge    = errors.New("protocol: body exceeds maximum frame size")
	ErrBodyLenMismatch = errors.New("protocol: header body length does not match body")
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType  byte    // 0=JSON, 1=Binary
	Compressed bool    // body is s2-compressed
	MsgType    MsgType // request, response, heartbeat or push
	Seq        uint32  // correlates a response with its request
	BodyLen    uint32
}

// Encode writes a complete frame to w. Callers sharing w across goroutines
// must hold a write lock for the whole call.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return ErrBodyLenMismatch
	}
	if h.BodyLen > MaxBodyLen {
		return ErrBodyTooLarge
	}

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	if h.Compressed {
		buf[4] |= FlagCompressed
	}
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)

	// One Write per frame keeps header and body together even on writers
	// that are not buffered.
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrVersion, headerBuf[3])
	}

	compressed := headerBuf[4]&FlagCompressed != 0
	codecType := headerBuf[4] &^ FlagCompressed
	if codecType != CodecTypeJSON && codecType != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: %d", ErrCodecType, codecType)
	}

	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypePush {
		return nil, nil, fmt.Errorf("%w: %d", ErrMsgType, headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType:  codecType,
		Compressed: compressed,
		MsgType:    msgType,
		Seq:        seq,
		BodyLen:    bodyLen,
	}, body, nil
}

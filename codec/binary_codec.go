package codec

import (
	"encoding/binary"
	"errors"

	"msg-gateway/message"
)

var (
	ErrNotFrame  = errors.New("codec: value must be *message.Frame")
	ErrTruncated = errors.New("codec: truncated binary frame")
)

// BinaryCodec lays a Frame out as:
//
//	tag uint32 | payloadLen uint32 | payload | errLen uint16 | error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Frame)
	if !ok {
		return nil, ErrNotFrame
	}
	errText := msg.Error
	if len(errText) > 0xFFFF {
		errText = errText[:0xFFFF]
	}

	total := 4 + 4 + len(msg.Payload) + 2 + len(errText)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint32(buf[offset:offset+4], msg.Tag)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	copy(buf[offset:], msg.Payload)
	offset += len(msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(errText)))
	offset += 2
	copy(buf[offset:], errText)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Frame)
	if !ok {
		return ErrNotFrame
	}

	if len(data) < 8 {
		return ErrTruncated
	}
	offset := 0
	msg.Tag = binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4

	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen+2 {
		return ErrTruncated
	}
	msg.Payload = make([]byte, payloadLen)
	copy(msg.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	errLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+errLen {
		return ErrTruncated
	}
	msg.Error = string(data[offset : offset+errLen])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// Package codec serializes message.Frame envelopes and, optionally,
// compresses frame bodies.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"

	"msg-gateway/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a codec type. An empty name
// selects JSON.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Compress returns the s2 block encoding of body.
func Compress(body []byte) []byte {
	return s2.Encode(nil, body)
}

// ErrTooLarge reports a compressed body that would expand past
// protocol.MaxBodyLen.
var ErrTooLarge = errors.New("codec: decompressed body too large")

// Decompress reverses Compress. The declared length is checked before
// anything is allocated.
func Decompress(body []byte) ([]byte, error) {
	n, err := s2.DecodedLen(body)
	if err != nil {
		return nil, fmt.Errorf("codec: s2 decode: %w", err)
	}
	if uint64(n) > uint64(protocol.MaxBodyLen) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	out, err := s2.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("codec: s2 decode: %w", err)
	}
	return out, nil
}

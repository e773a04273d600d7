package codec

import (
	"encoding/json"
)

// JSONCodec encodes envelopes with encoding/json. Payload bytes travel as
// base64, which keeps the envelope readable when debugging a capture.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

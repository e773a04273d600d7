// Package message defines the envelope carried in the body of every frame.
//
// A Frame is serialized by the codec layer and wrapped in a protocol frame
// for transmission.
package message

// Frame carries one tagged call, its reply, or a server push.
//
//   - On request:  Tag names the remote operation, Payload holds the encoded arguments.
//   - On response: Payload holds the encoded result, Error is non-empty if the call failed.
//   - On push:     Tag names the notification kind, Payload holds its body.
type Frame struct {
	Tag     uint32 `json:"tag"`
	Error   string `json:"error,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Failed reports whether the frame carries a remote error.
func (f *Frame) Failed() bool {
	return f.Error != ""
}

package message

import (
	"encoding/json"
	"testing"
)

func TestFrameJSON(t *testing.T) {
	req := &Frame{
		Tag:     1000,
		Payload: []byte(`{"nickname":"alice"}`),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}

	var got Frame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to unmarshal frame: %v", err)
	}
	if got.Tag != 1000 || string(got.Payload) != string(req.Payload) {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if got.Failed() {
		t.Fatal("frame without error must not report failure")
	}
}

func TestFrameFailed(t *testing.T) {
	f := &Frame{Error: "user offline"}
	if !f.Failed() {
		t.Fatal("expected Failed to be true")
	}
}

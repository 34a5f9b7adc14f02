package wire

import (
	"bytes"
	"testing"
)

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := Command{
		Kind: CommandExecute,
		Execute: &ExecuteCommand{
			Category: "bank",
			ID:       "a1",
			Command:  "Deposit",
			Payload:  []byte(`{"amount":50}`),
		},
	}

	raw, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	decoded, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if decoded.Kind != CommandExecute || decoded.Execute == nil {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Execute.Command != "Deposit" {
		t.Fatalf("decoded.Execute.Command = %q, want Deposit", decoded.Execute.Command)
	}
}

func TestResponseEncodeDecodeRoundTrip(t *testing.T) {
	resp := Response{
		Kind: ResponseExecuted,
		Events: []EventOut{
			{Type: "Deposited", Payload: []byte("x"), StreamID: 2, GlobalID: 5},
		},
	}
	raw, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	decoded, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(decoded.Events) != 1 || decoded.Events[0].GlobalID != 5 {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestBlobWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	blob := []byte("wasm-bytes-here")
	if err := WriteBlob(&buf, blob); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	got, err := ReadBlob(&buf)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("ReadBlob = %q, want %q", got, blob)
	}
}

func TestBlobRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBlob(&buf, nil); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	got, err := ReadBlob(&buf)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ReadBlob = %v, want empty", got)
	}
}

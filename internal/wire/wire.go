// Package wire defines the gateway's external command/response envelopes
// and their encoding: a tagged record carried as compact binary
// (msgpack, matching the registry and log store's own encoding), with
// module-publish blobs framed separately behind a little-endian
// 32-bit length prefix, exactly as the external interface requires.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Command kinds.
const (
	CommandExecute = "execute"
	CommandPublish = "publish"
)

// Command is the tagged wire record the gateway accepts. Exactly one of
// Execute or Publish is populated, selected by Kind.
type Command struct {
	Kind    string          `msgpack:"kind"`
	Execute *ExecuteCommand `msgpack:"execute,omitempty"`
	Publish *PublishCommand `msgpack:"publish,omitempty"`
}

// ExecuteCommand addresses a single command at an aggregate instance.
// TimeoutMillis of 0 means "use the gateway's default timeout".
type ExecuteCommand struct {
	Category      string            `msgpack:"category"`
	ID            string            `msgpack:"id"`
	Command       string            `msgpack:"command"`
	Payload       []byte            `msgpack:"payload"`
	TimeoutMillis int64             `msgpack:"timeout_millis,omitempty"`
	CorrelationID string            `msgpack:"correlation_id,omitempty"`
	CausationID   string            `msgpack:"causation_id,omitempty"`
	Extra         map[string]string `msgpack:"extra,omitempty"`
}

// PublishCommand announces a module publication; the raw module bytes
// follow on the wire as a separate length-prefixed blob (see
// WriteBlob/ReadBlob), not inlined into this envelope.
type PublishCommand struct {
	Name          string `msgpack:"name"`
	Version       string `msgpack:"version"`
	TimeoutMillis int64  `msgpack:"timeout_millis,omitempty"`
}

// Response kinds.
const (
	ResponseExecuted  = "executed"
	ResponsePublished = "published"
	ResponseError     = "error"
)

// Response is the tagged wire record the gateway returns.
type Response struct {
	Kind     string       `msgpack:"kind"`
	Events   []EventOut   `msgpack:"events,omitempty"`
	TimedOut bool         `msgpack:"timed_out,omitempty"`
	Error    *ErrorDetail `msgpack:"error,omitempty"`
}

// EventOut is one appended event as returned to the command submitter.
type EventOut struct {
	Type     string `msgpack:"type"`
	Payload  []byte `msgpack:"payload"`
	StreamID uint64 `msgpack:"stream_id"`
	GlobalID uint64 `msgpack:"global_id"`
}

// ErrorDetail carries a structured error's kind and human-readable
// message; the kind is never rewritten to another kind in transit.
type ErrorDetail struct {
	Kind    string `msgpack:"kind"`
	Message string `msgpack:"message"`
}

// EncodeCommand serializes a Command for transport.
func EncodeCommand(cmd Command) ([]byte, error) { return msgpack.Marshal(cmd) }

// DecodeCommand parses a Command received over transport.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	err := msgpack.Unmarshal(raw, &cmd)
	return cmd, err
}

// EncodeResponse serializes a Response for transport.
func EncodeResponse(resp Response) ([]byte, error) { return msgpack.Marshal(resp) }

// DecodeResponse parses a Response received over transport.
func DecodeResponse(raw []byte) (Response, error) {
	var resp Response
	err := msgpack.Unmarshal(raw, &resp)
	return resp, err
}

// WriteBlob frames a module-publish payload behind a little-endian
// 32-bit length prefix, as required for the bytes that follow a Publish
// envelope.
func WriteBlob(w io.Writer, blob []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(blob)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write blob length: %w", err)
	}
	if _, err := w.Write(blob); err != nil {
		return fmt.Errorf("wire: write blob body: %w", err)
	}
	return nil
}

// ReadBlob reads a length-prefixed module-publish payload written by
// WriteBlob.
func ReadBlob(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("wire: read blob length: %w", err)
	}
	size := binary.LittleEndian.Uint32(header)
	blob := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("wire: read blob body: %w", err)
		}
	}
	return blob, nil
}
